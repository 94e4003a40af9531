package storage

import "context"

// Invalidation scopes.
const (
	ScopeSession = "session"
	ScopeRemoved = "removed"
	ScopeGlobal  = "global"
)

// Invalidation announces that another instance changed a stored record.
type Invalidation struct {
	Source    string `json:"source"`
	Scope     string `json:"scope"`
	SessionID string `json:"session_id,omitempty"`
}

// Watcher is implemented by backends shared between processes. Watch calls fn
// for every change made by another instance until ctx ends. It returns once
// the subscription is live.
type Watcher interface {
	Watch(ctx context.Context, fn func(Invalidation)) error
}
