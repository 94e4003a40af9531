package models

import (
	"errors"
	"fmt"
)

// ConfigError reports an invalid settings value. Callers fall back to the default.
type ConfigError struct {
	Key   string
	Value any
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid setting %s=%v: %v", e.Key, e.Value, e.Err)
	}
	return fmt.Sprintf("invalid setting %s=%v", e.Key, e.Value)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NotFoundError reports a missing message or session.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// PersistenceError reports a storage failure. In-memory state stays authoritative.
type PersistenceError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *PersistenceError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("persist %s %s: %v", e.Op, e.SessionID, e.Err)
	}
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NetworkError reports a transport failure talking to the model provider.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// AuthError reports a rejected or missing credential.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// QuotaError reports a rate limit, exhausted quota or oversized request.
type QuotaError struct {
	Err error
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota error: %v", e.Err)
}

func (e *QuotaError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err carries a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConfig reports whether err carries a ConfigError.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
