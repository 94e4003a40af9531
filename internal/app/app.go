// Package app is the UI controller. It runs store operations behind the
// action-state gates and drives the request pipeline.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"slices"
	"strings"
	"sync"

	"chatstate/internal/action"
	"chatstate/internal/models"
	"chatstate/internal/pipeline"
	"chatstate/internal/store"
)

var (
	ErrExportBusy     = errors.New("export already running")
	ErrSessionChanged = errors.New("active session changed during request")
)

// Options configures an App.
type Options struct {
	// PublicURL is the root of share links. Empty yields relative links.
	PublicURL string
}

// App owns the store and the action state.
type App struct {
	Store   *store.Store
	Actions *action.Machine

	pipeline  pipeline.Completer
	publicURL string

	// deleteMu guards deleteTarget, the session the raised delete flag belongs to.
	deleteMu     sync.Mutex
	deleteTarget string
}

// New wires an App.
func New(st *store.Store, actions *action.Machine, p pipeline.Completer, opts Options) *App {
	return &App{
		Store:     st,
		Actions:   actions,
		pipeline:  p,
		publicURL: strings.TrimRight(opts.PublicURL, "/"),
	}
}

// SwitchSession activates id and resets the action state when it changed.
func (a *App) SwitchSession(ctx context.Context, id string) error {
	if id == a.Store.ActiveID() {
		return nil
	}
	if err := a.Store.SwitchSession(ctx, id); err != nil {
		return err
	}
	a.Actions.Reset()
	return nil
}

// CreateSession adds and activates a session.
func (a *App) CreateSession(ctx context.Context, id string) (string, error) {
	id, err := a.Store.CreateSession(ctx, id)
	if err != nil {
		return "", err
	}
	a.Actions.Reset()
	return id, nil
}

// DeleteSession deletes id on the second call while deleteSessionConfirm is
// raised for the same id. The first call only raises the flag; a call for a
// different id counts as a new first call. It reports whether it deleted.
func (a *App) DeleteSession(ctx context.Context, id string) (bool, error) {
	a.deleteMu.Lock()
	if a.Actions.State().DeleteSessionConfirm && a.deleteTarget != id {
		a.Actions.CancelConfirm()
	}
	if !a.Actions.RequestDelete() {
		a.deleteTarget = id
		a.deleteMu.Unlock()
		return false, nil
	}
	a.deleteTarget = ""
	a.deleteMu.Unlock()
	if err := a.Store.DeleteSession(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

// ClearMessages is DeleteSession for clearing the active conversation.
func (a *App) ClearMessages() bool {
	if !a.Actions.RequestClear() {
		return false
	}
	a.Store.ClearMessages()
	return true
}

// Copy returns the clipboard text for message id and arms the copy feedback.
func (a *App) Copy(id string, kind models.CopyResult) (string, error) {
	msg, ok := a.Store.Message(id)
	if !ok {
		return "", &models.NotFoundError{Kind: "message", ID: id}
	}
	var text string
	switch kind {
	case models.CopyMarkdown:
		text = msg.Content
	case models.CopyLink:
		text = a.ShareLink(a.Store.ActiveID(), id)
	default:
		return "", &models.ConfigError{Key: "kind", Value: kind, Err: errors.New("unknown copy kind")}
	}
	if err := a.Actions.Copied(kind); err != nil {
		return "", err
	}
	return text, nil
}

// ShareLink builds a link that opens sessionID scrolled to messageID.
func (a *App) ShareLink(sessionID, messageID string) string {
	path := "/"
	if sessionID != models.DefaultSessionID {
		path = "/session/" + url.PathEscape(sessionID)
	}
	return a.publicURL + path + "#" + url.PathEscape(messageID)
}

// ExportImage runs render while genImg shows progress. The render error, if
// any, is returned and reflected in genImg.
func (a *App) ExportImage(ctx context.Context, render func(ctx context.Context, v store.View) error) error {
	if !a.Actions.StartExport() {
		return ErrExportBusy
	}
	err := render(ctx, a.Store.Snapshot())
	a.Actions.FinishExport(err)
	return err
}

// Send appends content and requests the reply. With a fake role set the
// message is appended as that role, nothing is requested and the role resets.
func (a *App) Send(ctx context.Context, content string, onDelta func(string) error) (models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return models.Message{}, &models.ConfigError{Key: "content", Value: content, Err: errors.New("empty message")}
	}
	if fake := a.Actions.State().FakeRole; fake != models.FakeRoleNormal {
		msg, err := a.Store.Append(models.Message{Role: models.Role(fake), Content: content})
		if err != nil {
			return models.Message{}, err
		}
		_ = a.Actions.SetFakeRole(models.FakeRoleNormal)
		return msg, nil
	}
	if _, err := a.Store.Append(models.Message{Role: models.RoleUser, Content: content}); err != nil {
		return models.Message{}, err
	}
	return a.generate(ctx, onDelta)
}

// ReAnswer truncates the history at id and requests a new reply. The history
// is left untouched when no user message would remain to answer.
func (a *App) ReAnswer(ctx context.Context, id string, onDelta func(string) error) (models.Message, error) {
	msgs := a.Store.Snapshot().Messages
	i := slices.IndexFunc(msgs, func(m models.Message) bool { return m.ID == id })
	if i < 0 {
		return models.Message{}, &models.NotFoundError{Kind: "message", ID: id}
	}
	cut := i
	if msgs[i].Role != models.RoleAssistant {
		cut = i + 1
	}
	if !slices.ContainsFunc(msgs[:cut], func(m models.Message) bool { return m.Role == models.RoleUser }) {
		return models.Message{}, &models.NotFoundError{Kind: "user message before", ID: id}
	}
	if _, err := a.Store.ReAnswer(id); err != nil {
		return models.Message{}, err
	}
	return a.generate(ctx, onDelta)
}

// generate asks the pipeline for a reply to the active session. A failure is
// recorded as an assistant message carrying the error text so it can be
// re-answered.
func (a *App) generate(ctx context.Context, onDelta func(string) error) (models.Message, error) {
	sessionID := a.Store.ActiveID()
	req := pipeline.Request{
		Messages: a.Store.Context(),
		Settings: a.Store.SessionSettings(),
		Global:   a.Store.Global(),
	}
	reply, err := a.pipeline.Complete(ctx, req, onDelta)
	if a.Store.ActiveID() != sessionID {
		log.Printf("drop reply for %s: %v", sessionID, ErrSessionChanged)
		return models.Message{}, ErrSessionChanged
	}
	if err != nil {
		failed, appendErr := a.Store.Append(models.Message{Role: models.RoleAssistant, Content: err.Error()})
		if appendErr != nil {
			return models.Message{}, fmt.Errorf("record failure: %w", appendErr)
		}
		return failed, err
	}
	return a.Store.Append(reply)
}
