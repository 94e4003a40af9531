package app

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"chatstate/internal/action"
	"chatstate/internal/models"
	"chatstate/internal/pipeline"
	"chatstate/internal/storage"
	"chatstate/internal/store"
)

type fakeCompleter struct {
	reply string
	err   error
	last  pipeline.Request
	calls int
}

func (f *fakeCompleter) Complete(_ context.Context, req pipeline.Request, onDelta func(string) error) (models.Message, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return models.Message{}, f.err
	}
	if onDelta != nil {
		if err := onDelta(f.reply); err != nil {
			return models.Message{}, err
		}
	}
	return models.Message{Role: models.RoleAssistant, Content: f.reply}, nil
}

type manualTimer struct{}

func (manualTimer) Stop() bool { return true }

func newTestApp(t *testing.T, p pipeline.Completer) *App {
	t.Helper()
	st := store.New(storage.NewMemory(), store.Options{
		GlobalDefaults: models.GlobalSettings{EnterToSend: true, Lang: "en"},
		SessionDefaults: models.SessionSettings{
			SaveSession:        true,
			APITemperature:     0.6,
			ContinuousDialogue: true,
			Model:              models.ModelGPT4oMini,
		},
	})
	st.Init(context.Background())
	am := action.New(action.Options{AfterFunc: func(time.Duration, func()) action.Timer { return manualTimer{} }})
	return New(st, am, p, Options{PublicURL: "https://chat.example.com/"})
}

func roles(msgs []models.Message) []models.Role {
	out := make([]models.Role, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Role)
	}
	return out
}

func TestDeleteSessionNeedsConfirmation(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, &fakeCompleter{})
	if _, err := a.CreateSession(ctx, "work"); err != nil {
		t.Fatalf("create: %v", err)
	}
	deleted, err := a.DeleteSession(ctx, "work")
	if err != nil || deleted {
		t.Fatalf("first call deleted=%v err=%v", deleted, err)
	}
	if !a.Actions.State().DeleteSessionConfirm {
		t.Fatalf("flag not raised")
	}
	if a.Store.ActiveID() != "work" {
		t.Fatalf("session deleted on first call")
	}
	deleted, err = a.DeleteSession(ctx, "work")
	if err != nil || !deleted {
		t.Fatalf("second call deleted=%v err=%v", deleted, err)
	}
	if a.Actions.State().DeleteSessionConfirm {
		t.Fatalf("flag not reset")
	}
	if a.Store.ActiveID() != models.DefaultSessionID {
		t.Fatalf("active = %s", a.Store.ActiveID())
	}
}

func TestDeleteConfirmationIsPerSession(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, &fakeCompleter{})
	for _, id := range []string{"keep", "other"} {
		if _, err := a.CreateSession(ctx, id); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if deleted, err := a.DeleteSession(ctx, "other"); err != nil || deleted {
		t.Fatalf("first call deleted=%v err=%v", deleted, err)
	}
	if deleted, err := a.DeleteSession(ctx, "keep"); err != nil || deleted {
		t.Fatalf("call for another session deleted=%v err=%v", deleted, err)
	}
	if !a.Actions.State().DeleteSessionConfirm {
		t.Fatalf("flag not raised for the new target")
	}
	want := []string{models.DefaultSessionID, "keep", "other"}
	if ids := a.Store.SessionIDs(); !reflect.DeepEqual(ids, want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	if deleted, err := a.DeleteSession(ctx, "keep"); err != nil || !deleted {
		t.Fatalf("confirmed call deleted=%v err=%v", deleted, err)
	}
	want = []string{models.DefaultSessionID, "other"}
	if ids := a.Store.SessionIDs(); !reflect.DeepEqual(ids, want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
}

func TestClearMessagesNeedsConfirmation(t *testing.T) {
	a := newTestApp(t, &fakeCompleter{})
	if _, err := a.Store.Append(models.Message{Role: models.RoleUser, Content: "x"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if a.ClearMessages() {
		t.Fatalf("cleared without confirmation")
	}
	if !a.ClearMessages() {
		t.Fatalf("confirmation ignored")
	}
	if n := len(a.Store.Snapshot().Messages); n != 0 {
		t.Fatalf("messages left: %d", n)
	}
}

func TestSendAppendsReply(t *testing.T) {
	p := &fakeCompleter{reply: "pong"}
	a := newTestApp(t, p)
	var streamed string
	reply, err := a.Send(context.Background(), " ping ", func(s string) error {
		streamed = s
		return nil
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply.Content != "pong" || reply.ID == "" || streamed != "pong" {
		t.Fatalf("reply = %+v streamed=%q", reply, streamed)
	}
	msgs := a.Store.Snapshot().Messages
	if !reflect.DeepEqual(roles(msgs), []models.Role{models.RoleUser, models.RoleAssistant}) || msgs[0].Content != "ping" {
		t.Fatalf("messages = %+v", msgs)
	}
	if p.last.Settings.Model != models.ModelGPT4oMini || len(p.last.Messages) != 1 {
		t.Fatalf("request = %+v", p.last)
	}
}

func TestSendWithFakeRole(t *testing.T) {
	p := &fakeCompleter{reply: "unused"}
	a := newTestApp(t, p)
	a.Actions.CycleFakeRole()
	a.Actions.CycleFakeRole()
	msg, err := a.Send(context.Background(), "scripted answer", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Role != models.RoleAssistant || p.calls != 0 {
		t.Fatalf("msg=%+v calls=%d", msg, p.calls)
	}
	if a.Actions.State().FakeRole != models.FakeRoleNormal {
		t.Fatalf("fake role not reset")
	}
}

func TestSendFailureIsRecorded(t *testing.T) {
	p := &fakeCompleter{err: &models.QuotaError{Err: errors.New("429 quota")}}
	a := newTestApp(t, p)
	failed, err := a.Send(context.Background(), "hi", nil)
	var qe *models.QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if failed.Role != models.RoleAssistant || !strings.Contains(failed.Content, "429") {
		t.Fatalf("failed message = %+v", failed)
	}
	p.err = nil
	p.reply = "ok now"
	reply, err := a.ReAnswer(context.Background(), failed.ID, nil)
	if err != nil {
		t.Fatalf("reanswer: %v", err)
	}
	msgs := a.Store.Snapshot().Messages
	if len(msgs) != 2 || msgs[1].ID != reply.ID || msgs[1].Content != "ok now" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestReAnswerWithoutQuestion(t *testing.T) {
	p := &fakeCompleter{reply: "x"}
	a := newTestApp(t, p)
	if _, err := a.Store.Append(models.Message{Role: models.RoleSystem, Content: "be brief", Type: models.MessageLocked}); err != nil {
		t.Fatalf("append: %v", err)
	}
	m, _ := a.Store.Append(models.Message{Role: models.RoleAssistant, Content: "hello"})
	before := a.Store.Snapshot().Messages
	if _, err := a.ReAnswer(context.Background(), m.ID, nil); !models.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if after := a.Store.Snapshot().Messages; !reflect.DeepEqual(after, before) {
		t.Fatalf("history changed on failed re-answer: %v -> %v", roles(before), roles(after))
	}
	if p.calls != 0 {
		t.Fatalf("pipeline called %d times", p.calls)
	}
	if _, err := a.ReAnswer(context.Background(), "missing", nil); !models.IsNotFound(err) {
		t.Fatalf("expected not found for unknown id, got %v", err)
	}
}

func TestCopy(t *testing.T) {
	a := newTestApp(t, &fakeCompleter{})
	m, _ := a.Store.Append(models.Message{Role: models.RoleAssistant, Content: "**bold**"})
	text, err := a.Copy(m.ID, models.CopyMarkdown)
	if err != nil || text != "**bold**" {
		t.Fatalf("copy markdown = %q %v", text, err)
	}
	if a.Actions.State().Success != models.CopyMarkdown {
		t.Fatalf("success = %s", a.Actions.State().Success)
	}
	text, err = a.Copy(m.ID, models.CopyLink)
	if err != nil || text != "https://chat.example.com/#"+m.ID {
		t.Fatalf("copy link = %q %v", text, err)
	}
	if _, err := a.Copy("missing", models.CopyMarkdown); !models.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestExportImage(t *testing.T) {
	a := newTestApp(t, &fakeCompleter{})
	renderErr := errors.New("canvas failed")
	err := a.ExportImage(context.Background(), func(ctx context.Context, v store.View) error {
		if a.Actions.State().GenImg != models.ImageLoading {
			t.Fatalf("genImg during render = %s", a.Actions.State().GenImg)
		}
		return renderErr
	})
	if !errors.Is(err, renderErr) || a.Actions.State().GenImg != models.ImageError {
		t.Fatalf("err=%v genImg=%s", err, a.Actions.State().GenImg)
	}
}

func TestSwitchSessionResetsActions(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, &fakeCompleter{})
	_ = a.Actions.OpenSetting(models.PanelSession)
	a.Actions.RequestDelete()
	if err := a.SwitchSession(ctx, models.DefaultSessionID); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if a.Actions.State().ShowSetting != models.PanelSession {
		t.Fatalf("switch to active session reset the action state")
	}
	if err := a.SwitchSession(ctx, "other"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if a.Actions.State() != models.DefaultActionState() {
		t.Fatalf("state = %+v", a.Actions.State())
	}
}
