package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"chatstate/internal/config"
	"chatstate/internal/models"
)

type fakeChat struct {
	reply    string
	err      error
	lastIn   []*schema.Message
	lastOpts *model.Options
}

func (f *fakeChat) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	f.lastIn = input
	f.lastOpts = model.GetCommonOptions(nil, opts...)
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func (f *fakeChat) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.lastIn = input
	f.lastOpts = model.GetCommonOptions(nil, opts...)
	if f.err != nil {
		return nil, f.err
	}
	var chunks []*schema.Message
	for _, part := range strings.SplitAfter(f.reply, " ") {
		chunks = append(chunks, schema.AssistantMessage(part, nil))
	}
	return schema.StreamReaderFromArray(chunks), nil
}

func newTestService(chat *fakeChat) (*Service, *[]string) {
	cfg := config.Default()
	cfg.Defaults.OpenAIAPIKey = "server-key"
	cfg.Defaults.Password = "letmein"
	var keys []string
	s := NewService(cfg, func(_ context.Context, _ models.Model, key string) (model.BaseChatModel, error) {
		keys = append(keys, key)
		return chat, nil
	})
	return s, &keys
}

func userMsg(content string) models.Message {
	return models.Message{Role: models.RoleUser, Content: content, Type: models.MessageNormal}
}

func TestCompleteUsesSettings(t *testing.T) {
	chat := &fakeChat{reply: "hello there"}
	s, keys := newTestService(chat)
	req := Request{
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "be brief", Type: models.MessageLocked},
			userMsg("hi"),
		},
		Settings: models.SessionSettings{Model: models.ModelGPT4o, APITemperature: 1.2},
		Global:   models.GlobalSettings{APIKey: "user-key"},
	}
	out, err := s.Complete(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out.Role != models.RoleAssistant || out.Content != "hello there" {
		t.Fatalf("reply = %+v", out)
	}
	if len(chat.lastIn) != 2 || chat.lastIn[0].Role != schema.System {
		t.Fatalf("input = %+v", chat.lastIn)
	}
	if chat.lastOpts.Temperature == nil || *chat.lastOpts.Temperature != float32(1.2) {
		t.Fatalf("temperature option = %+v", chat.lastOpts.Temperature)
	}
	if len(*keys) != 1 || (*keys)[0] != "user-key" {
		t.Fatalf("keys = %v", *keys)
	}
}

func TestCompleteStreams(t *testing.T) {
	chat := &fakeChat{reply: "one two three"}
	s, _ := newTestService(chat)
	var deltas []string
	out, err := s.Complete(context.Background(), Request{
		Messages: []models.Message{userMsg("count")},
		Settings: models.SessionSettings{Model: models.ModelGPT4oMini},
		Global:   models.GlobalSettings{Password: "letmein"},
	}, func(content string) error {
		deltas = append(deltas, content)
		return nil
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out.Content != "one two three" || len(deltas) != 3 || deltas[2] != out.Content {
		t.Fatalf("out=%q deltas=%q", out.Content, deltas)
	}
}

func TestAPIKeySelection(t *testing.T) {
	s, _ := newTestService(&fakeChat{})
	if k, err := s.APIKey(models.ModelGPT4o, models.GlobalSettings{Password: "letmein"}); err != nil || k != "server-key" {
		t.Fatalf("server key: %q %v", k, err)
	}
	_, err := s.APIKey(models.ModelGPT4o, models.GlobalSettings{Password: "wrong"})
	var ae *models.AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if _, err := s.APIKey(models.ModelClaudeSonnet, models.GlobalSettings{Password: "letmein"}); !errors.As(err, &ae) {
		t.Fatalf("expected auth error without claude key, got %v", err)
	}
}

func TestTrim(t *testing.T) {
	locked := models.Message{Role: models.RoleSystem, Content: strings.Repeat("x", 40), Type: models.MessageLocked}
	old := userMsg(strings.Repeat("a", 40))
	mid := userMsg(strings.Repeat("b", 40))
	last := userMsg(strings.Repeat("c", 40))

	out, err := Trim([]models.Message{locked, old, mid, last}, 30)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if len(out) != 3 || out[0].Content != locked.Content || out[1].Content != mid.Content {
		t.Fatalf("trimmed = %+v", out)
	}
	_, err = Trim([]models.Message{locked, last}, 15)
	var qe *models.QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("expected quota error, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{errors.New("error, status code: 401, message: Incorrect API key provided"), "auth"},
		{errors.New("status code: 429, You exceeded your current quota"), "quota"},
		{context.DeadlineExceeded, "network"},
		{errors.New("connection reset by peer"), "network"},
	}
	for _, tt := range tests {
		got := classify(tt.err)
		var kind string
		switch got.(type) {
		case *models.AuthError:
			kind = "auth"
		case *models.QuotaError:
			kind = "quota"
		case *models.NetworkError:
			kind = "network"
		}
		if kind != tt.want {
			t.Fatalf("classify(%v) = %T, want %s", tt.err, got, tt.want)
		}
	}
}

func TestCompleteClassifiesProviderError(t *testing.T) {
	s, _ := newTestService(&fakeChat{err: errors.New("status code: 429 rate limit reached")})
	_, err := s.Complete(context.Background(), Request{
		Messages: []models.Message{userMsg("hi")},
		Settings: models.SessionSettings{Model: models.ModelGPT4oMini},
		Global:   models.GlobalSettings{APIKey: "k"},
	}, nil)
	var qe *models.QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("expected quota error, got %v", err)
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	tests := map[string]string{
		"api.openai.com":               "https://api.openai.com/v1",
		"https://proxy.example.com/v1": "https://proxy.example.com/v1",
		"http://localhost:8080/":       "http://localhost:8080/v1",
		"":                             "",
	}
	for in, want := range tests {
		if got := NormalizeBaseURL(in); got != want {
			t.Fatalf("NormalizeBaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}
