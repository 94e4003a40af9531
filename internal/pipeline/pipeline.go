// Package pipeline sends a session's context to the model provider that owns
// the session's model and returns the assistant reply.
package pipeline

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"chatstate/internal/config"
	"chatstate/internal/models"
	"chatstate/internal/settings"
)

// DefaultMaxInputTokens applies to models missing from CLIENT_MAX_INPUT_TOKENS.
const DefaultMaxInputTokens = 3072

// charsPerToken is the rough size of one token used for budget estimates.
const charsPerToken = 4

var (
	errNoKey            = errors.New("no API key configured")
	errPasswordMismatch = errors.New("access password mismatch")
	errEmptyContext     = errors.New("no messages to send")
	errInputTooLong     = errors.New("input exceeds the model's token budget")
)

// Request is everything the pipeline needs for one reply.
type Request struct {
	Messages []models.Message
	Settings models.SessionSettings
	Global   models.GlobalSettings
}

// Completer produces the assistant reply for a request. onDelta, when set,
// receives the accumulated content while the reply streams.
type Completer interface {
	Complete(ctx context.Context, req Request, onDelta func(string) error) (models.Message, error)
}

// ModelFactory builds the chat model for m authenticated with apiKey.
type ModelFactory func(ctx context.Context, m models.Model, apiKey string) (model.BaseChatModel, error)

type cacheKey struct {
	model models.Model
	key   string
}

// Service is the eino backed Completer.
type Service struct {
	cfg      *config.Config
	newModel ModelFactory
	now      func() time.Time

	mu     sync.Mutex
	models map[cacheKey]model.BaseChatModel
}

// NewService builds a pipeline. A nil factory uses the provider clients.
func NewService(cfg *config.Config, factory ModelFactory) *Service {
	s := &Service{
		cfg:      cfg,
		newModel: factory,
		now:      time.Now,
		models:   make(map[cacheKey]model.BaseChatModel),
	}
	if s.newModel == nil {
		s.newModel = s.providerModel
	}
	return s
}

// APIKey picks the key for a request: the user's own key, else the server key
// when the access password matches.
func (s *Service) APIKey(m models.Model, g models.GlobalSettings) (string, error) {
	if g.APIKey != "" {
		return g.APIKey, nil
	}
	want := s.cfg.Defaults.Password
	if want != "" && subtle.ConstantTimeCompare([]byte(g.Password), []byte(want)) != 1 {
		return "", &models.AuthError{Err: errPasswordMismatch}
	}
	key := s.cfg.Provider(m.Provider()).APIKey
	if key == "" {
		return "", &models.AuthError{Err: errNoKey}
	}
	return key, nil
}

// Complete implements Completer.
func (s *Service) Complete(ctx context.Context, req Request, onDelta func(string) error) (models.Message, error) {
	m := req.Settings.Model
	if !m.Valid() {
		m = s.cfg.Defaults.SessionSettings.Model
	}
	key, err := s.APIKey(m, req.Global)
	if err != nil {
		return models.Message{}, err
	}
	budget := settings.MaxInputTokens(s.cfg.Defaults.MaxInputTokens, m, DefaultMaxInputTokens)
	msgs, err := Trim(req.Messages, budget)
	if err != nil {
		return models.Message{}, err
	}
	chat, err := s.chatModel(ctx, m, key)
	if err != nil {
		return models.Message{}, classify(err)
	}

	if s.cfg.Defaults.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.Defaults.Timeout)*time.Millisecond)
		defer cancel()
	}
	opts := []model.Option{model.WithTemperature(float32(req.Settings.APITemperature))}
	input := toSchema(msgs)

	var content string
	if onDelta == nil {
		out, err := chat.Generate(ctx, input, opts...)
		if err != nil {
			return models.Message{}, classify(err)
		}
		content = out.Content
	} else {
		content, err = stream(ctx, chat, input, opts, onDelta)
		if err != nil {
			return models.Message{}, err
		}
	}
	return models.Message{
		Role:     models.RoleAssistant,
		Content:  content,
		Type:     models.MessageNormal,
		DateTime: s.now().UTC(),
	}, nil
}

func stream(ctx context.Context, chat model.BaseChatModel, input []*schema.Message, opts []model.Option, onDelta func(string) error) (string, error) {
	reader, err := chat.Stream(ctx, input, opts...)
	if err != nil {
		return "", classify(err)
	}
	defer reader.Close()
	var content string
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			return content, nil
		}
		if err != nil {
			return "", classify(err)
		}
		content += chunk.Content
		if err := onDelta(content); err != nil {
			return "", err
		}
	}
}

func (s *Service) chatModel(ctx context.Context, m models.Model, key string) (model.BaseChatModel, error) {
	ck := cacheKey{model: m, key: key}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cm, ok := s.models[ck]; ok {
		return cm, nil
	}
	cm, err := s.newModel(ctx, m, key)
	if err != nil {
		return nil, fmt.Errorf("init %s model: %w", m, err)
	}
	log.Printf("pipeline: initialized %s client for %s", m.Provider(), m)
	s.models[ck] = cm
	return cm, nil
}

func toSchema(msgs []models.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(msgs))
	for _, msg := range msgs {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		out = append(out, &schema.Message{Role: role, Content: msg.Content})
	}
	return out
}

// EstimateTokens approximates the token count of content.
func EstimateTokens(content string) int {
	n := len([]rune(content))
	return (n + charsPerToken - 1) / charsPerToken
}

// Trim drops the oldest normal messages until msgs fits budget tokens. Locked
// messages and the final message are never dropped.
func Trim(msgs []models.Message, budget int) ([]models.Message, error) {
	if len(msgs) == 0 {
		return nil, &models.QuotaError{Err: errEmptyContext}
	}
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m.Content)
	}
	drop := make([]bool, len(msgs))
	for i := 0; i < len(msgs)-1 && total > budget; i++ {
		if msgs[i].Locked() {
			continue
		}
		drop[i] = true
		total -= EstimateTokens(msgs[i].Content)
	}
	if total > budget {
		return nil, &models.QuotaError{Err: fmt.Errorf("%w: about %d tokens, limit %d", errInputTooLong, total, budget)}
	}
	out := make([]models.Message, 0, len(msgs))
	for i, m := range msgs {
		if !drop[i] {
			out = append(out, m)
		}
	}
	return out, nil
}
