package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"chatstate/internal/models"
)

const claudeMaxTokens = 3000

// providerModel builds the eino chat model of the provider that owns m.
func (s *Service) providerModel(ctx context.Context, m models.Model, apiKey string) (model.BaseChatModel, error) {
	pc := s.cfg.Provider(m.Provider())
	switch m.Provider() {
	case models.ProviderOpenAI:
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: NormalizeBaseURL(pc.BaseURL),
			Model:   string(m),
			APIKey:  apiKey,
			Timeout: time.Duration(s.cfg.Defaults.Timeout) * time.Millisecond,
		})
	case models.ProviderClaude:
		var baseURL *string
		if pc.BaseURL != "" {
			baseURL = &pc.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    apiKey,
			Model:     string(m),
			BaseURL:   baseURL,
			MaxTokens: claudeMaxTokens,
		})
	case models.ProviderGemini:
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("new gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  string(m),
		})
	}
	return nil, &models.ConfigError{Key: "model", Value: m, Err: errors.New("no provider")}
}

// NormalizeBaseURL turns a bare host such as "api.openai.com" into an API root
// URL. Values with a scheme are kept as given.
func NormalizeBaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/v1"
	}
	return strings.TrimRight(u.String(), "/")
}

var (
	authMarkers  = []string{"401", "403", "unauthorized", "invalid api key", "incorrect api key", "invalid_api_key", "permission denied", "authentication"}
	quotaMarkers = []string{"429", "rate limit", "rate_limit", "quota", "insufficient", "context_length_exceeded", "maximum context length", "too many tokens"}
)

// classify maps a provider failure onto AuthError, QuotaError or NetworkError.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var (
		ae *models.AuthError
		qe *models.QuotaError
		ne *models.NetworkError
	)
	if errors.As(err, &ae) || errors.As(err, &qe) || errors.As(err, &ne) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &models.NetworkError{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &models.NetworkError{Err: err}
	}
	msg := strings.ToLower(err.Error())
	for _, m := range authMarkers {
		if strings.Contains(msg, m) {
			return &models.AuthError{Err: err}
		}
	}
	for _, m := range quotaMarkers {
		if strings.Contains(msg, m) {
			return &models.QuotaError{Err: err}
		}
	}
	return &models.NetworkError{Err: err}
}
