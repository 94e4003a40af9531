package models

import "fmt"

// Model is a supported chat model identifier.
type Model string

const (
	ModelGPT4o        Model = "gpt-4o"
	ModelGPT4oMini    Model = "gpt-4o-mini"
	ModelClaudeSonnet Model = "claude-3-5-sonnet-latest"
	ModelGemini15Pro  Model = "gemini-1.5-pro"
)

// Provider names the backend that serves a model.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderClaude Provider = "claude"
	ProviderGemini Provider = "gemini"
)

// Models lists every supported model in display order.
var Models = []Model{ModelGPT4oMini, ModelGPT4o, ModelClaudeSonnet, ModelGemini15Pro}

// Provider returns the backend serving m.
func (m Model) Provider() Provider {
	switch m {
	case ModelClaudeSonnet:
		return ProviderClaude
	case ModelGemini15Pro:
		return ProviderGemini
	default:
		return ProviderOpenAI
	}
}

// Valid reports whether m belongs to the supported set.
func (m Model) Valid() bool {
	for _, known := range Models {
		if m == known {
			return true
		}
	}
	return false
}

// GlobalSettings is the single process-wide settings instance.
type GlobalSettings struct {
	APIKey      string `json:"APIKey" toml:"APIKey"`
	Password    string `json:"password" toml:"password"`
	EnterToSend bool   `json:"enterToSend" toml:"enterToSend"`
	Lang        string `json:"lang" toml:"lang"`
}

// String masks the secrets so settings can be logged safely.
func (g GlobalSettings) String() string {
	return fmt.Sprintf("{APIKey:%s password:%s enterToSend:%t lang:%s}",
		mask(g.APIKey), mask(g.Password), g.EnterToSend, g.Lang)
}

// Redacted returns a copy without secrets.
func (g GlobalSettings) Redacted() GlobalSettings {
	g.APIKey = ""
	g.Password = ""
	return g
}

func mask(secret string) string {
	if secret == "" {
		return `""`
	}
	return "***"
}

// SessionSettings are the per-session settings, inherited from a template.
type SessionSettings struct {
	Title              string  `json:"title" toml:"title"`
	SaveSession        bool    `json:"saveSession" toml:"saveSession"`
	APITemperature     float64 `json:"APITemperature" toml:"APITemperature"`
	ContinuousDialogue bool    `json:"continuousDialogue" toml:"continuousDialogue"`
	Model              Model   `json:"model" toml:"model"`
}
