// Package settings implements the two-tier settings model: one global instance
// and per-session settings derived from a process-wide template.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"chatstate/internal/models"
)

// Setting keys accepted by ApplySession and ApplyGlobal.
const (
	KeyTitle              = "title"
	KeySaveSession        = "saveSession"
	KeyAPITemperature     = "APITemperature"
	KeyContinuousDialogue = "continuousDialogue"
	KeyModel              = "model"

	KeyAPIKey      = "APIKey"
	KeyPassword    = "password"
	KeyEnterToSend = "enterToSend"
	KeyLang        = "lang"
)

const (
	// TemperatureScale maps the [0,100] slider onto the [0,2] API range.
	TemperatureScale = 50
	SliderMax        = 100
	MaxTemperature   = 2.0
)

var errWrongType = errors.New("wrong value type")

// ClampTemperature converts a slider position to an API temperature.
func ClampTemperature(ui int) float64 {
	if ui < 0 {
		ui = 0
	}
	if ui > SliderMax {
		ui = SliderMax
	}
	return float64(ui) / TemperatureScale
}

// TemperatureToUI converts an API temperature to the nearest slider position.
func TemperatureToUI(t float64) int {
	if math.IsNaN(t) || t < 0 {
		t = 0
	}
	if t > MaxTemperature {
		t = MaxTemperature
	}
	return int(math.Round(t * TemperatureScale))
}

// ParseModel validates a model identifier against the supported set.
func ParseModel(raw string) (models.Model, error) {
	m := models.Model(strings.TrimSpace(raw))
	if !m.Valid() {
		return "", &models.ConfigError{Key: KeyModel, Value: raw, Err: errors.New("unsupported model")}
	}
	return m, nil
}

// MergeDefaults decodes a persisted settings object over the template. Missing
// fields keep the template value and invalid ones fall back to it. It never fails.
func MergeDefaults(tmpl models.SessionSettings, partial json.RawMessage) models.SessionSettings {
	out := tmpl
	if len(partial) > 0 {
		if err := json.Unmarshal(partial, &out); err != nil {
			out = tmpl
		}
	}
	out, _ = Sanitize(tmpl, out)
	return out
}

// MergeGlobalDefaults is MergeDefaults for the global settings.
func MergeGlobalDefaults(tmpl models.GlobalSettings, partial json.RawMessage) models.GlobalSettings {
	out := tmpl
	if len(partial) > 0 {
		if err := json.Unmarshal(partial, &out); err != nil {
			out = tmpl
		}
	}
	return out
}

// Sanitize replaces invalid fields of s with the template value and reports
// the first replacement as a ConfigError.
func Sanitize(tmpl, s models.SessionSettings) (models.SessionSettings, error) {
	var err error
	if !s.Model.Valid() {
		err = &models.ConfigError{Key: KeyModel, Value: s.Model, Err: errors.New("unsupported model")}
		s.Model = tmpl.Model
	}
	if math.IsNaN(s.APITemperature) || s.APITemperature < 0 || s.APITemperature > MaxTemperature {
		if err == nil {
			err = &models.ConfigError{Key: KeyAPITemperature, Value: s.APITemperature, Err: errors.New("out of range [0,2]")}
		}
		s.APITemperature = tmpl.APITemperature
	}
	return s, err
}

// ApplySession sets one field of s by key. On an invalid value the field is
// reset to the template value and a ConfigError is returned; s stays usable.
func ApplySession(s *models.SessionSettings, tmpl models.SessionSettings, key string, value any) error {
	switch key {
	case KeyTitle:
		v, ok := value.(string)
		if !ok {
			s.Title = tmpl.Title
			return typeError(key, value)
		}
		s.Title = v
	case KeySaveSession:
		v, ok := value.(bool)
		if !ok {
			s.SaveSession = tmpl.SaveSession
			return typeError(key, value)
		}
		s.SaveSession = v
	case KeyContinuousDialogue:
		v, ok := value.(bool)
		if !ok {
			s.ContinuousDialogue = tmpl.ContinuousDialogue
			return typeError(key, value)
		}
		s.ContinuousDialogue = v
	case KeyAPITemperature:
		v, ok := toFloat(value)
		if !ok {
			s.APITemperature = tmpl.APITemperature
			return typeError(key, value)
		}
		if math.IsNaN(v) || v < 0 || v > MaxTemperature {
			s.APITemperature = tmpl.APITemperature
			return &models.ConfigError{Key: key, Value: value, Err: errors.New("out of range [0,2]")}
		}
		s.APITemperature = v
	case KeyModel:
		var raw string
		switch v := value.(type) {
		case string:
			raw = v
		case models.Model:
			raw = string(v)
		default:
			s.Model = tmpl.Model
			return typeError(key, value)
		}
		m, err := ParseModel(raw)
		if err != nil {
			s.Model = tmpl.Model
			return err
		}
		s.Model = m
	default:
		return &models.ConfigError{Key: key, Value: value, Err: errors.New("unknown session setting")}
	}
	return nil
}

func resetGlobal(g *models.GlobalSettings, tmpl models.GlobalSettings, key string) {
	switch key {
	case KeyAPIKey:
		g.APIKey = tmpl.APIKey
	case KeyPassword:
		g.Password = tmpl.Password
	case KeyLang:
		g.Lang = tmpl.Lang
	}
}

// ApplyGlobal sets one field of g by key. A value of the wrong type resets the
// field to the template value and returns a ConfigError.
func ApplyGlobal(g *models.GlobalSettings, tmpl models.GlobalSettings, key string, value any) error {
	switch key {
	case KeyAPIKey, KeyPassword, KeyLang:
		v, ok := value.(string)
		if !ok {
			resetGlobal(g, tmpl, key)
			return typeError(key, value)
		}
		v = strings.TrimSpace(v)
		switch key {
		case KeyAPIKey:
			g.APIKey = v
		case KeyPassword:
			g.Password = v
		default:
			if v == "" {
				v = tmpl.Lang
			}
			g.Lang = v
		}
	case KeyEnterToSend:
		v, ok := value.(bool)
		if !ok {
			g.EnterToSend = tmpl.EnterToSend
			return typeError(key, value)
		}
		g.EnterToSend = v
	default:
		return &models.ConfigError{Key: key, Value: value, Err: errors.New("unknown global setting")}
	}
	return nil
}

// TitleEditable reports whether the session exposes a title control.
func TitleEditable(sessionID string) bool {
	return sessionID != models.DefaultSessionID
}

// MaxInputTokens looks up the input budget of m. Unknown models get fallback.
func MaxInputTokens(table map[string]int, m models.Model, fallback int) int {
	if n, ok := table[string(m)]; ok && n > 0 {
		return n
	}
	return fallback
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func typeError(key string, value any) error {
	return &models.ConfigError{Key: key, Value: value, Err: fmt.Errorf("%w %T", errWrongType, value)}
}
