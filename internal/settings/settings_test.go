package settings

import (
	"encoding/json"
	"math"
	"testing"

	"chatstate/internal/models"
)

var template = models.SessionSettings{
	SaveSession:        true,
	APITemperature:     0.6,
	ContinuousDialogue: true,
	Model:              models.ModelGPT4oMini,
}

func TestTemperatureRoundTrip(t *testing.T) {
	for ui := 0; ui <= SliderMax; ui++ {
		api := ClampTemperature(ui)
		if api < 0 || api > MaxTemperature {
			t.Fatalf("ClampTemperature(%d) = %v out of range", ui, api)
		}
		if got := TemperatureToUI(api); got != ui {
			t.Fatalf("round trip %d -> %v -> %d", ui, api, got)
		}
	}
}

func TestTemperatureAPIRoundTripWithinResolution(t *testing.T) {
	for _, x := range []float64{0, 0.01, 0.6, 0.99, 1.33, 2} {
		back := ClampTemperature(TemperatureToUI(x))
		if math.Abs(back-x) > 0.02 {
			t.Fatalf("temperature %v came back as %v", x, back)
		}
	}
}

func TestClampTemperatureBounds(t *testing.T) {
	if got := ClampTemperature(-5); got != 0 {
		t.Fatalf("negative slider should clamp to 0, got %v", got)
	}
	if got := ClampTemperature(250); got != MaxTemperature {
		t.Fatalf("slider above max should clamp to 2, got %v", got)
	}
	if got := TemperatureToUI(7); got != SliderMax {
		t.Fatalf("temperature above range should map to slider max, got %d", got)
	}
}

func TestMergeDefaultsFillsMissingFields(t *testing.T) {
	// Snapshot written before continuousDialogue and model existed.
	old := json.RawMessage(`{"title":"notes","saveSession":false,"APITemperature":1}`)
	got := MergeDefaults(template, old)
	want := models.SessionSettings{
		Title:              "notes",
		SaveSession:        false,
		APITemperature:     1,
		ContinuousDialogue: true,
		Model:              models.ModelGPT4oMini,
	}
	if got != want {
		t.Fatalf("merge mismatch: want %+v got %+v", want, got)
	}
}

func TestMergeDefaultsIsTotal(t *testing.T) {
	cases := map[string]json.RawMessage{
		"empty":       nil,
		"garbage":     json.RawMessage(`{not json`),
		"bad model":   json.RawMessage(`{"model":"gpt-1"}`),
		"bad temp":    json.RawMessage(`{"APITemperature":9}`),
		"wrong types": json.RawMessage(`{"saveSession":"yes"}`),
	}
	for name, raw := range cases {
		got := MergeDefaults(template, raw)
		if !got.Model.Valid() {
			t.Fatalf("%s: invalid model %q", name, got.Model)
		}
		if got.APITemperature < 0 || got.APITemperature > MaxTemperature {
			t.Fatalf("%s: temperature %v out of range", name, got.APITemperature)
		}
	}
}

func TestParseModel(t *testing.T) {
	if m, err := ParseModel(" gpt-4o "); err != nil || m != models.ModelGPT4o {
		t.Fatalf("ParseModel valid: m=%s err=%v", m, err)
	}
	_, err := ParseModel("davinci")
	if !models.IsConfig(err) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestApplySessionFallsBackOnInvalidModel(t *testing.T) {
	s := template
	s.Model = models.ModelGPT4o
	err := ApplySession(&s, template, KeyModel, "not-a-model")
	if !models.IsConfig(err) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if s.Model != template.Model {
		t.Fatalf("model should fall back to default, got %s", s.Model)
	}
}

func TestApplySession(t *testing.T) {
	s := template
	steps := []struct {
		key   string
		value any
	}{
		{KeyTitle, "trip plan"},
		{KeySaveSession, false},
		{KeyContinuousDialogue, false},
		{KeyAPITemperature, 1.5},
		{KeyModel, "gpt-4o"},
	}
	for _, st := range steps {
		if err := ApplySession(&s, template, st.key, st.value); err != nil {
			t.Fatalf("ApplySession(%s): %v", st.key, err)
		}
	}
	want := models.SessionSettings{Title: "trip plan", APITemperature: 1.5, Model: models.ModelGPT4o}
	if s != want {
		t.Fatalf("settings mismatch: want %+v got %+v", want, s)
	}

	if err := ApplySession(&s, template, KeyAPITemperature, 3.0); !models.IsConfig(err) {
		t.Fatalf("expected range error, got %v", err)
	}
	if s.APITemperature != template.APITemperature {
		t.Fatalf("temperature should fall back, got %v", s.APITemperature)
	}
	if err := ApplySession(&s, template, "colour", "red"); !models.IsConfig(err) {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestApplyGlobal(t *testing.T) {
	tmpl := models.GlobalSettings{EnterToSend: true, Lang: "en"}
	g := tmpl
	if err := ApplyGlobal(&g, tmpl, KeyAPIKey, " sk-123 "); err != nil {
		t.Fatalf("ApplyGlobal APIKey: %v", err)
	}
	if err := ApplyGlobal(&g, tmpl, KeyEnterToSend, false); err != nil {
		t.Fatalf("ApplyGlobal enterToSend: %v", err)
	}
	if err := ApplyGlobal(&g, tmpl, KeyLang, ""); err != nil {
		t.Fatalf("ApplyGlobal lang: %v", err)
	}
	if g.APIKey != "sk-123" || g.EnterToSend || g.Lang != "en" {
		t.Fatalf("global settings mismatch: %+v", g)
	}
	if err := ApplyGlobal(&g, tmpl, KeyEnterToSend, "no"); !models.IsConfig(err) {
		t.Fatalf("expected type error, got %v", err)
	}
}

func TestApplyGlobalWrongTypeResets(t *testing.T) {
	tmpl := models.GlobalSettings{APIKey: "", Password: "", EnterToSend: true, Lang: "en"}
	g := models.GlobalSettings{APIKey: "sk-1", Password: "pw", EnterToSend: false, Lang: "fr"}
	tests := []struct {
		key   string
		value any
		check func(models.GlobalSettings) bool
	}{
		{KeyAPIKey, 42, func(g models.GlobalSettings) bool { return g.APIKey == tmpl.APIKey }},
		{KeyPassword, true, func(g models.GlobalSettings) bool { return g.Password == tmpl.Password }},
		{KeyLang, 3.5, func(g models.GlobalSettings) bool { return g.Lang == tmpl.Lang }},
		{KeyEnterToSend, "no", func(g models.GlobalSettings) bool { return g.EnterToSend == tmpl.EnterToSend }},
	}
	for _, tt := range tests {
		if err := ApplyGlobal(&g, tmpl, tt.key, tt.value); !models.IsConfig(err) {
			t.Fatalf("%s: expected config error, got %v", tt.key, err)
		}
		if !tt.check(g) {
			t.Fatalf("%s not reset to default: %+v", tt.key, g)
		}
	}
}

func TestTitleEditable(t *testing.T) {
	if TitleEditable(models.DefaultSessionID) {
		t.Fatalf("home session must not expose a title")
	}
	if !TitleEditable("abc") {
		t.Fatalf("named session should expose a title")
	}
}
