package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// EnvExample renders a .env.example from d. Secrets are always written empty.
func EnvExample(d Defaults) (string, error) {
	d.GlobalSettings = d.GlobalSettings.Redacted()
	d.OpenAIAPIKey = ""
	d.Password = ""

	var b strings.Builder
	b.WriteString("# Variables starting with CLIENT_ are exposed to the browser. Do not put secrets in them.\n")

	jsonVars := []struct {
		key   string
		value any
	}{
		{"CLIENT_GLOBAL_SETTINGS", d.GlobalSettings},
		{"CLIENT_SESSION_SETTINGS", d.SessionSettings},
		{"CLIENT_MAX_INPUT_TOKENS", d.MaxInputTokens},
	}
	for _, v := range jsonVars {
		data, err := json.Marshal(v.value)
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", v.key, err)
		}
		fmt.Fprintf(&b, "%s=%s\n", v.key, data)
	}
	fmt.Fprintf(&b, "CLIENT_DEFAULT_MESSAGE=%s\n", strconv.Quote(d.DefaultMessage))
	fmt.Fprintf(&b, "OPENAI_API_BASE_URL=%s\n", d.OpenAIBaseURL)
	fmt.Fprintf(&b, "OPENAI_API_KEY=\n")
	fmt.Fprintf(&b, "TIMEOUT=%d\n", d.Timeout)
	fmt.Fprintf(&b, "PASSWORD=\n")
	return b.String(), nil
}
