package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"chatstate/internal/models"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" toml:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases" toml:"databases"`
	Redis       RedisConfig               `json:"redis" toml:"redis"`
	Providers   map[string]ProviderConfig `json:"providers" toml:"providers"`
	Defaults    Defaults                  `json:"defaults" toml:"defaults"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address" toml:"server_address"`
	// PersistenceDriver is one of sqlite3, mysql, redis, file, memory.
	PersistenceDriver string `json:"persistence_driver" toml:"persistence_driver"`
	DataDir           string `json:"data_dir" toml:"data_dir"`
	CopyResetMillis   int    `json:"copy_reset_ms" toml:"copy_reset_ms"`
	ImageResetMillis  int    `json:"image_reset_ms" toml:"image_reset_ms"`
	WriteQueueSize    int    `json:"write_queue_size" toml:"write_queue_size"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" toml:"dsn"`
	Host     string `json:"host" toml:"host"`
	Port     int    `json:"port" toml:"port"`
	Username string `json:"username" toml:"username"`
	Password string `json:"password" toml:"password"`
	DBName   string `json:"db_name" toml:"db_name"`
	Params   string `json:"params" toml:"params"`
}

type RedisConfig struct {
	Host      string `json:"host" toml:"host"`
	Port      int    `json:"port" toml:"port"`
	Username  string `json:"username" toml:"username"`
	Password  string `json:"password" toml:"password"`
	DB        int    `json:"db" toml:"db"`
	KeyPrefix string `json:"key_prefix" toml:"key_prefix"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url" toml:"base_url"`
	APIKey  string `json:"api_key" toml:"api_key"`
}

// Defaults is the environment boundary. Only CLIENT_ values may leave the server.
type Defaults struct {
	GlobalSettings  models.GlobalSettings  `json:"CLIENT_GLOBAL_SETTINGS" toml:"CLIENT_GLOBAL_SETTINGS"`
	SessionSettings models.SessionSettings `json:"CLIENT_SESSION_SETTINGS" toml:"CLIENT_SESSION_SETTINGS"`
	DefaultMessage  string                 `json:"CLIENT_DEFAULT_MESSAGE" toml:"CLIENT_DEFAULT_MESSAGE"`
	MaxInputTokens  map[string]int         `json:"CLIENT_MAX_INPUT_TOKENS" toml:"CLIENT_MAX_INPUT_TOKENS"`

	OpenAIBaseURL string `json:"OPENAI_API_BASE_URL" toml:"OPENAI_API_BASE_URL"`
	OpenAIAPIKey  string `json:"OPENAI_API_KEY" toml:"OPENAI_API_KEY"`
	// Timeout is the provider request timeout in milliseconds.
	Timeout  int    `json:"TIMEOUT" toml:"TIMEOUT"`
	Password string `json:"PASSWORD" toml:"PASSWORD"`
}

// ClientDefaults is the projection of Defaults that is safe to expose to the browser.
type ClientDefaults struct {
	GlobalSettings  models.GlobalSettings  `json:"CLIENT_GLOBAL_SETTINGS"`
	SessionSettings models.SessionSettings `json:"CLIENT_SESSION_SETTINGS"`
	DefaultMessage  string                 `json:"CLIENT_DEFAULT_MESSAGE"`
	MaxInputTokens  map[string]int         `json:"CLIENT_MAX_INPUT_TOKENS"`
}

const defaultMessage = `Powered by OpenAI
- Click the avatar before each message to lock it as a role prompt.
- Open session settings to create a new conversation.
- [[Shift]] + [[Enter]] for newline. Use [[↑]] to edit the last question.
`

// DefaultDefaults returns the built-in environment defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		GlobalSettings: models.GlobalSettings{
			EnterToSend: true,
			Lang:        "en",
		},
		SessionSettings: models.SessionSettings{
			SaveSession:        true,
			APITemperature:     0.6,
			ContinuousDialogue: true,
			Model:              models.ModelGPT4oMini,
		},
		DefaultMessage: defaultMessage,
		MaxInputTokens: map[string]int{
			string(models.ModelGPT4o):        128 * 1000,
			string(models.ModelGPT4oMini):    128 * 1000,
			string(models.ModelClaudeSonnet): 200 * 1000,
			string(models.ModelGemini15Pro):  1000 * 1000,
		},
		OpenAIBaseURL: "api.openai.com",
		Timeout:       30000,
	}
}

// Client strips everything that is not client-exposed.
func (d Defaults) Client() ClientDefaults {
	tokens := make(map[string]int, len(d.MaxInputTokens))
	for k, v := range d.MaxInputTokens {
		tokens[k] = v
	}
	return ClientDefaults{
		GlobalSettings:  d.GlobalSettings.Redacted(),
		SessionSettings: d.SessionSettings,
		DefaultMessage:  d.DefaultMessage,
		MaxInputTokens:  tokens,
	}
}

// Default returns a configuration that runs without a config file.
func Default() *Config {
	return &Config{
		BasicConfig: BasicConfig{
			ServerAddress:     ":8090",
			PersistenceDriver: "sqlite3",
			DataDir:           "./data",
			CopyResetMillis:   1000,
			ImageResetMillis:  1000,
			WriteQueueSize:    64,
		},
		Databases: map[string]DatabaseConfig{
			"sqlite3": {DSN: "file:data/chatstate.db?_foreign_keys=on"},
		},
		Providers: map[string]ProviderConfig{},
		Defaults:  DefaultDefaults(),
	}
}

// Load reads configuration from the provided path (defaults to config.json).
// The file may be JSON or TOML. A missing default file yields the built-in defaults.
// Environment variables, including those from a .env file, override file values.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	explicit := path != ""
	if path == "" {
		path = "config.json"
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cfg := Default()
	if err := decodeFile(absPath, cfg); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		absPath = ""
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.fillDefaults()

	if absPath != "" {
		base := filepath.Dir(absPath)
		if cfg.BasicConfig.DataDir != "" && !filepath.IsAbs(cfg.BasicConfig.DataDir) {
			cfg.BasicConfig.DataDir = filepath.Join(base, cfg.BasicConfig.DataDir)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("open config %s: %w", path, err)
		}
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode toml config: %w", err)
		}
		return nil
	default:
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open config %s: %w", path, err)
		}
		defer file.Close()
		if err := json.NewDecoder(file).Decode(cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	}
}

func (c *Config) applyEnv() error {
	d := &c.Defaults
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		d.OpenAIAPIKey = v
	}
	if v := os.Getenv("OPENAI_API_BASE_URL"); v != "" {
		d.OpenAIBaseURL = v
	}
	if v := os.Getenv("PASSWORD"); v != "" {
		d.Password = v
	}
	if v := os.Getenv("TIMEOUT"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse TIMEOUT: %w", err)
		}
		d.Timeout = ms
	}
	if v := os.Getenv("CLIENT_DEFAULT_MESSAGE"); v != "" {
		d.DefaultMessage = v
	}
	// JSON values are decoded over the current defaults so partial objects merge.
	jsonEnv := []struct {
		key    string
		target any
	}{
		{"CLIENT_GLOBAL_SETTINGS", &d.GlobalSettings},
		{"CLIENT_SESSION_SETTINGS", &d.SessionSettings},
		{"CLIENT_MAX_INPUT_TOKENS", &d.MaxInputTokens},
	}
	for _, e := range jsonEnv {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		if err := json.Unmarshal([]byte(v), e.target); err != nil {
			return fmt.Errorf("parse %s: %w", e.key, err)
		}
	}
	if v := os.Getenv("CHATSTATE_PERSISTENCE"); v != "" {
		c.BasicConfig.PersistenceDriver = v
	}
	return nil
}

func (c *Config) fillDefaults() {
	def := Default()
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = def.BasicConfig.ServerAddress
	}
	if c.BasicConfig.PersistenceDriver == "" {
		c.BasicConfig.PersistenceDriver = def.BasicConfig.PersistenceDriver
	}
	if c.BasicConfig.CopyResetMillis <= 0 {
		c.BasicConfig.CopyResetMillis = def.BasicConfig.CopyResetMillis
	}
	if c.BasicConfig.ImageResetMillis <= 0 {
		c.BasicConfig.ImageResetMillis = def.BasicConfig.ImageResetMillis
	}
	if c.BasicConfig.WriteQueueSize <= 0 {
		c.BasicConfig.WriteQueueSize = def.BasicConfig.WriteQueueSize
	}
	if c.Defaults.Timeout <= 0 {
		c.Defaults.Timeout = def.Defaults.Timeout
	}
	if len(c.Defaults.MaxInputTokens) == 0 {
		c.Defaults.MaxInputTokens = def.Defaults.MaxInputTokens
	}
	if c.Databases == nil {
		c.Databases = map[string]DatabaseConfig{}
	}
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.BasicConfig.PersistenceDriver) {
	case "sqlite", "sqlite3", "mysql":
		if _, ok := c.Databases[c.BasicConfig.PersistenceDriver]; !ok {
			return fmt.Errorf("database config for %s not found", c.BasicConfig.PersistenceDriver)
		}
	case "redis", "memory":
	case "file":
		if c.BasicConfig.DataDir == "" {
			return errors.New("data_dir must be configured for the file driver")
		}
	default:
		return fmt.Errorf("unsupported persistence driver: %s", c.BasicConfig.PersistenceDriver)
	}
	if !c.Defaults.SessionSettings.Model.Valid() {
		return fmt.Errorf("default model %q is not supported", c.Defaults.SessionSettings.Model)
	}
	if t := c.Defaults.SessionSettings.APITemperature; t < 0 || t > 2 {
		return fmt.Errorf("default temperature %v out of range [0,2]", t)
	}
	if c.Defaults.GlobalSettings.APIKey != "" || c.Defaults.GlobalSettings.Password != "" {
		return errors.New("CLIENT_GLOBAL_SETTINGS must not carry secrets")
	}
	return nil
}

// Provider returns the connection settings for p. OpenAI falls back to the server defaults.
func (c *Config) Provider(p models.Provider) ProviderConfig {
	pc := c.Providers[string(p)]
	if p == models.ProviderOpenAI {
		if pc.BaseURL == "" {
			pc.BaseURL = c.Defaults.OpenAIBaseURL
		}
		if pc.APIKey == "" {
			pc.APIKey = c.Defaults.OpenAIAPIKey
		}
	}
	return pc
}
