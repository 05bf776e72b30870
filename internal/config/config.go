package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config represents runtime configuration for the client core.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Generation  GenerationConfig          `json:"generation"`
	Realtime    RealtimeConfig            `json:"realtime"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	Database      string `json:"database"`
	LogLevel      string `json:"log_level"`
	PrettyLogs    bool   `json:"pretty_logs"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	// HistoryTTLMinutes controls how long cached message history lives.
	HistoryTTLMinutes int `json:"history_ttl_minutes"`
}

// Enabled reports whether a redis server was configured at all.
func (r RedisConfig) Enabled() bool {
	return r.Host != "" || r.Port != 0
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

type GenerationConfig struct {
	Provider            string `json:"provider"`
	Model               string `json:"model"`
	StallTimeoutSeconds int    `json:"stall_timeout_seconds"`
	TitleTimeoutSeconds int    `json:"title_timeout_seconds"`
	MaxTokens           int    `json:"max_tokens"`
	WebSearch           bool   `json:"web_search"`
}

type RealtimeConfig struct {
	// Backend is "redis" or "memory"; empty picks redis when configured.
	Backend    string `json:"backend"`
	BufferSize int    `json:"buffer_size"`
}

const (
	DefaultStallTimeout = 60 * time.Second
	DefaultTitleTimeout = 20 * time.Second
	DefaultHistoryTTL   = 30 * time.Minute
)

// StallTimeout is how long a stream may stay silent before it is abandoned.
// A negative value in the file disables the timeout.
func (g GenerationConfig) StallTimeout() time.Duration {
	switch {
	case g.StallTimeoutSeconds < 0:
		return 0
	case g.StallTimeoutSeconds == 0:
		return DefaultStallTimeout
	default:
		return time.Duration(g.StallTimeoutSeconds) * time.Second
	}
}

func (g GenerationConfig) TitleTimeout() time.Duration {
	if g.TitleTimeoutSeconds <= 0 {
		return DefaultTitleTimeout
	}
	return time.Duration(g.TitleTimeoutSeconds) * time.Second
}

func (r RedisConfig) HistoryTTL() time.Duration {
	if r.HistoryTTLMinutes <= 0 {
		return DefaultHistoryTTL
	}
	return time.Duration(r.HistoryTTLMinutes) * time.Minute
}

// providerKeyEnv maps providers to the environment variables that override
// their configured API key.
var providerKeyEnv = map[string]string{
	"openai": "OPENAI_API_KEY",
	"claude": "ANTHROPIC_API_KEY",
	"gemini": "GEMINI_API_KEY",
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalize(filepath.Dir(absPath)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize(baseDir string) error {
	if c.BasicConfig.Database == "" {
		c.BasicConfig.Database = "sqlite3"
	}
	dbCfg, ok := c.Databases[c.BasicConfig.Database]
	if !ok {
		return fmt.Errorf("database config for %s not found", c.BasicConfig.Database)
	}
	// sqlite file paths are resolved relative to the config file
	if isSQLite(c.BasicConfig.Database) && dbCfg.DSN != "" && !strings.HasPrefix(dbCfg.DSN, ":memory:") &&
		!strings.HasPrefix(dbCfg.DSN, "file:") && !filepath.IsAbs(dbCfg.DSN) {
		dbCfg.DSN = filepath.Join(baseDir, dbCfg.DSN)
		c.Databases[c.BasicConfig.Database] = dbCfg
	}

	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	for provider, env := range providerKeyEnv {
		key := strings.TrimSpace(os.Getenv(env))
		if key == "" {
			continue
		}
		pc := c.Providers[provider]
		pc.APIKey = key
		c.Providers[provider] = pc
	}
	if c.Generation.Provider == "" {
		c.Generation.Provider = "openai"
	}
	return nil
}

func isSQLite(driver string) bool {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return true
	default:
		return false
	}
}
