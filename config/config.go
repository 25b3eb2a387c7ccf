// Package config provides configuration management for the application.
//
// Values are resolved in this order, later sources winning:
// built-in defaults, config.yaml (with ${VAR} and ${VAR:-default} expansion),
// a .env file in the working directory, and finally environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultBodySizeLimit is the request body limit used when none is configured.
	DefaultBodySizeLimit = "10M"

	minBodySizeLimit = 1024
	maxBodySizeLimit = 100 * 1024 * 1024
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	HTTP       HTTPConfig       `yaml:"http"`
	Stream     StreamConfig     `yaml:"stream"`
	Chat       ChatConfig       `yaml:"chat"`
	Storage    StorageConfig    `yaml:"storage"`
	Cache      CacheConfig      `yaml:"cache"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Log        LogConfig        `yaml:"log"`
	RiskRules  RiskRulesConfig  `yaml:"risk_rules"`
	Completion CompletionConfig `yaml:"completion"`
}

// ServerConfig holds bridge server configuration
type ServerConfig struct {
	Port string `yaml:"port"`
	// MasterKey enables Bearer authentication on every route except /health.
	MasterKey     string `yaml:"master_key"`
	BodySizeLimit string `yaml:"body_size_limit"`
}

// UpstreamConfig describes the assistant backend.
type UpstreamConfig struct {
	Name        string `yaml:"name"`
	BaseURL     string `yaml:"base_url"`
	AccessToken string `yaml:"access_token"`
	ChatPath    string `yaml:"chat_path"`
	// MaxRetries applies to non-streaming calls only.
	MaxRetries int `yaml:"max_retries"`
}

// HTTPConfig holds outbound HTTP client timeouts, in seconds.
type HTTPConfig struct {
	Timeout               int `yaml:"timeout"`
	ResponseHeaderTimeout int `yaml:"response_header_timeout"`
}

// StreamConfig controls response decoding.
type StreamConfig struct {
	// LegacyFraming frames each network chunk on its own, dropping lines
	// split across chunks.
	LegacyFraming  bool `yaml:"legacy_framing"`
	ReadBufferSize int  `yaml:"read_buffer_size"`
	MaxLineSize    int  `yaml:"max_line_size"`
}

// ChatConfig holds chat session settings.
type ChatConfig struct {
	// SessionID resumes a persisted transcript. Empty starts a new session.
	SessionID string `yaml:"session_id"`
	// ContextLines caps the lines sent on each side of the cursor. 0 means no cap.
	ContextLines int `yaml:"context_lines"`
}

// StorageConfig selects the transcript backend.
type StorageConfig struct {
	// Type is one of "memory", "sqlite", "postgresql", "mongodb"
	Type string `yaml:"type"`
	// ConnectTimeout bounds the initial database connect, in seconds.
	ConnectTimeout int              `yaml:"connect_timeout"`
	SQLite         SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL     PostgreSQLConfig `yaml:"postgresql"`
	MongoDB        MongoDBConfig    `yaml:"mongodb"`
}

// SQLiteConfig holds SQLite settings
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgreSQLConfig holds PostgreSQL settings
type PostgreSQLConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

// MongoDBConfig holds MongoDB settings
type MongoDBConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
}

// CacheConfig selects the risk rule cache backend.
type CacheConfig struct {
	// Type is "local" or "redis"
	Type  string      `yaml:"type"`
	Dir   string      `yaml:"dir"`
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis cache settings. TTL is in seconds.
type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
	TTL    int    `yaml:"ttl"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// LogConfig controls the process logger
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level"`
	// Format is "json", "pretty", or "" to pick pretty output on a terminal.
	Format string `yaml:"format"`
}

// RiskRulesConfig points at the high-risk file rules service. An empty
// BaseURL disables rule lookups.
type RiskRulesConfig struct {
	BaseURL string `yaml:"base_url"`
	Path    string `yaml:"path"`
	// RefreshInterval is how long fetched rules stay fresh, in seconds.
	RefreshInterval int `yaml:"refresh_interval"`
}

// CompletionConfig points at the inline completion backend. An empty
// BaseURL disables completions.
type CompletionConfig struct {
	BaseURL   string `yaml:"base_url"`
	Path      string `yaml:"path"`
	CharLimit int    `yaml:"char_limit"`
	// Marker tokens of a fill-in-the-middle prompt.
	PrefixToken  string   `yaml:"prefix_token"`
	SuffixToken  string   `yaml:"suffix_token"`
	MiddleToken  string   `yaml:"middle_token"`
	StopToken    string   `yaml:"stop_token"`
	MaxNewTokens int      `yaml:"max_new_tokens"`
	Temperature  *float64 `yaml:"temperature"`
	TopP         float64  `yaml:"top_p"`
	DoSample     bool     `yaml:"do_sample"`
}

// LoadResult is returned by Load.
type LoadResult struct {
	Config *Config
	// ConfigFile is the YAML file that was read, or "" when none was found.
	ConfigFile string
}

var configFileCandidates = []string{"config/config.yaml", "config.yaml"}

// Load reads configuration from file and environment
func Load() (*LoadResult, error) {
	// A missing .env is fine; variables already in the environment win over it
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := buildDefaultConfig()

	path := os.Getenv("CODECHAT_CONFIG")
	if path == "" {
		for _, candidate := range configFileCandidates {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path != "" {
		if err := loadYAML(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &LoadResult{Config: cfg, ConfigFile: path}, nil
}

func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          "8080",
			BodySizeLimit: DefaultBodySizeLimit,
		},
		Upstream: UpstreamConfig{
			Name:       "assistant",
			ChatPath:   "/conversation",
			MaxRetries: 3,
		},
		HTTP: HTTPConfig{
			Timeout:               600,
			ResponseHeaderTimeout: 600,
		},
		Stream: StreamConfig{
			ReadBufferSize: 4096,
			MaxLineSize:    1024 * 1024,
		},
		Storage: StorageConfig{
			Type:           "sqlite",
			ConnectTimeout: 30,
			SQLite:         SQLiteConfig{Path: "data/codechat.db"},
			PostgreSQL:     PostgreSQLConfig{MaxConns: 10},
			MongoDB:        MongoDBConfig{Database: "codechat"},
		},
		Cache: CacheConfig{
			Type:  "local",
			Dir:   ".cache/risk-rules",
			Redis: RedisConfig{Prefix: "codechat:risk:", TTL: 86400},
		},
		Metrics: MetricsConfig{
			Endpoint: "/metrics",
		},
		Log: LogConfig{
			Level: "info",
		},
		RiskRules: RiskRulesConfig{
			Path:            "/high-risk",
			RefreshInterval: 3600,
		},
		Completion: CompletionConfig{
			Path:         "/generate",
			CharLimit:    100000,
			PrefixToken:  "<fim_prefix>",
			SuffixToken:  "<fim_suffix>",
			MiddleToken:  "<fim_middle>",
			StopToken:    "<|endoftext|>",
			MaxNewTokens: 60,
			TopP:         0.95,
		},
	}
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal([]byte(expandString(string(data))), cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString resolves ${VAR} and ${VAR:-default} placeholders.
// A placeholder without a default whose variable is unset or empty is left as is.
func expandString(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := placeholderPattern.FindStringSubmatch(match)
		name, hasDefault, def := parts[1], parts[2] != "", parts[3]
		if value := os.Getenv(name); value != "" {
			return value
		}
		if hasDefault {
			return def
		}
		return match
	})
}

func applyEnvOverrides(cfg *Config) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"PORT", &cfg.Server.Port},
		{"CODECHAT_MASTER_KEY", &cfg.Server.MasterKey},
		{"BODY_SIZE_LIMIT", &cfg.Server.BodySizeLimit},
		{"CODECHAT_UPSTREAM_URL", &cfg.Upstream.BaseURL},
		{"CODECHAT_ACCESS_TOKEN", &cfg.Upstream.AccessToken},
		{"CODECHAT_CHAT_PATH", &cfg.Upstream.ChatPath},
		{"CODECHAT_SESSION_ID", &cfg.Chat.SessionID},
		{"STORAGE_TYPE", &cfg.Storage.Type},
		{"SQLITE_PATH", &cfg.Storage.SQLite.Path},
		{"POSTGRES_URL", &cfg.Storage.PostgreSQL.URL},
		{"MONGODB_URL", &cfg.Storage.MongoDB.URL},
		{"MONGODB_DATABASE", &cfg.Storage.MongoDB.Database},
		{"CACHE_TYPE", &cfg.Cache.Type},
		{"CACHE_DIR", &cfg.Cache.Dir},
		{"REDIS_URL", &cfg.Cache.Redis.URL},
		{"REDIS_PREFIX", &cfg.Cache.Redis.Prefix},
		{"METRICS_ENDPOINT", &cfg.Metrics.Endpoint},
		{"LOG_LEVEL", &cfg.Log.Level},
		{"LOG_FORMAT", &cfg.Log.Format},
		{"RISK_RULES_URL", &cfg.RiskRules.BaseURL},
		{"RISK_RULES_PATH", &cfg.RiskRules.Path},
		{"COMPLETION_URL", &cfg.Completion.BaseURL},
		{"COMPLETION_PATH", &cfg.Completion.Path},
	}
	for _, s := range strs {
		if v := os.Getenv(s.key); v != "" {
			*s.dst = v
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"CODECHAT_MAX_RETRIES", &cfg.Upstream.MaxRetries},
		{"HTTP_TIMEOUT", &cfg.HTTP.Timeout},
		{"HTTP_RESPONSE_HEADER_TIMEOUT", &cfg.HTTP.ResponseHeaderTimeout},
		{"STREAM_READ_BUFFER_SIZE", &cfg.Stream.ReadBufferSize},
		{"STREAM_MAX_LINE_SIZE", &cfg.Stream.MaxLineSize},
		{"CHAT_CONTEXT_LINES", &cfg.Chat.ContextLines},
		{"POSTGRES_MAX_CONNS", &cfg.Storage.PostgreSQL.MaxConns},
		{"STORAGE_CONNECT_TIMEOUT", &cfg.Storage.ConnectTimeout},
		{"REDIS_TTL", &cfg.Cache.Redis.TTL},
		{"RISK_RULES_REFRESH_INTERVAL", &cfg.RiskRules.RefreshInterval},
		{"COMPLETION_CHAR_LIMIT", &cfg.Completion.CharLimit},
		{"COMPLETION_MAX_NEW_TOKENS", &cfg.Completion.MaxNewTokens},
	}
	for _, i := range ints {
		v := os.Getenv(i.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", i.key, v, err)
		}
		*i.dst = n
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"METRICS_ENABLED", &cfg.Metrics.Enabled},
		{"STREAM_LEGACY_FRAMING", &cfg.Stream.LegacyFraming},
	}
	for _, b := range bools {
		v := os.Getenv(b.key)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", b.key, v, err)
		}
		*b.dst = parsed
	}

	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if err := ValidateBodySizeLimit(c.Server.BodySizeLimit); err != nil {
		return err
	}
	switch c.Storage.Type {
	case "memory", "sqlite", "postgresql", "mongodb":
	default:
		return fmt.Errorf("unknown storage type: %s (valid: memory, sqlite, postgresql, mongodb)", c.Storage.Type)
	}
	switch c.Cache.Type {
	case "local", "redis":
	default:
		return fmt.Errorf("unknown cache type: %s (valid: local, redis)", c.Cache.Type)
	}
	if c.Cache.Type == "redis" && c.Cache.Redis.URL == "" {
		return errors.New("cache type redis requires REDIS_URL")
	}
	if c.Stream.ReadBufferSize < 0 || c.Stream.MaxLineSize < 0 {
		return errors.New("stream buffer sizes must not be negative")
	}
	if c.Completion.CharLimit < 0 || c.Completion.MaxNewTokens < 0 {
		return errors.New("completion limits must not be negative")
	}
	return nil
}

var bodySizePattern = regexp.MustCompile(`^(\d+)(?:([KMGkmg])[Bb]?)?$`)

// ParseBodySizeLimit converts a limit such as "10M" or "512KB" to bytes.
func ParseBodySizeLimit(s string) (int64, error) {
	s = strings.TrimSpace(s)
	m := bodySizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid body size limit %q (examples: 512K, 10M)", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid body size limit %q: %w", s, err)
	}
	switch strings.ToUpper(m[2]) {
	case "K":
		n *= 1024
	case "M":
		n *= 1024 * 1024
	case "G":
		n *= 1024 * 1024 * 1024
	}
	return n, nil
}

// ValidateBodySizeLimit checks that s parses and lies between 1KB and 100MB.
// An empty string selects DefaultBodySizeLimit and is valid.
func ValidateBodySizeLimit(s string) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	n, err := ParseBodySizeLimit(s)
	if err != nil {
		return err
	}
	if n < minBodySizeLimit || n > maxBodySizeLimit {
		return fmt.Errorf("body size limit %q out of range (1K to 100M)", s)
	}
	return nil
}
