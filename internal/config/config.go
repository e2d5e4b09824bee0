package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/secrets"
)

// Config holds runtime configuration. API keys are read from the environment
// or from the config dir at runtime; never committed.
type Config struct {
	// ConfigDir is where config.json, llm_routing.{json,yaml} and provider_cooldowns.json live.
	ConfigDir string `json:"-"` // set at runtime
	// DBPath is the path to the audit database. Empty disables auditing.
	DBPath string `json:"db_path"`

	// APIKeys maps an api_key_env name (e.g. GEMINI_API_KEY) to a key stored in config.json.
	// Environment variables win over these.
	APIKeys map[string]string `json:"api_keys,omitempty"`

	// AttemptTimeout bounds a single adapter call. Set via QICHAT_ATTEMPT_TIMEOUT.
	AttemptTimeout Duration `json:"attempt_timeout"`
	// RequestDeadline bounds the whole fallback cascade. Set via QICHAT_REQUEST_DEADLINE.
	RequestDeadline Duration `json:"request_deadline"`

	// AuditMaxEntries and AuditMaxAgeDays drive audit log cleanup (0 = store default).
	AuditMaxEntries int `json:"audit_max_entries"`
	AuditMaxAgeDays int `json:"audit_max_age_days"`

	// LogLevel is debug, info, warn or error. Set via QICHAT_LOG_LEVEL.
	LogLevel string `json:"log_level"`
}

// Duration is a time.Duration that reads "30s" or a bare number of seconds from JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var secs float64
		if err := json.Unmarshal(b, &secs); err != nil {
			return err
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, ok := parseDuration(s)
	if !ok {
		return &json.UnsupportedValueError{Str: s}
	}
	*d = Duration(v)
	return nil
}

const (
	DefaultAttemptTimeout  = 60 * time.Second
	DefaultRequestDeadline = 3 * time.Minute
)

// DefaultConfigDir returns the default config directory (project-local .qichat if present, else ~/.config/qichat).
func DefaultConfigDir() string {
	cwd, _ := os.Getwd()
	local := filepath.Join(cwd, ".qichat")
	if info, err := os.Stat(local); err == nil && info.IsDir() {
		return local
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "qichat")
}

// New builds config from env and optional config dir. ConfigDir can be empty to use default.
func New(configDir string) *Config {
	if configDir == "" {
		if d := os.Getenv("QICHAT_CONFIG_DIR"); d != "" {
			configDir = d
		} else {
			configDir = DefaultConfigDir()
		}
	}
	cfg := &Config{
		ConfigDir:       configDir,
		DBPath:          filepath.Join(configDir, "qichat.db"),
		AttemptTimeout:  Duration(DefaultAttemptTimeout),
		RequestDeadline: Duration(DefaultRequestDeadline),
		LogLevel:        "info",
	}

	// Priority: defaults < config file < env.
	configPath := filepath.Join(configDir, "config.json")
	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			slog.Warn("ignoring malformed config file", "component", "config", "path", configPath, "error", err)
		}
	}

	if v := os.Getenv("QICHAT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v, ok := parseDuration(os.Getenv("QICHAT_ATTEMPT_TIMEOUT")); ok {
		cfg.AttemptTimeout = Duration(v)
	}
	if v, ok := parseDuration(os.Getenv("QICHAT_REQUEST_DEADLINE")); ok {
		cfg.RequestDeadline = Duration(v)
	}
	if v := os.Getenv("QICHAT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = Duration(DefaultAttemptTimeout)
	}
	if cfg.RequestDeadline <= 0 {
		cfg.RequestDeadline = Duration(DefaultRequestDeadline)
	}
	return cfg
}

// Secrets returns the key lookup chain: environment first, then config.json api_keys.
func (c *Config) Secrets() secrets.SecretStore {
	return secrets.NewChainStore(&secrets.EnvSecretStore{}, secrets.StaticSecretStore(c.APIKeys))
}

// SlogLevel maps LogLevel to a slog.Level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parseDuration accepts Go durations ("45s", "2m") or a bare number of seconds.
func parseDuration(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return time.Duration(n) * time.Second, true
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d, true
	}
	return 0, false
}
