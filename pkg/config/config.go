// Package config loads flowchat settings from a TOML secrets file, a .env
// file and the process environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/papercomputeco/flowchat/pkg/flow"
)

// DefaultConfigPaths are tried in order when no config file is named. The
// first matches the secrets file layout of Streamlit deployments.
var DefaultConfigPaths = []string{
	".streamlit/secrets.toml",
	"flowchat.toml",
}

const (
	DefaultListenAddr = ":8501"
	DefaultTitle      = "Flow Assistant"
	DefaultSubtitle   = "Chat with our AI assistant."
)

// Environment variables read by Load.
const (
	EnvBaseURL    = "BASE_API_URL"
	EnvFlowID     = "FLOW_ID"
	EnvAPIKey     = "API_KEY"
	EnvTimeout    = "FLOWCHAT_TIMEOUT"
	EnvListen     = "FLOWCHAT_LISTEN"
	EnvDBPath     = "FLOWCHAT_DB"
	EnvRedisURL   = "FLOWCHAT_REDIS_URL"
	EnvSessionTTL = "FLOWCHAT_SESSION_TTL"
	EnvDebug      = "FLOWCHAT_DEBUG"
)

// ErrMissing is wrapped by Validate when a required value is empty.
var ErrMissing = errors.New("missing required setting")

// Config is the complete flowchat configuration.
type Config struct {
	// Flow endpoint. The upper-case keys match existing secrets files.
	BaseURL string        `toml:"BASE_API_URL"`
	FlowID  string        `toml:"FLOW_ID"`
	APIKey  string        `toml:"API_KEY"`
	Timeout time.Duration `toml:"timeout"`

	// Web front-end
	ListenAddr string `toml:"listen"`
	Title      string `toml:"title"`
	Subtitle   string `toml:"subtitle"`

	// DBPath enables transcript recording to a SQLite file when set.
	DBPath string `toml:"db"`

	// RedisURL moves session state to Redis when set.
	RedisURL   string        `toml:"redis_url"`
	SessionTTL time.Duration `toml:"session_ttl"`

	Debug bool `toml:"debug"`

	// Source is the config file that was read, if any.
	Source string `toml:"-"`
}

// Options controls where Load looks.
type Options struct {
	// ConfigPath names a TOML file that must exist. Empty tries DefaultConfigPaths.
	ConfigPath string

	// EnvFile names a dotenv file that must exist. Empty tries ".env".
	EnvFile string
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Timeout:    flow.DefaultTimeout,
		ListenAddr: DefaultListenAddr,
		Title:      DefaultTitle,
		Subtitle:   DefaultSubtitle,
	}
}

// Load builds a Config from defaults, the TOML file, the dotenv file and the
// environment. Variables already set in the environment win over the dotenv
// file. Load does not validate; call Validate once flags are applied.
func Load(opts Options) (Config, error) {
	cfg := Default()

	path, err := resolveConfigPath(opts.ConfigPath)
	if err != nil {
		return cfg, err
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		cfg.Source = path
	}

	if err := loadEnvFile(opts.EnvFile); err != nil {
		return cfg, err
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks the settings needed to reach the flow. An empty API key is
// allowed: requests are then sent unauthenticated.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: %s", ErrMissing, EnvBaseURL)
	}
	if c.FlowID == "" {
		return fmt.Errorf("%w: %s", ErrMissing, EnvFlowID)
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", EnvBaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid %s: scheme must be http or https, got %q", EnvBaseURL, u.Scheme)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("invalid timeout: %s", c.Timeout)
	}
	return nil
}

// Flow returns the flow client settings.
func (c Config) Flow() flow.Config {
	return flow.Config{
		BaseURL: c.BaseURL,
		FlowID:  c.FlowID,
		APIKey:  c.APIKey,
		Timeout: c.Timeout,
	}
}

func resolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicit, err)
		}
		return explicit, nil
	}

	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

func loadEnvFile(explicit string) error {
	if explicit != "" {
		if err := godotenv.Load(explicit); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", explicit, err)
		}
		return nil
	}

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("failed to load .env: %w", err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.BaseURL, EnvBaseURL)
	setString(&cfg.FlowID, EnvFlowID)
	setString(&cfg.APIKey, EnvAPIKey)
	setString(&cfg.ListenAddr, EnvListen)
	setString(&cfg.DBPath, EnvDBPath)
	setString(&cfg.RedisURL, EnvRedisURL)

	if err := setDuration(&cfg.Timeout, EnvTimeout); err != nil {
		return err
	}
	if err := setDuration(&cfg.SessionTTL, EnvSessionTTL); err != nil {
		return err
	}

	if v, ok := os.LookupEnv(EnvDebug); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvDebug, err)
		}
		cfg.Debug = b
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}

	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
