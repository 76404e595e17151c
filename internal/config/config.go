// Package config implements the proxy's minimal JSON-backed configuration
// surface: bind addresses, default backend credentials/base-URLs, the graph
// file path, and hot-reload debounce (SPEC_FULL.md "Configuration"). There
// is no TOML/viper layer here, matching the teacher's own preference for a
// single plain JSON document over a config framework.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// BackendConfig holds the per-backend defaults a Client node falls back to
// when its own graph-node config omits a field.
type BackendConfig struct {
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// SessionConfig holds the session repository settings. MaxSessions and
// TTLSeconds feed session.NewRepository; CleanupInterval is not passed to it.
type SessionConfig struct {
	MaxSessions     int           `json:"maxSessions"`
	TTLSeconds      int           `json:"ttlSeconds"`
	CleanupInterval time.Duration `json:"-"`
}

// TransportConfig selects which framings cmd/acphastd starts and their
// addresses (spec §6 "External interfaces").
type TransportConfig struct {
	Stdio     bool   `json:"stdio"`
	HTTPAddr  string `json:"httpAddr"`
	PiCommand string `json:"piCommand"`
	PiEnabled bool   `json:"piEnabled"`
}

// Config is the proxy's process-wide configuration document.
type Config struct {
	GraphPath          string                   `json:"graphPath"`
	HotReloadDebounce  time.Duration            `json:"hotReloadDebounce"`
	LogLevel           string                   `json:"logLevel"`
	LogPath            string                   `json:"logPath"`
	LogToConsole       bool                     `json:"logToConsole"`
	Transports         TransportConfig          `json:"transports"`
	Session            SessionConfig            `json:"session"`
	Backends           map[string]BackendConfig `json:"backends"`
	ShutdownTimeoutSec int                      `json:"shutdownTimeoutSec"`
	// MetaPolicy governs validation of unknown params._meta namespaces:
	// "strict", "strip", or "permissive" (spec §3 "Metadata").
	MetaPolicy string `json:"metaPolicy"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "acphast")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "acphast")
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "acphast")
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "acphast")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", "acphast")
	default:
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "acphast")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "acphast")
	}
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	configDir := defaultConfigDir()
	stateDir := defaultStateDir()
	return &Config{
		GraphPath:         filepath.Join(configDir, "graph.json"),
		HotReloadDebounce: 500 * time.Millisecond,
		LogLevel:          "info",
		LogPath:           filepath.Join(stateDir, "acphastd.log"),
		Transports: TransportConfig{
			Stdio:    true,
			HTTPAddr: "",
		},
		Session: SessionConfig{
			MaxSessions:     1000,
			TTLSeconds:      3600,
			CleanupInterval: 60 * time.Second,
		},
		Backends:           make(map[string]BackendConfig),
		ShutdownTimeoutSec: 30,
		MetaPolicy:         "permissive",
	}
}

// Load reads path as JSON over top of DefaultConfig, so a file only needs to
// set the fields it wants to override. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if cfg.GraphPath == "" {
		cfg.GraphPath = filepath.Join(defaultConfigDir(), "graph.json")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogPath == "" {
		cfg.LogPath = filepath.Join(defaultStateDir(), "acphastd.log")
	}
	if cfg.Backends == nil {
		cfg.Backends = make(map[string]BackendConfig)
	}
	if cfg.Session.CleanupInterval == 0 {
		cfg.Session.CleanupInterval = 60 * time.Second
	}
	if cfg.ShutdownTimeoutSec == 0 {
		cfg.ShutdownTimeoutSec = 30
	}
	if cfg.MetaPolicy == "" {
		cfg.MetaPolicy = "permissive"
	}
	return cfg, nil
}

// Save writes cfg to path as indented JSON, creating parent directories as
// needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// GetConfigPath returns the default config file location, honoring
// ACPHASTD_CONFIG when set.
func GetConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("ACPHASTD_CONFIG")); p != "" {
		return p
	}
	return filepath.Join(defaultConfigDir(), "config.json")
}

// BackendCredential returns the configured API key for name, falling back to
// the conventional environment variable (e.g. ANTHROPIC_API_KEY) used
// throughout internal/nodes's Client nodes.
func (c *Config) BackendCredential(name, envVar string) string {
	if b, ok := c.Backends[name]; ok && b.APIKey != "" {
		return b.APIKey
	}
	return strings.TrimSpace(os.Getenv(envVar))
}

// BackendBaseURL returns the configured base URL for name, or fallback if
// unset.
func (c *Config) BackendBaseURL(name, fallback string) string {
	if b, ok := c.Backends[name]; ok && b.BaseURL != "" {
		return b.BaseURL
	}
	return fallback
}
