package shared

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed config.example.toml
var exampleConf []byte

// Environment variables that override values from the config file.
const (
	EnvSessionID     = "TIDAL_SESSION_ID"
	EnvStorageDir    = "TIDAL_STORAGE_DIR"
	EnvEncryptionKey = "TIDAL_STORAGE_ENCRYPTION_KEY"
	EnvPort          = "TIDAL_MCP_PORT"
	EnvHTTPS         = "HTTPS_ENABLED"
)

// Config represents the application configuration loaded from a TOML file.
type Config struct {
	Tidal    TidalConfig    `toml:"tidal"`
	Storage  StorageConfig  `toml:"storage"`
	Sessions SessionsConfig `toml:"sessions"`
	Server   ServerConfig   `toml:"server"`
	Catalog  CatalogConfig  `toml:"catalog"`
}

// TidalConfig contains TIDAL client credentials and endpoints.
type TidalConfig struct {
	ClientID      string   `toml:"client_id"`
	ClientSecret  string   `toml:"client_secret"`
	Scopes        []string `toml:"scopes"`
	DeviceAuthURL string   `toml:"device_auth_url"`
	TokenURL      string   `toml:"token_url"`
	APIURL        string   `toml:"api_url"`
}

// StorageConfig selects and configures the persisted session store.
type StorageConfig struct {
	Backend       string `toml:"backend"` // file or sqlite
	Dir           string `toml:"dir"`
	EncryptionKey string `toml:"encryption_key"`
	MaxOpenConns  int    `toml:"max_open_conns"`
	MaxIdleConns  int    `toml:"max_idle_conns"`
}

// SessionsConfig contains session manager policy.
type SessionsConfig struct {
	DefaultID   string        `toml:"default_id"`
	GraceMargin time.Duration `toml:"grace_margin"`
	Retention   time.Duration `toml:"retention"`
	OpenBrowser bool          `toml:"open_browser"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host  string `toml:"host"`
	Port  int    `toml:"port"`
	HTTPS bool   `toml:"https"`
}

// CatalogConfig contains catalog client settings.
type CatalogConfig struct {
	CountryCode string  `toml:"country_code"`
	RateLimit   float64 `toml:"rate_limit"`
	Workers     int     `toml:"workers"`
}

// LoadConfig reads and parses a TOML configuration file from the specified path.
//
// Keys missing from the file keep the embedded defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the embedded example config.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// CreateConfigFile creates a config.toml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides config values with the supported environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}

	if v := getenv(EnvSessionID); v != "" {
		c.Sessions.DefaultID = v
	}
	if v := getenv(EnvStorageDir); v != "" {
		c.Storage.Dir = v
	}
	if v := getenv(EnvEncryptionKey); v != "" {
		c.Storage.EncryptionKey = v
	}
	if v := getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidConfig, EnvPort, v)
		}
		c.Server.Port = port
	}
	if v := getenv(EnvHTTPS); v != "" {
		c.Server.HTTPS = strings.EqualFold(v, "true")
	}
	return nil
}

// Validate checks the values the session manager cannot run without.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalidConfig, c.Storage.Backend)
	}
	if strings.TrimSpace(c.Storage.Dir) == "" {
		return fmt.Errorf("%w: storage.dir must be set", ErrInvalidConfig)
	}
	if c.Sessions.GraceMargin < 0 {
		return fmt.Errorf("%w: sessions.grace_margin must not be negative", ErrInvalidConfig)
	}
	return nil
}

// StorageDir returns the storage directory with "~" expanded.
func (c *Config) StorageDir() string {
	return ExpandPath(c.Storage.Dir)
}
