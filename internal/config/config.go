package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	ClientID string         `yaml:"client_id"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Remote   RemoteConfig   `yaml:"remote"`
	Auth     AuthConfig     `yaml:"auth"`
	Worker   WorkerConfig   `yaml:"worker"`
	Cache    CacheConfig    `yaml:"cache"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains local HTTP API settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// DatabaseConfig contains local store settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RouteConfig maps an action tag to a remote endpoint.
type RouteConfig struct {
	Method string `yaml:"method"`
	Path   string `yaml:"path"`
}

// RemoteConfig contains settings for the remote API the queue replays against.
type RemoteConfig struct {
	BaseURL    string                 `yaml:"base_url"`
	APIKey     string                 `yaml:"-"` // env-only, never in YAML
	HealthPath string                 `yaml:"health_path"`
	Timeout    Duration               `yaml:"timeout"`
	Routes     map[string]RouteConfig `yaml:"routes"`
}

// AuthConfig contains local API authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	ReplayInterval  Duration `yaml:"replay_interval"`
	ProbeTimeout    Duration `yaml:"probe_timeout"`
	ArchiveInterval Duration `yaml:"archive_interval"` // 0 disables scheduled exports
}

// CacheConfig lists the collections the offline record cache accepts.
type CacheConfig struct {
	Collections []string `yaml:"collections"`
}

// ArchiveConfig contains S3-compatible audit archive settings.
// An empty bucket disables archiving.
type ArchiveConfig struct {
	Endpoint  string   `yaml:"endpoint"`
	Bucket    string   `yaml:"bucket"`
	Region    string   `yaml:"region"`
	AccessKey string   `yaml:"access_key"`
	SecretKey string   `yaml:"-"` // env-only, never in YAML
	UseSSL    *bool    `yaml:"use_ssl"`
	URLExpiry Duration `yaml:"url_expiry"`

	// PruneSynced removes synced entries covered by a successful scheduled export.
	PruneSynced bool `yaml:"prune_synced"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration for the agent with precedence:
// defaults → YAML file → env vars. API keys are required unless
// OFFSYNC_DEV_MODE=true.
func Load() (*Config, error) {
	cfg, err := loadLayers()
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := cfg.ValidateServe(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClientConfig loads configuration for CLI commands that operate on the
// local store without serving the API. API keys are not required.
func LoadClientConfig() (*Config, error) {
	cfg, err := loadLayers()
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadLayers() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("OFFSYNC_CONFIG_PATH", "config/offsync.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		ClientID: defaultClientID(),
		Server: ServerConfig{
			Port:            8787,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/offsync.db",
		},
		Remote: RemoteConfig{
			HealthPath: "/api/health",
			Timeout:    Duration(30 * time.Second),
		},
		Worker: WorkerConfig{
			ReplayInterval: Duration(1 * time.Minute),
			ProbeTimeout:   Duration(5 * time.Second),
		},
		Cache: CacheConfig{
			Collections: []string{"products", "orders", "complaints"},
		},
		Archive: ArchiveConfig{
			URLExpiry: Duration(15 * time.Minute),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OFFSYNC_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}

	// Server
	if v := os.Getenv("OFFSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("OFFSYNC_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}
	if v := os.Getenv("OFFSYNC_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}

	// Database
	if v := os.Getenv("OFFSYNC_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Remote
	if v := os.Getenv("OFFSYNC_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("OFFSYNC_REMOTE_API_KEY"); v != "" {
		cfg.Remote.APIKey = v
	}
	if v := os.Getenv("OFFSYNC_REMOTE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Remote.Timeout = Duration(d)
		}
	}

	// Auth
	if v := os.Getenv("OFFSYNC_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Worker
	if v := os.Getenv("OFFSYNC_REPLAY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.ReplayInterval = Duration(d)
		}
	}
	if v := os.Getenv("OFFSYNC_PROBE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.ProbeTimeout = Duration(d)
		}
	}
	if v := os.Getenv("OFFSYNC_ARCHIVE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.ArchiveInterval = Duration(d)
		}
	}

	// Cache
	if v := os.Getenv("OFFSYNC_CACHE_COLLECTIONS"); v != "" {
		cfg.Cache.Collections = splitList(v)
	}

	// Archive
	if v := os.Getenv("OFFSYNC_ARCHIVE_BUCKET"); v != "" {
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv("OFFSYNC_S3_ENDPOINT"); v != "" {
		cfg.Archive.Endpoint = v
	}
	if v := os.Getenv("OFFSYNC_S3_REGION"); v != "" {
		cfg.Archive.Region = v
	}
	if v := os.Getenv("OFFSYNC_S3_ACCESS_KEY"); v != "" {
		cfg.Archive.AccessKey = v
	}
	if v := os.Getenv("OFFSYNC_S3_SECRET_KEY"); v != "" {
		cfg.Archive.SecretKey = v
	}
	if v := os.Getenv("OFFSYNC_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.Archive.UseSSL = &useSSL
	}
	if v := os.Getenv("OFFSYNC_S3_URL_EXPIRY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Archive.URLExpiry = Duration(d)
		}
	}
	if v := os.Getenv("OFFSYNC_ARCHIVE_PRUNE_SYNCED"); v != "" {
		cfg.Archive.PruneSynced = v == "true" || v == "1"
	}

	// Log
	if v := os.Getenv("OFFSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("OFFSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks structural settings shared by every entry point.
func (c *Config) validate() error {
	if c.ClientID == "" {
		return errors.New("client_id is required")
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Worker.ReplayInterval <= 0 {
		return errors.New("worker.replay_interval must be positive")
	}
	if c.Worker.ProbeTimeout <= 0 {
		return errors.New("worker.probe_timeout must be positive")
	}
	if c.Worker.ArchiveInterval < 0 {
		return errors.New("worker.archive_interval must not be negative")
	}
	if c.Worker.ArchiveInterval > 0 && c.Archive.Bucket == "" {
		return errors.New("worker.archive_interval requires archive.bucket")
	}
	for action, route := range c.Remote.Routes {
		if action == "" {
			return errors.New("remote.routes: empty action name")
		}
		switch strings.ToUpper(route.Method) {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			return fmt.Errorf("remote.routes.%s: unsupported method %q", action, route.Method)
		}
		if !strings.HasPrefix(route.Path, "/") {
			return fmt.Errorf("remote.routes.%s: path must start with /", action)
		}
	}
	return nil
}

// ValidateServe checks that the agent has what it needs to serve: a local API
// key and a remote URL. Callers apply flag overrides before calling it.
// In dev mode (OFFSYNC_DEV_MODE=true), these checks are skipped.
func (c *Config) ValidateServe() error {
	if os.Getenv("OFFSYNC_DEV_MODE") == "true" {
		return nil
	}
	if c.Auth.APIKey == "" {
		return errors.New("OFFSYNC_API_KEY is required")
	}
	if c.Remote.BaseURL == "" {
		return errors.New("remote.base_url (OFFSYNC_REMOTE_URL) is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// defaultClientID identifies this agent to the remote and in archive keys.
func defaultClientID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "offsync"
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
