package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the gateway. Values are loaded in
// three layers: built-in defaults, an optional YAML file, and environment
// variables (highest priority).
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	IdP       IdPConfig       `koanf:"idp"`
	Worker    WorkerConfig    `koanf:"worker"`
	Sessions  SessionConfig   `koanf:"sessions"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Storage   StorageConfig   `koanf:"storage"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig holds the downstream HTTP listener settings.
type ServerConfig struct {
	// Port the gateway listens on.
	Port int `koanf:"port"`

	// Host is the externally visible hostname used when building URLs
	// (the /messages reply endpoint, OAuth redirect hints).
	Host string `koanf:"host"`

	// BindAddress is the address the listener binds to.
	BindAddress string `koanf:"bind_address"`

	// PublicURL overrides the derived http://host:port base when the
	// gateway sits behind a reverse proxy.
	PublicURL string `koanf:"public_url"`
}

// IdPConfig holds the identity provider settings. AppID, AppSecret and
// RedirectURI are mandatory; startup fails without them.
type IdPConfig struct {
	AppID       string        `koanf:"app_id"`
	AppSecret   string        `koanf:"app_secret"`
	RedirectURI string        `koanf:"redirect_uri"`
	BaseURL     string        `koanf:"base_url"`
	Scope       string        `koanf:"scope"`
	Timeout     time.Duration `koanf:"timeout"`
}

// WorkerConfig holds everything the supervisor needs to spawn and manage
// worker child processes.
type WorkerConfig struct {
	// BinaryPath is the worker executable handed to exec.
	BinaryPath string `koanf:"binary_path"`

	// BasePort is the first port of the allocation window for user workers.
	BasePort int `koanf:"base_port"`

	// PortWindow is the number of ports available above BasePort.
	PortWindow int `koanf:"port_window"`

	// DefaultPort is the fixed port of the always-on default worker.
	DefaultPort int `koanf:"default_port"`

	// MaxInstances bounds the number of non-default workers.
	MaxInstances int `koanf:"max_instances"`

	// IdleTimeoutMS is the idle reaping threshold in milliseconds.
	IdleTimeoutMS int64 `koanf:"idle_timeout_ms"`

	// MaxMemoryMB is advisory: when the gateway process exceeds it the
	// health endpoint reports unhealthy.
	MaxMemoryMB int `koanf:"max_memory_mb"`
}

// IdleTimeout returns the idle reaping threshold as a duration.
func (w WorkerConfig) IdleTimeout() time.Duration {
	return time.Duration(w.IdleTimeoutMS) * time.Millisecond
}

// SessionConfig bounds the session registry.
type SessionConfig struct {
	MaxSessions int           `koanf:"max_sessions"`
	TTL         time.Duration `koanf:"ttl"`
}

// RateLimitConfig holds the request rate limits applied at the HTTP surface.
type RateLimitConfig struct {
	// PerSession is the request budget per session id per window.
	PerSession int `koanf:"per_session"`

	// PerIP is the request budget per originating IP per window.
	PerIP int `koanf:"per_ip"`

	Window time.Duration `koanf:"window"`

	// Disabled turns rate limiting off entirely (tests, trusted networks).
	Disabled bool `koanf:"disabled"`
}

// StorageConfig holds credential persistence settings.
type StorageConfig struct {
	// DataDir is the root under which per-user token directories live.
	DataDir string `koanf:"data_dir"`

	// TokenTTL bounds how long loaded credentials stay in the in-memory
	// cache before being re-read from disk.
	TokenTTL time.Duration `koanf:"token_ttl"`

	// TokenKey is an optional base64-encoded 32-byte key. When set,
	// refresh tokens are sealed with ChaCha20-Poly1305 before hitting disk.
	TokenKey string `koanf:"token_key"`

	// SnapshotInterval is how often the gateway logs a health snapshot.
	SnapshotInterval time.Duration `koanf:"snapshot_interval"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level string `koanf:"level"`
}

// defaultConfig returns a Config with every field at its documented default.
// The three IdP fields deliberately default to empty: they are mandatory and
// validated at startup.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        3000,
			Host:        "localhost",
			BindAddress: "0.0.0.0",
			PublicURL:   "",
		},
		IdP: IdPConfig{
			AppID:       "",
			AppSecret:   "",
			RedirectURI: "",
			BaseURL:     "https://open.feishu.cn/open-apis/authen/v1",
			Scope:       "contact:user.base:readonly offline_access",
			Timeout:     10 * time.Second,
		},
		Worker: WorkerConfig{
			BinaryPath:    "worker",
			BasePort:      4000,
			PortWindow:    1000,
			DefaultPort:   3999,
			MaxInstances:  20,
			IdleTimeoutMS: int64((30 * time.Minute) / time.Millisecond),
			MaxMemoryMB:   2048,
		},
		Sessions: SessionConfig{
			MaxSessions: 1000,
			TTL:         24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			PerSession: 120,
			PerIP:      600,
			Window:     time.Minute,
			Disabled:   false,
		},
		Storage: StorageConfig{
			DataDir:          "./data",
			TokenTTL:         time.Hour,
			TokenKey:         "",
			SnapshotInterval: time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// BaseURL returns the externally visible base URL of the gateway.
func (c *Config) BaseURL() string {
	if c.Server.PublicURL != "" {
		return c.Server.PublicURL
	}
	return fmt.Sprintf("http://%s:%d", c.Server.Host, c.Server.Port)
}
