package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	defaultListen = ":8080"
)

// Duration is a wrapper around time.Duration that can be marshaled to/from JSON
type Duration time.Duration

// MarshalJSON implements json.Marshaler interface
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler interface
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration format: %w", err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config represents the main configuration structure
type Config struct {
	Listen  string `json:"listen" mapstructure:"listen"`
	DataDir string `json:"data_dir" mapstructure:"data-dir"`

	// Upstream Real-Debrid API configuration
	Debrid *DebridConfig `json:"debrid,omitempty" mapstructure:"debrid"`

	// Reconnection policy
	Reconnect *ReconnectConfig `json:"reconnect,omitempty" mapstructure:"reconnect"`

	// Notification policy
	Notifications *NotificationConfig `json:"notifications,omitempty" mapstructure:"notifications"`

	// Persistence policy (record age / collection caps)
	Persistence *PersistenceConfig `json:"persistence,omitempty" mapstructure:"persistence"`

	// Sync policy
	Sync *SyncConfig `json:"sync,omitempty" mapstructure:"sync"`

	// Logging configuration
	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`
}

// DebridConfig holds upstream API endpoints and OAuth client settings
type DebridConfig struct {
	APIBaseURL    string `json:"api_base_url" mapstructure:"api-base-url"`
	OAuthTokenURL string `json:"oauth_token_url" mapstructure:"oauth-token-url"`
	ClientID      string `json:"client_id" mapstructure:"client-id"`
	ClientSecret  string `json:"client_secret,omitempty" mapstructure:"client-secret"`

	// Hosts probed by the network connectivity check
	ProbeHosts []string `json:"probe_hosts,omitempty" mapstructure:"probe-hosts"`
}

// ReconnectConfig controls the reconnection engine backoff policy
type ReconnectConfig struct {
	MaxAttempts int      `json:"max_attempts" mapstructure:"max-attempts"`
	BaseDelay   Duration `json:"base_delay" mapstructure:"base-delay"`
	MaxDelay    Duration `json:"max_delay" mapstructure:"max-delay"`
}

// NotificationConfig controls throttling and auto-dismiss behavior
type NotificationConfig struct {
	ThrottleWindow   Duration `json:"throttle_window" mapstructure:"throttle-window"`
	AutoDismissDelay Duration `json:"auto_dismiss_delay" mapstructure:"auto-dismiss-delay"`
}

// PersistenceConfig controls stored record lifetime and collection caps
type PersistenceConfig struct {
	MaxAge   Duration `json:"max_age" mapstructure:"max-age"`
	MaxItems int      `json:"max_items" mapstructure:"max-items"`
}

// SyncConfig controls the sync engine defaults
type SyncConfig struct {
	// IncrementalWindow is the default "since" window for incremental syncs
	// when the caller does not supply one.
	IncrementalWindow Duration `json:"incremental_window" mapstructure:"incremental-window"`
	PageSize          int      `json:"page_size" mapstructure:"page-size"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir" mapstructure:"log-dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max-size"` // megabytes
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"`
	MaxAge        int    `json:"max_age" mapstructure:"max-age"` // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
}

// Default returns a configuration populated with the documented defaults
func Default() *Config {
	return &Config{
		Listen:  defaultListen,
		DataDir: defaultDataDir(),
		Debrid: &DebridConfig{
			APIBaseURL:    "https://api.real-debrid.com/rest/1.0",
			OAuthTokenURL: "https://api.real-debrid.com/oauth/v2/token",
			ProbeHosts: []string{
				"https://www.google.com",
				"https://www.cloudflare.com",
			},
		},
		Reconnect: &ReconnectConfig{
			MaxAttempts: DefaultMaxReconnectAttempts,
			BaseDelay:   Duration(InitialBackoffDelay),
			MaxDelay:    Duration(MaxBackoffDelay),
		},
		Notifications: &NotificationConfig{
			ThrottleWindow:   Duration(NotificationThrottleWindow),
			AutoDismissDelay: Duration(NotificationAutoDismissDelay),
		},
		Persistence: &PersistenceConfig{
			MaxAge:   Duration(DefaultRecordMaxAge),
			MaxItems: DefaultCollectionMaxItems,
		},
		Sync: &SyncConfig{
			IncrementalWindow: Duration(DefaultIncrementalSyncWindow),
			PageSize:          DefaultSyncPageSize,
		},
		Logging: &LogConfig{
			Level:         "info",
			EnableConsole: true,
			EnableFile:    true,
			Filename:      "dmm-server.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        14,
			Compress:      true,
		},
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory cannot be empty")
	}
	if c.Debrid == nil || c.Debrid.APIBaseURL == "" {
		return fmt.Errorf("debrid api base url cannot be empty")
	}
	if c.Reconnect != nil {
		if c.Reconnect.MaxAttempts <= 0 {
			return fmt.Errorf("reconnect max attempts must be positive")
		}
		if c.Reconnect.BaseDelay.Duration() <= 0 {
			return fmt.Errorf("reconnect base delay must be positive")
		}
		if c.Reconnect.MaxDelay.Duration() < c.Reconnect.BaseDelay.Duration() {
			return fmt.Errorf("reconnect max delay must be >= base delay")
		}
	}
	if c.Persistence != nil && c.Persistence.MaxItems <= 0 {
		return fmt.Errorf("persistence max items must be positive")
	}
	if c.Sync != nil {
		if c.Sync.PageSize < 1 || c.Sync.PageSize > MaxSyncPageSize {
			return fmt.Errorf("sync page size must be between 1 and %d", MaxSyncPageSize)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a JSON file, filling unset sections
// with defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dmm-server"
	}
	return filepath.Join(home, ".dmm-server")
}
