package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/emberhearth/embersync/internal/source"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App     ApplicationConfig `yaml:"app"`
	Cursor  StoreConfig       `yaml:"cursor"`
	Archive StoreConfig       `yaml:"archive"`
	Sources []SourceConfig    `yaml:"sources"`
	Auth    AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Cursor.Validate(); err != nil {
		return err
	}
	if err := c.Archive.Validate(); err != nil {
		return err
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("config: at least one source is required")
	}
	seen := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		if err := c.Sources[i].Validate(); err != nil {
			return fmt.Errorf("source %d: %w", i, err)
		}
		if seen[c.Sources[i].ID] {
			return fmt.Errorf("config: duplicate source id %q", c.Sources[i].ID)
		}
		seen[c.Sources[i].ID] = true
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// StoreConfig holds the path to a daemon-owned SQLite database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the store configuration.
func (c *StoreConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// SourceConfig describes one external store to ingest from.
//
// Watch enables the event-driven detection path; the timer poll always runs
// as a fallback. QueueSize bounds in-flight (polled but unacknowledged)
// records; LowWater is where a paused source resumes polling.
type SourceConfig struct {
	ID           string        `yaml:"id"`
	Kind         string        `yaml:"kind"`
	Path         string        `yaml:"path"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Debounce     time.Duration `yaml:"debounce"`
	Watch        bool          `yaml:"watch"`
	QueueSize    int           `yaml:"queue_size"`
	LowWater     int           `yaml:"low_water"`
}

// Validate validates one source configuration.
func (c *SourceConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.ID, validation.Required),
		validation.Field(&c.Kind, validation.Required,
			validation.In(source.KindChatDB, source.KindHistoryDB)),
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.QueueSize, validation.Min(0)),
		validation.Field(&c.LowWater, validation.Min(0)),
	); err != nil {
		return err
	}
	if c.QueueSize > 0 && c.LowWater >= c.QueueSize {
		return fmt.Errorf("low_water (%d) must be below queue_size (%d)", c.LowWater, c.QueueSize)
	}
	return nil
}

// Descriptor converts the config entry into an immutable source descriptor.
func (c *SourceConfig) Descriptor() source.Descriptor {
	return source.Descriptor{
		ID:           c.ID,
		Kind:         c.Kind,
		Path:         c.Path,
		PollInterval: c.PollInterval,
		Debounce:     c.Debounce,
		Watch:        c.Watch,
		QueueSize:    c.QueueSize,
		LowWater:     c.LowWater,
	}
}

// Descriptors converts every configured source.
func (c *Config) Descriptors() []source.Descriptor {
	out := make([]source.Descriptor, 0, len(c.Sources))
	for i := range c.Sources {
		out = append(out, c.Sources[i].Descriptor())
	}
	return out
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8091,
			},
		},
		Cursor: StoreConfig{
			Path: "./embersync-cursors.db",
		},
		Archive: StoreConfig{
			Path: "./embersync-archive.db",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
