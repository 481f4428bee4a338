package types

import (
	"errors"
	"time"
)

// Supported store drivers. DriverSQLite is modernc.org/sqlite and
// DriverSQLite3 is github.com/ncruces/go-sqlite3.
const (
	DriverSQLite  = "sqlite"
	DriverSQLite3 = "sqlite3"
)

// Default tuning values.
const (
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 5 * time.Second
	DefaultBusyTimeout = 5 * time.Second
	DefaultPingTimeout = 2 * time.Second
)

// Config validation errors.
var (
	ErrDriverEmpty    = errors.New("store driver must not be empty")
	ErrDriverUnknown  = errors.New("unknown store driver")
	ErrStorePathEmpty = errors.New("store path must not be empty")
	ErrDelayInvalid   = errors.New("coalescer delays must be positive and max >= base")
)

// knownDrivers lists the drivers that Validate accepts.
var knownDrivers = map[string]bool{
	DriverSQLite:  true,
	DriverSQLite3: true,
}

// Config holds the store and coalescer settings the exporter needs.
type Config struct {
	Driver      string        `json:"driver" yaml:"driver"`
	Path        string        `json:"path" yaml:"path"`
	BusyTimeout time.Duration `json:"busy_timeout" yaml:"busy_timeout"`
	PingTimeout time.Duration `json:"ping_timeout" yaml:"ping_timeout"`
	BaseDelay   time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay"`

	// PreviewableExtensions overrides DefaultPreviewableExtensions when set.
	PreviewableExtensions []string `json:"previewable_extensions,omitempty" yaml:"previewable_extensions,omitempty"`
}

// DefaultConfig returns a Config for the database file at path.
func DefaultConfig(path string) Config {
	return Config{
		Driver:      DriverSQLite,
		Path:        path,
		BusyTimeout: DefaultBusyTimeout,
		PingTimeout: DefaultPingTimeout,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// Validate checks that the Config is well-formed. It returns a sentinel
// error from this package on failure.
func (c Config) Validate() error {
	if c.Driver == "" {
		return ErrDriverEmpty
	}
	if !knownDrivers[c.Driver] {
		return ErrDriverUnknown
	}
	if c.Path == "" {
		return ErrStorePathEmpty
	}
	if c.BaseDelay <= 0 || c.MaxDelay < c.BaseDelay {
		return ErrDelayInvalid
	}
	return nil
}
