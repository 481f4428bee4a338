package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mesh-intelligence/mirror/internal/logging"
	"github.com/mesh-intelligence/mirror/internal/paths"
	"github.com/mesh-intelligence/mirror/internal/source"
	"github.com/mesh-intelligence/mirror/pkg/types"
	"github.com/spf13/viper"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	envPrefix      = "MIRROR"

	defaultListen = "127.0.0.1:8765"
)

// Config keys.
const (
	keyStoreDriver    = "store.driver"
	keyStorePath      = "store.path"
	keyBusyTimeout    = "store.busy_timeout"
	keyPingTimeout    = "store.ping_timeout"
	keyBaseDelay      = "coalescer.base_delay"
	keyMaxDelay       = "coalescer.max_delay"
	keyNotifyListen   = "notify.listen"
	keySpoolDir       = "source.spool_dir"
	keyUpdateInterval = "source.update_interval"
	keyPreviewable    = "previewable_extensions"
	keyLogLevel       = "log.level"
	keyLogFormat      = "log.format"
	keyLogFile        = "log.file"
	keyLogMaxSizeMB   = "log.max_size_mb"
	keyLogMaxBackups  = "log.max_backups"
	keyLogMaxAgeDays  = "log.max_age_days"
)

// settings is the fully resolved configuration of one invocation.
type settings struct {
	ConfigDir      string
	DataDir        string
	Store          types.Config
	NotifyListen   string
	SpoolDir       string
	UpdateInterval time.Duration
	Log            logging.Options
}

// newViper returns a viper instance with defaults and MIRROR_ env
// overrides, reading config.yaml from configDir when present.
func newViper(configDir string) (*viper.Viper, error) {
	v := viper.New()
	v.SetDefault(keyStoreDriver, types.DriverSQLite)
	v.SetDefault(keyBusyTimeout, types.DefaultBusyTimeout)
	v.SetDefault(keyPingTimeout, types.DefaultPingTimeout)
	v.SetDefault(keyBaseDelay, types.DefaultBaseDelay)
	v.SetDefault(keyMaxDelay, types.DefaultMaxDelay)
	v.SetDefault(keyNotifyListen, defaultListen)
	v.SetDefault(keyUpdateInterval, source.DefaultUpdateInterval)
	v.SetDefault(keyLogLevel, "info")
	v.SetDefault(keyLogFormat, logging.FormatText)
	v.SetDefault(keyLogMaxSizeMB, 10)
	v.SetDefault(keyLogMaxBackups, 3)
	v.SetDefault(keyLogMaxAgeDays, 28)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// loadSettings resolves directories and reads the configuration.
func loadSettings(f *rootFlags) (settings, error) {
	var s settings
	configDir, err := paths.ResolveConfigDir(f.configDir)
	if err != nil {
		return s, fmt.Errorf("resolve config dir: %w", err)
	}
	v, err := newViper(configDir)
	if err != nil {
		return s, err
	}

	storePath := v.GetString(keyStorePath)
	configuredDataDir := ""
	if storePath != "" {
		configuredDataDir = filepath.Dir(storePath)
	}
	dataDir, err := paths.ResolveDataDir(f.dataDir, configuredDataDir)
	if err != nil {
		return s, fmt.Errorf("resolve data dir: %w", err)
	}
	if storePath == "" || f.dataDir != "" {
		storePath = paths.DatabasePath(dataDir)
	}
	spoolDir := v.GetString(keySpoolDir)
	if spoolDir == "" {
		spoolDir = paths.SpoolDir(dataDir)
	}

	s = settings{
		ConfigDir: configDir,
		DataDir:   dataDir,
		Store: types.Config{
			Driver:                v.GetString(keyStoreDriver),
			Path:                  storePath,
			BusyTimeout:           v.GetDuration(keyBusyTimeout),
			PingTimeout:           v.GetDuration(keyPingTimeout),
			BaseDelay:             v.GetDuration(keyBaseDelay),
			MaxDelay:              v.GetDuration(keyMaxDelay),
			PreviewableExtensions: v.GetStringSlice(keyPreviewable),
		},
		NotifyListen:   v.GetString(keyNotifyListen),
		SpoolDir:       spoolDir,
		UpdateInterval: v.GetDuration(keyUpdateInterval),
		Log: logging.Options{
			Level:      v.GetString(keyLogLevel),
			Format:     v.GetString(keyLogFormat),
			File:       v.GetString(keyLogFile),
			MaxSizeMB:  v.GetInt(keyLogMaxSizeMB),
			MaxBackups: v.GetInt(keyLogMaxBackups),
			MaxAgeDays: v.GetInt(keyLogMaxAgeDays),
		},
	}
	if err := s.Store.Validate(); err != nil {
		return s, err
	}
	return s, nil
}
