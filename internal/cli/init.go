package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mesh-intelligence/mirror/internal/paths"
	"github.com/mesh-intelligence/mirror/internal/sqlite"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// configFile is the structure written to config.yaml by init.
type configFile struct {
	Store struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
	} `yaml:"store"`
	Coalescer struct {
		BaseDelay string `yaml:"base_delay"`
		MaxDelay  string `yaml:"max_delay"`
	} `yaml:"coalescer"`
	Notify struct {
		Listen string `yaml:"listen"`
	} `yaml:"notify"`
	Source struct {
		SpoolDir       string `yaml:"spool_dir"`
		UpdateInterval string `yaml:"update_interval"`
	} `yaml:"source"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

const configHeader = `# mirror configuration
# Every key can be overridden with a MIRROR_ environment variable,
# for example MIRROR_STORE_DRIVER=sqlite3 or MIRROR_LOG_LEVEL=debug.

`

func newInitCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration and storage",
		Long:  "Create the configuration, data and spool directories, write config.yaml\nif missing, and create the database schema.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, f)
		},
	}
}

func runInit(cmd *cobra.Command, f *rootFlags) error {
	s, err := loadSettings(f)
	if err != nil {
		return userError("%s", err)
	}

	for _, dir := range []string{s.ConfigDir, s.DataDir, s.SpoolDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return sysError("create directory: %s", err)
		}
	}

	configPath := filepath.Join(s.ConfigDir, paths.ConfigFileName)
	if err := writeConfigIfMissing(configPath, s); err != nil {
		return sysError("write config: %s", err)
	}

	g, err := sqlite.Open(cmd.Context(), s.Store, nil)
	if err != nil {
		return sysError("initialize storage: %s", err)
	}
	if err := g.Close(); err != nil {
		return sysError("finalize storage: %s", err)
	}

	if f.jsonMode {
		return writeJSON(cmd, map[string]string{
			"config":   configPath,
			"database": s.Store.Path,
			"spool":    s.SpoolDir,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Mirror initialized\nconfig:   %s\ndatabase: %s\nspool:    %s\n",
		configPath, s.Store.Path, s.SpoolDir)
	return nil
}

// writeConfigIfMissing writes config.yaml from the resolved settings. An
// existing file is left untouched.
func writeConfigIfMissing(path string, s settings) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	var cfg configFile
	cfg.Store.Driver = s.Store.Driver
	cfg.Store.Path = s.Store.Path
	cfg.Coalescer.BaseDelay = s.Store.BaseDelay.String()
	cfg.Coalescer.MaxDelay = s.Store.MaxDelay.String()
	cfg.Notify.Listen = s.NotifyListen
	cfg.Source.SpoolDir = s.SpoolDir
	cfg.Source.UpdateInterval = s.UpdateInterval.String()
	cfg.Log.Level = s.Log.Level
	cfg.Log.Format = s.Log.Format

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, append([]byte(configHeader), data...), 0o644)
}
