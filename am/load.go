package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/cadence/errors"
)

// ProjectConfigName is the file searched for upward from the working directory
const ProjectConfigName = "cadence.toml"

var (
	globalMu      sync.Mutex
	globalConfig  *Config
	viperInstance *viper.Viper
	explicitPath  string
	loadedFrom    []string
)

// SetConfigFile pins an explicit config file (the --config flag). It is merged
// last, above the discovered files and below environment variables.
func SetConfigFile(path string) {
	globalMu.Lock()
	defer globalMu.Unlock()
	explicitPath = path
	globalConfig = nil
	viperInstance = nil
}

// Load reads the cadence configuration using Viper.
// The result is cached until Reset is called.
func Load() (*Config, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	v, err := initViper()
	if err != nil {
		return nil, err
	}

	config, err := LoadWithViper(v)
	if err != nil {
		return nil, err
	}

	globalConfig = config
	return globalConfig, nil
}

// LoadWithViper loads and validates configuration from a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	normalize(&config)
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a single file with defaults applied.
// Environment variables are not consulted.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}
	return LoadWithViper(v)
}

// GetViper returns the Viper instance backing Load
func GetViper() (*viper.Viper, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	return initViper()
}

// SourcePaths returns the config files merged by the last Load, lowest precedence first
func SourcePaths() []string {
	globalMu.Lock()
	defer globalMu.Unlock()
	return append([]string(nil), loadedFrom...)
}

// WatchPath returns the highest-precedence config file, the one worth watching
// for hot reload. Empty when no file was found.
func WatchPath() string {
	paths := SourcePaths()
	if len(paths) == 0 {
		return ""
	}
	return paths[len(paths)-1]
}

// Reset clears the cached configuration (useful for testing and hot reload)
func Reset() {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalConfig = nil
	viperInstance = nil
	loadedFrom = nil
}

// initViper initializes Viper with configuration sources and defaults.
// Caller holds globalMu.
func initViper() (*viper.Viper, error) {
	if viperInstance != nil {
		return viperInstance, nil
	}

	v := viper.New()

	v.SetEnvPrefix("CADENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	BindSensitiveEnvVars(v)
	SetDefaults(v)

	paths, err := mergeConfigFiles(v)
	if err != nil {
		return nil, err
	}

	loadedFrom = paths
	viperInstance = v
	return v, nil
}

// findProjectConfig searches for cadence.toml by walking up the directory tree.
// Returns empty string if none found.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		candidate := filepath.Join(dir, ProjectConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// mergeConfigFiles merges configuration files in precedence order:
// system < user < project < --config < env vars
func mergeConfigFiles(v *viper.Viper) ([]string, error) {
	configPaths := []string{"/etc/cadence/config.toml"}

	if homeDir, err := os.UserHomeDir(); err == nil {
		configPaths = append(configPaths, filepath.Join(homeDir, ".cadence", "config.toml"))
	}
	if projectConfig := findProjectConfig(); projectConfig != "" {
		configPaths = append(configPaths, projectConfig)
	}

	var merged []string
	for _, configPath := range configPaths {
		if _, err := os.Stat(configPath); err != nil {
			continue
		}
		if err := mergeFile(v, configPath); err != nil {
			return nil, err
		}
		merged = append(merged, configPath)
	}

	// An explicit --config must exist
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return nil, errors.WithHint(
				errors.Wrapf(err, "config file %s", explicitPath),
				"check the --config flag")
		}
		if err := mergeFile(v, explicitPath); err != nil {
			return nil, err
		}
		merged = append(merged, explicitPath)
	}

	return merged, nil
}

// mergeFile reads one TOML file and merges it below env precedence
func mergeFile(v *viper.Viper, path string) error {
	tempViper := viper.New()
	tempViper.SetConfigFile(path)
	tempViper.SetConfigType("toml")

	if err := tempViper.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "failed to parse config file %s", path)
	}
	if err := v.MergeConfigMap(tempViper.AllSettings()); err != nil {
		return errors.Wrapf(err, "failed to merge config file %s", path)
	}
	return nil
}

// normalize fills values that have no meaningful zero
func normalize(c *Config) {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Scheduler.PollIntervalSeconds == 0 {
		c.Scheduler.PollIntervalSeconds = DefaultPollIntervalSeconds
	}
	if c.Scheduler.DefaultTimeoutSeconds == 0 {
		c.Scheduler.DefaultTimeoutSeconds = DefaultWorkerTimeoutSeconds
	}
	if c.Scheduler.Lease.TTLSeconds == 0 {
		c.Scheduler.Lease.TTLSeconds = DefaultLeaseTTLSeconds
	}
	if c.Notify.Timezone == "" {
		c.Notify.Timezone = "Local"
	}
	if c.Notify.RedeliveryCron == "" {
		c.Notify.RedeliveryCron = DefaultRedeliveryCron
	}

	// Viper lowercases map keys; worker environments are conventionally upper case
	for name, src := range c.Workers.Sources {
		if len(src.Env) == 0 {
			continue
		}
		env := make(map[string]string, len(src.Env))
		for k, val := range src.Env {
			env[strings.ToUpper(k)] = val
		}
		src.Env = env
		c.Workers.Sources[name] = src
	}
}
