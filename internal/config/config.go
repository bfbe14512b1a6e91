// Package config loads and watches the taskflow configuration file.
//
// Configuration comes from three layers, lowest precedence first: built-in
// defaults, the config file (taskflow.yaml), and TASKFLOW_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

// Config holds the runtime configuration.
type Config struct {
	// Port the gateway listens on.
	Port int `mapstructure:"port" yaml:"port"`

	// DBPath is the SQLite database file path.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`

	// PageSize is the snapshot page window for lists.
	PageSize int `mapstructure:"page_size" yaml:"page_size"`

	// Log controls file logging. An empty Log.File logs to stderr.
	Log LogConfig `mapstructure:"log" yaml:"log"`
}

// LogConfig controls log output and rotation.
type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Port:     8080,
		DBPath:   "taskflow.db",
		PageSize: 50,
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Loader reads the config file and watches it for changes.
type Loader struct {
	v      *viper.Viper
	logger *log.Logger

	mu      sync.Mutex
	current *Config
}

// NewLoader creates a loader. If path is non-empty it names the config file
// explicitly; otherwise taskflow.yaml is searched for in the working
// directory and $HOME/.config/taskflow.
func NewLoader(path string, logger *log.Logger) *Loader {
	if logger == nil {
		logger = log.Default()
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("taskflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/taskflow")
		}
	}

	v.SetEnvPrefix("taskflow")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("port", def.Port)
	v.SetDefault("db_path", def.DBPath)
	v.SetDefault("page_size", def.PageSize)
	v.SetDefault("log.file", def.Log.File)
	v.SetDefault("log.max_size_mb", def.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", def.Log.MaxBackups)
	v.SetDefault("log.max_age_days", def.Log.MaxAgeDays)

	return &Loader{v: v, logger: logger}
}

// Load reads the config file. A missing file is not an error; defaults and
// environment variables still apply.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg, err := l.unmarshal()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Watch re-reads the config file whenever it changes on disk and invokes
// onChange with the new config. Malformed edits are logged and skipped; the
// previous config stays in effect.
func (l *Loader) Watch(onChange func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.logger.Printf("Config file changed: %s", e.Name)
		cfg, err := l.unmarshal()
		if err != nil {
			l.logger.Printf("Ignoring config change: %v", err)
			return
		}
		l.mu.Lock()
		l.current = cfg
		l.mu.Unlock()
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// Current returns the most recently loaded config, or defaults if Load has
// not run.
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return Default()
	}
	return l.current
}

func (l *Loader) unmarshal() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configs the server cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive, got %d", c.PageSize)
	}
	return nil
}

// YAML renders the config for `taskflow config show`.
func (c *Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}
	return string(out), nil
}

// NewLogger builds the process logger from the log config. With a file
// configured, output goes through a size-rotated file; otherwise stderr.
func (c *Config) NewLogger(prefix string) *log.Logger {
	var w io.Writer = os.Stderr
	if c.Log.File != "" {
		w = &lumberjack.Logger{
			Filename:   c.Log.File,
			MaxSize:    c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAge:     c.Log.MaxAgeDays,
		}
	}
	return log.New(w, prefix, log.LstdFlags)
}
