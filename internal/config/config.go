// Package config loads process configuration with viper: a typed struct,
// an env prefix, defaults set before binding, and validation after a
// file/env merge. The Config shape it produces is what the core's
// components are constructed with.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lybic/agentcore/internal/common/logger"
)

// StorageBackend selects the State Store implementation.
type StorageBackend string

const (
	StorageMemory StorageBackend = "memory"
	StorageSQL    StorageBackend = "sql"
)

// Config is the process-wide configuration for the task execution core.
type Config struct {
	LogDir  string               `mapstructure:"log_dir"`
	Logging logger.LoggingConfig `mapstructure:"logging"`

	TaskMaxTasks        int            `mapstructure:"task_max_tasks"`
	TaskStorageBackend  StorageBackend `mapstructure:"task_storage_backend"`
	SQLConnectionString string         `mapstructure:"sql_connection_string"`

	EnableMetrics bool `mapstructure:"enable_metrics"`
	MetricsPort   int  `mapstructure:"metrics_port"`

	HTTPPort int `mapstructure:"http_port"`

	ToolTimeout     time.Duration `mapstructure:"tool_timeout"`
	BackendTimeout  time.Duration `mapstructure:"backend_timeout"`
	EventBusLinger  time.Duration `mapstructure:"event_bus_linger"`
	EventBufferSize int           `mapstructure:"event_buffer_size"`
	EventReplayLen  int           `mapstructure:"event_replay_len"`

	ReflectorK int `mapstructure:"reflector_k"`

	NATSURL string `mapstructure:"nats_url"`

	Docker DockerConfig `mapstructure:"docker"`
}

// DockerConfig holds connection settings for the vm Backend kind, which
// drives GUI sandbox containers through the Docker SDK.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_dir", "./logs")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output_path", "stdout")

	v.SetDefault("task_max_tasks", 5)
	v.SetDefault("task_storage_backend", string(StorageMemory))
	v.SetDefault("sql_connection_string", "")

	v.SetDefault("enable_metrics", true)
	v.SetDefault("metrics_port", 9090)

	v.SetDefault("http_port", 8080)

	v.SetDefault("tool_timeout", 120*time.Second)
	v.SetDefault("backend_timeout", 30*time.Second)
	v.SetDefault("event_bus_linger", 10*time.Second)
	v.SetDefault("event_buffer_size", 64)
	v.SetDefault("event_replay_len", 32)

	v.SetDefault("reflector_k", 5)

	v.SetDefault("nats_url", "")
}

// Load reads configuration from environment variables (prefix AGENTCORE_),
// optional config files in "." and "/etc/agentcore/", and applies defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath behaves like Load but also searches the given directory for
// a config file.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENTCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the bare (unprefixed) environment variables,
	// which don't follow the mapstructure dotted-path convention.
	_ = v.BindEnv("log_dir", "LOG_DIR")
	_ = v.BindEnv("task_max_tasks", "TASK_MAX_TASKS")
	_ = v.BindEnv("task_storage_backend", "TASK_STORAGE_BACKEND")
	_ = v.BindEnv("sql_connection_string", "SQL_CONNECTION_STRING")
	_ = v.BindEnv("enable_metrics", "ENABLE_METRICS")
	_ = v.BindEnv("metrics_port", "METRICS_PORT")

	v.SetConfigName("agentcore")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentcore/")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.TaskMaxTasks < 1 {
		return fmt.Errorf("task_max_tasks must be >= 1, got %d", cfg.TaskMaxTasks)
	}
	switch cfg.TaskStorageBackend {
	case StorageMemory, StorageSQL:
	default:
		return fmt.Errorf("task_storage_backend must be %q or %q, got %q", StorageMemory, StorageSQL, cfg.TaskStorageBackend)
	}
	if cfg.TaskStorageBackend == StorageSQL && cfg.SQLConnectionString == "" {
		return fmt.Errorf("sql_connection_string is required when task_storage_backend=sql")
	}
	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("metrics_port out of range: %d", cfg.MetricsPort)
	}
	if cfg.HTTPPort < 0 || cfg.HTTPPort > 65535 {
		return fmt.Errorf("http_port out of range: %d", cfg.HTTPPort)
	}
	return nil
}
