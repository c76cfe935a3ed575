// Package config loads and validates daemon configuration via Viper.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Queue backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config captures all daemon configuration knobs loaded via Viper.
type Config struct {
	NodeName  string          `mapstructure:"node_name"`
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Projects  []string        `mapstructure:"projects"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	Port        int    `mapstructure:"port"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.BindAddress, strconv.Itoa(s.Port))
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SchedulerConfig governs the poller and the launcher.
type SchedulerConfig struct {
	MaxProc        int           `mapstructure:"max_proc"`
	MaxProcPerCPU  int           `mapstructure:"max_proc_per_cpu"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	FinishedToKeep int           `mapstructure:"finished_to_keep"`
}

// PathsConfig locates on-disk state.
type PathsConfig struct {
	DBsDir   string `mapstructure:"dbs_dir"`
	EggsDir  string `mapstructure:"eggs_dir"`
	LogsDir  string `mapstructure:"logs_dir"`
	ItemsDir string `mapstructure:"items_dir"`
}

// RunnerConfig describes the worker and introspection entry point.
type RunnerConfig struct {
	Python           string `mapstructure:"python"`
	Module           string `mapstructure:"module"`
	PythonPath       string `mapstructure:"pythonpath"`
	NotFoundExitCode int    `mapstructure:"not_found_exit_code"`
}

// QueueConfig selects the job queue backend.
type QueueConfig struct {
	Backend       string         `mapstructure:"backend"`
	ClearOnDelete bool           `mapstructure:"clear_on_delete"`
	Postgres      PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig configures the Postgres queue backend.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// CacheConfig controls the spider list cache.
type CacheConfig struct {
	Persist bool `mapstructure:"persist"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPYD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "scrapyd"
	}
	v.SetDefault("node_name", hostname)
	v.SetDefault("server.bind_address", "127.0.0.1")
	v.SetDefault("server.port", 6800)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("scheduler.max_proc", 0)
	v.SetDefault("scheduler.max_proc_per_cpu", 4)
	v.SetDefault("scheduler.poll_interval", "1s")
	v.SetDefault("scheduler.finished_to_keep", 100)
	v.SetDefault("paths.dbs_dir", "dbs")
	v.SetDefault("paths.eggs_dir", "eggs")
	v.SetDefault("paths.logs_dir", "logs")
	v.SetDefault("paths.items_dir", "")
	v.SetDefault("runner.python", "python3")
	v.SetDefault("runner.module", "scrapyd.runner")
	v.SetDefault("runner.pythonpath", "")
	v.SetDefault("runner.not_found_exit_code", 0)
	v.SetDefault("queue.backend", BackendSQLite)
	v.SetDefault("queue.clear_on_delete", false)
	v.SetDefault("queue.postgres.dsn", "")
	v.SetDefault("queue.postgres.table", "spider_queue")
	v.SetDefault("queue.postgres.max_conns", 4)
	v.SetDefault("queue.postgres.max_conn_lifetime", "30m")
	v.SetDefault("cache.persist", false)
	v.SetDefault("projects", []string{})
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Scheduler.MaxProc < 0 {
		return fmt.Errorf("scheduler.max_proc must be >= 0")
	}
	if c.Scheduler.MaxProc == 0 && c.Scheduler.MaxProcPerCPU <= 0 {
		return fmt.Errorf("scheduler.max_proc_per_cpu must be > 0 when scheduler.max_proc is 0")
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be > 0")
	}
	if c.Scheduler.FinishedToKeep <= 0 {
		return fmt.Errorf("scheduler.finished_to_keep must be > 0")
	}
	if c.Paths.DBsDir == "" {
		return fmt.Errorf("paths.dbs_dir must be set")
	}
	if c.Runner.Python == "" || c.Runner.Module == "" {
		return fmt.Errorf("runner.python and runner.module must be set")
	}
	switch c.Queue.Backend {
	case BackendSQLite, BackendMemory:
	case BackendPostgres:
		if c.Queue.Postgres.DSN == "" {
			return fmt.Errorf("queue.postgres.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("queue.backend must be one of sqlite, postgres, memory (got %q)", c.Queue.Backend)
	}
	return nil
}
