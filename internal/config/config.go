package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	apperrors "github.com/gmsas95/medminder/internal/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config holds all configuration for medminder
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Reminders RemindersConfig `mapstructure:"reminders"`
	Security  SecurityConfig  `mapstructure:"security"`
	Log       LogConfig       `mapstructure:"log"`

	v *viper.Viper
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StorageConfig holds database settings
type StorageConfig struct {
	Driver     string `mapstructure:"driver"` // memory, sqlite, badger
	DataDir    string `mapstructure:"data_dir"`
	SQLitePath string `mapstructure:"sqlite_path"`
	BadgerPath string `mapstructure:"badger_path"`
}

// ScheduleConfig holds schedule engine settings. GracePeriod is reloaded
// when the config file changes.
type ScheduleConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
	Lookahead   time.Duration `mapstructure:"lookahead"`
	SweepWindow time.Duration `mapstructure:"sweep_window"`
	TimeZone    string        `mapstructure:"time_zone"`
}

// RemindersConfig holds the reminder poller and dispatcher settings
type RemindersConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	NotifyTimeout   time.Duration `mapstructure:"notify_timeout"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	Burst           int           `mapstructure:"burst"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// SecurityConfig holds security settings
type SecurityConfig struct {
	AuthEnabled   bool          `mapstructure:"auth_enabled"`
	JWTSecret     string        `mapstructure:"jwt_secret"`
	AdminPassword string        `mapstructure:"admin_password"`
	TokenTTL      time.Duration `mapstructure:"token_ttl"`
	AllowOrigins  []string      `mapstructure:"allow_origins"`
}

// LogConfig selects the zap logger
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load loads configuration from file, env, and defaults
func Load(configPath, dataDir string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if dataDir == "" {
		dataDir = GetEnvDefault("MEDMINDER_STORAGE_DATA_DIR", getDefaultDataDir())
	}
	dataDir = expandPath(dataDir)
	v.SetDefault("storage.data_dir", dataDir)

	if configPath == "" {
		configPath = filepath.Join(dataDir, "medminder.yaml")
	}

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrConfigInvalid.Code, "failed to read config")
		}
	}

	// Environment variables (MEDMINDER_SERVER_PORT, MEDMINDER_SCHEDULE_GRACE_PERIOD, etc.)
	v.SetEnvPrefix("MEDMINDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	cfg.v = v
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrConfigInvalid.Code, "failed to unmarshal config")
	}

	loadEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.address", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	// Storage defaults; empty paths are derived from data_dir
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite_path", "")
	v.SetDefault("storage.badger_path", "")

	// Schedule defaults
	v.SetDefault("schedule.grace_period", 30*time.Minute)
	v.SetDefault("schedule.lookahead", 90*24*time.Hour)
	v.SetDefault("schedule.sweep_window", 7*24*time.Hour)
	v.SetDefault("schedule.time_zone", "Local")

	// Reminder defaults
	v.SetDefault("reminders.enabled", true)
	v.SetDefault("reminders.poll_interval", time.Minute)
	v.SetDefault("reminders.sweep_interval", 15*time.Minute)
	v.SetDefault("reminders.max_concurrent", 4)
	v.SetDefault("reminders.notify_timeout", 10*time.Second)
	v.SetDefault("reminders.rate_per_second", 5.0)
	v.SetDefault("reminders.burst", 10)
	v.SetDefault("reminders.breaker_failures", 5)
	v.SetDefault("reminders.breaker_timeout", 30*time.Second)

	// Security defaults
	v.SetDefault("security.auth_enabled", false)
	v.SetDefault("security.jwt_secret", "")
	v.SetDefault("security.admin_password", "")
	v.SetDefault("security.token_ttl", 24*time.Hour)
	v.SetDefault("security.allow_origins", []string{"*"})

	v.SetDefault("log.level", "info")
}

func getDefaultDataDir() string {
	// Try XDG_DATA_HOME first
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "medminder")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}

	return filepath.Join(home, ".local", "share", "medminder")
}

// loadEnvOverrides applies alias variables viper does not know about
func loadEnvOverrides(cfg *Config) {
	if secret := ResolveEnvWithAliases("MEDMINDER_SECURITY_JWT_SECRET"); secret != "" {
		cfg.Security.JWTSecret = secret
	}
	if pw := ResolveEnvWithAliases("MEDMINDER_SECURITY_ADMIN_PASSWORD"); pw != "" {
		cfg.Security.AdminPassword = pw
	}
	if tz := ResolveEnvWithAliases("MEDMINDER_SCHEDULE_TIME_ZONE"); tz != "" {
		cfg.Schedule.TimeZone = tz
	}
	if port := ResolveEnvWithAliases("MEDMINDER_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
}

func invalid(format string, args ...any) error {
	return apperrors.New(apperrors.ErrConfigInvalid.Code, fmt.Sprintf(format, args...))
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return invalid("server.port %d out of range", cfg.Server.Port)
	}

	switch cfg.Storage.Driver {
	case "memory", "sqlite", "badger":
	default:
		return invalid("storage.driver must be memory, sqlite or badger, got %q", cfg.Storage.Driver)
	}

	if cfg.Schedule.GracePeriod <= 0 {
		return invalid("schedule.grace_period must be positive")
	}
	if cfg.Schedule.Lookahead <= 0 {
		return invalid("schedule.lookahead must be positive")
	}
	if cfg.Schedule.SweepWindow < cfg.Schedule.GracePeriod {
		return invalid("schedule.sweep_window must be at least the grace period")
	}
	if _, err := time.LoadLocation(cfg.Schedule.TimeZone); err != nil {
		return invalid("schedule.time_zone %q: %v", cfg.Schedule.TimeZone, err)
	}

	if cfg.Reminders.Enabled {
		if cfg.Reminders.PollInterval < time.Second {
			return invalid("reminders.poll_interval must be at least 1s")
		}
		if cfg.Reminders.SweepInterval < time.Second {
			return invalid("reminders.sweep_interval must be at least 1s")
		}
		if cfg.Reminders.MaxConcurrent < 1 {
			cfg.Reminders.MaxConcurrent = 1
		}
	}

	if cfg.Security.AuthEnabled && cfg.Security.AdminPassword == "" {
		return invalid("security.admin_password is required when auth is enabled")
	}

	// Generate JWT secret if not provided
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = uuid.NewString()
	}

	return nil
}

// Watch reloads the config file on change and passes each valid new config
// to onChange. Invalid edits are reported through onError and ignored.
// It returns false when no config file was loaded.
func (c *Config) Watch(onChange func(*Config), onError func(error)) bool {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return false
	}

	var mu sync.Mutex
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		mu.Lock()
		defer mu.Unlock()

		next, err := decode(c.v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		next.v = c.v
		onChange(next)
	})
	c.v.WatchConfig()
	return true
}

// FileUsed returns the config file path, if any
func (c *Config) FileUsed() string {
	if c.v == nil {
		return ""
	}
	return c.v.ConfigFileUsed()
}

// Location returns the configured schedule time zone
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.TimeZone)
	if err != nil {
		return time.Local
	}
	return loc
}
