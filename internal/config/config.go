package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lalithlochan/tbx/internal/notify"
)

// Storage backends for the notification state.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Sync backends for cross-instance state updates.
const (
	SyncLocal = "local"
	SyncRedis = "redis"
)

type Config struct {
	Port            int
	LogLevel        string
	Env             string
	ShutdownTimeout time.Duration

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Backends
	StateBackend string
	SyncBackend  string
	BadgerPath   string
	DatabaseURL  string // empty serves the built-in demo catalog

	// Scheduler
	StorageKey          string
	StateTTL            time.Duration
	ReminderOffsets     []time.Duration
	MissedSweepOffset   time.Duration
	ReminderMedications []string
	AutoStart           bool

	// Background worker and desktop notifications
	WorkerEnabled    bool
	WorkerPermission string
	DBusEnabled      bool

	// Rate limiting for /v1, requests per window per client
	RateLimit       int
	RateLimitWindow time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("env", "development")
	v.SetDefault("shutdown_timeout", "10s")

	v.SetDefault("redis_host", "localhost")
	v.SetDefault("redis_port", 6379)
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)

	v.SetDefault("state_backend", BackendMemory)
	v.SetDefault("sync_backend", SyncLocal)
	v.SetDefault("badger_path", "./data/badger")
	v.SetDefault("database_url", "")

	v.SetDefault("storage_key", notify.DefaultStorageKey)
	v.SetDefault("state_ttl", "24h")
	v.SetDefault("reminder_offsets", "2m,3m,4m")
	v.SetDefault("missed_sweep_offset", "5m")
	v.SetDefault("reminder_medications", "Pyrazinamide,Ethambutol,Rifampicin")
	v.SetDefault("auto_start", true)

	v.SetDefault("worker_enabled", true)
	v.SetDefault("worker_permission", "granted")
	v.SetDefault("dbus_enabled", false)

	v.SetDefault("rate_limit", 100)
	v.SetDefault("rate_limit_window", "1m")
}

// Load reads configuration from defaults, an optional file named by
// TBX_CONFIG and environment variables, in increasing precedence.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("TBX_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// PORT, LOG_LEVEL, REDIS_HOST, REMINDER_OFFSETS, ...
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		Port:          v.GetInt("port"),
		LogLevel:      v.GetString("log_level"),
		Env:           v.GetString("env"),
		RedisHost:     v.GetString("redis_host"),
		RedisPort:     v.GetInt("redis_port"),
		RedisPassword: v.GetString("redis_password"),
		RedisDB:       v.GetInt("redis_db"),

		StateBackend: strings.ToLower(v.GetString("state_backend")),
		SyncBackend:  strings.ToLower(v.GetString("sync_backend")),
		BadgerPath:   v.GetString("badger_path"),
		DatabaseURL:  v.GetString("database_url"),

		StorageKey:          v.GetString("storage_key"),
		ReminderMedications: splitList(v.GetString("reminder_medications")),
		AutoStart:           v.GetBool("auto_start"),

		WorkerEnabled:    v.GetBool("worker_enabled"),
		WorkerPermission: strings.ToLower(v.GetString("worker_permission")),
		DBusEnabled:      v.GetBool("dbus_enabled"),

		RateLimit: v.GetInt("rate_limit"),
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"shutdown_timeout", &cfg.ShutdownTimeout},
		{"state_ttl", &cfg.StateTTL},
		{"missed_sweep_offset", &cfg.MissedSweepOffset},
		{"rate_limit_window", &cfg.RateLimitWindow},
	}
	for _, d := range durations {
		if *d.dst, err = time.ParseDuration(v.GetString(d.key)); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", strings.ToUpper(d.key), err)
		}
	}

	for _, s := range splitList(v.GetString("reminder_offsets")) {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid REMINDER_OFFSETS: %w", err)
		}
		cfg.ReminderOffsets = append(cfg.ReminderOffsets, d)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks backend names and ranges.
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid PORT: %d", c.Port))
	}
	switch c.StateBackend {
	case BackendMemory, BackendBadger, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("invalid STATE_BACKEND: %q", c.StateBackend))
	}
	switch c.SyncBackend {
	case SyncLocal, SyncRedis:
	default:
		errs = append(errs, fmt.Errorf("invalid SYNC_BACKEND: %q", c.SyncBackend))
	}
	if c.StateBackend == BackendBadger && c.BadgerPath == "" {
		errs = append(errs, errors.New("BADGER_PATH is required for the badger backend"))
	}
	switch c.WorkerPermission {
	case "granted", "denied":
	default:
		errs = append(errs, fmt.Errorf("invalid WORKER_PERMISSION: %q", c.WorkerPermission))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("invalid RATE_LIMIT: %d", c.RateLimit))
	}
	if c.RateLimit > 0 && c.RateLimitWindow <= 0 {
		errs = append(errs, fmt.Errorf("invalid RATE_LIMIT_WINDOW: %s", c.RateLimitWindow))
	}
	if err := c.Notify().Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// UsesRedis reports whether any backend needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.StateBackend == BackendRedis || c.SyncBackend == SyncRedis
}

// RedisAddr returns host:port for the Redis client.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// Notify returns the scheduler configuration.
func (c *Config) Notify() notify.Config {
	n := notify.DefaultConfig()
	n.StorageKey = c.StorageKey
	n.StateTTL = c.StateTTL
	n.ReminderOffsets = append([]time.Duration(nil), c.ReminderOffsets...)
	n.MissedSweepOffset = c.MissedSweepOffset
	n.ReminderMedications = append([]string(nil), c.ReminderMedications...)
	n.AutoStart = c.AutoStart
	return n
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
