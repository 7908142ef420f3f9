package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// RedisOptions holds the connection settings for the Redis instance the
// dispatcher and every incomer share.
type RedisOptions struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Options mirrors the tunables a dispatcher process needs at startup: the
// shared key/channel prefix, the timers driving its periodic loops, and the
// identity it registers itself under.
type Options struct {
	Prefix                    string        `mapstructure:"prefix"`
	InstanceName              string        `mapstructure:"instance_name"`
	IncomerUUID               string        `mapstructure:"incomer_uuid"`
	IdleTime                  time.Duration `mapstructure:"idle_time"`
	PingInterval              time.Duration `mapstructure:"ping_interval"`
	CheckLastActivityInterval time.Duration `mapstructure:"check_last_activity_interval"`
	CheckTransactionInterval  time.Duration `mapstructure:"check_transaction_interval"`
	MinTimeout                time.Duration `mapstructure:"min_timeout"`
	MaxTimeout                time.Duration `mapstructure:"max_timeout"`

	Redis RedisOptions `mapstructure:"redis"`

	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`

	// EventSchemas holds the eventsValidation.eventsValidationFn registry
	// from §6 of the core specification: one JSON Schema document per
	// business event name, keyed by event name. cmd/dispatcher registers
	// each entry against dispatcherengine.Dispatcher.Validator() before
	// Start, and again on every config reload that changes this map.
	EventSchemas map[string]interface{} `mapstructure:"event_schemas"`
}

// defaults applies the dispatcher's baseline tunables, matching the values
// the core specification calls out by name.
func defaults(v *viper.Viper) {
	v.SetDefault("prefix", "")
	v.SetDefault("instance_name", "")
	v.SetDefault("incomer_uuid", "")
	v.SetDefault("idle_time", 600_000*time.Millisecond)
	v.SetDefault("ping_interval", 300_000*time.Millisecond)
	v.SetDefault("check_last_activity_interval", 120_000*time.Millisecond)
	v.SetDefault("check_transaction_interval", 180_000*time.Millisecond)
	v.SetDefault("min_timeout", 0*time.Millisecond)
	v.SetDefault("max_timeout", 60_000*time.Millisecond)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("event_schemas", map[string]interface{}{})
}

// ResolvedPath returns the same config file path Load would read, without
// reading it — used by cmd/dispatcher to point ConfigManager's directory
// watch at the right file.
func ResolvedPath() string {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		if _, err := os.Stat("/app/config/dispatcher.yaml"); err == nil {
			cfgPath = "/app/config/dispatcher.yaml"
		} else {
			cfgPath = "config/dispatcher.yaml"
		}
	}
	if info, err := os.Stat(cfgPath); err == nil && info.IsDir() {
		cfgPath = filepath.Join(cfgPath, "dispatcher.yaml")
	}
	return cfgPath
}

// Load reads dispatcher configuration from CONFIG_PATH (or ./config/dispatcher.yaml
// as a fallback), applying defaults for anything the file or environment leaves
// unset. Every key is also overridable via DISPATCHER_-prefixed environment
// variables, e.g. DISPATCHER_REDIS_ADDR.
func Load() (*Options, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		if _, err := os.Stat("/app/config/dispatcher.yaml"); err == nil {
			cfgPath = "/app/config/dispatcher.yaml"
		} else {
			cfgPath = "config/dispatcher.yaml"
		}
	}

	if info, err := os.Stat(cfgPath); err == nil && info.IsDir() {
		cfgPath = filepath.Join(cfgPath, "dispatcher.yaml")
	}

	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("dispatcher")
	v.AutomaticEnv()

	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(cfgPath); statErr != nil {
			// No config file on disk: defaults and environment carry the load.
		} else {
			return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
	}

	var o Options
	if err := v.Unmarshal(&o); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if o.InstanceName == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "dispatcher"
		}
		o.InstanceName = host
	}

	return &o, nil
}

// FromMap decodes a raw config map (as produced by ConfigManager's
// fsnotify-driven reloads) into Options, applying the same defaults Load
// does. Used by cmd/dispatcher to turn a ChangeEvent.Config into the
// snapshot handed to dispatcherengine.Dispatcher.ReloadOptions.
func FromMap(raw map[string]interface{}) (*Options, error) {
	v := viper.New()
	defaults(v)
	if err := v.MergeConfigMap(raw); err != nil {
		return nil, fmt.Errorf("merge reloaded config: %w", err)
	}

	var o Options
	if err := v.Unmarshal(&o); err != nil {
		return nil, fmt.Errorf("unmarshal reloaded config: %w", err)
	}
	return &o, nil
}

// Validate rejects combinations that would leave the dispatcher unable to
// relay or time out reliably. Prefix is intentionally allowed to be empty
// (unscoped environments per §3 of the core specification).
func (o *Options) Validate() error {
	if o.Redis.Addr == "" {
		return fmt.Errorf("config: redis.addr must not be empty")
	}
	if o.MinTimeout < 0 || o.MaxTimeout <= 0 {
		return fmt.Errorf("config: min_timeout must be non-negative and max_timeout must be positive")
	}
	if o.MinTimeout > o.MaxTimeout {
		return fmt.Errorf("config: min_timeout (%s) must not exceed max_timeout (%s)", o.MinTimeout, o.MaxTimeout)
	}
	if o.IdleTime <= o.CheckLastActivityInterval {
		return fmt.Errorf("config: idle_time (%s) must exceed check_last_activity_interval (%s)", o.IdleTime, o.CheckLastActivityInterval)
	}
	return nil
}
