// Package config loads the broker's configuration using Viper, following
// the teacher's contrib/config driver: a config file plus environment
// variable overrides, with optional hot-reload via fsnotify for the tunables
// that are safe to change at runtime. Host, port, and persistence path are
// fixed at startup and are not watched.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Tunables are the broker parameters spec.md allows to be configured, with
// the defaults from spec.md §4 and §9.
type Tunables struct {
	RetrySweepInterval time.Duration `mapstructure:"retry_sweep_interval"`
	RetryInterval      time.Duration `mapstructure:"retry_interval"`
	MaxRetries         int           `mapstructure:"max_retries"`

	HeartbeatSweepInterval time.Duration `mapstructure:"heartbeat_sweep_interval"`
	HeartbeatTimeout       time.Duration `mapstructure:"heartbeat_timeout"`
	HeartbeatInterval      time.Duration `mapstructure:"heartbeat_interval"`

	MaxRecordBytes uint32 `mapstructure:"max_record_bytes"`
}

// DefaultTunables matches spec.md's stated defaults.
func DefaultTunables() Tunables {
	return Tunables{
		RetrySweepInterval:     100 * time.Millisecond,
		RetryInterval:          2 * time.Second,
		MaxRetries:             3,
		HeartbeatSweepInterval: 1000 * time.Millisecond,
		HeartbeatTimeout:       6 * time.Second,
		HeartbeatInterval:      1000 * time.Millisecond,
		MaxRecordBytes:         16 * 1024 * 1024,
	}
}

// Config is the broker's full configuration.
type Config struct {
	BrokerHost string `mapstructure:"broker_host"`
	BrokerPort int    `mapstructure:"broker_port"`

	// ReliabilityPolicy, when set, is the implicit reliability a client
	// library applies to publishes made through PublishDefault.
	ReliabilityPolicy string `mapstructure:"reliability_policy"`

	PersistencePath string `mapstructure:"persistence_path"`
	Codec           string `mapstructure:"codec"`

	Tunables `mapstructure:",squash"`

	DLQBrokers []string `mapstructure:"dlq_brokers"`
	DLQTopic   string   `mapstructure:"dlq_topic"`
}

// DefaultConfig matches spec.md §9's defaults.
func DefaultConfig() Config {
	return Config{
		BrokerHost:      "127.0.0.1",
		BrokerPort:      5000,
		PersistencePath: "broker.db",
		Codec:           "binary",
		Tunables:        DefaultTunables(),
	}
}

// Loader wraps a Viper instance bound to a config file and environment
// variables, with an optional watch for hot-reloadable tunables.
type Loader struct {
	v *viper.Viper

	mu       sync.RWMutex
	current  Config
	onChange []func(Tunables)
}

// Options controls how a Loader locates and watches its config source.
type Options struct {
	ConfigFile  string // full path; if empty, ConfigName/ConfigPath/ConfigType are used
	ConfigName  string
	ConfigPath  string
	ConfigType  string
	EnvPrefix   string
	WatchConfig bool
}

// Load reads configuration from opts, falling back to DefaultConfig for
// anything the file and environment don't set.
func Load(opts Options) (*Loader, error) {
	v := viper.New()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		name := opts.ConfigName
		if name == "" {
			name = "broker"
		}
		typ := opts.ConfigType
		if typ == "" {
			typ = "yaml"
		}
		path := opts.ConfigPath
		if path == "" {
			path = "."
		}
		v.SetConfigName(name)
		v.SetConfigType(typ)
		v.AddConfigPath(path)
	}

	prefix := opts.EnvPrefix
	if prefix == "" {
		prefix = "MMW"
	}
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, DefaultConfig())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	l := &Loader{v: v}
	if err := l.reload(); err != nil {
		return nil, err
	}

	if opts.WatchConfig {
		v.WatchConfig()
		v.OnConfigChange(func(fsnotify.Event) {
			if err := l.reload(); err != nil {
				return
			}
			l.mu.RLock()
			tunables := l.current.Tunables
			callbacks := append([]func(Tunables){}, l.onChange...)
			l.mu.RUnlock()
			for _, cb := range callbacks {
				cb(tunables)
			}
		})
	}

	return l, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("broker_host", d.BrokerHost)
	v.SetDefault("broker_port", d.BrokerPort)
	v.SetDefault("persistence_path", d.PersistencePath)
	v.SetDefault("codec", d.Codec)
	v.SetDefault("retry_sweep_interval", d.RetrySweepInterval)
	v.SetDefault("retry_interval", d.RetryInterval)
	v.SetDefault("max_retries", d.MaxRetries)
	v.SetDefault("heartbeat_sweep_interval", d.HeartbeatSweepInterval)
	v.SetDefault("heartbeat_timeout", d.HeartbeatTimeout)
	v.SetDefault("heartbeat_interval", d.HeartbeatInterval)
	v.SetDefault("max_record_bytes", d.MaxRecordBytes)
}

func (l *Loader) reload() error {
	cfg := DefaultConfig()
	if err := l.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("config: unmarshal: %w", err)
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return nil
}

// Current returns the most recently loaded configuration.
func (l *Loader) Current() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnTunablesChange registers a callback invoked with the new Tunables
// whenever the watched config file changes. Only meaningful when Options.WatchConfig
// was set.
func (l *Loader) OnTunablesChange(cb func(Tunables)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, cb)
}
