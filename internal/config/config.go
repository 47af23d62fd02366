// Package config loads feedmux settings.
//
// Values come from three layers, later ones winning: built-in defaults,
// FEEDMUX_* environment variables, then flags given on the command line.
package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

// EnvPrefix marks the environment variables we read
const EnvPrefix = "FEEDMUX_"

const (
	// StorageMemory keeps reader feeds in memory for one session
	StorageMemory = "memory"
	// StorageBadger keeps reader feeds on disk under DataDir
	StorageBadger = "badger"
)

// Config holds every setting of the serve, connect and demo commands
type Config struct {
	// Addr is where the server listens
	Addr string `koanf:"addr" validate:"required"`
	// Connect is the server address clients dial
	Connect string `koanf:"connect" validate:"required"`
	// Feeds is how many owner feeds connect and demo create
	Feeds int `koanf:"feeds" validate:"min=1"`
	// Entry is appended to every owner feed when it's created
	Entry            string        `koanf:"entry"`
	HandshakeTimeout time.Duration `koanf:"handshake_timeout" validate:"min=0"`
	MaxSessions      int64         `koanf:"max_sessions" validate:"min=0"`
	Storage          string        `koanf:"storage" validate:"oneof=memory badger"`
	DataDir          string        `koanf:"data_dir" validate:"required_if=Storage badger"`
	LogLevel         string        `koanf:"log_level" validate:"oneof=debug info warn error"`
	LogJSON          bool          `koanf:"log_json"`
	// MetricsAddr serves /metrics when set
	MetricsAddr string `koanf:"metrics_addr"`
}

// Default returns the settings used when nothing overrides them
func Default() Config {
	return Config{
		Addr:             ":8081",
		Connect:          "127.0.0.1:8081",
		Feeds:            10,
		Entry:            "hello",
		HandshakeTimeout: 10 * time.Second,
		MaxSessions:      1024,
		Storage:          StorageMemory,
		LogLevel:         "info",
	}
}

// envKey turns FEEDMUX_HANDSHAKE_TIMEOUT into handshake_timeout
func envKey(name string) string {
	return strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
}

// Load layers defaults, the environment and overrides, then validates.
//
// overrides maps config keys, like "max_sessions", to values; a nil map
// is fine.
func Load(overrides map[string]any) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, errors.Wrap(err, "load defaults")
	}
	err := k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return envKey(key), value
		},
	}), nil)
	if err != nil {
		return nil, errors.Wrap(err, "load environment")
	}
	for key, value := range overrides {
		if err := k.Set(key, value); err != nil {
			return nil, errors.Wrapf(err, "set %s", key)
		}
	}

	var cfg Config
	err = k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &cfg,
			TagName:          "koanf",
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the value ranges of every setting
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	return nil
}
