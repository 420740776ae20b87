package spanz

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable LoadConfig reads,
// e.g. SPANZ_SAMPLE_RATE or SPANZ_IDLE_TIMEOUT.
const EnvPrefix = "SPANZ"

// Config is the file/env representation of Options.
type Config struct {
	SampleRate        *float64      `mapstructure:"sample_rate"`
	Environment       string        `mapstructure:"environment"`
	Release           string        `mapstructure:"release"`
	PublicKey         string        `mapstructure:"public_key"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	FinalTimeout      time.Duration `mapstructure:"final_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MaxSpans          int           `mapstructure:"max_spans"`
	MaxChildren       int           `mapstructure:"max_children"`
}

// LoadConfig reads Options from v, falling back to SPANZ_* environment
// variables and the package defaults. A nil v reads the environment only.
func LoadConfig(v *viper.Viper) (Options, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("environment", DefaultEnvironment)
	v.SetDefault("release", "")
	v.SetDefault("public_key", "")
	v.SetDefault("idle_timeout", DefaultIdleTimeout)
	v.SetDefault("final_timeout", DefaultFinalTimeout)
	v.SetDefault("heartbeat_interval", DefaultHeartbeatInterval)
	v.SetDefault("max_spans", DefaultMaxSpans)
	v.SetDefault("max_children", DefaultMaxChildren)
	// No default: an absent rate must stay nil so tracing stays disabled.
	if err := v.BindEnv("sample_rate"); err != nil {
		return Options{}, errors.Wrap(err, "bind sample_rate")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Options{}, errors.Wrap(err, "decode spanz config")
	}

	opts := cfg.Options()
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Options converts the config into engine options.
func (c Config) Options() Options {
	return Options{
		SampleRate:        c.SampleRate,
		Environment:       c.Environment,
		Release:           c.Release,
		PublicKey:         c.PublicKey,
		IdleTimeout:       c.IdleTimeout,
		FinalTimeout:      c.FinalTimeout,
		HeartbeatInterval: c.HeartbeatInterval,
		MaxSpans:          c.MaxSpans,
		MaxChildren:       c.MaxChildren,
	}
}
