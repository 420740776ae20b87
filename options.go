package spanz

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Defaults for the idle transaction timers and the tree bounds.
const (
	DefaultIdleTimeout       = 1000 * time.Millisecond
	DefaultFinalTimeout      = 30000 * time.Millisecond
	DefaultHeartbeatInterval = 5000 * time.Millisecond
	DefaultMaxSpans          = 1000
	DefaultMaxChildren       = 1000
	DefaultEnvironment       = "production"
)

// ErrInvalidConfig is returned by Options.Validate and LoadConfig.
var ErrInvalidConfig = errors.New("spanz: invalid config")

// Options is the configuration surface consumed by the engine.
type Options struct {
	// SampleRate is the static rate in [0, 1]. Nil leaves it unset.
	SampleRate *float64

	// Sampler, when set, decides per root span.
	Sampler SamplerFunc

	Environment string
	Release     string
	PublicKey   string

	IdleTimeout       time.Duration
	FinalTimeout      time.Duration
	HeartbeatInterval time.Duration

	// MaxSpans caps every transaction's SpanRecorder.
	MaxSpans int
	// MaxChildren caps every span's child registry.
	MaxChildren int
}

// TracingEnabled reports whether a sample rate or a sampler is configured.
func (o *Options) TracingEnabled() bool {
	return o != nil && (o.SampleRate != nil || o.Sampler != nil)
}

// withDefaults fills zero values.
func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.FinalTimeout <= 0 {
		o.FinalTimeout = DefaultFinalTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.MaxSpans <= 0 {
		o.MaxSpans = DefaultMaxSpans
	}
	if o.MaxChildren <= 0 {
		o.MaxChildren = DefaultMaxChildren
	}
	if o.Environment == "" {
		o.Environment = DefaultEnvironment
	}
	return o
}

// Validate reports every invalid field at once.
// The engine itself never fails on bad options: an invalid rate samples
// nothing. Validate lets callers catch the mistake at startup.
func (o *Options) Validate() error {
	var err error
	if o.SampleRate != nil && !isValidRate(*o.SampleRate) {
		err = multierr.Append(err, errors.Wrapf(ErrInvalidConfig, "sample rate %v outside [0, 1]", *o.SampleRate))
	}
	if o.IdleTimeout < 0 {
		err = multierr.Append(err, errors.Wrap(ErrInvalidConfig, "idle timeout must not be negative"))
	}
	if o.FinalTimeout < 0 {
		err = multierr.Append(err, errors.Wrap(ErrInvalidConfig, "final timeout must not be negative"))
	}
	if o.HeartbeatInterval < 0 {
		err = multierr.Append(err, errors.Wrap(ErrInvalidConfig, "heartbeat interval must not be negative"))
	}
	if o.MaxSpans < 0 {
		err = multierr.Append(err, errors.Wrap(ErrInvalidConfig, "max spans must not be negative"))
	}
	if o.MaxChildren < 0 {
		err = multierr.Append(err, errors.Wrap(ErrInvalidConfig, "max children must not be negative"))
	}
	return err
}

func isValidRate(rate float64) bool {
	return !math.IsNaN(rate) && !math.IsInf(rate, 0) && rate >= 0 && rate <= 1
}
