package reliability

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ReliabilityConfig holds configuration for reliability testing.
type ReliabilityConfig struct {
	// Level is "basic" or "stress".
	Level string `mapstructure:"level"`
	// Duration bounds stress tests.
	Duration      time.Duration `mapstructure:"duration"`
	MaxGoroutines int           `mapstructure:"max_goroutines"`
	MaxMemoryMB   int           `mapstructure:"max_memory_mb"`
	// FailureThreshold is the tolerated failure rate in [0, 1].
	FailureThreshold float64 `mapstructure:"failure_threshold"`
}

// getReliabilityConfig reads SPANZ_RELIABILITY_* environment variables.
// Unparsable values fall back to the defaults.
func getReliabilityConfig() ReliabilityConfig {
	v := viper.New()
	v.SetEnvPrefix("SPANZ_RELIABILITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("level", "")
	v.SetDefault("duration", 30*time.Second)
	v.SetDefault("max_goroutines", 100)
	v.SetDefault("max_memory_mb", 512)
	v.SetDefault("failure_threshold", 0.05)

	config := ReliabilityConfig{
		Level:            v.GetString("level"),
		Duration:         30 * time.Second,
		MaxGoroutines:    100,
		MaxMemoryMB:      512,
		FailureThreshold: 0.05,
	}
	_ = v.Unmarshal(&config)
	return config
}

