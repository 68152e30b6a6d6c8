package resilience

import (
	"time"
)

// FromRetryConfig converts config values to a RetryConfig. maxRetries counts
// retries after the first attempt.
func FromRetryConfig(maxRetries, initialBackoffMs int, multiplier float64) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxRetries >= 0 {
		cfg.MaxAttempts = maxRetries + 1
	}
	if initialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond
	}
	if multiplier > 0 {
		cfg.Multiplier = multiplier
	}
	return cfg
}
