package resilience

import (
	"time"
)

// RetryPolicy builds a RetryConfig from configured values. Zero or negative
// values keep the defaults.
func RetryPolicy(maxAttempts int, initialBackoff, maxBackoff time.Duration, multiplier, jitterFraction float64) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if initialBackoff > 0 {
		cfg.InitialBackoff = initialBackoff
	}
	if maxBackoff > 0 {
		cfg.MaxBackoff = maxBackoff
	}
	if multiplier > 0 {
		cfg.Multiplier = multiplier
	}
	if jitterFraction >= 0 {
		cfg.JitterFraction = jitterFraction
	}
	return cfg
}

// BreakerPolicy builds a CircuitBreakerConfig from configured values. Zero
// or negative values keep the defaults.
func BreakerPolicy(failureThreshold int, failureWindow, resetTimeout time.Duration) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if failureWindow > 0 {
		cfg.FailureWindow = failureWindow
	}
	if resetTimeout > 0 {
		cfg.ResetTimeout = resetTimeout
	}
	return cfg
}
