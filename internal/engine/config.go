package engine

import "time"

// DefaultRetryConfig returns sensible default retry policies.
// Only the LLM call is retried; tool failures go back to the model.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		LLMPolicy: RetryPolicy{
			MaxRetries:   3,
			InitialDelay: 1 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
	}
}
