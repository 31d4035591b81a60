package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy is the backoff schedule for LLM calls.
type RetryPolicy struct {
	MaxRetries   int           // retries after the first attempt; 0 disables retrying
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // cap for backoff and Retry-After
	Multiplier   float64       // backoff growth per retry
	Jitter       bool          // add up to 20% random delay
}

// RetryConfig holds the retry policy for LLM calls. Tool calls are never
// retried: their failures go back to the model as results.
type RetryConfig struct {
	LLMPolicy RetryPolicy
}

// RetryLLMCall calls the model until it answers, the error is classified as
// non-retryable, ctx ends or the policy runs out. onRetry is called before each
// wait. When retries run out the last error is wrapped in a RetryExhaustedError.
func RetryLLMCall(
	ctx context.Context,
	policy RetryPolicy,
	llm LLMClient,
	model string,
	messages []ChatMessage,
	toolSchemas []ToolSchema,
	opts ChatOptions,
	onRetry func(attempt int, delay time.Duration, err error),
) (LLMResponse, error) {
	for attempt := 0; ; attempt++ {
		resp, err := llm.Chat(ctx, model, messages, toolSchemas, opts)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil || ClassifyLLMError(err) != RetryClassRetryable {
			return LLMResponse{}, err
		}
		if attempt >= policy.MaxRetries {
			return LLMResponse{}, &RetryExhaustedError{Err: err, Attempts: attempt + 1}
		}

		delay := retryDelay(policy, attempt, err)
		if onRetry != nil {
			onRetry(attempt+1, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return LLMResponse{}, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// retryDelay honours Retry-After when the provider sent one and otherwise
// backs off exponentially from InitialDelay. Both are capped at MaxDelay.
func retryDelay(policy RetryPolicy, attempt int, err error) time.Duration {
	if after := ExtractRetryAfter(err); after > 0 {
		return min(after, policy.MaxDelay)
	}

	delay := float64(policy.InitialDelay) * math.Pow(policy.Multiplier, float64(attempt))
	delay = math.Min(delay, float64(policy.MaxDelay))
	if policy.Jitter {
		delay += rand.Float64() * 0.2 * delay
	}
	return time.Duration(delay)
}
