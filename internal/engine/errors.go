package engine

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryClass says whether a failed LLM call may be attempted again.
type RetryClass string

const (
	RetryClassRetryable    RetryClass = "retryable"
	RetryClassNonRetryable RetryClass = "non_retryable"
)

// EngineError is a provider error annotated with what the HTTP exchange told us.
type EngineError struct {
	Err        error
	Class      RetryClass
	HTTPStatus int    // 0 when no response was received
	RetryAfter string // raw Retry-After header, seconds or an HTTP date
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("engine error: %s", e.Class)
}

func (e *EngineError) Unwrap() error { return e.Err }

// WrapLLMError annotates a provider error. Status codes decide the class when
// present; otherwise the message is classified.
func WrapLLMError(err error, httpStatus int, retryAfter string) error {
	if err == nil {
		return nil
	}
	class := classifyStatus(httpStatus)
	if class == "" {
		class = ClassifyLLMError(err)
	}
	return &EngineError{Err: err, Class: class, HTTPStatus: httpStatus, RetryAfter: retryAfter}
}

func classifyStatus(status int) RetryClass {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return RetryClassRetryable
	case status >= 400:
		return RetryClassNonRetryable
	default:
		return ""
	}
}

// Message fragments checked in order; the first match decides. Permanent
// failures come first so "401 ... timeout" is not retried.
var errorPatterns = []struct {
	class     RetryClass
	fragments []string
}{
	{RetryClassNonRetryable, []string{
		"401", "403", "unauthorized", "forbidden", "invalid api key", "authentication failed",
		"402", "quota", "billing", "payment required",
		"400", "bad request", "invalid request", "malformed",
		"context length", "maximum context length", "token limit",
		"content filter", "safety", "guardrail", "policy violation",
	}},
	{RetryClassRetryable, []string{
		"429", "rate limit", "too many requests",
		"500", "502", "503", "504", "internal server error", "bad gateway",
		"service unavailable", "gateway timeout", "overloaded",
		"timeout", "deadline exceeded", "connection reset", "connection refused",
		"no such host", "network", "dns", "temporary failure",
	}},
}

// ClassifyLLMError decides whether an LLM call failure is worth retrying.
// Errors that match nothing are not retried.
func ClassifyLLMError(err error) RetryClass {
	if err == nil {
		return RetryClassNonRetryable
	}
	var engineErr *EngineError
	if errors.As(err, &engineErr) && engineErr.Class != "" {
		return engineErr.Class
	}

	msg := strings.ToLower(err.Error())
	for _, p := range errorPatterns {
		for _, f := range p.fragments {
			if strings.Contains(msg, f) {
				return p.class
			}
		}
	}
	return RetryClassNonRetryable
}

// ExtractRetryAfter returns the wait requested by the provider, or 0.
func ExtractRetryAfter(err error) time.Duration {
	var engineErr *EngineError
	if errors.As(err, &engineErr) && engineErr.RetryAfter != "" {
		v := strings.TrimSpace(engineErr.RetryAfter)
		if secs, convErr := strconv.Atoi(v); convErr == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if t, parseErr := http.ParseTime(v); parseErr == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
		}
	}

	msg := strings.ToLower(err.Error())
	if i := strings.Index(msg, "retry after "); i >= 0 {
		var secs int
		if _, scanErr := fmt.Sscanf(msg[i:], "retry after %d", &secs); scanErr == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// RetryExhaustedError is returned when every allowed LLM attempt failed.
type RetryExhaustedError struct {
	Err      error
	Attempts int
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// IsRetryExhausted reports whether err came from running out of retries.
func IsRetryExhausted(err error) bool {
	var exhausted *RetryExhaustedError
	return errors.As(err, &exhausted)
}

// ToolValidationError lists the schema violations of one tool call's arguments.
type ToolValidationError struct {
	ToolName string
	Errors   []string
}

func (e *ToolValidationError) Error() string {
	return fmt.Sprintf("tool %s validation failed: %s", e.ToolName, strings.Join(e.Errors, "; "))
}

// EngineContextError records where in the loop a fatal error happened.
type EngineContextError struct {
	Err       error
	Step      int
	Phase     LoopState
	ToolName  string
	Operation string // "llm_call", "tool_execution"
}

func (e *EngineContextError) Error() string {
	if e.ToolName != "" {
		return fmt.Sprintf("[step=%d phase=%s op=%s tool=%s] %v", e.Step, e.Phase, e.Operation, e.ToolName, e.Err)
	}
	return fmt.Sprintf("[step=%d phase=%s op=%s] %v", e.Step, e.Phase, e.Operation, e.Err)
}

func (e *EngineContextError) Unwrap() error { return e.Err }

// WrapWithContext attaches the step and phase to err.
func WrapWithContext(err error, st *State, phase LoopState, operation string, toolName string) error {
	if err == nil {
		return nil
	}
	return &EngineContextError{Err: err, Step: st.Step, Phase: phase, ToolName: toolName, Operation: operation}
}
