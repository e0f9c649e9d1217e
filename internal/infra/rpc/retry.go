package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// RetryConfig defines in-call retry behavior for a single provider.
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffMultiple float64
}

// DefaultRetryConfig provides sensible defaults.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     3,
	InitialDelay:    1 * time.Second,
	MaxDelay:        30 * time.Second,
	BackoffMultiple: 2.0,
}

// ErrorAction determines how to handle a call error.
type ErrorAction int

const (
	// ActionRetry retries the same provider after backoff.
	ActionRetry ErrorAction = iota
	// ActionFailover gives up on this provider and lets the manager
	// rotate to the next endpoint.
	ActionFailover
	// ActionFatal stops immediately; the request itself is broken.
	ActionFatal
)

// ClassifyError determines the action for a given call error.
func ClassifyError(err error) ErrorAction {
	if err == nil {
		return ActionRetry // should not happen
	}

	s := err.Error()
	sLower := strings.ToLower(s)

	// -32700: Parse error, -32600: Invalid Request,
	// -32601: Method not found, -32602: Invalid params
	if strings.Contains(s, "-32700") || strings.Contains(s, "-32600") ||
		strings.Contains(s, "-32601") || strings.Contains(s, "-32602") {
		return ActionFatal
	}

	if strings.Contains(s, "429") || strings.Contains(sLower, "too many requests") ||
		strings.Contains(s, "403") || strings.Contains(sLower, "forbidden") ||
		strings.Contains(sLower, "quota") || strings.Contains(sLower, "rate limit") ||
		strings.Contains(sLower, "count exceeded") {
		return ActionFailover
	}

	// Network errors, 5xx, node-side hiccups.
	return ActionRetry
}

// callWithRetry executes a call against one provider with exponential
// backoff for retryable errors. Failover- and fatal-class errors return
// immediately so the caller can decide whether to rotate endpoints.
func callWithRetry(
	ctx context.Context,
	p *HTTPProvider,
	method string,
	params []any,
	config RetryConfig,
) (json.RawMessage, error) {
	var lastErr error

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		result, err := p.Call(ctx, method, params)
		if err == nil {
			return result, nil
		}
		lastErr = err

		switch ClassifyError(err) {
		case ActionFatal, ActionFailover:
			return nil, err
		}

		if attempt == config.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoffDelay(attempt, config)):
		}
	}

	return nil, fmt.Errorf("failed after %d attempts: %w", config.MaxAttempts, lastErr)
}

func backoffDelay(attempt int, config RetryConfig) time.Duration {
	delay := float64(config.InitialDelay) * math.Pow(config.BackoffMultiple, float64(attempt))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	return time.Duration(delay)
}
