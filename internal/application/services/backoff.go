package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/reglet-dev/caphost/internal/domain/capabilities"
)

// Backoff strategies for retrying backend construction.
const (
	BackoffNone        = "none"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// Declaration config keys controlling connection retries.
const (
	ConfigConnectRetries = "connect_retries"
	ConfigConnectBackoff = "connect_backoff"
	ConfigConnectDelay   = "connect_delay"
	ConfigConnectMaxWait = "connect_max_delay"
)

// retryPolicy is read from a declaration's config. The zero value never
// retries.
type retryPolicy struct {
	strategy     string
	attempts     int
	initialDelay time.Duration
	maxDelay     time.Duration
}

func retryPolicyFrom(cfg *capabilities.InstanceConfig) (retryPolicy, error) {
	attempts, err := cfg.Int(ConfigConnectRetries, 0)
	if err != nil {
		return retryPolicy{}, err
	}
	initial, err := cfg.Duration(ConfigConnectDelay, 200*time.Millisecond)
	if err != nil {
		return retryPolicy{}, err
	}
	maxDelay, err := cfg.Duration(ConfigConnectMaxWait, 5*time.Second)
	if err != nil {
		return retryPolicy{}, err
	}

	strategy := cfg.Get(ConfigConnectBackoff, BackoffExponential)
	switch strategy {
	case BackoffNone, BackoffLinear, BackoffExponential:
	default:
		return retryPolicy{}, fmt.Errorf("%s: unknown strategy %q", ConfigConnectBackoff, strategy)
	}

	return retryPolicy{strategy: strategy, attempts: attempts, initialDelay: initial, maxDelay: maxDelay}, nil
}

// CalculateBackoff computes the delay before retry number attempt (1-based).
func CalculateBackoff(strategy string, attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	var delay time.Duration
	switch strategy {
	case BackoffLinear:
		delay = time.Duration(attempt) * initialDelay
	case BackoffExponential:
		if attempt > 62 {
			return maxDelay
		}
		delay = time.Duration(1<<attempt) * initialDelay
	default:
		return initialDelay
	}
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}

// construct runs factory, retrying transient network failures as the
// declaration's retry policy allows.
func construct[B any](ctx context.Context, factory Factory[B], cfg *capabilities.InstanceConfig) (B, error) {
	var zero B
	policy, err := retryPolicyFrom(cfg)
	if err != nil {
		return zero, err
	}

	for attempt := 0; ; attempt++ {
		backend, err := factory(ctx, cfg)
		if err == nil || attempt >= policy.attempts || !isTransientError(err) {
			return backend, err
		}

		delay := CalculateBackoff(policy.strategy, attempt+1, policy.initialDelay, policy.maxDelay)
		slog.DebugContext(ctx, "retrying backend construction",
			"type", cfg.Type, "name", cfg.Name, "attempt", attempt+1, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return zero, errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// isTransientError reports whether err is a network failure worth retrying.
// Context errors never are.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsTemporary
}
