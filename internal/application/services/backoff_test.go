package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		name     string
		strategy string
		attempt  int
		initial  time.Duration
		max      time.Duration
		want     time.Duration
	}{
		{name: "none", strategy: BackoffNone, attempt: 5, initial: time.Second, want: time.Second},
		{name: "linear", strategy: BackoffLinear, attempt: 3, initial: time.Second, want: 3 * time.Second},
		{name: "linear capped", strategy: BackoffLinear, attempt: 10, initial: time.Second, max: 5 * time.Second, want: 5 * time.Second},
		{name: "exponential", strategy: BackoffExponential, attempt: 2, initial: time.Second, want: 4 * time.Second},
		{name: "exponential capped", strategy: BackoffExponential, attempt: 10, initial: time.Second, max: 30 * time.Second, want: 30 * time.Second},
		{name: "exponential overflow", strategy: BackoffExponential, attempt: 100, initial: time.Second, max: time.Minute, want: time.Minute},
		{name: "unknown", strategy: "other", attempt: 3, initial: time.Second, want: time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CalculateBackoff(tt.strategy, tt.attempt, tt.initial, tt.max))
		})
	}
}

func TestIsTransientError(t *testing.T) {
	assert.False(t, isTransientError(nil))
	assert.False(t, isTransientError(context.Canceled))
	assert.False(t, isTransientError(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.False(t, isTransientError(errors.New("syntax error")))

	assert.True(t, isTransientError(fmt.Errorf("dial: %w", syscall.ECONNREFUSED)))
	assert.True(t, isTransientError(&net.OpError{Op: "dial", Err: syscall.ECONNRESET}))
	assert.True(t, isTransientError(&net.DNSError{Err: "try again", IsTemporary: true}))
	assert.False(t, isTransientError(&net.DNSError{Err: "no such host", IsNotFound: true}))
}
