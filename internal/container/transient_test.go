// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsTransientError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", fmt.Errorf("pull: %w", context.Canceled), false},
		{"engine exit", &StepError{ExitCode: 125}, true},
		{"step exit", &StepError{ExitCode: 1, StderrTail: "Could not resolve host"}, false},
		{"registry timeout", errors.New("Get https://registry: net/http: TLS handshake timeout"), true},
		{"rate limit", errors.New("toomanyrequests: pull rate limit"), true},
		{"plain", errors.New("no such image"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsTransientError(tt.err); got != tt.want {
				t.Errorf("IsTransientError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryWithBackoff(t *testing.T) {
	t.Parallel()

	calls := 0
	err := RetryWithBackoff(context.Background(), 3, time.Millisecond, func(int) (bool, error) {
		calls++
		if calls < 3 {
			return true, errors.New("flaky")
		}
		return false, nil
	})
	if err != nil || calls != 3 {
		t.Errorf("RetryWithBackoff() = %v after %d calls", err, calls)
	}

	calls = 0
	permanent := errors.New("permanent")
	err = RetryWithBackoff(context.Background(), 3, time.Millisecond, func(int) (bool, error) {
		calls++
		return false, permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Errorf("non-retryable error: %v after %d calls", err, calls)
	}
}

func TestRetryWithBackoffCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	err := RetryWithBackoff(ctx, 5, time.Hour, func(int) (bool, error) {
		cancel()
		return true, errors.New("flaky")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("RetryWithBackoff() = %v, want context.Canceled", err)
	}
}
