package retry

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"pewpost/internal/post"
	"pewpost/internal/transport"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	m := &Manager{}
	tests := []struct {
		name  string
		err   error
		class Class
		kind  post.ErrorKind
		after time.Duration
	}{
		{name: "flood", err: &transport.RateLimitedError{RetryAfter: 17 * time.Second}, class: Retryable, kind: post.ErrorRateLimited, after: 17 * time.Second},
		{name: "wrapped flood", err: fmt.Errorf("send: %w", &transport.RateLimitedError{RetryAfter: time.Second}), class: Retryable, kind: post.ErrorRateLimited, after: time.Second},
		{name: "forbidden", err: fmt.Errorf("send: %w", transport.ErrForbidden), class: Permanent, kind: post.ErrorForbidden},
		{name: "bad request", err: transport.ErrBadRequest, class: Permanent, kind: post.ErrorBadRequest},
		{name: "transport", err: &transport.Error{Op: "sendText", Err: errors.New("connection reset")}, class: Retryable, kind: post.ErrorTransport},
		{name: "unknown", err: errors.New("boom"), class: Retryable, kind: post.ErrorTransport},
		{name: "marked permanent", err: MarkPermanent(errors.New("nope")), class: Permanent, kind: post.ErrorTransport},
		{name: "retry after hint", err: After(errors.New("slow down"), 3*time.Second), class: Retryable, kind: post.ErrorRateLimited, after: 3 * time.Second},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			d := m.Classify(tt.err)
			if d.Class != tt.class || d.Kind != tt.kind || d.RetryAfter != tt.after {
				t.Fatalf("Classify = %+v, want class=%v kind=%v after=%v", d, tt.class, tt.kind, tt.after)
			}
		})
	}
}

func TestNextDelayCapped(t *testing.T) {
	t.Parallel()
	m := &Manager{}
	want := []time.Duration{
		60 * time.Second,  // 2^0
		120 * time.Second, // 2^1
		240 * time.Second,
		480 * time.Second,
		960 * time.Second,
		1920 * time.Second,
		time.Hour, // 3840s capped
		time.Hour,
	}
	for attempt, w := range want {
		if got := m.NextDelay(attempt); got != w {
			t.Fatalf("NextDelay(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestDelayHonoursRetryAfterExactly(t *testing.T) {
	t.Parallel()
	m := &Manager{}
	d := m.Classify(&transport.RateLimitedError{RetryAfter: 7 * time.Hour})
	if got := m.Delay(d, 1); got != 7*time.Hour {
		t.Fatalf("Delay = %v, want exact retry-after of 7h", got)
	}
	d = m.Classify(errors.New("timeout"))
	if got := m.Delay(d, 1); got != 120*time.Second {
		t.Fatalf("Delay = %v, want 120s", got)
	}
}
