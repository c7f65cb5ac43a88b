// Package retry classifies dispatch failures and computes backoff.
//
// Transport throttling is always retryable and its retry-after hint is
// honoured exactly. Access and malformed-request failures are permanent.
// Everything else retries with exponential backoff:
//
//	delay = min(2^attempt * base, max)   (base 60s, max 1h)
package retry

import (
	"errors"
	"fmt"
	"time"

	"pewpost/internal/post"
	"pewpost/internal/transport"
)

const (
	DefaultBase     = 60 * time.Second
	DefaultMaxDelay = time.Hour
)

type Class int

const (
	Retryable Class = iota
	Permanent
)

func (c Class) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "retryable"
}

// Decision is the classification of one failure.
type Decision struct {
	Class      Class
	Kind       post.ErrorKind
	RetryAfter time.Duration // >0 only for transport throttling
}

// Manager holds the backoff policy. The zero value uses the defaults.
type Manager struct {
	Base     time.Duration
	MaxDelay time.Duration
}

func New(base, maxDelay time.Duration) *Manager {
	return &Manager{Base: base, MaxDelay: maxDelay}
}

// Classify maps an error to retryable/permanent.
func (m *Manager) Classify(err error) Decision {
	if err == nil {
		return Decision{Class: Retryable, Kind: post.ErrorNone}
	}
	var rl *transport.RateLimitedError
	if errors.As(err, &rl) {
		return Decision{Class: Retryable, Kind: post.ErrorRateLimited, RetryAfter: rl.RetryAfter}
	}
	var ra retryAfterError
	if errors.As(err, &ra) {
		return Decision{Class: Retryable, Kind: post.ErrorRateLimited, RetryAfter: ra.after}
	}
	switch {
	case errors.Is(err, transport.ErrForbidden):
		return Decision{Class: Permanent, Kind: post.ErrorForbidden}
	case errors.Is(err, transport.ErrBadRequest):
		return Decision{Class: Permanent, Kind: post.ErrorBadRequest}
	case errors.Is(err, post.ErrInvalidContent):
		return Decision{Class: Permanent, Kind: post.ErrorValidation}
	case IsPermanent(err):
		return Decision{Class: Permanent, Kind: post.ErrorTransport}
	}
	return Decision{Class: Retryable, Kind: post.ErrorTransport}
}

// NextDelay is the backoff before retry number attempt (1-based).
func (m *Manager) NextDelay(attempt int) time.Duration {
	base, maxD := m.policy()
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			return maxD
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}

// Delay returns the wait before the next attempt: the throttling hint when
// the transport supplied one, otherwise NextDelay(attempt).
func (m *Manager) Delay(d Decision, attempt int) time.Duration {
	if d.Kind == post.ErrorRateLimited && d.RetryAfter > 0 {
		return d.RetryAfter
	}
	return m.NextDelay(attempt)
}

func (m *Manager) policy() (time.Duration, time.Duration) {
	base, maxD := DefaultBase, DefaultMaxDelay
	if m != nil {
		if m.Base > 0 {
			base = m.Base
		}
		if m.MaxDelay > 0 {
			maxD = m.MaxDelay
		}
	}
	return base, maxD
}

// MarkPermanent marks err as non-retryable.
//
//	return retry.MarkPermanent(fmt.Errorf("unknown channel %q", id))
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with MarkPermanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// After attaches an explicit retry delay to err, for collaborators that
// report throttling without going through the transport error types.
func After(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error { return e.err }
