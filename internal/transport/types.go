package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pewpost/internal/post"
)

var (
	// ErrForbidden: the bot lost access to the channel (kicked, not admin, blocked).
	ErrForbidden = errors.New("transport: forbidden")
	// ErrBadRequest: the request itself is malformed (bad media id, text too long...).
	ErrBadRequest = errors.New("transport: bad request")
)

// RateLimitedError is returned when the channel asks us to slow down.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: rate limited, retry after %s: %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("transport: rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// Error is a generic transport failure (network, 5xx, timeouts).
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "transport: " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Transport delivers posts to a broadcast channel. Every method returns the
// channel-assigned message id.
type Transport interface {
	SendText(ctx context.Context, channelID, text string, buttons []post.Button) (string, error)
	SendPhoto(ctx context.Context, channelID, mediaRef, caption string, buttons []post.Button) (string, error)
	SendVideo(ctx context.Context, channelID, mediaRef, caption string, buttons []post.Button) (string, error)
	SendPoll(ctx context.Context, channelID, question string, options []string) (string, error)
}

// Lifecycle is implemented by transports that own background resources.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Notifier sends plain operator messages. Transports that can reach an
// operator chat implement it.
type Notifier interface {
	SendText(ctx context.Context, channelID, text string, buttons []post.Button) (string, error)
}

// Dispatch routes content to the Transport method for its message type.
func Dispatch(ctx context.Context, t Transport, channelID string, c post.Content) (string, error) {
	switch c.MessageType {
	case post.MessageText:
		return t.SendText(ctx, channelID, c.Text, c.Buttons)
	case post.MessagePhoto:
		return t.SendPhoto(ctx, channelID, c.MediaRef, captionOf(c), c.Buttons)
	case post.MessageVideo:
		return t.SendVideo(ctx, channelID, c.MediaRef, captionOf(c), c.Buttons)
	case post.MessagePoll:
		return t.SendPoll(ctx, channelID, c.Text, c.PollOptions)
	default:
		return "", fmt.Errorf("%w: unsupported message type %q", ErrBadRequest, c.MessageType)
	}
}

func captionOf(c post.Content) string {
	if c.Caption != "" {
		return c.Caption
	}
	return c.Text
}
