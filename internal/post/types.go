// Package post holds the pipeline's unit of work and its outcome records.
package post

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const DefaultMaxRetries = 3

type MessageType string

const (
	MessageText  MessageType = "text"
	MessagePhoto MessageType = "photo"
	MessageVideo MessageType = "video"
	MessagePoll  MessageType = "poll"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessagePhoto, MessageVideo, MessagePoll:
		return true
	}
	return false
}

// IsMedia reports whether the type requires a media reference.
func (t MessageType) IsMedia() bool { return t == MessagePhoto || t == MessageVideo }

// Button is an inline URL button attached under a message.
type Button struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Content is the opaque payload of a post. ContentType is the producer's
// category tag ("news", "interactive", ...) used for time optimization.
type Content struct {
	MessageType MessageType `json:"message_type"`
	Text        string      `json:"text,omitempty"`
	MediaRef    string      `json:"media_ref,omitempty"`
	Caption     string      `json:"caption,omitempty"`
	PollOptions []string    `json:"poll_options,omitempty"`
	Buttons     []Button    `json:"buttons,omitempty"`
	ContentType string      `json:"content_type,omitempty"`
}

var ErrInvalidContent = errors.New("invalid content")

// Validate checks the payload is dispatchable for its message type.
func (c Content) Validate() error {
	if !c.MessageType.Valid() {
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidContent, c.MessageType)
	}
	switch c.MessageType {
	case MessageText:
		if strings.TrimSpace(c.Text) == "" {
			return fmt.Errorf("%w: empty text", ErrInvalidContent)
		}
	case MessagePhoto, MessageVideo:
		if strings.TrimSpace(c.MediaRef) == "" {
			return fmt.Errorf("%w: %s without media reference", ErrInvalidContent, c.MessageType)
		}
	case MessagePoll:
		if strings.TrimSpace(c.Text) == "" {
			return fmt.Errorf("%w: poll without question", ErrInvalidContent)
		}
		n := 0
		for _, o := range c.PollOptions {
			if strings.TrimSpace(o) != "" {
				n++
			}
		}
		if n < 2 {
			return fmt.Errorf("%w: poll needs at least 2 options", ErrInvalidContent)
		}
	}
	return nil
}

// ScheduledPost is owned by the scheduler while queued and by the publisher
// for the duration of one dispatch attempt.
type ScheduledPost struct {
	ID            string    `json:"id"`
	ChannelID     string    `json:"channel_id"`
	Content       Content   `json:"content"`
	ScheduledTime time.Time `json:"scheduled_time"`
	Priority      int       `json:"priority"`
	TestID        string    `json:"test_id,omitempty"`
	VariantID     string    `json:"variant_id,omitempty"`
	RetryCount    int       `json:"retry_count"`
	MaxRetries    int       `json:"max_retries"`
	CreatedAt     time.Time `json:"created_at"`
}

// CanRetry reports whether one more attempt keeps RetryCount <= MaxRetries.
func (p ScheduledPost) CanRetry() bool { return p.RetryCount < p.MaxRetries }

type State string

const (
	StatePending     State = "PENDING"
	StateDispatching State = "DISPATCHING"
	StateRetryWait   State = "RETRY_WAIT"
	StatePublished   State = "PUBLISHED"
	StateFailed      State = "FAILED"
)

func (s State) Terminal() bool { return s == StatePublished || s == StateFailed }

// CanTransition encodes the post state machine.
func CanTransition(from, to State) bool {
	switch from {
	case StatePending:
		// FAILED here is an operator cancel.
		return to == StateDispatching || to == StateFailed
	case StateDispatching:
		return to == StatePublished || to == StateFailed || to == StateRetryWait || to == StatePending
	case StateRetryWait:
		return to == StatePending || to == StateFailed
	}
	return false
}

type ErrorKind string

const (
	ErrorNone        ErrorKind = ""
	ErrorValidation  ErrorKind = "validation"
	ErrorRateLimited ErrorKind = "rate_limited"
	ErrorForbidden   ErrorKind = "forbidden"
	ErrorBadRequest  ErrorKind = "bad_request"
	ErrorTransport   ErrorKind = "transport"
	ErrorExhausted   ErrorKind = "exhausted_retries"
	ErrorCanceled    ErrorKind = "canceled"
)

// PublishResult is the outcome of one dispatch attempt. Only the latest
// result per post id is kept.
type PublishResult struct {
	PostID            string    `json:"post_id"`
	Success           bool      `json:"success"`
	ExternalMessageID string    `json:"external_message_id,omitempty"`
	ErrorKind         ErrorKind `json:"error_kind,omitempty"`
	Error             string    `json:"error,omitempty"`
	PublishedAt       time.Time `json:"published_at"`
	RetryCount        int       `json:"retry_count"`
}

// Status is the operator-facing view of a post.
type Status struct {
	ID            string         `json:"id"`
	ChannelID     string         `json:"channel_id"`
	State         State          `json:"state"`
	LastErrorKind ErrorKind      `json:"last_error_kind,omitempty"`
	RetryCount    int            `json:"retry_count"`
	ScheduledTime time.Time      `json:"scheduled_time"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Result        *PublishResult `json:"result,omitempty"`
}

// Record is the persisted form of a post: the post itself, its state and
// its latest result.
type Record struct {
	Post      ScheduledPost
	State     State
	Result    *PublishResult
	UpdatedAt time.Time
}

func (r Record) Status() Status {
	st := Status{
		ID:            r.Post.ID,
		ChannelID:     r.Post.ChannelID,
		State:         r.State,
		RetryCount:    r.Post.RetryCount,
		ScheduledTime: r.Post.ScheduledTime,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.Result != nil {
		cp := *r.Result
		st.Result = &cp
		st.LastErrorKind = cp.ErrorKind
	}
	return st
}
