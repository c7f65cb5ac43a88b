package scheduler

import (
	"context"
	"errors"
	"time"

	"pewpost/internal/post"
	"pewpost/internal/publisher"
)

var (
	ErrStopped       = errors.New("scheduler stopped")
	ErrNotFound      = errors.New("post not found")
	ErrNotCancelable = errors.New("post is not pending")
	ErrDuplicateID   = errors.New("post id already used")
)

const (
	DefaultPollInterval      = 60 * time.Second
	DefaultBatchSize         = 5
	DefaultTerminalRetention = 24 * time.Hour
)

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	// TerminalRetention bounds how long PUBLISHED/FAILED records stay in
	// memory. Older ones are served from the Store.
	TerminalRetention time.Duration
	// DrainTimeout bounds the in-flight publish during Stop.
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.TerminalRetention <= 0 {
		c.TerminalRetention = DefaultTerminalRetention
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 45 * time.Second
	}
	return c
}

// Publisher makes one dispatch attempt.
type Publisher interface {
	Publish(ctx context.Context, p post.ScheduledPost) publisher.Report
}

// Store persists post records so the queue survives restarts.
type Store interface {
	SavePost(ctx context.Context, rec post.Record) error
	LoadActive(ctx context.Context) ([]post.Record, error)
	GetPost(ctx context.Context, id string) (post.Record, bool, error)
}

type Snapshot struct {
	Running     bool               `json:"running"`
	Queued      int                `json:"queued"`
	Dispatching int                `json:"dispatching"`
	NextDue     time.Time          `json:"next_due"`
	States      map[post.State]int `json:"states"`
	LastPollAt  time.Time          `json:"last_poll_at"`
}
