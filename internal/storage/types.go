package storage

import (
	"context"
	"errors"
	"time"

	"pewpost/internal/dedup"
	"pewpost/internal/experiment"
	"pewpost/internal/post"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty it defaults to "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API the pipeline components share.
type Store interface {
	dedup.Store
	experiment.Store

	SavePost(ctx context.Context, rec post.Record) error
	LoadActive(ctx context.Context) ([]post.Record, error)
	GetPost(ctx context.Context, id string) (post.Record, bool, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Ping(ctx context.Context) error
	Close() error
}

// AuditEntry records an operator action (cancel, experiment lifecycle).
// Keep it compact and schema-stable.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor,omitempty"`
	Action string    `json:"action"`
	Target string    `json:"target,omitempty"`
	OK     bool      `json:"ok"`
	Error  string    `json:"error,omitempty"`
	Meta   string    `json:"meta,omitempty"`
}

// postRow is the serialized form of a post.Record.
type postRow struct {
	Post      post.ScheduledPost  `json:"post"`
	State     post.State          `json:"state"`
	Result    *post.PublishResult `json:"result,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}

func toRow(r post.Record) postRow {
	return postRow{Post: r.Post, State: r.State, Result: r.Result, UpdatedAt: r.UpdatedAt}
}

func (r postRow) record() post.Record {
	return post.Record{Post: r.Post, State: r.State, Result: r.Result, UpdatedAt: r.UpdatedAt}
}
