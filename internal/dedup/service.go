// Package dedup rejects content already seen within a retention window.
//
// Admission is fail-closed: when the backing store cannot answer, content is
// rejected with ReasonUnavailable so a duplicate is never let through. The
// producer is expected to retry later.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pewpost/internal/post"
	logx "pewpost/pkg/logx"
)

const DefaultRetention = 30 * 24 * time.Hour

var ErrStoreUnavailable = errors.New("dedup store unavailable")

type Reason string

const (
	ReasonNone        Reason = ""
	ReasonDuplicate   Reason = "duplicate"
	ReasonUnavailable Reason = "unavailable"
)

type Decision struct {
	Accepted    bool
	Reason      Reason
	Fingerprint Fingerprint
}

type Service struct {
	store     Store
	retention time.Duration
	log       logx.Logger
	now       func() time.Time
	timeout   time.Duration
}

func New(store Store, retention time.Duration, log logx.Logger) *Service {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, retention: retention, log: log, now: time.Now, timeout: 2 * time.Second}
}

// SetClock replaces the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) Retention() time.Duration { return s.retention }

// Admit records c's fingerprint unless it was seen within the retention
// window.
func (s *Service) Admit(ctx context.Context, c post.Content) (Decision, error) {
	now := s.now()
	fp := Fingerprint{Hash: Hash(c), FirstSeenAt: now, ContentType: c.ContentType}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ok, err := s.store.PutIfAbsent(cctx, fp, now.Add(-s.retention))
	if err != nil {
		s.log.Warn("dedup store unreachable; rejecting content", logx.String("hash", fp.Hash[:12]), logx.Err(err))
		return Decision{Reason: ReasonUnavailable, Fingerprint: fp}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !ok {
		prev, found, gerr := s.store.Get(cctx, fp.Hash)
		if gerr == nil && found {
			fp = prev
		}
		s.log.Debug("duplicate content rejected", logx.String("hash", fp.Hash[:12]), logx.Time("first_seen", fp.FirstSeenAt))
		return Decision{Reason: ReasonDuplicate, Fingerprint: fp}, nil
	}
	return Decision{Accepted: true, Fingerprint: fp}, nil
}

// Release forgets a fingerprint that Admit accepted but whose content never
// made it into the queue, so a later retry is not taken for a duplicate.
func (s *Service) Release(ctx context.Context, fp Fingerprint) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.store.Release(cctx, fp); err != nil {
		s.log.Warn("fingerprint release failed", logx.String("hash", fp.Hash[:12]), logx.Err(err))
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Purge evicts fingerprints older than the retention window. Errors are
// returned for logging only; Admit treats stale records as absent anyway.
func (s *Service) Purge(ctx context.Context) (int, error) {
	n, err := s.store.PurgeBefore(ctx, s.now().Add(-s.retention))
	if err != nil {
		s.log.Warn("fingerprint purge failed", logx.Err(err))
		return n, err
	}
	if n > 0 {
		s.log.Info("fingerprints purged", logx.Int("count", n))
	}
	return n, nil
}
