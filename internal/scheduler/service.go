// Package scheduler owns the post queue and drives dispatch.
//
// One loop goroutine is the only writer of the queue and the status table.
// Callers reach it through an operation channel. Every poll tick it pops up
// to BatchSize due posts and hands them, in order, to a single dispatch
// goroutine, so posts for a channel go out in queue order. The loop keeps
// serving Enqueue and Status while a batch is in flight.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pewpost/internal/eventbus"
	"pewpost/internal/post"
	"pewpost/internal/publisher"
	logx "pewpost/pkg/logx"

	"github.com/google/uuid"
)

type Service struct {
	cfg   Config
	pub   Publisher
	store Store
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	stopping atomic.Bool

	mu  sync.Mutex
	run *runState
}

// runState is created by Start and torn down when the loop exits.
type runState struct {
	ops      chan func(*loopState)
	reports  chan publisher.Report
	batchEnd chan []post.ScheduledPost
	stopCh   chan struct{}
	done     chan struct{}

	pubCtx    context.Context
	pubCancel context.CancelFunc
}

// loopState is touched only by the loop goroutine.
type loopState struct {
	run      *runState
	q        *queue
	records  map[string]*post.Record
	inflight int
	draining bool
	lastPoll time.Time
}

func New(cfg Config, pub Publisher, store Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		pub:   pub,
		store: store,
		log:   log,
		bus:   bus,
		now:   time.Now,
	}
}

// SetClock replaces the time source used for due checks. Tests only; call
// before Start.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil && !s.stopping.Load()
}

// Start reloads persisted posts and starts the loop. Posts that were
// PENDING, DISPATCHING or RETRY_WAIT when the process stopped come back as
// PENDING.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil {
		return nil
	}

	st := &loopState{q: newQueue(), records: map[string]*post.Record{}}
	if s.store != nil {
		recs, err := s.store.LoadActive(ctx)
		if err != nil {
			return fmt.Errorf("load queue: %w", err)
		}
		now := s.now()
		for i := range recs {
			rec := recs[i]
			if rec.State.Terminal() {
				continue
			}
			if rec.State == post.StateDispatching {
				s.log.Warn("post was mid-dispatch at shutdown; it may be sent twice",
					logx.String("post", rec.Post.ID), logx.String("channel", rec.Post.ChannelID))
			}
			if rec.State != post.StatePending {
				rec.State = post.StatePending
				rec.UpdatedAt = now
				s.persist(ctx, rec)
			}
			st.records[rec.Post.ID] = &rec
			st.q.push(rec.Post)
		}
		if len(recs) > 0 {
			s.log.Info("queue restored", logx.Int("posts", st.q.Len()))
		}
	}

	pubCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &runState{
		ops:       make(chan func(*loopState)),
		reports:   make(chan publisher.Report),
		batchEnd:  make(chan []post.ScheduledPost),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		pubCtx:    pubCtx,
		pubCancel: cancel,
	}
	s.run = r
	st.run = r
	s.stopping.Store(false)
	go s.loop(r, st)
	s.log.Info("scheduler started",
		logx.Duration("poll", s.cfg.PollInterval),
		logx.Int("batch", s.cfg.BatchSize),
	)
	return nil
}

// Stop rejects new posts, lets the in-flight publish finish (bounded by
// DrainTimeout), returns undispatched batch members to PENDING and persists
// the queue.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	r := s.run
	if r == nil {
		s.mu.Unlock()
		return nil
	}
	if s.stopping.CompareAndSwap(false, true) {
		close(r.stopCh)
	}
	s.mu.Unlock()

	start := time.Now()
	s.log.Info("stop requested")
	drain := time.AfterFunc(s.cfg.DrainTimeout, r.pubCancel)
	defer drain.Stop()

	select {
	case <-r.done:
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
		return nil
	case <-ctx.Done():
		r.pubCancel()
		return ctx.Err()
	}
}

func (s *Service) current() *runState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run
}

// do runs fn on the loop goroutine and waits for it.
func (s *Service) do(ctx context.Context, fn func(*loopState)) error {
	r := s.current()
	if r == nil {
		return ErrStopped
	}
	finished := make(chan struct{})
	select {
	case r.ops <- func(st *loopState) { fn(st); close(finished) }:
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// Enqueue adds p as PENDING. An empty ID gets a fresh UUID; a zero
// ScheduledTime means now.
func (s *Service) Enqueue(ctx context.Context, p post.ScheduledPost) (post.ScheduledPost, error) {
	if s.stopping.Load() {
		return post.ScheduledPost{}, ErrStopped
	}
	if err := p.Content.Validate(); err != nil {
		return post.ScheduledPost{}, err
	}
	now := s.now()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = post.DefaultMaxRetries
	}
	if p.RetryCount > p.MaxRetries {
		p.RetryCount = p.MaxRetries
	}
	if p.ScheduledTime.IsZero() {
		p.ScheduledTime = now
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}

	var opErr error
	err := s.do(ctx, func(st *loopState) {
		if st.draining {
			opErr = ErrStopped
			return
		}
		if _, exists := st.records[p.ID]; exists {
			opErr = fmt.Errorf("%w: %s", ErrDuplicateID, p.ID)
			return
		}
		rec := &post.Record{Post: p, State: post.StatePending, UpdatedAt: now}
		st.records[p.ID] = rec
		st.q.push(p)
		s.persist(ctx, *rec)
		s.bus.Publish(eventbus.Event{Type: eventbus.PostEnqueued, Data: p.ID})
		s.log.Debug("post enqueued",
			logx.String("post", p.ID),
			logx.String("channel", p.ChannelID),
			logx.Time("at", p.ScheduledTime),
			logx.Int("priority", p.Priority),
		)
		if !p.ScheduledTime.After(s.now()) {
			s.poll(st)
		}
	})
	if err != nil {
		return post.ScheduledPost{}, err
	}
	if opErr != nil {
		return post.ScheduledPost{}, opErr
	}
	return p, nil
}

// Status reports the current state of a post. Posts no longer held in memory
// are looked up in the Store.
func (s *Service) Status(ctx context.Context, id string) (post.Status, error) {
	var (
		st    post.Status
		found bool
	)
	err := s.do(ctx, func(ls *loopState) {
		if rec, ok := ls.records[id]; ok {
			st, found = rec.Status(), true
		}
	})
	if err != nil && !errors.Is(err, ErrStopped) {
		return post.Status{}, err
	}
	if found {
		return st, nil
	}
	if s.store != nil {
		rec, ok, err := s.store.GetPost(ctx, id)
		if err != nil {
			return post.Status{}, fmt.Errorf("status %s: %w", id, err)
		}
		if ok {
			return rec.Status(), nil
		}
	}
	return post.Status{}, ErrNotFound
}

// Cancel finalizes a PENDING post as FAILED/canceled.
func (s *Service) Cancel(ctx context.Context, id string) error {
	var opErr error
	err := s.do(ctx, func(st *loopState) {
		rec, ok := st.records[id]
		if !ok {
			opErr = ErrNotFound
			return
		}
		if rec.State != post.StatePending && rec.State != post.StateRetryWait {
			opErr = fmt.Errorf("%w: %s", ErrNotCancelable, rec.State)
			return
		}
		st.q.remove(id)
		now := s.now()
		rec.State = post.StateFailed
		rec.Result = &post.PublishResult{
			PostID:      id,
			ErrorKind:   post.ErrorCanceled,
			Error:       "canceled by operator",
			PublishedAt: now,
			RetryCount:  rec.Post.RetryCount,
		}
		rec.UpdatedAt = now
		s.persist(ctx, *rec)
		s.log.Info("post canceled", logx.String("post", id))
	})
	if err != nil {
		return err
	}
	return opErr
}

func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.do(ctx, func(st *loopState) {
		snap.Running = !st.draining
		snap.Queued = st.q.Len()
		snap.Dispatching = st.inflight
		snap.LastPollAt = st.lastPoll
		if next, ok := st.q.peek(); ok {
			snap.NextDue = next.ScheduledTime
		}
		snap.States = map[post.State]int{}
		for _, rec := range st.records {
			snap.States[rec.State]++
		}
	})
	return snap, err
}

func (s *Service) loop(r *runState, st *loopState) {
	defer func() {
		r.pubCancel()
		s.mu.Lock()
		if s.run == r {
			s.run = nil
		}
		s.mu.Unlock()
		close(r.done)
	}()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	stopCh := r.stopCh
	s.poll(st)
	for {
		select {
		case op := <-r.ops:
			op(st)
		case <-ticker.C:
			s.poll(st)
		case rep := <-r.reports:
			s.applyReport(r.pubCtx, st, rep)
		case unstarted := <-r.batchEnd:
			st.inflight = 0
			s.requeue(st, unstarted)
			if st.draining {
				s.finish(st)
				return
			}
			s.poll(st)
		case <-stopCh:
			stopCh = nil
			st.draining = true
			if st.inflight == 0 {
				s.finish(st)
				return
			}
		}
	}
}

func (s *Service) poll(st *loopState) {
	now := s.now()
	st.lastPoll = now
	s.pruneTerminal(st, now)
	defer s.bus.Publish(eventbus.Event{Type: eventbus.QueueDepth, Data: st.q.Len()})
	if st.inflight > 0 || st.draining {
		return
	}
	batch := st.q.popDue(now, s.cfg.BatchSize)
	if len(batch) == 0 {
		return
	}
	r := st.run
	ctx := r.pubCtx
	for _, p := range batch {
		rec := st.records[p.ID]
		if rec == nil {
			rec = &post.Record{Post: p, State: post.StatePending}
			st.records[p.ID] = rec
		}
		rec.State = post.StateDispatching
		rec.UpdatedAt = now
		s.persist(ctx, *rec)
	}
	st.inflight = len(batch)
	go s.dispatch(r, batch)
}

// dispatch publishes a batch sequentially. Once Stop is requested the
// remaining posts are handed back unstarted.
func (s *Service) dispatch(r *runState, batch []post.ScheduledPost) {
	var unstarted []post.ScheduledPost
	defer func() { r.batchEnd <- unstarted }()
	for i, p := range batch {
		if s.stopping.Load() {
			unstarted = append(unstarted, batch[i:]...)
			return
		}
		r.reports <- s.publishOne(r.pubCtx, p)
	}
}

func (s *Service) publishOne(ctx context.Context, p post.ScheduledPost) (rep publisher.Report) {
	defer func() {
		if v := recover(); v != nil {
			s.log.Error("publisher panicked", logx.String("post", p.ID), logx.Any("panic", v))
			rep = publisher.Report{
				Post:    p,
				Outcome: publisher.OutcomeFailed,
				Result: post.PublishResult{
					PostID:      p.ID,
					ErrorKind:   post.ErrorTransport,
					Error:       fmt.Sprintf("panic: %v", v),
					PublishedAt: s.now(),
					RetryCount:  p.RetryCount,
				},
			}
			if p.CanRetry() {
				rep.Post.RetryCount++
				rep.Result.RetryCount = rep.Post.RetryCount
				rep.Outcome = publisher.OutcomeRetry
				rep.Delay = s.cfg.PollInterval
			}
		}
	}()
	return s.pub.Publish(ctx, p)
}

func (s *Service) applyReport(ctx context.Context, st *loopState, rep publisher.Report) {
	id := rep.Post.ID
	rec := st.records[id]
	if rec == nil {
		rec = &post.Record{}
		st.records[id] = rec
	}
	now := s.now()
	rec.Post = rep.Post
	rec.UpdatedAt = now
	if rep.Outcome != publisher.OutcomeDeferred {
		res := rep.Result
		rec.Result = &res
	}

	switch rep.Outcome {
	case publisher.OutcomePublished:
		rec.State = post.StatePublished
	case publisher.OutcomeFailed:
		rec.State = post.StateFailed
	case publisher.OutcomeRetry:
		// RETRY_WAIT is left as soon as the delay is folded into the
		// schedule; the post waits in the queue as PENDING.
		rec.Post.ScheduledTime = now.Add(rep.Delay)
		rec.State = post.StatePending
		st.q.push(rec.Post)
		s.log.Debug("post rescheduled", logx.String("post", id), logx.Int("retry", rec.Post.RetryCount), logx.Time("at", rec.Post.ScheduledTime))
	default:
		rec.State = post.StatePending
		st.q.push(rec.Post)
	}
	s.persist(ctx, *rec)
}

func (s *Service) requeue(st *loopState, posts []post.ScheduledPost) {
	if len(posts) == 0 {
		return
	}
	now := s.now()
	for _, p := range posts {
		rec := st.records[p.ID]
		if rec == nil {
			rec = &post.Record{Post: p}
			st.records[p.ID] = rec
		}
		rec.State = post.StatePending
		rec.UpdatedAt = now
		st.q.push(p)
		s.persist(context.Background(), *rec)
	}
	s.log.Info("undispatched posts returned to queue", logx.Int("count", len(posts)))
}

// finish persists every non-terminal post as PENDING so a restart picks
// it up where the schedule left it.
func (s *Service) finish(st *loopState) {
	active := 0
	for _, rec := range st.records {
		if rec.State.Terminal() {
			continue
		}
		active++
		rec.State = post.StatePending
		s.persist(context.Background(), *rec)
	}
	s.log.Info("queue persisted", logx.Int("active", active))
}

func (s *Service) pruneTerminal(st *loopState, now time.Time) {
	cutoff := now.Add(-s.cfg.TerminalRetention)
	for id, rec := range st.records {
		if rec.State.Terminal() && rec.UpdatedAt.Before(cutoff) {
			delete(st.records, id)
		}
	}
}

func (s *Service) persist(ctx context.Context, rec post.Record) {
	if s.store == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.SavePost(cctx, rec); err != nil {
		s.log.Warn("post record not persisted", logx.String("post", rec.Post.ID), logx.String("state", string(rec.State)), logx.Err(err))
	}
}
