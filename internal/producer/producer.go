// Package producer runs scheduled content requests. Each producer asks the
// content generator for a payload on its cron schedule and submits the result
// to the pipeline.
package producer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"pewpost/internal/content"
	"pewpost/internal/pipeline"
	logx "pewpost/pkg/logx"
)

// Def is one producer.
type Def struct {
	Name        string
	Schedule    string
	Channel     string
	ContentType string
	Topic       string
	TestID      string
	Priority    int
}

type Submitter interface {
	Produce(ctx context.Context, gen content.Generator, r pipeline.ProduceRequest) (pipeline.Receipt, error)
}

type Config struct {
	Location *time.Location
	// RunTimeout bounds one generate+submit run.
	RunTimeout time.Duration
}

// Entry is the runtime view of a producer.
type Entry struct {
	Name          string        `json:"name"`
	Schedule      string        `json:"schedule"`
	Next          time.Time     `json:"next,omitempty"`
	StartupSpread time.Duration `json:"startup_spread,omitempty"`
	Runs          uint64        `json:"runs"`
	Skipped       uint64        `json:"skipped"`
	LastRun       time.Time     `json:"last_run,omitempty"`
	LastPostID    string        `json:"last_post_id,omitempty"`
	LastErr       string        `json:"last_err,omitempty"`
}

type entry struct {
	def     Def
	spec    string
	entryID cron.EntryID
	spread  time.Duration

	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64

	mu       sync.Mutex
	lastRun  time.Time
	lastPost string
	lastErr  string
}

type Service struct {
	cfg    Config
	sub    Submitter
	gen    content.Generator
	log    logx.Logger
	parser cron.Parser

	mu      sync.Mutex
	c       *cron.Cron
	ctx     context.Context
	entries []*entry
	wg      sync.WaitGroup
}

func New(cfg Config, sub Submitter, gen content.Generator, log logx.Logger) *Service {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		sub:    sub,
		gen:    gen,
		log:    log.With(logx.String("comp", "producer")),
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate checks every def without touching the running schedule.
func (s *Service) Validate(defs []Def) error {
	_, err := s.build(defs)
	return err
}

func (s *Service) build(defs []Def) ([]*entry, error) {
	seen := map[string]bool{}
	out := make([]*entry, 0, len(defs))
	for _, d := range defs {
		d.Name = strings.TrimSpace(d.Name)
		if d.Name == "" {
			return nil, errors.New("producer name required")
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("producer %q: duplicate name", d.Name)
		}
		seen[d.Name] = true
		spec, err := normalizeSchedule(d.Schedule)
		if err != nil {
			return nil, fmt.Errorf("producer %q: %w", d.Name, err)
		}
		if _, err := s.parser.Parse(spec); err != nil {
			return nil, fmt.Errorf("producer %q: %w", d.Name, err)
		}
		out = append(out, &entry{def: d, spec: spec})
	}
	return out, nil
}

// Apply replaces the producer set. Run counters of producers that keep their
// name survive. When running, the cron is rebuilt in place.
func (s *Service) Apply(defs []Def) error {
	next, err := s.build(defs)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := map[string]*entry{}
	for _, e := range s.entries {
		prev[e.def.Name] = e
	}
	for _, e := range next {
		if old, ok := prev[e.def.Name]; ok {
			e.runs.Store(old.runs.Load())
			e.skipped.Store(old.skipped.Load())
			old.mu.Lock()
			e.lastRun, e.lastPost, e.lastErr = old.lastRun, old.lastPost, old.lastErr
			old.mu.Unlock()
		}
	}
	s.entries = next
	if s.c != nil {
		s.restartLocked()
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	s.restartLocked()
	return nil
}

// Stop halts the cron and waits for running jobs until ctx expires.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.cfg.Location))
	now := time.Now().In(s.cfg.Location)
	for _, e := range s.entries {
		e := e
		job := cron.FuncJob(func() { s.fire(e) })
		if every, ok := everyOf(e.spec); ok {
			sched, jitter := intervalWithSpread(every, now, e.def.Name)
			e.spread = jitter
			e.entryID = s.c.Schedule(sched, job)
			continue
		}
		id, err := s.c.AddJob(e.spec, job)
		if err != nil {
			// build already parsed the spec
			s.log.Error("producer not scheduled", logx.String("name", e.def.Name), logx.Err(err))
			continue
		}
		e.entryID = id
	}
	s.c.Start()
	s.log.Info("producers scheduled", logx.String("tz", s.cfg.Location.String()), logx.Int("producers", len(s.entries)))
}

func (s *Service) fire(e *entry) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if !e.running.CompareAndSwap(false, true) {
		e.skipped.Add(1)
		s.log.Warn("producer still running; tick skipped", logx.String("name", e.def.Name))
		return
	}
	s.wg.Add(1)
	defer func() {
		e.running.Store(false)
		s.wg.Done()
	}()
	_, _ = s.run(ctx, e)
}

// RunNow runs the named producer immediately.
func (s *Service) RunNow(ctx context.Context, name string) (pipeline.Receipt, error) {
	s.mu.Lock()
	var found *entry
	for _, e := range s.entries {
		if e.def.Name == name {
			found = e
			break
		}
	}
	s.mu.Unlock()
	if found == nil {
		return pipeline.Receipt{}, fmt.Errorf("producer %q not found", name)
	}
	return s.run(ctx, found)
}

func (s *Service) run(ctx context.Context, e *entry) (pipeline.Receipt, error) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()
	log := s.log.With(logx.String("name", e.def.Name))

	rc, err := s.sub.Produce(rctx, s.gen, pipeline.ProduceRequest{
		ChannelID:   e.def.Channel,
		ContentType: e.def.ContentType,
		Topic:       e.def.Topic,
		TestID:      e.def.TestID,
		Priority:    e.def.Priority,
	})
	e.runs.Add(1)
	e.mu.Lock()
	e.lastRun = time.Now()
	e.lastPost = rc.PostID
	e.lastErr = ""
	if err != nil {
		e.lastErr = err.Error()
	}
	e.mu.Unlock()

	switch {
	case errors.Is(err, content.ErrNoContent):
		log.Debug("nothing to produce")
	case err != nil:
		log.Warn("produce failed", logx.Err(err))
	case !rc.Accepted:
		log.Info("produced content rejected", logx.String("reason", string(rc.Reason)))
	default:
		log.Info("content produced",
			logx.String("post", rc.PostID),
			logx.String("variant", rc.VariantID),
			logx.Time("scheduled", rc.ScheduledTime),
		)
	}
	return rc, err
}

// Snapshot lists producers sorted by name.
func (s *Service) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		en := Entry{
			Name:          e.def.Name,
			Schedule:      e.spec,
			StartupSpread: e.spread,
			Runs:          e.runs.Load(),
			Skipped:       e.skipped.Load(),
		}
		if s.c != nil {
			en.Next = s.c.Entry(e.entryID).Next
		}
		e.mu.Lock()
		en.LastRun, en.LastPostID, en.LastErr = e.lastRun, e.lastPost, e.lastErr
		e.mu.Unlock()
		out = append(out, en)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
