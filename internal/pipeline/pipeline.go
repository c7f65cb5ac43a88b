// Package pipeline is the entry point producers use: it runs a submission
// through validation, duplicate suppression, variant assignment and time
// optimization, then hands the post to the scheduler.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pewpost/internal/content"
	"pewpost/internal/dedup"
	"pewpost/internal/eventbus"
	"pewpost/internal/experiment"
	"pewpost/internal/notifier"
	"pewpost/internal/post"
	"pewpost/internal/scheduler"
	logx "pewpost/pkg/logx"

	"github.com/google/uuid"
)

var (
	ErrInvalid  = errors.New("pipeline: invalid submission")
	ErrNoTarget = errors.New("pipeline: no channel")
)

type Deduper interface {
	Admit(ctx context.Context, c post.Content) (dedup.Decision, error)
	Release(ctx context.Context, fp dedup.Fingerprint) error
}

type Experiments interface {
	Assign(testID, callerKey string) (string, error)
	Evaluate(testID string) (experiment.Result, error)
}

type Optimizer interface {
	OptimizePublishTime(contentType, channelID string, preferred time.Time) time.Time
}

type Queue interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool
	Enqueue(ctx context.Context, p post.ScheduledPost) (post.ScheduledPost, error)
	Status(ctx context.Context, id string) (post.Status, error)
	Cancel(ctx context.Context, id string) error
}

type Alerter interface {
	Notify(ctx context.Context, a notifier.Alert) error
}

type Deps struct {
	Dedup       Deduper
	Experiments Experiments
	Optimizer   Optimizer
	Queue       Queue
	Alerts      Alerter
}

type Config struct {
	DefaultChannel string
	MaxRetries     int
}

// Submission is one content item offered for publication.
type Submission struct {
	ChannelID     string
	Content       post.Content
	PreferredTime time.Time
	Priority      int
	// TestID opts the post into an experiment. CallerKey picks the variant
	// and defaults to the post id.
	TestID    string
	CallerKey string
	// Variants overrides Content for specific variant ids.
	Variants map[string]post.Content
}

type Receipt struct {
	PostID        string       `json:"post_id,omitempty"`
	Accepted      bool         `json:"accepted"`
	Reason        dedup.Reason `json:"reason,omitempty"`
	VariantID     string       `json:"variant_id,omitempty"`
	ScheduledTime time.Time    `json:"scheduled_time,omitempty"`
}

type Pipeline struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	bus  eventbus.Bus
}

func New(cfg Config, deps Deps, log logx.Logger, bus eventbus.Bus) *Pipeline {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = post.DefaultMaxRetries
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Pipeline{cfg: cfg, deps: deps, log: log, bus: bus}
}

func (p *Pipeline) Start(ctx context.Context) error { return p.deps.Queue.Start(ctx) }
func (p *Pipeline) Stop(ctx context.Context) error  { return p.deps.Queue.Stop(ctx) }

// Submit runs s through the pipeline. A duplicate is reported through the
// receipt, not as an error. When the dedup store is unreachable the content
// is rejected with dedup.ErrStoreUnavailable and the producer should retry
// later.
func (p *Pipeline) Submit(ctx context.Context, s Submission) (Receipt, error) {
	channel := strings.TrimSpace(s.ChannelID)
	if channel == "" {
		channel = p.cfg.DefaultChannel
	}
	if channel == "" {
		return Receipt{}, ErrNoTarget
	}
	if err := s.Content.Validate(); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	for id, c := range s.Variants {
		if err := c.Validate(); err != nil {
			return Receipt{}, fmt.Errorf("%w: variant %s: %v", ErrInvalid, id, err)
		}
	}
	if !p.deps.Queue.Running() {
		return Receipt{}, scheduler.ErrStopped
	}

	id := uuid.NewString()
	log := p.log.With(logx.String("post", id), logx.String("channel", channel))

	// Assignment is pure, so resolve it before the fingerprint is recorded:
	// a bad test id must not burn the content.
	variant := ""
	if s.TestID != "" && p.deps.Experiments != nil {
		key := s.CallerKey
		if key == "" {
			key = id
		}
		v, err := p.deps.Experiments.Assign(s.TestID, key)
		if err != nil {
			return Receipt{}, fmt.Errorf("assign variant for %s: %w", s.TestID, err)
		}
		variant = v
	}

	d, err := p.deps.Dedup.Admit(ctx, s.Content)
	if err != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.DedupUnhealthy, Data: err.Error()})
		p.alert(ctx, notifier.Alert{Severity: notifier.SeverityWarn, Key: "dedup-unavailable", Text: "dedup store unavailable; submissions are being rejected: " + err.Error()})
		return Receipt{Reason: d.Reason}, err
	}
	if !d.Accepted {
		p.bus.Publish(eventbus.Event{Type: eventbus.PostDuplicate, Data: d.Fingerprint})
		log.Info("duplicate content rejected", logx.Time("first_seen", d.Fingerprint.FirstSeenAt))
		return Receipt{Reason: d.Reason}, nil
	}

	c := s.Content
	if alt, ok := s.Variants[variant]; ok && variant != "" {
		if alt.ContentType == "" {
			alt.ContentType = c.ContentType
		}
		c = alt
	}

	at := s.PreferredTime
	if p.deps.Optimizer != nil {
		at = p.deps.Optimizer.OptimizePublishTime(c.ContentType, channel, s.PreferredTime)
	}

	sp, err := p.deps.Queue.Enqueue(ctx, post.ScheduledPost{
		ID:            id,
		ChannelID:     channel,
		Content:       c,
		ScheduledTime: at,
		Priority:      s.Priority,
		TestID:        s.TestID,
		VariantID:     variant,
		MaxRetries:    p.cfg.MaxRetries,
	})
	if err != nil {
		// the content never reached the queue; let a retry through dedup
		if rerr := p.deps.Dedup.Release(context.WithoutCancel(ctx), d.Fingerprint); rerr != nil {
			log.Warn("fingerprint kept after failed enqueue", logx.Err(rerr))
		}
		return Receipt{}, fmt.Errorf("enqueue: %w", err)
	}
	log.Info("post scheduled",
		logx.Time("at", sp.ScheduledTime),
		logx.String("content_type", c.ContentType),
		logx.String("variant", variant),
	)
	return Receipt{
		PostID:        sp.ID,
		Accepted:      true,
		VariantID:     variant,
		ScheduledTime: sp.ScheduledTime,
	}, nil
}

// ProduceRequest asks a generator for content and submits it.
type ProduceRequest struct {
	ChannelID     string
	ContentType   string
	Topic         string
	TestID        string
	PreferredTime time.Time
	Priority      int
}

func (p *Pipeline) Produce(ctx context.Context, gen content.Generator, r ProduceRequest) (Receipt, error) {
	channel := r.ChannelID
	if channel == "" {
		channel = p.cfg.DefaultChannel
	}
	payload, err := gen.Generate(ctx, content.Request{ChannelID: channel, ContentType: r.ContentType, Topic: r.Topic})
	if err != nil {
		return Receipt{}, fmt.Errorf("generate: %w", err)
	}
	c := payload.Content()
	if c.ContentType == "" {
		c.ContentType = r.ContentType
	}
	return p.Submit(ctx, Submission{
		ChannelID:     channel,
		Content:       c,
		PreferredTime: r.PreferredTime,
		Priority:      r.Priority,
		TestID:        r.TestID,
	})
}

func (p *Pipeline) Status(ctx context.Context, id string) (post.Status, error) {
	return p.deps.Queue.Status(ctx, id)
}

func (p *Pipeline) Cancel(ctx context.Context, id string) error {
	return p.deps.Queue.Cancel(ctx, id)
}

func (p *Pipeline) Evaluate(testID string) (experiment.Result, error) {
	if p.deps.Experiments == nil {
		return experiment.Result{}, experiment.ErrNotFound
	}
	return p.deps.Experiments.Evaluate(testID)
}

func (p *Pipeline) alert(ctx context.Context, a notifier.Alert) {
	if p.deps.Alerts == nil {
		return
	}
	if err := p.deps.Alerts.Notify(context.WithoutCancel(ctx), a); err != nil && !errors.Is(err, notifier.ErrDisabled) {
		p.log.Debug("operator alert not queued", logx.Err(err))
	}
}
