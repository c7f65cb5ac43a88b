// Package publisher performs one dispatch attempt for a post and decides
// what happens next: published, retried after a delay, or failed for good.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pewpost/internal/eventbus"
	"pewpost/internal/experiment"
	"pewpost/internal/notifier"
	"pewpost/internal/post"
	"pewpost/internal/retry"
	"pewpost/internal/transport"
	logx "pewpost/pkg/logx"
)

type Outcome int

const (
	OutcomePublished Outcome = iota
	OutcomeRetry
	OutcomeFailed
	// OutcomeDeferred means no send was attempted (shutdown while waiting
	// for a rate-limit slot). The post goes back to PENDING unchanged.
	OutcomeDeferred
)

func (o Outcome) String() string {
	switch o {
	case OutcomePublished:
		return "published"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailed:
		return "failed"
	case OutcomeDeferred:
		return "deferred"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Report is the result of one Publish call. Post carries the updated
// RetryCount; Delay is set only for OutcomeRetry.
type Report struct {
	Post    post.ScheduledPost
	Result  post.PublishResult
	Outcome Outcome
	Delay   time.Duration
}

// State maps the outcome onto the post state machine.
func (r Report) State() post.State {
	switch r.Outcome {
	case OutcomePublished:
		return post.StatePublished
	case OutcomeRetry:
		return post.StateRetryWait
	case OutcomeFailed:
		return post.StateFailed
	}
	return post.StatePending
}

type Limiter interface {
	Wait(ctx context.Context, channelID string) (time.Duration, error)
}

type EventRecorder interface {
	RecordEvent(ctx context.Context, testID, variantID string, kind experiment.EventKind, n int64) error
}

type Alerter interface {
	Notify(ctx context.Context, a notifier.Alert) error
}

type Config struct {
	SendTimeout time.Duration
}

// Deps are the collaborators. Transport, Limiter and Retry are required.
type Deps struct {
	Transport   transport.Transport
	Limiter     Limiter
	Retry       *retry.Manager
	Experiments EventRecorder
	Alerts      Alerter
}

// PublishedEvent is the payload of eventbus.PostPublished.
type PublishedEvent struct {
	PostID      string
	ChannelID   string
	ContentType string
	MessageID   string
	TestID      string
	VariantID   string
	At          time.Time
	Latency     time.Duration
}

// FailureEvent is the payload of eventbus.PostFailed and eventbus.PostRetry.
type FailureEvent struct {
	PostID     string
	ChannelID  string
	Kind       post.ErrorKind
	RetryCount int
	Delay      time.Duration
}

type Publisher struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	bus  eventbus.Bus
	now  func() time.Time
}

func New(cfg Config, deps Deps, log logx.Logger, bus eventbus.Bus) *Publisher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if deps.Retry == nil {
		deps.Retry = &retry.Manager{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Publisher{cfg: cfg, deps: deps, log: log, bus: bus, now: time.Now}
}

// SetClock replaces the time source. Tests only.
func (p *Publisher) SetClock(now func() time.Time) { p.now = now }

// Publish makes exactly one dispatch attempt. It never panics and never
// returns an error: every failure is folded into the Report.
func (p *Publisher) Publish(ctx context.Context, sp post.ScheduledPost) Report {
	if sp.MaxRetries <= 0 {
		sp.MaxRetries = post.DefaultMaxRetries
	}
	log := p.log.With(logx.String("post", sp.ID), logx.String("channel", sp.ChannelID))

	if err := sp.Content.Validate(); err != nil {
		return p.fail(ctx, log, sp, p.deps.Retry.Classify(err), err)
	}

	waited, err := p.deps.Limiter.Wait(ctx, sp.ChannelID)
	if err != nil {
		log.Debug("rate-limit wait interrupted", logx.Err(err))
		return Report{Post: sp, Outcome: OutcomeDeferred, Result: post.PublishResult{PostID: sp.ID, RetryCount: sp.RetryCount}}
	}
	if waited > 0 {
		p.bus.Publish(eventbus.Event{Type: eventbus.RateLimitWait, Data: waited})
	}

	start := p.now()
	msgID, err := p.send(ctx, sp)
	if err != nil {
		return p.onError(ctx, log, sp, err)
	}

	now := p.now()
	rep := Report{
		Post:    sp,
		Outcome: OutcomePublished,
		Result: post.PublishResult{
			PostID:            sp.ID,
			Success:           true,
			ExternalMessageID: msgID,
			PublishedAt:       now,
			RetryCount:        sp.RetryCount,
		},
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.PostPublished, Time: now, Data: PublishedEvent{
		PostID:      sp.ID,
		ChannelID:   sp.ChannelID,
		ContentType: sp.Content.ContentType,
		MessageID:   msgID,
		TestID:      sp.TestID,
		VariantID:   sp.VariantID,
		At:          now,
		Latency:     now.Sub(start),
	}})
	if sp.TestID != "" && sp.VariantID != "" && p.deps.Experiments != nil {
		if err := p.deps.Experiments.RecordEvent(ctx, sp.TestID, sp.VariantID, experiment.EventImpression, 1); err != nil {
			log.Debug("impression not recorded", logx.String("test", sp.TestID), logx.Err(err))
		}
	}
	log.Info("post published", logx.String("message_id", msgID), logx.Int("retry_count", sp.RetryCount))
	return rep
}

func (p *Publisher) send(ctx context.Context, sp post.ScheduledPost) (id string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &transport.Error{Op: "dispatch", Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	sctx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()
	return transport.Dispatch(sctx, p.deps.Transport, sp.ChannelID, sp.Content)
}

func (p *Publisher) onError(ctx context.Context, log logx.Logger, sp post.ScheduledPost, err error) Report {
	d := p.deps.Retry.Classify(err)
	if d.Class != retry.Retryable || !sp.CanRetry() {
		return p.fail(ctx, log, sp, d, err)
	}
	sp.RetryCount++
	delay := p.deps.Retry.Delay(d, sp.RetryCount)
	rep := Report{
		Post:    sp,
		Outcome: OutcomeRetry,
		Delay:   delay,
		Result: post.PublishResult{
			PostID:      sp.ID,
			ErrorKind:   d.Kind,
			Error:       err.Error(),
			PublishedAt: p.now(),
			RetryCount:  sp.RetryCount,
		},
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.PostRetry, Data: FailureEvent{
		PostID: sp.ID, ChannelID: sp.ChannelID, Kind: d.Kind, RetryCount: sp.RetryCount, Delay: delay,
	}})
	log.Warn("publish failed; retry scheduled",
		logx.String("kind", string(d.Kind)),
		logx.Int("retry_count", sp.RetryCount),
		logx.Duration("delay", delay),
		logx.Err(err),
	)
	return rep
}

func (p *Publisher) fail(ctx context.Context, log logx.Logger, sp post.ScheduledPost, d retry.Decision, err error) Report {
	kind := d.Kind
	if d.Class == retry.Retryable {
		kind = post.ErrorExhausted
	}
	rep := Report{
		Post:    sp,
		Outcome: OutcomeFailed,
		Result: post.PublishResult{
			PostID:      sp.ID,
			ErrorKind:   kind,
			Error:       err.Error(),
			PublishedAt: p.now(),
			RetryCount:  sp.RetryCount,
		},
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.PostFailed, Data: FailureEvent{
		PostID: sp.ID, ChannelID: sp.ChannelID, Kind: kind, RetryCount: sp.RetryCount,
	}})
	log.Error("publish failed permanently",
		logx.String("kind", string(kind)),
		logx.Int("retry_count", sp.RetryCount),
		logx.Err(err),
	)
	if p.deps.Alerts != nil {
		alert := notifier.Alert{
			Severity: notifier.SeverityCritical,
			Key:      "post-failed:" + sp.ID,
			Text:     fmt.Sprintf("post %s to %s failed (%s after %d retries): %v", sp.ID, sp.ChannelID, kind, sp.RetryCount, err),
		}
		if aerr := p.deps.Alerts.Notify(context.WithoutCancel(ctx), alert); aerr != nil && !errors.Is(aerr, notifier.ErrDisabled) {
			log.Debug("operator alert not queued", logx.Err(aerr))
		}
	}
	return rep
}
