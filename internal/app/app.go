package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"pewpost/internal/analytics"
	"pewpost/internal/config"
	"pewpost/internal/content"
	"pewpost/internal/dedup"
	"pewpost/internal/eventbus"
	"pewpost/internal/experiment"
	"pewpost/internal/metrics"
	"pewpost/internal/notifier"
	"pewpost/internal/observability"
	"pewpost/internal/pipeline"
	"pewpost/internal/producer"
	"pewpost/internal/publisher"
	"pewpost/internal/ratelimit"
	rtsup "pewpost/internal/runtime/supervisor"
	"pewpost/internal/scheduler"
	"pewpost/internal/storage"
	"pewpost/internal/transport"
	"pewpost/internal/transport/dryrun"
	"pewpost/internal/transport/telegram"
	logx "pewpost/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store storage.Store
	redis *storage.RedisFingerprints

	transport transport.Transport
	limiter   *ratelimit.Limiter
	dedup     *dedup.Service
	exp       *experiment.Engine
	sched     *scheduler.Service
	pipe      *pipeline.Pipeline
	notif     *notifier.Service
	metrics   *metrics.Metrics
	sampler   *analytics.Sampler
	producers *producer.Service
	http      *observability.Server

	purgeEvery  time.Duration
	analyticsOn bool
	stopped     atomic.Bool
}

type Option func(*options)

type options struct {
	feed      analytics.Feed
	transport transport.Transport
	log       *logx.Logger
}

// WithAnalyticsFeed supplies engagement numbers for analytics sampling.
func WithAnalyticsFeed(f analytics.Feed) Option { return func(o *options) { o.feed = f } }

// WithTransport overrides the configured transport driver.
func WithTransport(t transport.Transport) Option { return func(o *options) { o.transport = t } }

// WithLogger replaces the configured logging sinks.
func WithLogger(l logx.Logger) Option { return func(o *options) { o.log = &l } }

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	var (
		logSvc *logx.Service
		log    logx.Logger
	)
	if o.log != nil {
		log = *o.log
	} else {
		logSvc, log = logx.New(mapLoggingConfig(cfg))
	}
	appLog := log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	loc, err := loadLocation(cfg)
	if err != nil {
		return nil, err
	}

	// Transport
	tr := o.transport
	if tr == nil {
		switch transportDriver(cfg) {
		case "dryrun":
			tr = dryrun.New(log)
		default:
			tc, err := mapTelegramConfig(cfg)
			if err != nil {
				return nil, err
			}
			tg, err := telegram.New(tc, log)
			if err != nil {
				return nil, err
			}
			tr = tg
		}
	}

	// Storage
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver))

	var (
		fpStore dedup.Store = store
		redis   *storage.RedisFingerprints
		built   bool
	)
	defer func() {
		if built {
			return
		}
		if redis != nil {
			_ = redis.Close()
		}
		_ = store.Close()
	}()

	// Dedup
	ds, err := mapDedupConfig(cfg)
	if err != nil {
		return nil, err
	}
	if ds.backend == "redis" {
		redis, err = storage.NewRedisFingerprints(ds.redis)
		if err != nil {
			return nil, err
		}
		fpStore = redis
	}
	dedupSvc := dedup.New(fpStore, ds.retention, log.With(logx.String("comp", "dedup")))

	// Experiments
	exp := experiment.New(store, log.With(logx.String("comp", "experiment")))

	// Alerts
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	// alerts go out through the publishing transport to the operator chat
	notif := notifier.New(ncfg, tr, log.With(logx.String("comp", "notifier")), bus)

	// Publisher + scheduler
	rlc, err := mapRateLimitConfig(cfg)
	if err != nil {
		return nil, err
	}
	limiter := ratelimit.New(rlc)
	retryMgr, maxRetries, err := mapRetry(cfg)
	if err != nil {
		return nil, err
	}
	pubCfg, err := mapPublisherConfig(cfg)
	if err != nil {
		return nil, err
	}
	pub := publisher.New(pubCfg, publisher.Deps{
		Transport:   tr,
		Limiter:     limiter,
		Retry:       retryMgr,
		Experiments: exp,
		Alerts:      notif,
	}, log.With(logx.String("comp", "publisher")), bus)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, pub, store, log.With(logx.String("comp", "scheduler")), bus)

	// Analytics feeds the optimizer history.
	acfg, err := mapAnalyticsConfig(cfg, loc)
	if err != nil {
		return nil, err
	}
	sampler := analytics.New(acfg, o.feed, exp, log)
	ocfg, err := mapOptimizerConfig(cfg, loc)
	if err != nil {
		return nil, err
	}
	opt := scheduler.NewOptimizer(ocfg, sampler)

	pipe := pipeline.New(pipeline.Config{
		DefaultChannel: cfg.Channels.Default,
		MaxRetries:     maxRetries,
	}, pipeline.Deps{
		Dedup:       dedupSvc,
		Experiments: exp,
		Optimizer:   opt,
		Queue:       sched,
		Alerts:      notif,
	}, log.With(logx.String("comp", "pipeline")), bus)

	// Producers
	var gen content.Generator
	if p := strings.TrimSpace(cfg.Content.FeedPath); p != "" {
		feed, err := content.LoadFeed(p)
		if err != nil {
			return nil, err
		}
		gen = feed
		appLog.Info("content feed loaded", logx.String("path", p), logx.Int("items", feed.Len()))
	}
	prod := producer.New(producer.Config{Location: loc}, pipe, gen, log)
	if err := prod.Apply(mapProducers(cfg)); err != nil {
		return nil, err
	}

	m := metrics.New(bus)

	a := &App{
		cfgm:        cfgm,
		log:         appLog,
		logs:        logSvc,
		bus:         bus,
		store:       store,
		redis:       redis,
		transport:   tr,
		limiter:     limiter,
		dedup:       dedupSvc,
		exp:         exp,
		sched:       sched,
		pipe:        pipe,
		notif:       notif,
		metrics:     m,
		sampler:     sampler,
		producers:   prod,
		purgeEvery:  ds.purgeInterval,
		analyticsOn: cfg.Analytics.Enabled,
	}
	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.http = observability.New(hc, observability.Deps{
		Posts:   pipe,
		Metrics: m.Handler(),
		Health:  a.Health,
		Audit:   store,
	}, log)
	built = true
	return a, nil
}

// Pipeline is the submission entry point.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipe }

// Experiments exposes the experiment engine.
func (a *App) Experiments() *experiment.Engine { return a.exp }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Health reports whether the app can accept and persist work.
func (a *App) Health(ctx context.Context) error {
	if !a.sched.Running() {
		return scheduler.ErrStopped
	}
	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()
	// the queue and alert workers drain on Stop, not on cancel
	detached := context.WithoutCancel(runCtx)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if lc, ok := a.transport.(transport.Lifecycle); ok {
		if err := lc.Start(runCtx); err != nil {
			return fmt.Errorf("transport: %w", err)
		}
	}
	if err := a.exp.Load(runCtx); err != nil {
		return fmt.Errorf("experiments: %w", err)
	}
	if err := a.seedExperiments(runCtx, a.cfgm.Get()); err != nil {
		return err
	}

	a.notif.Start(detached)
	if err := a.pipe.Start(detached); err != nil {
		return err
	}

	a.sup.Go0("metrics", func(c context.Context) { a.metrics.Run(c, a.bus, a.log) })
	if a.analyticsOn {
		a.sup.Go0("analytics", func(c context.Context) { a.sampler.Run(c, a.bus) })
	}
	a.sup.GoRestart("dedup.purge", a.purgeLoop)

	if err := a.producers.Start(runCtx); err != nil {
		return err
	}
	if hc, err := mapHTTPConfig(a.cfgm.Get()); err == nil {
		a.http.Reconfigure(runCtx, hc)
	}

	// Optional: log events for observability/debug.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// Reload re-reads the config file outside the watcher (SIGHUP).
func (a *App) Reload(ctx context.Context) error {
	_, err := a.cfgm.Reload(ctx)
	if errors.Is(err, config.ErrUnchanged) {
		a.log.Info("config reloaded (no changes)")
		return nil
	}
	return err
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if r := config.RestartRequired(sections); len(r) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(r, ",")))
	}

	if a.logs != nil {
		a.logs.Apply(mapLoggingConfig(next))
	}
	if rl, err := mapRateLimitConfig(next); err != nil {
		a.log.Warn("invalid rate_limit config; keeping previous", logx.Err(err))
	} else {
		a.limiter.Apply(rl)
	}
	if nc, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(nc)
		switch {
		case wasEnabled && !nc.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && nc.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(context.WithoutCancel(ctx))
		}
	}
	if err := a.producers.Apply(mapProducers(next)); err != nil {
		a.log.Warn("invalid producers config; keeping previous", logx.Err(err))
	}
	if hc, err := mapHTTPConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}
	a.log.Info("config reloaded", fields...)
}

// seedExperiments creates configured tests that storage does not know yet.
func (a *App) seedExperiments(ctx context.Context, cfg *config.Config) error {
	tests, start, err := mapTests(cfg)
	if err != nil {
		return err
	}
	for _, t := range tests {
		if _, ok := a.exp.Get(t.ID); ok {
			continue
		}
		if _, err := a.exp.Create(ctx, t); err != nil {
			return fmt.Errorf("experiment %s: %w", t.ID, err)
		}
		a.audit(ctx, "experiment.create", t.ID, nil)
	}
	for _, id := range start {
		t, _ := a.exp.Get(id)
		if t.Status != experiment.StatusDraft {
			continue
		}
		err := a.exp.Start(ctx, id)
		a.audit(ctx, "experiment.start", id, err)
		if err != nil {
			return fmt.Errorf("experiment %s: %w", id, err)
		}
	}
	return nil
}

func (a *App) audit(ctx context.Context, action, target string, err error) {
	e := storage.AuditEntry{At: time.Now(), Actor: "config", Action: action, Target: target, OK: err == nil}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := a.store.AppendAudit(ctx, e); aerr != nil {
		a.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}

func (a *App) purgeLoop(ctx context.Context) error {
	if a.purgeEvery <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(a.purgeEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			// dedup logs the outcome
			if _, err := a.dedup.Purge(ctx); errors.Is(err, context.Canceled) {
				return nil
			}
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if a.sup == nil {
		// never started: only release what New opened
		if a.redis != nil {
			_ = a.redis.Close()
		}
		err := a.store.Close()
		if a.logs != nil {
			_ = a.logs.Close()
		}
		return err
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context so background loops start unwinding immediately.
	// An already-done ctx makes Stop cancel without waiting; the wait is the last step.
	cancelOnly, cancel := context.WithCancel(context.Background())
	cancel()
	_ = a.sup.Stop(cancelOnly)

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			// respect the caller's deadline; never extend it
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped: no time left", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(stepCtx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("producers", 2*time.Second, a.producers.Stop)
	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("scheduler", 50*time.Second, a.pipe.Stop)
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("transport", 2*time.Second, func(c context.Context) error {
		if lc, ok := a.transport.(transport.Lifecycle); ok {
			return lc.Stop(c)
		}
		return nil
	})
	step("redis", time.Second, func(context.Context) error {
		if a.redis != nil {
			return a.redis.Close()
		}
		return nil
	})
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
