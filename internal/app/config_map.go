package app

import (
	"fmt"
	"strings"
	"time"

	"pewpost/internal/analytics"
	"pewpost/internal/config"
	"pewpost/internal/experiment"
	"pewpost/internal/notifier"
	"pewpost/internal/observability"
	"pewpost/internal/producer"
	"pewpost/internal/publisher"
	"pewpost/internal/ratelimit"
	"pewpost/internal/retry"
	"pewpost/internal/scheduler"
	"pewpost/internal/storage"
	"pewpost/internal/transport/telegram"
	logx "pewpost/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func transportDriver(cfg *config.Config) string {
	d := strings.ToLower(strings.TrimSpace(cfg.Transport.Driver))
	if d == "" {
		return "telegram"
	}
	return d
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	timeout, err := config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 15*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: cfg.Telegram.Token, APIURL: cfg.Telegram.APIURL, Timeout: timeout}, nil
}

// mapStorageConfig defaults to the memory driver when the section is omitted.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory", "none":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

type dedupSettings struct {
	backend       string
	retention     time.Duration
	purgeInterval time.Duration
	redis         storage.RedisConfig
}

func mapDedupConfig(cfg *config.Config) (dedupSettings, error) {
	d := cfg.Dedup
	retention, err := config.ParseDurationOrDefault("dedup.retention", d.Retention, 30*24*time.Hour)
	if err != nil {
		return dedupSettings{}, err
	}
	purge, err := config.ParseDurationOrDefault("dedup.purge_interval", d.PurgeInterval, time.Hour)
	if err != nil {
		return dedupSettings{}, err
	}
	backend := strings.ToLower(strings.TrimSpace(d.Backend))
	switch backend {
	case "", "store":
		backend = "store"
	case "redis":
		if strings.TrimSpace(d.Redis.Addr) == "" {
			return dedupSettings{}, fmt.Errorf("dedup.redis.addr is required when dedup.backend=redis")
		}
	default:
		return dedupSettings{}, fmt.Errorf("unknown dedup.backend: %s", d.Backend)
	}
	return dedupSettings{
		backend:       backend,
		retention:     retention,
		purgeInterval: purge,
		redis: storage.RedisConfig{
			Addr:     d.Redis.Addr,
			Password: d.Redis.Password,
			DB:       d.Redis.DB,
			Prefix:   d.Redis.Prefix,
		},
	}, nil
}

func loadLocation(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	s := cfg.Scheduler
	if s.BatchSize < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.batch_size must be >= 0")
	}
	poll, err := config.ParseDurationField("scheduler.poll_interval", s.PollInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	keep, err := config.ParseDurationField("scheduler.terminal_retention", s.TerminalRetention)
	if err != nil {
		return scheduler.Config{}, err
	}
	drain, err := config.ParseDurationField("scheduler.drain_timeout", s.DrainTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{PollInterval: poll, BatchSize: s.BatchSize, TerminalRetention: keep, DrainTimeout: drain}, nil
}

func mapOptimizerConfig(cfg *config.Config, loc *time.Location) (scheduler.OptimizerConfig, error) {
	o := cfg.Optimizer
	minDelay, err := config.ParseDurationField("optimizer.min_delay", o.MinDelay)
	if err != nil {
		return scheduler.OptimizerConfig{}, err
	}
	jitter, err := config.ParseDurationField("optimizer.max_jitter", o.MaxJitter)
	if err != nil {
		return scheduler.OptimizerConfig{}, err
	}
	if n := len(o.Audience); n != 0 && n != 24 {
		return scheduler.OptimizerConfig{}, fmt.Errorf("optimizer.audience must have 24 values, got %d", n)
	}
	for i, v := range o.Audience {
		if v < 0 || v > 1 {
			return scheduler.OptimizerConfig{}, fmt.Errorf("optimizer.audience[%d] must be within 0..1", i)
		}
	}
	if o.StaticWeight < 0 || o.HistoryWeight < 0 || o.AudienceWeight < 0 {
		return scheduler.OptimizerConfig{}, fmt.Errorf("optimizer weights must be >= 0")
	}
	return scheduler.OptimizerConfig{
		Location:       loc,
		MinDelay:       minDelay,
		Advanced:       o.Advanced,
		StaticWeight:   o.StaticWeight,
		HistoryWeight:  o.HistoryWeight,
		AudienceWeight: o.AudienceWeight,
		Audience:       append([]float64(nil), o.Audience...),
		MaxJitter:      jitter,
	}, nil
}

func mapWindow(path string, w config.WindowConfig) (ratelimit.Window, error) {
	if w.Limit < 0 {
		return ratelimit.Window{}, fmt.Errorf("%s.limit must be >= 0", path)
	}
	p, err := config.ParseDurationField(path+".period", w.Period)
	if err != nil {
		return ratelimit.Window{}, err
	}
	return ratelimit.Window{Limit: w.Limit, Period: p}, nil
}

func mapRateLimitConfig(cfg *config.Config) (ratelimit.Config, error) {
	ch, err := mapWindow("rate_limit.channel", cfg.RateLimit.Channel)
	if err != nil {
		return ratelimit.Config{}, err
	}
	gl, err := mapWindow("rate_limit.global", cfg.RateLimit.Global)
	if err != nil {
		return ratelimit.Config{}, err
	}
	return ratelimit.Config{Channel: ch, Global: gl}, nil
}

func mapRetry(cfg *config.Config) (*retry.Manager, int, error) {
	r := cfg.Retry
	if r.MaxRetries < 0 {
		return nil, 0, fmt.Errorf("retry.max_retries must be >= 0")
	}
	base, err := config.ParseDurationField("retry.base_delay", r.BaseDelay)
	if err != nil {
		return nil, 0, err
	}
	maxDelay, err := config.ParseDurationField("retry.max_delay", r.MaxDelay)
	if err != nil {
		return nil, 0, err
	}
	return retry.New(base, maxDelay), r.MaxRetries, nil
}

func mapPublisherConfig(cfg *config.Config) (publisher.Config, error) {
	d, err := config.ParseDurationField("publisher.send_timeout", cfg.Publisher.SendTimeout)
	if err != nil {
		return publisher.Config{}, err
	}
	return publisher.Config{SendTimeout: d}, nil
}

func mapTests(cfg *config.Config) ([]experiment.Test, []string, error) {
	var (
		out   []experiment.Test
		start []string
	)
	seen := map[string]bool{}
	for i, tc := range cfg.Experiments.Tests {
		id := strings.TrimSpace(tc.ID)
		if id == "" {
			return nil, nil, fmt.Errorf("experiments.tests[%d].id is required", i)
		}
		if seen[id] {
			return nil, nil, fmt.Errorf("experiments.tests[%d]: duplicate id %q", i, id)
		}
		seen[id] = true
		t := experiment.Test{ID: id, PrimaryMetric: experiment.Metric(tc.PrimaryMetric), MinSampleSize: tc.MinSampleSize}
		if t.MinSampleSize <= 0 {
			t.MinSampleSize = cfg.Experiments.MinSampleSize
		}
		for _, v := range tc.Variants {
			t.Variants = append(t.Variants, experiment.Variant{ID: v.ID, Weight: v.Weight})
		}
		out = append(out, t)
		if tc.Start {
			start = append(start, id)
		}
	}
	return out, start, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	if cfg.Notifier == nil {
		return notifier.Config{Enabled: false}, nil
	}
	n := cfg.Notifier
	workers := n.Workers
	if workers <= 0 {
		workers = 1
	}
	queueSize := n.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	rate := n.RatePerSec
	if rate <= 0 {
		rate = 1
	}
	retryMax := n.RetryMax
	if retryMax < 0 {
		retryMax = 0
	} else if retryMax == 0 {
		retryMax = 3
	}
	rb, err := config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	rmax, err := config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	dw, err := config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 10*time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	dmax := n.DedupMaxEntries
	if dmax <= 0 {
		dmax = 500
	}
	if n.Enabled && strings.TrimSpace(n.ChatID) == "" {
		return notifier.Config{}, fmt.Errorf("notifier.chat_id is required when notifier.enabled=true")
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		ChatID:          strings.TrimSpace(n.ChatID),
		Workers:         workers,
		QueueSize:       queueSize,
		RatePerSec:      rate,
		RetryMax:        retryMax,
		RetryBase:       rb,
		RetryMaxDelay:   rmax,
		DedupWindow:     dw,
		DedupMaxEntries: dmax,
	}, nil
}

func mapAnalyticsConfig(cfg *config.Config, loc *time.Location) (analytics.Config, error) {
	iv, err := config.ParseDurationField("analytics.interval", cfg.Analytics.Interval)
	if err != nil {
		return analytics.Config{}, err
	}
	lb, err := config.ParseDurationField("analytics.lookback", cfg.Analytics.Lookback)
	if err != nil {
		return analytics.Config{}, err
	}
	return analytics.Config{Interval: iv, Lookback: lb, Location: loc}, nil
}

func mapProducers(cfg *config.Config) []producer.Def {
	out := make([]producer.Def, 0, len(cfg.Producers))
	for _, p := range cfg.Producers {
		if !p.IsEnabled() {
			continue
		}
		out = append(out, producer.Def{
			Name:        p.Name,
			Schedule:    p.Schedule,
			Channel:     p.Channel,
			ContentType: p.ContentType,
			Topic:       p.Topic,
			TestID:      p.TestID,
			Priority:    p.Priority,
		})
	}
	return out
}

func mapHTTPConfig(cfg *config.Config) (observability.Config, error) {
	h := cfg.HTTP
	rt, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return observability.Config{}, err
	}
	// pprof profile/trace need long writes
	wt, err := config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 60*time.Second)
	if err != nil {
		return observability.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second)
	if err != nil {
		return observability.Config{}, err
	}
	if h.MutexProfileFraction < 0 || h.BlockProfileRate < 0 {
		return observability.Config{}, fmt.Errorf("http profile rates must be >= 0")
	}
	return observability.Config{
		Enabled:              h.Enabled,
		Addr:                 h.Addr,
		Token:                h.Token,
		AllowInsecure:        h.AllowInsecure,
		Pprof:                h.Pprof,
		ReadTimeout:          rt,
		WriteTimeout:         wt,
		IdleTimeout:          it,
		MutexProfileFraction: h.MutexProfileFraction,
		BlockProfileRate:     h.BlockProfileRate,
	}, nil
}

// validate runs every mapper so a bad hot-reload is rejected before commit.
func validate(cfg *config.Config) error {
	switch transportDriver(cfg) {
	case "telegram":
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			return fmt.Errorf("telegram.token is required (or set %sTELEGRAM_TOKEN)", config.EnvPrefix)
		}
		if _, err := mapTelegramConfig(cfg); err != nil {
			return err
		}
	case "dryrun":
	default:
		return fmt.Errorf("unknown transport.driver: %s", cfg.Transport.Driver)
	}
	loc, err := loadLocation(cfg)
	if err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDedupConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOptimizerConfig(cfg, loc); err != nil {
		return err
	}
	if _, err := mapRateLimitConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapRetry(cfg); err != nil {
		return err
	}
	if _, err := mapPublisherConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapTests(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAnalyticsConfig(cfg, loc); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if defs := mapProducers(cfg); len(defs) > 0 {
		if strings.TrimSpace(cfg.Content.FeedPath) == "" {
			return fmt.Errorf("content.feed_path is required when producers are configured")
		}
		if err := producer.New(producer.Config{Location: loc}, nil, nil, logx.Nop()).Validate(defs); err != nil {
			return err
		}
	}
	return nil
}
