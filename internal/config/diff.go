package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pewpost/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens
// or passwords).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.Token) != strings.TrimSpace(newCfg.Telegram.Token) ||
		strings.TrimSpace(oldCfg.Telegram.APIURL) != strings.TrimSpace(newCfg.Telegram.APIURL) ||
		strings.TrimSpace(oldCfg.Telegram.Timeout) != strings.TrimSpace(newCfg.Telegram.Timeout) ||
		!strings.EqualFold(oldCfg.Transport.Driver, newCfg.Transport.Driver) {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.String("transport.driver", newCfg.Transport.Driver),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
		)
	}

	if oldCfg.Channels != newCfg.Channels {
		changed = append(changed, "channels")
		attrs = append(attrs, logx.String("channels.default", newCfg.Channels.Default))
	}

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage (persistence). Nil means the memory driver.
	var oStore, nStore StorageConfig
	if oldCfg.Storage != nil {
		oStore = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nStore = *newCfg.Storage
	}
	if oStore != nStore {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nStore.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nStore.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nStore.BusyTimeout)),
		)
	}

	// Dedup (never log redis password)
	if oldCfg.Dedup != newCfg.Dedup {
		changed = append(changed, "dedup")
		attrs = append(attrs,
			logx.String("dedup.backend", newCfg.Dedup.Backend),
			logx.String("dedup.retention", newCfg.Dedup.Retention),
			logx.Bool("dedup.redis_set", strings.TrimSpace(newCfg.Dedup.Redis.Addr) != ""),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.poll_interval", newCfg.Scheduler.PollInterval),
			logx.Int("scheduler.batch_size", newCfg.Scheduler.BatchSize),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Optimizer, newCfg.Optimizer) {
		changed = append(changed, "optimizer")
		attrs = append(attrs, logx.Bool("optimizer.advanced", newCfg.Optimizer.Advanced))
	}

	if oldCfg.RateLimit != newCfg.RateLimit {
		changed = append(changed, "rate_limit")
		attrs = append(attrs,
			logx.Int("rate_limit.channel_limit", newCfg.RateLimit.Channel.Limit),
			logx.String("rate_limit.channel_period", newCfg.RateLimit.Channel.Period),
			logx.Int("rate_limit.global_limit", newCfg.RateLimit.Global.Limit),
			logx.String("rate_limit.global_period", newCfg.RateLimit.Global.Period),
		)
	}

	if oldCfg.Retry != newCfg.Retry || oldCfg.Publisher != newCfg.Publisher {
		changed = append(changed, "retry")
		attrs = append(attrs,
			logx.Int("retry.max_retries", newCfg.Retry.MaxRetries),
			logx.String("retry.base_delay", newCfg.Retry.BaseDelay),
		)
	}

	if !reflect.DeepEqual(oldCfg.Experiments, newCfg.Experiments) {
		changed = append(changed, "experiments")
		attrs = append(attrs, logx.Int("experiments.tests", len(newCfg.Experiments.Tests)))
	}

	// Notifier. Nil means disabled.
	var oN, nN NotifierConfig
	if oldCfg.Notifier != nil {
		oN = *oldCfg.Notifier
	}
	if newCfg.Notifier != nil {
		nN = *newCfg.Notifier
	}
	if oN != nN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nN.Enabled),
			logx.Int("notifier.workers", nN.Workers),
			logx.Int("notifier.queue_size", nN.QueueSize),
			logx.Int("notifier.rate_per_sec", nN.RatePerSec),
			logx.Int("notifier.retry_max", nN.RetryMax),
		)
	}

	if oldCfg.Analytics != newCfg.Analytics {
		changed = append(changed, "analytics")
		attrs = append(attrs, logx.Bool("analytics.enabled", newCfg.Analytics.Enabled))
	}

	if oldCfg.Content != newCfg.Content {
		changed = append(changed, "content")
	}

	if !reflect.DeepEqual(oldCfg.Producers, newCfg.Producers) {
		changed = append(changed, "producers")
		attrs = append(attrs, logx.Int("producers.count", len(newCfg.Producers)))
	}

	// HTTP (never log token)
	oH, nH := oldCfg.HTTP, newCfg.HTTP
	if oH != nH {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nH.Enabled),
			logx.String("http.addr", strings.TrimSpace(nH.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(nH.Token) != ""),
			logx.Bool("http.pprof", nH.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that are only read at startup.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "transport", "channels", "storage", "dedup", "scheduler", "optimizer", "retry",
			"experiments", "analytics", "content", "http":
			out = append(out, s)
		}
	}
	return out
}
