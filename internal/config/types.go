package config

// Config is the on-disk configuration (YAML or JSON). Unknown keys are
// rejected. All durations are Go duration strings ("500ms", "10s", "720h").
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Transport   TransportConfig   `json:"transport"`
	Channels    ChannelsConfig    `json:"channels"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Dedup       DedupConfig       `json:"dedup"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Optimizer   OptimizerConfig   `json:"optimizer"`
	RateLimit   RateLimitConfig   `json:"rate_limit"`
	Retry       RetryConfig       `json:"retry"`
	Publisher   PublisherConfig   `json:"publisher"`
	Experiments ExperimentsConfig `json:"experiments"`
	Notifier    *NotifierConfig   `json:"notifier,omitempty"`
	Analytics   AnalyticsConfig   `json:"analytics"`
	Content     ContentConfig     `json:"content"`
	Producers   []ProducerConfig  `json:"producers,omitempty"`
	HTTP        HTTPConfig        `json:"http"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// APIURL overrides the Bot API endpoint (self-hosted bot API server).
	APIURL string `json:"api_url,omitempty"`
	// Timeout bounds each Bot API call.
	Timeout string `json:"timeout,omitempty"`
}

// TransportConfig selects the channel transport.
//
// Driver values: "telegram" (default) or "dryrun".
type TransportConfig struct {
	Driver string `json:"driver"`
}

type ChannelsConfig struct {
	// Default is used when a submission names no channel.
	Default string `json:"default"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/pewpost.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DedupConfig controls duplicate suppression.
//
// Backend "store" (default) keeps fingerprints in the storage driver;
// "redis" shares them across instances.
type DedupConfig struct {
	Backend       string      `json:"backend,omitempty"`
	Retention     string      `json:"retention,omitempty"`
	PurgeInterval string      `json:"purge_interval,omitempty"`
	Redis         RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

type SchedulerConfig struct {
	PollInterval      string `json:"poll_interval,omitempty"`
	BatchSize         int    `json:"batch_size,omitempty"`
	TerminalRetention string `json:"terminal_retention,omitempty"`
	DrainTimeout      string `json:"drain_timeout,omitempty"`
	// Timezone for favoured hours and producer schedules.
	Timezone string `json:"timezone,omitempty"`
}

type OptimizerConfig struct {
	Advanced  bool   `json:"advanced"`
	MinDelay  string `json:"min_delay,omitempty"`
	MaxJitter string `json:"max_jitter,omitempty"`

	StaticWeight   float64 `json:"static_weight,omitempty"`
	HistoryWeight  float64 `json:"history_weight,omitempty"`
	AudienceWeight float64 `json:"audience_weight,omitempty"`
	// Audience is a 24-value activity forecast (0..1), hour 0 first.
	Audience []float64 `json:"audience,omitempty"`
}

type RateLimitConfig struct {
	Channel WindowConfig `json:"channel"`
	Global  WindowConfig `json:"global"`
}

type WindowConfig struct {
	Limit  int    `json:"limit"`
	Period string `json:"period"`
}

type RetryConfig struct {
	MaxRetries int    `json:"max_retries,omitempty"`
	BaseDelay  string `json:"base_delay,omitempty"`
	MaxDelay   string `json:"max_delay,omitempty"`
}

type PublisherConfig struct {
	SendTimeout string `json:"send_timeout,omitempty"`
}

// ExperimentsConfig seeds tests at startup. Tests that already exist in
// storage are left untouched.
type ExperimentsConfig struct {
	MinSampleSize int64        `json:"min_sample_size,omitempty"`
	Tests         []TestConfig `json:"tests,omitempty"`
}

type TestConfig struct {
	ID            string          `json:"id"`
	PrimaryMetric string          `json:"primary_metric"`
	MinSampleSize int64           `json:"min_sample_size,omitempty"`
	Start         bool            `json:"start"`
	Variants      []VariantConfig `json:"variants"`
}

type VariantConfig struct {
	ID     string  `json:"id"`
	Weight float64 `json:"weight"`
}

// NotifierConfig controls operator alerts.
//
// If the whole section is omitted, alerts are disabled.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	ChatID          string `json:"chat_id"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

type AnalyticsConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"`
	// Lookback bounds which published posts are still sampled.
	Lookback string `json:"lookback,omitempty"`
}

type ContentConfig struct {
	FeedPath string `json:"feed_path,omitempty"`
}

// ProducerConfig is one scheduled content request. Schedule accepts cron
// expressions (optional seconds field) and descriptors such as "@every 2h".
type ProducerConfig struct {
	Name        string `json:"name"`
	Enabled     *bool  `json:"enabled,omitempty"`
	Schedule    string `json:"schedule"`
	Channel     string `json:"channel,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Topic       string `json:"topic,omitempty"`
	TestID      string `json:"test_id,omitempty"`
	Priority    int    `json:"priority,omitempty"`
}

func (p ProducerConfig) IsEnabled() bool { return p.Enabled == nil || *p.Enabled }

// HTTPConfig controls the ops HTTP server (metrics, pprof, post status).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
