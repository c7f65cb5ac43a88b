package notifier

import "time"

type Config struct {
	Enabled         bool
	ChatID          string
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityWarn:
		return "warn"
	}
	return "info"
}

// Alert is one operator message. Key groups alerts for dedup; when empty the
// text is used.
type Alert struct {
	Severity Severity
	Key      string
	Text     string
}

type HistoryItem struct {
	At       time.Time `json:"at"`
	Severity string    `json:"severity"`
	Text     string    `json:"text"`
}

// AlertEvent is published on the bus for notifier lifecycle events.
type AlertEvent struct {
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
