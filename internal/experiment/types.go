package experiment

import (
	"errors"
	"time"
)

const DefaultMinSampleSize = 100

var (
	ErrNotFound       = errors.New("experiment: test not found")
	ErrUnknownVariant = errors.New("experiment: unknown variant")
	ErrInvalidTest    = errors.New("experiment: invalid test")
	ErrNotRunning     = errors.New("experiment: test not running")
	ErrBadTransition  = errors.New("experiment: invalid status transition")
	ErrUnknownEvent   = errors.New("experiment: unknown event kind")
	ErrAlreadyExists  = errors.New("experiment: test already exists")
	ErrUnknownMetric  = errors.New("experiment: unknown primary metric")
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
)

type EventKind string

const (
	EventImpression EventKind = "impression"
	EventView       EventKind = "view"
	EventEngagement EventKind = "engagement"
	EventClick      EventKind = "click"
	EventConversion EventKind = "conversion"
)

type Metric string

const (
	MetricEngagementRate Metric = "engagement_rate"
	MetricClickRate      Metric = "click_rate"
	MetricConversionRate Metric = "conversion_rate"
)

// Counters only ever increase.
type Counters struct {
	Impressions int64 `json:"impressions"`
	Views       int64 `json:"views"`
	Engagements int64 `json:"engagements"`
	Clicks      int64 `json:"clicks"`
	Conversions int64 `json:"conversions"`
}

func (c *Counters) add(kind EventKind, n int64) error {
	switch kind {
	case EventImpression:
		c.Impressions += n
	case EventView:
		c.Views += n
	case EventEngagement:
		c.Engagements += n
	case EventClick:
		c.Clicks += n
	case EventConversion:
		c.Conversions += n
	default:
		return ErrUnknownEvent
	}
	return nil
}

// successes returns the numerator of metric m.
func (c Counters) successes(m Metric) (int64, error) {
	switch m {
	case MetricEngagementRate, "":
		return c.Engagements, nil
	case MetricClickRate:
		return c.Clicks, nil
	case MetricConversionRate:
		return c.Conversions, nil
	}
	return 0, ErrUnknownMetric
}

type Variant struct {
	ID       string   `json:"variant_id"`
	Weight   float64  `json:"weight"`
	Counters Counters `json:"counters"`
}

type Test struct {
	ID            string    `json:"test_id"`
	PrimaryMetric Metric    `json:"primary_metric"`
	Variants      []Variant `json:"variants"`
	Status        Status    `json:"status"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	MinSampleSize int64     `json:"min_sample_size"`
	Final         *Result   `json:"final,omitempty"`
}

func (t Test) clone() Test {
	cp := t
	cp.Variants = append([]Variant(nil), t.Variants...)
	if t.Final != nil {
		f := *t.Final
		f.Variants = append([]VariantStat(nil), t.Final.Variants...)
		cp.Final = &f
	}
	return cp
}

func (t Test) variant(id string) int {
	for i := range t.Variants {
		if t.Variants[i].ID == id {
			return i
		}
	}
	return -1
}

type Outcome string

const (
	OutcomeWinner       Outcome = "winner"
	OutcomeInconclusive Outcome = "inconclusive"
)

type VariantStat struct {
	VariantID string  `json:"variant_id"`
	Views     int64   `json:"views"`
	Successes int64   `json:"successes"`
	Rate      float64 `json:"rate"`
	Eligible  bool    `json:"eligible"`
}

// Result is the evaluation of a test at one point in time.
type Result struct {
	TestID        string        `json:"test_id"`
	Outcome       Outcome       `json:"outcome"`
	BaselineID    string        `json:"baseline_id"`
	WinnerID      string        `json:"winner_id,omitempty"`
	// ComparatorID is the variant the leader was tested against. It is
	// the baseline unless the baseline itself leads, in which case it is
	// the strongest eligible challenger.
	ComparatorID string  `json:"comparator_id,omitempty"`
	ZScore       float64 `json:"z_score"`
	Significant  bool    `json:"significant"`
	// ImprovementPc is (leader - comparator) / comparator * 100, so when
	// the baseline leads it is the baseline's lift over ComparatorID.
	ImprovementPc float64       `json:"improvement_pct"`
	Variants      []VariantStat `json:"variants"`
	EvaluatedAt   time.Time     `json:"evaluated_at"`
}
