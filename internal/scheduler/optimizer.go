package scheduler

import (
	"math/rand"
	"strings"
	"sync"
	"time"
)

// favouredHours is the static hour-of-day table per content type. Hours are
// inclusive and local to the optimizer's location.
var favouredHours = map[string][]int{
	"news":          {7, 8, 9},
	"interactive":   {18, 19, 20, 21},
	"poll":          {18, 19, 20, 21},
	"educational":   {10, 11, 12, 15, 16},
	"entertainment": {19, 20, 21, 22},
}

var defaultHours = []int{9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21}

// FavouredHours returns the static favoured hours for contentType.
func FavouredHours(contentType string) []int {
	if h, ok := favouredHours[strings.ToLower(strings.TrimSpace(contentType))]; ok {
		return h
	}
	return defaultHours
}

// defaultAudience is a generic daily activity curve (0..1) used when no
// forecast is configured.
var defaultAudience = [24]float64{
	0.10, 0.05, 0.03, 0.02, 0.02, 0.05, 0.15, 0.35,
	0.55, 0.60, 0.55, 0.55, 0.65, 0.60, 0.50, 0.50,
	0.55, 0.65, 0.80, 0.95, 1.00, 0.90, 0.60, 0.30,
}

// History supplies per-hour performance (0..1) learned from past posts.
type History interface {
	HourlyScores(contentType, channelID string) (scores [24]float64, ok bool)
}

type OptimizerConfig struct {
	Location *time.Location
	// MinDelay is added to now when the caller has no preference.
	MinDelay time.Duration
	// Advanced enables slot scoring with history and audience forecast.
	Advanced       bool
	StaticWeight   float64
	HistoryWeight  float64
	AudienceWeight float64
	Audience       []float64
	MaxJitter      time.Duration
}

type Optimizer struct {
	cfg      OptimizerConfig
	audience [24]float64
	history  History
	now      func() time.Time

	rmu sync.Mutex
	rng *rand.Rand
}

func NewOptimizer(cfg OptimizerConfig, history History) *Optimizer {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = time.Minute
	}
	if cfg.StaticWeight <= 0 && cfg.HistoryWeight <= 0 && cfg.AudienceWeight <= 0 {
		cfg.StaticWeight, cfg.HistoryWeight, cfg.AudienceWeight = 0.4, 0.35, 0.25
	}
	if cfg.MaxJitter < 0 {
		cfg.MaxJitter = 0
	}
	o := &Optimizer{
		cfg:      cfg,
		audience: defaultAudience,
		history:  history,
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if len(cfg.Audience) == 24 {
		copy(o.audience[:], cfg.Audience)
	}
	return o
}

// SetClock replaces the time source. Tests only.
func (o *Optimizer) SetClock(now func() time.Time) { o.now = now }

// OptimizePublishTime picks the publish time for a post. With no preference
// it returns now plus a small delay. Otherwise it returns the nearest
// favoured time at or after max(preferred, now); the advanced tier scores
// hourly slots over the following 24h instead and adds jitter.
func (o *Optimizer) OptimizePublishTime(contentType, channelID string, preferred time.Time) time.Time {
	now := o.now()
	if preferred.IsZero() {
		return now.Add(o.cfg.MinDelay)
	}
	from := preferred
	if from.Before(now) {
		from = now
	}
	from = from.In(o.cfg.Location)
	if o.cfg.Advanced {
		return o.bestSlot(contentType, channelID, from)
	}
	return nextFavoured(FavouredHours(contentType), from)
}

// nextFavoured returns from itself when its hour is favoured, otherwise the
// top of the next favoured hour.
func nextFavoured(hours []int, from time.Time) time.Time {
	set := hourSet(hours)
	if set[from.Hour()] {
		return from
	}
	t := from.Truncate(time.Hour)
	if t.Hour() != from.Hour() {
		// Truncate works on absolute time; fix up zones with sub-hour offsets.
		t = time.Date(from.Year(), from.Month(), from.Day(), from.Hour(), 0, 0, 0, from.Location())
	}
	for i := 1; i <= 48; i++ {
		c := t.Add(time.Duration(i) * time.Hour)
		if set[c.Hour()] {
			return c
		}
	}
	return from
}

func hourSet(hours []int) [24]bool {
	var set [24]bool
	for _, h := range hours {
		if h >= 0 && h < 24 {
			set[h] = true
		}
	}
	return set
}

// Score is the blended weight of one candidate slot.
type Score struct {
	At    time.Time
	Value float64
}

// Scores returns the advanced-tier score for each hourly slot in the 24h
// starting at from. The first slot is from itself.
func (o *Optimizer) Scores(contentType, channelID string, from time.Time) []Score {
	set := hourSet(FavouredHours(contentType))
	var hist [24]float64
	hasHist := false
	if o.history != nil {
		hist, hasHist = o.history.HourlyScores(contentType, channelID)
	}
	ws, wh, wa := o.cfg.StaticWeight, o.cfg.HistoryWeight, o.cfg.AudienceWeight
	if !hasHist {
		wh = 0
	}
	total := ws + wh + wa
	if total <= 0 {
		total = 1
	}

	top := time.Date(from.Year(), from.Month(), from.Day(), from.Hour(), 0, 0, 0, from.Location())
	out := make([]Score, 0, 24)
	for i := 0; i < 24; i++ {
		at := top.Add(time.Duration(i) * time.Hour)
		if i == 0 {
			at = from
		}
		h := at.Hour()
		static := 0.2
		if set[h] {
			static = 1
		}
		v := (ws*static + wh*clamp01(hist[h]) + wa*clamp01(o.audience[h])) / total
		out = append(out, Score{At: at, Value: v})
	}
	return out
}

func (o *Optimizer) bestSlot(contentType, channelID string, from time.Time) time.Time {
	scores := o.Scores(contentType, channelID, from)
	best := scores[0]
	for _, s := range scores[1:] {
		// earliest wins ties
		if s.Value > best.Value {
			best = s
		}
	}
	return best.At.Add(o.jitter())
}

func (o *Optimizer) jitter() time.Duration {
	if o.cfg.MaxJitter <= 0 {
		return 0
	}
	o.rmu.Lock()
	defer o.rmu.Unlock()
	return time.Duration(o.rng.Int63n(int64(o.cfg.MaxJitter)))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
