// Package analytics samples engagement of published posts. Deltas are
// recorded as experiment events and folded into per-hour performance that
// the time optimizer reads as history.
//
// Numbers only come from a Feed. Without one the sampler records nothing.
package analytics

import (
	"context"
	"sync"
	"time"

	"pewpost/internal/eventbus"
	"pewpost/internal/experiment"
	"pewpost/internal/publisher"
	logx "pewpost/pkg/logx"
)

// Stats are cumulative counters for one delivered message.
type Stats struct {
	Views       int64
	Engagements int64
	Clicks      int64
	Conversions int64
}

// Feed reports current counters for a delivered message.
type Feed interface {
	Stats(ctx context.Context, channelID, messageID string) (Stats, error)
}

type EventRecorder interface {
	RecordEvent(ctx context.Context, testID, variantID string, kind experiment.EventKind, n int64) error
}

type Config struct {
	Interval time.Duration
	Lookback time.Duration
	// Location buckets publish times into hours of day.
	Location *time.Location
}

type tracked struct {
	ev   publisher.PublishedEvent
	last Stats
	// rate is this post's contribution to its hour; counted once set.
	rate    float64
	counted bool
}

type hourKey struct {
	contentType string
	channelID   string
}

// hourStat is the mean of the latest engagement rate of each post.
type hourStat struct {
	sum float64
	n   int
}

type Sampler struct {
	cfg  Config
	feed Feed
	rec  EventRecorder
	log  logx.Logger
	now  func() time.Time

	mu    sync.Mutex
	posts map[string]*tracked
	hours map[hourKey]*[24]hourStat
}

func New(cfg Config, feed Feed, rec EventRecorder, log logx.Logger) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 72 * time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sampler{
		cfg:   cfg,
		feed:  feed,
		rec:   rec,
		log:   log.With(logx.String("comp", "analytics")),
		now:   time.Now,
		posts: map[string]*tracked{},
		hours: map[hourKey]*[24]hourStat{},
	}
}

// SetClock replaces the time source. Tests only.
func (s *Sampler) SetClock(now func() time.Time) { s.now = now }

// Track starts sampling a published post.
func (s *Sampler) Track(ev publisher.PublishedEvent) {
	if ev.PostID == "" || ev.MessageID == "" {
		return
	}
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.posts[ev.PostID]; !ok {
		s.posts[ev.PostID] = &tracked{ev: ev}
	}
}

// Tracked reports how many posts are still sampled.
func (s *Sampler) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.posts)
}

// Sample polls the feed once for every tracked post and returns how many
// posts produced new numbers. Posts past the lookback are dropped.
func (s *Sampler) Sample(ctx context.Context) int {
	if s.feed == nil {
		return 0
	}
	now := s.now()
	s.mu.Lock()
	list := make([]*tracked, 0, len(s.posts))
	for id, tp := range s.posts {
		if now.Sub(tp.ev.At) > s.cfg.Lookback {
			delete(s.posts, id)
			continue
		}
		list = append(list, tp)
	}
	s.mu.Unlock()

	updated := 0
	for _, tp := range list {
		if ctx.Err() != nil {
			break
		}
		st, err := s.feed.Stats(ctx, tp.ev.ChannelID, tp.ev.MessageID)
		if err != nil {
			s.log.Debug("stats unavailable", logx.String("post", tp.ev.PostID), logx.Err(err))
			continue
		}
		s.mu.Lock()
		delta := Stats{
			Views:       nonNeg(st.Views - tp.last.Views),
			Engagements: nonNeg(st.Engagements - tp.last.Engagements),
			Clicks:      nonNeg(st.Clicks - tp.last.Clicks),
			Conversions: nonNeg(st.Conversions - tp.last.Conversions),
		}
		tp.last = st
		if st.Views > 0 {
			s.observeHour(tp, float64(st.Engagements+st.Clicks)/float64(st.Views))
		}
		s.mu.Unlock()

		if delta != (Stats{}) {
			updated++
			s.record(ctx, tp.ev, delta)
		}
	}
	return updated
}

func (s *Sampler) record(ctx context.Context, ev publisher.PublishedEvent, d Stats) {
	if s.rec == nil || ev.TestID == "" || ev.VariantID == "" {
		return
	}
	for _, e := range []struct {
		kind experiment.EventKind
		n    int64
	}{
		{experiment.EventView, d.Views},
		{experiment.EventEngagement, d.Engagements},
		{experiment.EventClick, d.Clicks},
		{experiment.EventConversion, d.Conversions},
	} {
		if e.n == 0 {
			continue
		}
		if err := s.rec.RecordEvent(ctx, ev.TestID, ev.VariantID, e.kind, e.n); err != nil {
			s.log.Debug("experiment event not recorded",
				logx.String("test", ev.TestID),
				logx.String("kind", string(e.kind)),
				logx.Err(err),
			)
			return
		}
	}
}

// observeHour replaces the post's previous rate in its hour, so every post
// counts once however often it is sampled. Callers hold s.mu.
func (s *Sampler) observeHour(tp *tracked, rate float64) {
	k := hourKey{contentType: tp.ev.ContentType, channelID: tp.ev.ChannelID}
	h, ok := s.hours[k]
	if !ok {
		h = &[24]hourStat{}
		s.hours[k] = h
	}
	hr := tp.ev.At.In(s.cfg.Location).Hour()
	if tp.counted {
		h[hr].sum += rate - tp.rate
	} else {
		h[hr].sum += rate
		h[hr].n++
		tp.counted = true
	}
	tp.rate = rate
}

// HourlyScores returns per-hour performance normalized to 0..1 against the
// best hour. ok is false until at least one hour has data.
func (s *Sampler) HourlyScores(contentType, channelID string) ([24]float64, bool) {
	var out [24]float64
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hours[hourKey{contentType: contentType, channelID: channelID}]
	if !ok {
		return out, false
	}
	best := 0.0
	for i := range h {
		if h[i].n > 0 {
			out[i] = h[i].sum / float64(h[i].n)
			if out[i] > best {
				best = out[i]
			}
		}
	}
	if best <= 0 {
		return out, false
	}
	for i := range out {
		out[i] /= best
	}
	return out, true
}

// Run tracks published posts from the bus and samples on an interval until
// ctx is done.
func (s *Sampler) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(128)
	defer unsub()
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Type != eventbus.PostPublished {
				continue
			}
			if ev, ok := e.Data.(publisher.PublishedEvent); ok {
				s.Track(ev)
			}
		case <-t.C:
			if n := s.Sample(ctx); n > 0 {
				s.log.Debug("analytics sampled", logx.Int("updated", n), logx.Int("tracked", s.Tracked()))
			}
		}
	}
}

func nonNeg(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
