package analytics

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"pewpost/internal/experiment"
	"pewpost/internal/publisher"
	logx "pewpost/pkg/logx"
)

type fakeFeed struct {
	mu    sync.Mutex
	stats map[string]Stats
}

func (f *fakeFeed) set(msg string, s Stats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats[msg] = s
}

func (f *fakeFeed) Stats(_ context.Context, _, messageID string) (Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stats[messageID]
	if !ok {
		return Stats{}, errors.New("unknown message")
	}
	return s, nil
}

type recorded struct {
	variant string
	kind    experiment.EventKind
	n       int64
}

type fakeRecorder struct{ events []recorded }

func (r *fakeRecorder) RecordEvent(_ context.Context, _, variantID string, kind experiment.EventKind, n int64) error {
	r.events = append(r.events, recorded{variantID, kind, n})
	return nil
}

func TestSampleRecordsDeltas(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 5, 1, 7, 0, 0, 0, time.UTC)
	feed := &fakeFeed{stats: map[string]Stats{}}
	rec := &fakeRecorder{}
	s := New(Config{Location: time.UTC, Lookback: 48 * time.Hour}, feed, rec, logx.Nop())
	s.SetClock(func() time.Time { return base.Add(time.Hour) })

	s.Track(publisher.PublishedEvent{PostID: "p1", ChannelID: "@c", MessageID: "10", ContentType: "news", TestID: "t", VariantID: "a", At: base})
	s.Track(publisher.PublishedEvent{PostID: "p2", ChannelID: "@c", MessageID: ""}) // never delivered

	feed.set("10", Stats{Views: 100, Clicks: 8})
	if n := s.Sample(context.Background()); n != 1 {
		t.Fatalf("updated = %d", n)
	}
	feed.set("10", Stats{Views: 150, Clicks: 8})
	s.Sample(context.Background())
	s.Sample(context.Background()) // unchanged: nothing recorded

	want := []recorded{{"a", experiment.EventView, 100}, {"a", experiment.EventClick, 8}, {"a", experiment.EventView, 50}}
	if len(rec.events) != len(want) {
		t.Fatalf("events = %+v", rec.events)
	}
	for i := range want {
		if rec.events[i] != want[i] {
			t.Fatalf("event %d = %+v, want %+v", i, rec.events[i], want[i])
		}
	}
	if s.Tracked() != 1 {
		t.Fatalf("tracked = %d", s.Tracked())
	}
}

func TestHourlyScoresNormalized(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	feed := &fakeFeed{stats: map[string]Stats{"1": {Views: 100, Engagements: 10}, "2": {Views: 100, Engagements: 5}}}
	s := New(Config{Location: time.UTC}, feed, nil, logx.Nop())
	s.SetClock(func() time.Time { return base.Add(20 * time.Hour) })

	if _, ok := s.HourlyScores("news", "@c"); ok {
		t.Fatal("scores before any data")
	}
	s.Track(publisher.PublishedEvent{PostID: "a", ChannelID: "@c", MessageID: "1", ContentType: "news", At: base.Add(7 * time.Hour)})
	s.Track(publisher.PublishedEvent{PostID: "b", ChannelID: "@c", MessageID: "2", ContentType: "news", At: base.Add(18 * time.Hour)})
	s.Sample(context.Background())

	scores, ok := s.HourlyScores("news", "@c")
	if !ok {
		t.Fatal("no scores")
	}
	if scores[7] != 1 || scores[18] != 0.5 || scores[12] != 0 {
		t.Fatalf("scores = %v", scores)
	}
	if _, ok := s.HourlyScores("news", "@other"); ok {
		t.Fatal("scores leaked across channels")
	}
}

func TestHourlyMeanCountsEachPostOnce(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	feed := &fakeFeed{stats: map[string]Stats{
		"old": {Views: 10, Engagements: 5},
		"new": {Views: 10, Engagements: 3},
		"ref": {Views: 10, Engagements: 4},
	}}
	s := New(Config{Location: time.UTC}, feed, nil, logx.Nop())
	s.SetClock(func() time.Time { return base.Add(20 * time.Hour) })
	ctx := context.Background()

	s.Track(publisher.PublishedEvent{PostID: "old", ChannelID: "@c", MessageID: "old", ContentType: "news", At: base.Add(7 * time.Hour)})
	s.Track(publisher.PublishedEvent{PostID: "ref", ChannelID: "@c", MessageID: "ref", ContentType: "news", At: base.Add(9 * time.Hour)})
	s.Sample(ctx)
	feed.set("old", Stats{Views: 100, Engagements: 10})
	s.Sample(ctx)
	s.Sample(ctx)

	s.Track(publisher.PublishedEvent{PostID: "new", ChannelID: "@c", MessageID: "new", ContentType: "news", At: base.Add(7*time.Hour + 30*time.Minute)})
	s.Sample(ctx)

	scores, ok := s.HourlyScores("news", "@c")
	if !ok {
		t.Fatal("no scores")
	}
	// hour 7: mean(0.1, 0.3) = 0.2 against 0.4 at hour 9
	if math.Abs(scores[7]-0.5) > 1e-9 || scores[9] != 1 {
		t.Fatalf("scores[7] = %v scores[9] = %v, want 0.5 and 1", scores[7], scores[9])
	}
}

func TestLookbackDropsOldPosts(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	now := base
	feed := &fakeFeed{stats: map[string]Stats{"1": {Views: 1}}}
	s := New(Config{Lookback: time.Hour}, feed, nil, logx.Nop())
	s.SetClock(func() time.Time { return now })
	s.Track(publisher.PublishedEvent{PostID: "a", ChannelID: "@c", MessageID: "1", At: base})

	now = base.Add(2 * time.Hour)
	if n := s.Sample(context.Background()); n != 0 || s.Tracked() != 0 {
		t.Fatalf("updated = %d, tracked = %d", n, s.Tracked())
	}
}

func TestNoFeedRecordsNothing(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, nil, logx.Nop())
	s.Track(publisher.PublishedEvent{PostID: "a", ChannelID: "@c", MessageID: "1"})
	if n := s.Sample(context.Background()); n != 0 {
		t.Fatalf("updated = %d", n)
	}
}
