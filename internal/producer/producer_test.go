package producer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pewpost/internal/content"
	"pewpost/internal/pipeline"
	logx "pewpost/pkg/logx"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	reqs []pipeline.ProduceRequest
	err  error
}

func (f *fakeSubmitter) Produce(ctx context.Context, gen content.Generator, r pipeline.ProduceRequest) (pipeline.Receipt, error) {
	if _, err := gen.Generate(ctx, content.Request{ChannelID: r.ChannelID, ContentType: r.ContentType}); err != nil {
		return pipeline.Receipt{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, r)
	if f.err != nil {
		return pipeline.Receipt{}, f.err
	}
	return pipeline.Receipt{PostID: "p" + string(rune('0'+len(f.reqs))), Accepted: true}, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

var okGen = content.GeneratorFunc(func(context.Context, content.Request) (content.Payload, error) {
	return content.Payload{Text: "hello"}, nil
})

func TestNormalizeSchedule(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in, want string
		wantErr  bool
	}{
		{"0 0 7 * * *", "0 0 7 * * *", false},
		{"@daily", "@daily", false},
		{"@every 2h", "@every 2h", false},
		{"55m", "@every 55m0s", false},
		{"02:30", "@every 2h30m0s", false},
		{"every: 90s", "@every 1m30s", false},
		{"cron: */5 * * * *", "*/5 * * * *", false},
		{"", "", true},
		{"cron:", "", true},
		{"00:00", "", true},
		{"01:75", "", true},
		{"soon", "", true},
	}
	for _, tc := range cases {
		got, err := normalizeSchedule(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Fatalf("normalizeSchedule(%q) = %q, %v", tc.in, got, err)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeSubmitter{}, okGen, logx.Nop())
	cases := map[string][]Def{
		"missing name":   {{Schedule: "@hourly"}},
		"duplicate name": {{Name: "a", Schedule: "@hourly"}, {Name: "a", Schedule: "@daily"}},
		"bad cron":       {{Name: "a", Schedule: "61 * * * *"}},
		"bad schedule":   {{Name: "a", Schedule: "whenever"}},
	}
	for name, defs := range cases {
		if err := s.Validate(defs); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if err := s.Validate([]Def{{Name: "a", Schedule: "0 30 7 * * *"}, {Name: "b", Schedule: "15m"}}); err != nil {
		t.Fatal(err)
	}
}

func TestRunNowAndApplyKeepsCounters(t *testing.T) {
	t.Parallel()
	sub := &fakeSubmitter{}
	s := New(Config{}, sub, okGen, logx.Nop())
	if err := s.Apply([]Def{{Name: "news", Schedule: "@hourly", Channel: "@c", ContentType: "news", TestID: "t1"}}); err != nil {
		t.Fatal(err)
	}
	rc, err := s.RunNow(context.Background(), "news")
	if err != nil || !rc.Accepted {
		t.Fatalf("run = %+v, %v", rc, err)
	}
	if sub.reqs[0].ContentType != "news" || sub.reqs[0].TestID != "t1" || sub.reqs[0].ChannelID != "@c" {
		t.Fatalf("request = %+v", sub.reqs[0])
	}
	if _, err := s.RunNow(context.Background(), "missing"); err == nil {
		t.Fatal("expected not found")
	}

	sub.err = errors.New("dedup store unavailable")
	if _, err := s.RunNow(context.Background(), "news"); err == nil {
		t.Fatal("expected error")
	}
	if err := s.Apply([]Def{{Name: "news", Schedule: "@daily"}, {Name: "polls", Schedule: "@every 6h"}}); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].Name != "news" || snap[0].Runs != 2 || snap[0].LastErr == "" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap[1].Runs != 0 {
		t.Fatalf("new producer runs = %d", snap[1].Runs)
	}
}

func TestCronFires(t *testing.T) {
	t.Parallel()
	sub := &fakeSubmitter{}
	s := New(Config{Location: time.UTC}, sub, okGen, logx.Nop())
	if err := s.Apply([]Def{{Name: "tick", Schedule: "* * * * * *"}}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for sub.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("producer never fired")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if snap := s.Snapshot(); snap[0].Next.IsZero() {
		t.Fatalf("next not reported: %+v", snap)
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatal(err)
	}
}

func TestIntervalSpreadDelaysFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := intervalWithSpread(time.Hour, now, "x")
	if jitter < 0 || jitter >= maxStartupSpread {
		t.Fatalf("jitter = %v", jitter)
	}
	first := sched.Next(now)
	if want := now.Add(time.Hour + jitter); !first.Equal(want) {
		t.Fatalf("first = %v, want %v", first, want)
	}
}
