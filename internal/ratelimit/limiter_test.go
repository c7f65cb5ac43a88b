package ratelimit

import (
	"context"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestAcquireChannelWindow(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := New(Config{Channel: Window{Limit: 20, Period: time.Minute}, Global: Window{Limit: 1000, Period: time.Second}})
	l.SetClock(clk.now)

	waits := 0
	for i := 0; i < 25; i++ {
		if d := l.Acquire("@news"); d > 0 {
			waits++
			if d > time.Minute {
				t.Fatalf("wait %v exceeds window", d)
			}
		}
	}
	if waits < 5 {
		t.Fatalf("got %d non-zero waits, want >= 5", waits)
	}

	// Other channels have their own window.
	if d := l.Acquire("@other"); d != 0 {
		t.Fatalf("independent channel waited %v", d)
	}

	clk.advance(time.Minute + time.Millisecond)
	if d := l.Acquire("@news"); d != 0 {
		t.Fatalf("window should have expired, wait=%v", d)
	}
}

func TestAcquireGlobalWindow(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := New(Config{Channel: Window{Limit: 100, Period: time.Minute}, Global: Window{Limit: 3, Period: time.Second}})
	l.SetClock(clk.now)

	for i, ch := range []string{"a", "b", "c"} {
		if d := l.Acquire(ch); d != 0 {
			t.Fatalf("acquire %d waited %v", i, d)
		}
	}
	clk.advance(200 * time.Millisecond)
	d := l.Acquire("d")
	if d != 800*time.Millisecond {
		t.Fatalf("global wait = %v, want 800ms", d)
	}
	// A refused acquire must not consume a slot.
	if snap := l.Snapshot(); snap.Global != 3 || snap.Channels["d"] != 0 {
		t.Fatalf("snapshot after refusal = %+v", snap)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	t.Parallel()
	l := New(Config{Channel: Window{Limit: 1, Period: time.Hour}, Global: Window{Limit: 100, Period: time.Second}})
	if _, err := l.Wait(context.Background(), "c"); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Wait(ctx, "c"); err == nil {
		t.Fatal("expected context error while window is full")
	}
}

func TestWaitSuspendsUntilSlotFrees(t *testing.T) {
	t.Parallel()
	l := New(Config{Channel: Window{Limit: 2, Period: 40 * time.Millisecond}, Global: Window{Limit: 100, Period: time.Second}})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := l.Wait(ctx, "c"); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
	if el := time.Since(start); el < 30*time.Millisecond {
		t.Fatalf("third send was not delayed (elapsed %v)", el)
	}
}
