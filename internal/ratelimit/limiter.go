// Package ratelimit enforces per-channel and global dispatch ceilings with
// sliding windows of send timestamps.
//
// The limiter is in-process only. Several pewpost instances sending to the
// same channel each get the full budget.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is "at most Limit events per Period".
type Window struct {
	Limit  int
	Period time.Duration
}

var (
	DefaultChannel = Window{Limit: 20, Period: time.Minute}
	DefaultGlobal  = Window{Limit: 30, Period: time.Second}
)

type Config struct {
	Channel Window
	Global  Window
}

type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	now     func() time.Time
	global  []time.Time
	channel map[string][]time.Time
}

func New(cfg Config) *Limiter {
	return &Limiter{cfg: withDefaults(cfg), now: time.Now, channel: map[string][]time.Time{}}
}

// SetClock replaces the time source. Tests only.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Apply swaps thresholds; recorded timestamps are kept.
func (l *Limiter) Apply(cfg Config) {
	l.mu.Lock()
	l.cfg = withDefaults(cfg)
	l.mu.Unlock()
}

func withDefaults(cfg Config) Config {
	if cfg.Channel.Limit <= 0 || cfg.Channel.Period <= 0 {
		cfg.Channel = DefaultChannel
	}
	if cfg.Global.Limit <= 0 || cfg.Global.Period <= 0 {
		cfg.Global = DefaultGlobal
	}
	return cfg
}

// Acquire returns how long the caller must wait before sending to
// channelID. A zero result means the send was admitted and recorded in both
// windows; a positive result records nothing and the caller must wait and
// try again.
func (l *Limiter) Acquire(channelID string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.global = prune(l.global, now, l.cfg.Global.Period)
	ch := prune(l.channel[channelID], now, l.cfg.Channel.Period)

	wait := waitFor(ch, now, l.cfg.Channel)
	if w := waitFor(l.global, now, l.cfg.Global); w > wait {
		wait = w
	}
	if wait > 0 {
		l.channel[channelID] = ch
		return wait
	}

	l.global = append(l.global, now)
	l.channel[channelID] = append(ch, now)
	return 0
}

// Wait blocks until a send to channelID is admitted or ctx ends. It returns
// the total time spent waiting.
func (l *Limiter) Wait(ctx context.Context, channelID string) (time.Duration, error) {
	var waited time.Duration
	for {
		d := l.Acquire(channelID)
		if d <= 0 {
			return waited, nil
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return waited, ctx.Err()
		case <-t.C:
			waited += d
		}
	}
}

// Snapshot reports window fill levels for diagnostics.
type Snapshot struct {
	Global   int
	Channels map[string]int
}

func (l *Limiter) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.global = prune(l.global, now, l.cfg.Global.Period)
	snap := Snapshot{Global: len(l.global), Channels: make(map[string]int, len(l.channel))}
	for id, ts := range l.channel {
		ts = prune(ts, now, l.cfg.Channel.Period)
		if len(ts) == 0 {
			delete(l.channel, id)
			continue
		}
		l.channel[id] = ts
		snap.Channels[id] = len(ts)
	}
	return snap
}

// prune drops timestamps at or before now-period. ts is kept sorted.
func prune(ts []time.Time, now time.Time, period time.Duration) []time.Time {
	cutoff := now.Add(-period)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

func waitFor(ts []time.Time, now time.Time, w Window) time.Duration {
	if len(ts) < w.Limit {
		return 0
	}
	// Oldest entry that must expire to free a slot.
	oldest := ts[len(ts)-w.Limit]
	d := oldest.Add(w.Period).Sub(now)
	if d <= 0 {
		return time.Nanosecond
	}
	return d
}
