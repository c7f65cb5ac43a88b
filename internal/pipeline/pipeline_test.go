package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pewpost/internal/dedup"
	"pewpost/internal/eventbus"
	"pewpost/internal/experiment"
	"pewpost/internal/notifier"
	"pewpost/internal/post"
	"pewpost/internal/publisher"
	"pewpost/internal/ratelimit"
	"pewpost/internal/retry"
	"pewpost/internal/scheduler"
	"pewpost/internal/transport"
	logx "pewpost/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingTransport struct {
	mu   sync.Mutex
	err  error
	sent []post.Content
}

func (r *recordingTransport) send(c post.Content) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.sent = append(r.sent, c)
	return "42", nil
}

func (r *recordingTransport) SendText(_ context.Context, _ string, text string, b []post.Button) (string, error) {
	return r.send(post.Content{MessageType: post.MessageText, Text: text, Buttons: b})
}
func (r *recordingTransport) SendPhoto(_ context.Context, _, ref, caption string, b []post.Button) (string, error) {
	return r.send(post.Content{MessageType: post.MessagePhoto, MediaRef: ref, Caption: caption, Buttons: b})
}
func (r *recordingTransport) SendVideo(_ context.Context, _, ref, caption string, b []post.Button) (string, error) {
	return r.send(post.Content{MessageType: post.MessageVideo, MediaRef: ref, Caption: caption, Buttons: b})
}
func (r *recordingTransport) SendPoll(_ context.Context, _, q string, opts []string) (string, error) {
	return r.send(post.Content{MessageType: post.MessagePoll, Text: q, PollOptions: opts})
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type alertLog struct {
	mu     sync.Mutex
	alerts []notifier.Alert
}

func (a *alertLog) Notify(_ context.Context, al notifier.Alert) error {
	a.mu.Lock()
	a.alerts = append(a.alerts, al)
	a.mu.Unlock()
	return nil
}

func (a *alertLog) keys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, al := range a.alerts {
		out = append(out, al.Key)
	}
	return out
}

type brokenStore struct{}

func (brokenStore) PutIfAbsent(context.Context, dedup.Fingerprint, time.Time) (bool, error) {
	return false, errors.New("i/o timeout")
}
func (brokenStore) Get(context.Context, string) (dedup.Fingerprint, bool, error) {
	return dedup.Fingerprint{}, false, errors.New("i/o timeout")
}
func (brokenStore) PurgeBefore(context.Context, time.Time) (int, error) { return 0, nil }
func (brokenStore) Release(context.Context, dedup.Fingerprint) error  { return nil }

type memPosts struct {
	mu   sync.Mutex
	recs map[string]post.Record
}

func (m *memPosts) SavePost(_ context.Context, rec post.Record) error {
	m.mu.Lock()
	m.recs[rec.Post.ID] = rec
	m.mu.Unlock()
	return nil
}

func (m *memPosts) LoadActive(context.Context) ([]post.Record, error) { return nil, nil }

func (m *memPosts) GetPost(_ context.Context, id string) (post.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	return r, ok, nil
}

type harness struct {
	p      *Pipeline
	sched  *scheduler.Service
	tr     *recordingTransport
	alerts *alertLog
	exp    *experiment.Engine
	clk    *clock
}

func newHarness(t *testing.T, store dedup.Store) *harness {
	t.Helper()
	h := &harness{
		tr:     &recordingTransport{},
		alerts: &alertLog{},
		clk:    &clock{t: time.Date(2026, 5, 1, 14, 0, 0, 0, time.UTC)},
	}
	if store == nil {
		store = dedup.NewMemoryStore()
	}
	log := logx.Nop()
	bus := eventbus.New()

	dd := dedup.New(store, 0, log)
	dd.SetClock(h.clk.Now)
	h.exp = experiment.New(nil, log)
	h.exp.SetClock(h.clk.Now)

	pub := publisher.New(publisher.Config{SendTimeout: time.Second}, publisher.Deps{
		Transport:   h.tr,
		Limiter:     ratelimit.New(ratelimit.Config{}),
		Retry:       retry.New(0, 0),
		Experiments: h.exp,
		Alerts:      h.alerts,
	}, log, bus)
	pub.SetClock(h.clk.Now)

	h.sched = scheduler.New(scheduler.Config{PollInterval: 10 * time.Millisecond}, pub, &memPosts{recs: map[string]post.Record{}}, log, bus)
	h.sched.SetClock(h.clk.Now)

	opt := scheduler.NewOptimizer(scheduler.OptimizerConfig{Location: time.UTC}, nil)
	opt.SetClock(h.clk.Now)

	h.p = New(Config{DefaultChannel: "@daily"}, Deps{
		Dedup:       dd,
		Experiments: h.exp,
		Optimizer:   opt,
		Queue:       h.sched,
		Alerts:      h.alerts,
	}, log, bus)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = h.p.Stop(ctx)
	})
}

func waitState(t *testing.T, p *Pipeline, id string, want post.State) post.Status {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var st post.Status
	for time.Now().Before(deadline) {
		var err error
		st, err = p.Status(context.Background(), id)
		if err == nil && st.State == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("post %s state = %s, want %s", id, st.State, want)
	return st
}

func TestSubmitSchedulesPublishesAndSuppressesDuplicates(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)
	ctx := context.Background()

	news := post.Content{MessageType: post.MessageText, Text: "Parliament passes budget", ContentType: "news"}
	rc, err := h.p.Submit(ctx, Submission{Content: news, PreferredTime: h.clk.Now()})
	if err != nil {
		t.Fatal(err)
	}
	if !rc.Accepted || rc.PostID == "" {
		t.Fatalf("receipt = %+v", rc)
	}
	want := time.Date(2026, 5, 2, 7, 0, 0, 0, time.UTC)
	if !rc.ScheduledTime.Equal(want) {
		t.Fatalf("scheduled at %v, want %v", rc.ScheduledTime, want)
	}
	if st := waitState(t, h.p, rc.PostID, post.StatePending); st.ChannelID != "@daily" {
		t.Fatalf("channel = %q", st.ChannelID)
	}

	h.clk.Advance(17 * time.Hour)
	st := waitState(t, h.p, rc.PostID, post.StatePublished)
	if st.Result == nil || st.Result.ExternalMessageID != "42" {
		t.Fatalf("result = %+v", st.Result)
	}
	if h.tr.count() != 1 {
		t.Fatalf("sent %d messages", h.tr.count())
	}

	dup, err := h.p.Submit(ctx, Submission{Content: post.Content{MessageType: post.MessageText, Text: "parliament  PASSES budget"}})
	if err != nil {
		t.Fatalf("duplicate should not be an error: %v", err)
	}
	if dup.Accepted || dup.Reason != dedup.ReasonDuplicate || dup.PostID != "" {
		t.Fatalf("duplicate receipt = %+v", dup)
	}
}

func TestSubmitPermissionErrorFailsWithoutRetry(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.tr.err = transport.ErrForbidden
	h.start(t)

	rc, err := h.p.Submit(context.Background(), Submission{
		ChannelID: "@private",
		Content:   post.Content{MessageType: post.MessageText, Text: "members only"},
	})
	if err != nil {
		t.Fatal(err)
	}
	h.clk.Advance(2 * time.Minute)
	st := waitState(t, h.p, rc.PostID, post.StateFailed)
	if st.RetryCount != 0 || st.LastErrorKind != post.ErrorForbidden {
		t.Fatalf("status = %+v", st)
	}
	found := false
	for _, k := range h.alerts.keys() {
		if k == "post-failed:"+rc.PostID {
			found = true
		}
	}
	if !found {
		t.Fatalf("alerts = %v", h.alerts.keys())
	}
}

func TestSubmitRejectsWhenDedupStoreDown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, brokenStore{})
	h.start(t)

	rc, err := h.p.Submit(context.Background(), Submission{Content: post.Content{MessageType: post.MessageText, Text: "x"}})
	if !errors.Is(err, dedup.ErrStoreUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if rc.Accepted || rc.Reason != dedup.ReasonUnavailable {
		t.Fatalf("receipt = %+v", rc)
	}
	if keys := h.alerts.keys(); len(keys) != 1 || keys[0] != "dedup-unavailable" {
		t.Fatalf("alerts = %v", keys)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	good := post.Content{MessageType: post.MessageText, Text: "hello"}

	// Not started: nothing may be recorded as seen.
	if _, err := h.p.Submit(ctx, Submission{Content: good}); !errors.Is(err, scheduler.ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
	h.start(t)

	cases := []struct {
		name string
		sub  Submission
		want error
	}{
		{"empty text", Submission{Content: post.Content{MessageType: post.MessageText}}, ErrInvalid},
		{"poll one option", Submission{Content: post.Content{MessageType: post.MessagePoll, Text: "q", PollOptions: []string{"a"}}}, ErrInvalid},
		{"bad variant", Submission{Content: good, Variants: map[string]post.Content{"b": {MessageType: "sticker"}}}, ErrInvalid},
		{"unknown test", Submission{Content: good, TestID: "nope"}, experiment.ErrNotFound},
	}
	for _, tc := range cases {
		if _, err := h.p.Submit(ctx, tc.sub); !errors.Is(err, tc.want) {
			t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}

	rc, err := h.p.Submit(ctx, Submission{Content: good})
	if err != nil || !rc.Accepted {
		t.Fatalf("rejected submissions must not burn content: %+v, %v", rc, err)
	}
}

func TestSubmitAssignsVariantAndUsesItsContent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)
	ctx := context.Background()

	if _, err := h.exp.Create(ctx, experiment.Test{
		ID:            "headline",
		PrimaryMetric: experiment.MetricClickRate,
		Variants:      []experiment.Variant{{ID: "a", Weight: 0}, {ID: "b", Weight: 1}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := h.exp.Start(ctx, "headline"); err != nil {
		t.Fatal(err)
	}

	rc, err := h.p.Submit(ctx, Submission{
		Content:  post.Content{MessageType: post.MessageText, Text: "Version A", ContentType: "news"},
		Variants: map[string]post.Content{"b": {MessageType: post.MessageText, Text: "Version B"}},
		TestID:   "headline",
	})
	if err != nil {
		t.Fatal(err)
	}
	if rc.VariantID != "b" {
		t.Fatalf("variant = %q, want b", rc.VariantID)
	}

	h.clk.Advance(24 * time.Hour)
	waitState(t, h.p, rc.PostID, post.StatePublished)
	h.tr.mu.Lock()
	text := h.tr.sent[0].Text
	h.tr.mu.Unlock()
	if text != "Version B" {
		t.Fatalf("sent %q", text)
	}
	tst, _ := h.exp.Get("headline")
	if tst.Variants[1].Counters.Impressions != 1 {
		t.Fatalf("impressions = %+v", tst.Variants[1].Counters)
	}
}

// stoppingQueue passes the Running check and then loses the race with Stop.
type stoppingQueue struct{}

func (stoppingQueue) Start(context.Context) error { return nil }
func (stoppingQueue) Stop(context.Context) error  { return nil }
func (stoppingQueue) Running() bool               { return true }
func (stoppingQueue) Enqueue(context.Context, post.ScheduledPost) (post.ScheduledPost, error) {
	return post.ScheduledPost{}, scheduler.ErrStopped
}
func (stoppingQueue) Status(context.Context, string) (post.Status, error) {
	return post.Status{}, scheduler.ErrNotFound
}
func (stoppingQueue) Cancel(context.Context, string) error { return scheduler.ErrNotFound }

func TestFailedEnqueueReleasesFingerprint(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)
	ctx := context.Background()
	c := post.Content{MessageType: post.MessageText, Text: "Rates unchanged this quarter"}

	stopping := New(Config{DefaultChannel: "@daily"}, Deps{Dedup: h.p.deps.Dedup, Queue: stoppingQueue{}}, logx.Nop(), eventbus.Nop())
	if _, err := stopping.Submit(ctx, Submission{Content: c}); !errors.Is(err, scheduler.ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}

	rc, err := h.p.Submit(ctx, Submission{Content: c})
	if err != nil {
		t.Fatal(err)
	}
	if !rc.Accepted || rc.Reason == dedup.ReasonDuplicate {
		t.Fatalf("retry after failed enqueue rejected: %+v", rc)
	}
}
