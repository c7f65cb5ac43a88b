package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"pewpost/internal/eventbus"
	"pewpost/internal/post"
	"pewpost/internal/publisher"
	logx "pewpost/pkg/logx"
)

func TestObserve(t *testing.T) {
	t.Parallel()
	m := New(nil)
	m.Observe(eventbus.Event{Type: eventbus.PostPublished, Data: publisher.PublishedEvent{ContentType: "news", Latency: 200 * time.Millisecond}})
	m.Observe(eventbus.Event{Type: eventbus.PostPublished, Data: publisher.PublishedEvent{}})
	m.Observe(eventbus.Event{Type: eventbus.PostFailed, Data: publisher.FailureEvent{Kind: post.ErrorForbidden}})
	m.Observe(eventbus.Event{Type: eventbus.PostRetry, Data: publisher.FailureEvent{Kind: post.ErrorTransport}})
	m.Observe(eventbus.Event{Type: eventbus.PostDuplicate})
	m.Observe(eventbus.Event{Type: eventbus.QueueDepth, Data: 7})
	m.Observe(eventbus.Event{Type: "something.else", Data: 1})

	if got := testutil.ToFloat64(m.Published.WithLabelValues("news")); got != 1 {
		t.Fatalf("published{news} = %v", got)
	}
	if got := testutil.ToFloat64(m.Published.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("published{unknown} = %v", got)
	}
	if got := testutil.ToFloat64(m.Failed.WithLabelValues(string(post.ErrorForbidden))); got != 1 {
		t.Fatalf("failed = %v", got)
	}
	if got := testutil.ToFloat64(m.Retries.WithLabelValues(string(post.ErrorTransport))); got != 1 {
		t.Fatalf("retries = %v", got)
	}
	if got := testutil.ToFloat64(m.Duplicates); got != 1 {
		t.Fatalf("duplicates = %v", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth); got != 7 {
		t.Fatalf("queue depth = %v", got)
	}
}

func TestRunConsumesBusAndServes(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	m := New(bus)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { m.Run(ctx, bus, logx.Nop()); close(done) }()

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(m.Enqueued) == 0 {
		bus.Publish(eventbus.Event{Type: eventbus.PostEnqueued, Data: "p1"})
		if time.Now().After(deadline) {
			t.Fatal("event not observed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "pewpost_posts_enqueued_total") {
		t.Fatalf("exposition missing counter:\n%s", body)
	}
}
