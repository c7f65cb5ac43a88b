package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"pewpost/internal/post"
)

type downStore struct{}

func (downStore) PutIfAbsent(context.Context, Fingerprint, time.Time) (bool, error) {
	return false, errors.New("dial tcp: connection refused")
}
func (downStore) Get(context.Context, string) (Fingerprint, bool, error) {
	return Fingerprint{}, false, errors.New("dial tcp: connection refused")
}
func (downStore) PurgeBefore(context.Context, time.Time) (int, error) {
	return 0, errors.New("dial tcp: connection refused")
}
func (downStore) Release(context.Context, Fingerprint) error {
	return errors.New("dial tcp: connection refused")
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	if got := Normalize("  Hello \t\n  WORLD  "); got != "hello world" {
		t.Fatalf("Normalize = %q", got)
	}
	a := Hash(post.Content{MessageType: post.MessageText, Text: "Breaking:  Court rules"})
	b := Hash(post.Content{MessageType: post.MessageText, Text: "breaking: court\nrules "})
	if a != b {
		t.Fatal("cosmetic differences must hash identically")
	}
	c := Hash(post.Content{MessageType: post.MessagePhoto, MediaRef: "AgAD1", Caption: "x"})
	d := Hash(post.Content{MessageType: post.MessagePhoto, MediaRef: "AgAD2", Caption: "x"})
	if c == d {
		t.Fatal("different media must hash differently")
	}
}

func TestAdmitRejectsDuplicateWithinRetention(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc := New(NewMemoryStore(), 30*24*time.Hour, nopLogger())
	svc.SetClock(func() time.Time { return now })
	ctx := context.Background()
	c := post.Content{MessageType: post.MessageText, Text: "Same text", ContentType: "news"}

	d, err := svc.Admit(ctx, c)
	if err != nil || !d.Accepted {
		t.Fatalf("first Admit = %+v, %v", d, err)
	}

	now = now.Add(29 * 24 * time.Hour)
	d, err = svc.Admit(ctx, post.Content{MessageType: post.MessageText, Text: "  same   TEXT"})
	if err != nil {
		t.Fatalf("second Admit error: %v", err)
	}
	if d.Accepted || d.Reason != ReasonDuplicate {
		t.Fatalf("second Admit = %+v, want duplicate", d)
	}
	if !d.Fingerprint.FirstSeenAt.Equal(now.Add(-29 * 24 * time.Hour)) {
		t.Fatalf("duplicate should report original first-seen, got %v", d.Fingerprint.FirstSeenAt)
	}

	// Past retention the content is admissible again.
	now = now.Add(2 * 24 * time.Hour)
	d, err = svc.Admit(ctx, c)
	if err != nil || !d.Accepted {
		t.Fatalf("Admit after retention = %+v, %v", d, err)
	}
}

func TestAdmitFailsClosed(t *testing.T) {
	t.Parallel()
	svc := New(downStore{}, time.Hour, nopLogger())
	d, err := svc.Admit(context.Background(), post.Content{MessageType: post.MessageText, Text: "x"})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	if d.Accepted || d.Reason != ReasonUnavailable {
		t.Fatalf("decision = %+v, want rejected/unavailable", d)
	}
}

func TestPurge(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	st := NewMemoryStore()
	svc := New(st, 24*time.Hour, nopLogger())
	svc.SetClock(func() time.Time { return now })
	ctx := context.Background()
	for _, txt := range []string{"a", "b"} {
		if _, err := svc.Admit(ctx, post.Content{MessageType: post.MessageText, Text: txt}); err != nil {
			t.Fatal(err)
		}
	}
	now = now.Add(25 * time.Hour)
	if _, err := svc.Admit(ctx, post.Content{MessageType: post.MessageText, Text: "c"}); err != nil {
		t.Fatal(err)
	}
	n, err := svc.Purge(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Purge = %d, %v; want 2", n, err)
	}
	if st.Len() != 1 {
		t.Fatalf("store len = %d, want 1", st.Len())
	}

	if _, err := New(downStore{}, time.Hour, nopLogger()).Purge(ctx); err == nil {
		t.Fatal("purge error should be reported")
	}
}

func TestReleaseForgetsOnlyTheAdmittedRecord(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	svc := New(store, time.Hour, nopLogger())
	svc.SetClock(func() time.Time { return now })
	ctx := context.Background()
	c := post.Content{MessageType: post.MessageText, Text: "release me"}

	d, err := svc.Admit(ctx, c)
	if err != nil || !d.Accepted {
		t.Fatalf("admit = %+v, %v", d, err)
	}
	stale := d.Fingerprint
	stale.FirstSeenAt = stale.FirstSeenAt.Add(-time.Minute)
	if err := svc.Release(ctx, stale); err != nil || store.Len() != 1 {
		t.Fatalf("stale release removed record: len=%d err=%v", store.Len(), err)
	}
	if err := svc.Release(ctx, d.Fingerprint); err != nil || store.Len() != 0 {
		t.Fatalf("release: len=%d err=%v", store.Len(), err)
	}
	if d, _ := svc.Admit(ctx, c); !d.Accepted {
		t.Fatalf("readmit = %+v", d)
	}
	if err := New(downStore{}, 0, nopLogger()).Release(ctx, d.Fingerprint); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("down release err = %v", err)
	}
}
