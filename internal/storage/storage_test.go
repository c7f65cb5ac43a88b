package storage

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"pewpost/internal/dedup"
	"pewpost/internal/experiment"
	"pewpost/internal/post"
	logx "pewpost/pkg/logx"

	"github.com/DATA-DOG/go-sqlmock"
)

func openDriver(t *testing.T, driver, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open %s: %v", driver, err)
	}
	return st
}

func TestStoreDrivers(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"memory", "file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "state", "pewpost.db")
			st := openDriver(t, driver, path)
			exerciseStore(t, st)
			if err := st.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
			if driver == "memory" {
				return
			}

			// Reopen: state survives.
			st = openDriver(t, driver, path)
			defer st.Close()
			ctx := context.Background()
			active, err := st.LoadActive(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(active) != 1 || active[0].Post.ID != "p-pending" {
				t.Fatalf("active after reopen = %+v", active)
			}
			tests, err := st.LoadTests(ctx)
			if err != nil || len(tests) != 1 || tests[0].Variants[1].Counters.Clicks != 7 {
				t.Fatalf("tests after reopen = %+v, %v", tests, err)
			}
			if _, ok, _ := st.Get(ctx, "h1"); !ok {
				t.Fatal("fingerprint lost on reopen")
			}
		})
	}
}

func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	retention := 30 * 24 * time.Hour

	fp := dedup.Fingerprint{Hash: "h1", FirstSeenAt: base, ContentType: "news"}
	ok, err := st.PutIfAbsent(ctx, fp, base.Add(-retention))
	if err != nil || !ok {
		t.Fatalf("first put = %v, %v", ok, err)
	}
	later := base.Add(24 * time.Hour)
	ok, err = st.PutIfAbsent(ctx, dedup.Fingerprint{Hash: "h1", FirstSeenAt: later}, later.Add(-retention))
	if err != nil || ok {
		t.Fatalf("put within retention = %v, %v", ok, err)
	}
	got, found, err := st.Get(ctx, "h1")
	if err != nil || !found || !got.FirstSeenAt.Equal(base) {
		t.Fatalf("get = %+v, %v, %v", got, found, err)
	}

	if err := st.SavePost(ctx, post.Record{
		Post:      post.ScheduledPost{ID: "p-pending", ChannelID: "@c", Content: post.Content{MessageType: post.MessageText, Text: "a"}, ScheduledTime: base, MaxRetries: 3},
		State:     post.StatePending,
		UpdatedAt: base,
	}); err != nil {
		t.Fatal(err)
	}
	done := post.Record{
		Post:      post.ScheduledPost{ID: "p-done", ChannelID: "@c", Content: post.Content{MessageType: post.MessageText, Text: "b"}, ScheduledTime: base},
		State:     post.StatePublished,
		Result:    &post.PublishResult{PostID: "p-done", Success: true, ExternalMessageID: "99", PublishedAt: base},
		UpdatedAt: base,
	}
	if err := st.SavePost(ctx, done); err != nil {
		t.Fatal(err)
	}
	active, err := st.LoadActive(ctx)
	if err != nil || len(active) != 1 || active[0].Post.ID != "p-pending" {
		t.Fatalf("active = %+v, %v", active, err)
	}
	rec, found, err := st.GetPost(ctx, "p-done")
	if err != nil || !found || rec.Result == nil || rec.Result.ExternalMessageID != "99" {
		t.Fatalf("get post = %+v, %v, %v", rec, found, err)
	}
	if _, found, _ := st.GetPost(ctx, "missing"); found {
		t.Fatal("missing post found")
	}

	test := experiment.Test{
		ID:            "t1",
		PrimaryMetric: experiment.MetricClickRate,
		Status:        experiment.StatusRunning,
		Variants: []experiment.Variant{
			{ID: "a", Weight: 1},
			{ID: "b", Weight: 1, Counters: experiment.Counters{Views: 10, Clicks: 2}},
		},
	}
	if err := st.SaveTest(ctx, test); err != nil {
		t.Fatal(err)
	}
	test.Variants[1].Counters.Clicks = 7
	if err := st.SaveTest(ctx, test); err != nil {
		t.Fatal(err)
	}

	if err := st.AppendAudit(ctx, AuditEntry{Actor: "ops", Action: "cancel", Target: "p-x", OK: true}); err != nil {
		t.Fatalf("audit: %v", err)
	}
	if err := st.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	// Release only drops the record it was admitted as.
	rel := dedup.Fingerprint{Hash: "h3", FirstSeenAt: base}
	if _, err := st.PutIfAbsent(ctx, rel, base.Add(-retention)); err != nil {
		t.Fatal(err)
	}
	if err := st.Release(ctx, dedup.Fingerprint{Hash: "h3", FirstSeenAt: later}); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if _, found, _ := st.Get(ctx, "h3"); !found {
		t.Fatal("stale release dropped the record")
	}
	if err := st.Release(ctx, rel); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, found, _ := st.Get(ctx, "h3"); found {
		t.Fatal("released fingerprint still stored")
	}
	if err := st.Release(ctx, rel); err != nil {
		t.Fatalf("release of missing record: %v", err)
	}

	// Purge: h2 is outside the window, h1 is not.
	old := dedup.Fingerprint{Hash: "h2", FirstSeenAt: base.Add(-40 * 24 * time.Hour)}
	if _, err := st.PutIfAbsent(ctx, old, old.FirstSeenAt.Add(-retention)); err != nil {
		t.Fatal(err)
	}
	n, err := st.PurgeBefore(ctx, base.Add(-retention))
	if err != nil || n != 1 {
		t.Fatalf("purge = %d, %v", n, err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatal("sqlite without path should fail")
	}
}

func TestSQLiteUnreachableFailsClosed(t *testing.T) {
	t.Parallel()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	st := newSQLStore(db, logx.Nop())
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO fingerprints")).
		WillReturnError(errors.New("database is locked"))

	svc := dedup.New(st, time.Hour, logx.Nop())
	d, err := svc.Admit(context.Background(), post.Content{MessageType: post.MessageText, Text: "breaking"})
	if !errors.Is(err, dedup.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	if d.Accepted {
		t.Fatal("content admitted while store unavailable")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLiteDuplicateLooksUpFirstSeen(t *testing.T) {
	t.Parallel()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	first := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	st := newSQLStore(db, logx.Nop())
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO fingerprints")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT first_seen, content_type FROM fingerprints")).
		WillReturnRows(sqlmock.NewRows([]string{"first_seen", "content_type"}).AddRow(first.UnixMilli(), "news"))

	svc := dedup.New(st, 30*24*time.Hour, logx.Nop())
	d, err := svc.Admit(context.Background(), post.Content{MessageType: post.MessageText, Text: "breaking"})
	if err != nil {
		t.Fatal(err)
	}
	if d.Accepted || d.Reason != dedup.ReasonDuplicate || !d.Fingerprint.FirstSeenAt.Equal(first) {
		t.Fatalf("decision = %+v", d)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRedisUnreachableFailsClosed(t *testing.T) {
	t.Parallel()
	r, err := NewRedisFingerprints(RedisConfig{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	svc := dedup.New(r, time.Hour, logx.Nop())
	_, err = svc.Admit(context.Background(), post.Content{MessageType: post.MessageText, Text: "x"})
	if !errors.Is(err, dedup.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	if _, err := NewRedisFingerprints(RedisConfig{}); err == nil {
		t.Fatal("empty addr should fail")
	}
}
