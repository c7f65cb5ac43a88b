package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"pewpost/internal/dedup"
	"pewpost/internal/experiment"
	"pewpost/internal/post"
	logx "pewpost/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := newSQLStore(db, log)
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func newSQLStore(db *sql.DB, log logx.Logger) *sqliteStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqliteStore{db: db, log: log, pruneEvery: 500}
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.db.PingContext(ctx)
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutIfAbsent(ctx context.Context, fp dedup.Fingerprint, notBefore time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	// The conditional upsert keeps check-and-set in one statement: a live
	// record leaves the row untouched and reports zero changes.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO fingerprints(hash, first_seen, content_type) VALUES(?,?,?)
		 ON CONFLICT(hash) DO UPDATE SET first_seen=excluded.first_seen, content_type=excluded.content_type
		 WHERE fingerprints.first_seen < ?`,
		fp.Hash, fp.FirstSeenAt.UnixMilli(), nullStr(fp.ContentType), notBefore.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		if s.opCount.Add(1)%s.pruneEvery == 0 {
			pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			_, _ = s.PurgeBefore(pctx, notBefore)
			cancel()
		}
	}
	return n > 0, nil
}

func (s *sqliteStore) Get(ctx context.Context, hash string) (dedup.Fingerprint, bool, error) {
	if s == nil || s.db == nil {
		return dedup.Fingerprint{}, false, ErrDisabled
	}
	var (
		ms int64
		ct sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT first_seen, content_type FROM fingerprints WHERE hash = ?`, hash).Scan(&ms, &ct)
	if errors.Is(err, sql.ErrNoRows) {
		return dedup.Fingerprint{}, false, nil
	}
	if err != nil {
		return dedup.Fingerprint{}, false, err
	}
	return dedup.Fingerprint{Hash: hash, FirstSeenAt: time.UnixMilli(ms), ContentType: ct.String}, true, nil
}

func (s *sqliteStore) Release(ctx context.Context, fp dedup.Fingerprint) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM fingerprints WHERE hash = ? AND first_seen = ?`,
		fp.Hash, fp.FirstSeenAt.UnixMilli())
	return err
}

func (s *sqliteStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM fingerprints WHERE first_seen < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) SavePost(ctx context.Context, rec post.Record) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	body, err := json.Marshal(rec.Post)
	if err != nil {
		return err
	}
	var result any
	if rec.Result != nil {
		b, err := json.Marshal(rec.Result)
		if err != nil {
			return err
		}
		result = string(b)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO posts(id, channel_id, state, scheduled_at, body, result, updated_at) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET state=excluded.state, scheduled_at=excluded.scheduled_at,
		   body=excluded.body, result=excluded.result, updated_at=excluded.updated_at`,
		rec.Post.ID, rec.Post.ChannelID, string(rec.State), rec.Post.ScheduledTime.UnixMilli(),
		string(body), result, rec.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) LoadActive(ctx context.Context) ([]post.Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, body, result, updated_at FROM posts
		 WHERE state NOT IN (?, ?) ORDER BY scheduled_at`,
		string(post.StatePublished), string(post.StateFailed),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []post.Record
	for rows.Next() {
		rec, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetPost(ctx context.Context, id string) (post.Record, bool, error) {
	if s == nil || s.db == nil {
		return post.Record{}, false, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx, `SELECT state, body, result, updated_at FROM posts WHERE id = ?`, id)
	rec, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return post.Record{}, false, nil
	}
	if err != nil {
		return post.Record{}, false, err
	}
	return rec, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPost(sc scanner) (post.Record, error) {
	var (
		state, body string
		result      sql.NullString
		updated     int64
	)
	if err := sc.Scan(&state, &body, &result, &updated); err != nil {
		return post.Record{}, err
	}
	rec := post.Record{State: post.State(state), UpdatedAt: time.UnixMilli(updated)}
	if err := json.Unmarshal([]byte(body), &rec.Post); err != nil {
		return post.Record{}, fmt.Errorf("decode post: %w", err)
	}
	if result.Valid && result.String != "" {
		var r post.PublishResult
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return post.Record{}, fmt.Errorf("decode result: %w", err)
		}
		rec.Result = &r
	}
	return rec, nil
}

func (s *sqliteStore) SaveTest(ctx context.Context, t experiment.Test) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO experiments(id, status, body, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, body=excluded.body, updated_at=excluded.updated_at`,
		t.ID, string(t.Status), string(body), time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) LoadTests(ctx context.Context) ([]experiment.Test, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM experiments ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []experiment.Test
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var t experiment.Test
		if err := json.Unmarshal([]byte(body), &t); err != nil {
			return nil, fmt.Errorf("decode test: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	ok := 0
	if e.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, target, ok, err, meta) VALUES(?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), nullStr(e.Actor), e.Action, nullStr(e.Target), ok, nullStr(e.Error), nullStr(e.Meta),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
