package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pewpost/internal/dedup"
	"pewpost/internal/experiment"
	"pewpost/internal/post"
	logx "pewpost/pkg/logx"
)

// fileStore keeps everything in memory and, when backed by files, journals
// each mutation.
//
// Files:
//   - <prefix>.audit.jsonl     (append-only JSON Lines)
//   - <prefix>.snapshot.json   (periodic snapshot)
//   - <prefix>.journal.jsonl   (append-only journal)
//
// The journal is periodically compacted into the snapshot. Without files
// (the "memory" driver) nothing survives a restart.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	snapshotPath string
	journalFile  *os.File
	writes       int

	state fileState
}

type fileState struct {
	Fingerprints map[string]dedup.Fingerprint `json:"fingerprints"`
	Posts        map[string]postRow           `json:"posts"`
	Tests        map[string]experiment.Test   `json:"tests"`
}

func newFileState() fileState {
	return fileState{
		Fingerprints: map[string]dedup.Fingerprint{},
		Posts:        map[string]postRow{},
		Tests:        map[string]experiment.Test{},
	}
}

const (
	kindFingerprint = "fp"
	kindPost        = "post"
	kindTest        = "test"
)

type journalRecord struct {
	Kind string          `json:"k"`
	Key  string          `json:"id"`
	Data json.RawMessage `json:"d"`
}

func openMemory(log logx.Logger) *fileStore {
	return &fileStore{log: log, state: newFileState()}
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	st := newFileState()
	if err := loadSnapshot(snapPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("journal replay incomplete", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		state:        st,
	}, nil
}

func (s *fileStore) Ping(context.Context) error { return nil }

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("compact on close failed", logx.Err(err))
		}
	}
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.journalFile != nil {
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		s.log.Info("audit", logx.String("action", e.Action), logx.String("target", e.Target), logx.Bool("ok", e.OK))
		return nil
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutIfAbsent(_ context.Context, fp dedup.Fingerprint, notBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.state.Fingerprints[fp.Hash]; ok && !cur.FirstSeenAt.Before(notBefore) {
		return false, nil
	}
	if err := s.journalLocked(kindFingerprint, fp.Hash, fp); err != nil {
		return false, err
	}
	s.state.Fingerprints[fp.Hash] = fp
	return true, nil
}

func (s *fileStore) Get(_ context.Context, hash string) (dedup.Fingerprint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.state.Fingerprints[hash]
	return fp, ok, nil
}

func (s *fileStore) Release(_ context.Context, fp dedup.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.state.Fingerprints[fp.Hash]
	if !ok || !cur.FirstSeenAt.Equal(fp.FirstSeenAt) {
		return nil
	}
	delete(s.state.Fingerprints, fp.Hash)
	if s.journalFile != nil {
		return s.compactLocked()
	}
	return nil
}

func (s *fileStore) PurgeBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, fp := range s.state.Fingerprints {
		if fp.FirstSeenAt.Before(cutoff) {
			delete(s.state.Fingerprints, k)
			n++
		}
	}
	if n > 0 && s.journalFile != nil {
		// Deletions are not journaled one by one; a snapshot covers them.
		if err := s.compactLocked(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (s *fileStore) SavePost(_ context.Context, rec post.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := toRow(rec)
	if err := s.journalLocked(kindPost, rec.Post.ID, row); err != nil {
		return err
	}
	s.state.Posts[rec.Post.ID] = row
	return nil
}

func (s *fileStore) LoadActive(context.Context) ([]post.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []post.Record
	for _, r := range s.state.Posts {
		if !r.State.Terminal() {
			out = append(out, r.record())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Post.ScheduledTime.Before(out[j].Post.ScheduledTime)
	})
	return out, nil
}

func (s *fileStore) GetPost(_ context.Context, id string) (post.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.state.Posts[id]
	if !ok {
		return post.Record{}, false, nil
	}
	return r.record(), true, nil
}

func (s *fileStore) SaveTest(_ context.Context, t experiment.Test) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.journalLocked(kindTest, t.ID, t); err != nil {
		return err
	}
	s.state.Tests[t.ID] = t
	return nil
}

func (s *fileStore) LoadTests(context.Context) ([]experiment.Test, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]experiment.Test, 0, len(s.state.Tests))
	for _, t := range s.state.Tests {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) journalLocked(kind, key string, v any) error {
	if s.journalFile == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(s.journalFile).Encode(journalRecord{Kind: kind, Key: key, Data: data}); err != nil {
		return err
	}
	s.writes++
	if s.writes%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st := newFileState()
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	for k, v := range st.Fingerprints {
		out.Fingerprints[k] = v
	}
	for k, v := range st.Posts {
		out.Posts[k] = v
	}
	for k, v := range st.Tests {
		out.Tests[k] = v
	}
	return nil
}

func replayJournal(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		switch r.Kind {
		case kindFingerprint:
			var fp dedup.Fingerprint
			if json.Unmarshal(r.Data, &fp) == nil {
				out.Fingerprints[r.Key] = fp
			}
		case kindPost:
			var row postRow
			if json.Unmarshal(r.Data, &row) == nil {
				out.Posts[r.Key] = row
			}
		case kindTest:
			var t experiment.Test
			if json.Unmarshal(r.Data, &t) == nil {
				out.Tests[r.Key] = t
			}
		}
	}
	return sc.Err()
}
