package dedup

import (
	"context"
	"sync"
	"time"
)

// Store persists fingerprints.
//
// PutIfAbsent must be atomic: it stores fp and returns true when no
// fingerprint with the same hash was first seen after notBefore; otherwise it
// leaves the existing record untouched and returns false. Records older than
// notBefore count as absent and are overwritten.
type Store interface {
	PutIfAbsent(ctx context.Context, fp Fingerprint, notBefore time.Time) (bool, error)
	Get(ctx context.Context, hash string) (Fingerprint, bool, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int, error)
	// Release removes fp when the stored record is still the one fp
	// describes (same FirstSeenAt). A missing record is not an error.
	Release(ctx context.Context, fp Fingerprint) error
}

// MemoryStore is a single-instance Store guarded by a mutex.
type MemoryStore struct {
	mu sync.Mutex
	m  map[string]Fingerprint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: map[string]Fingerprint{}}
}

func (s *MemoryStore) PutIfAbsent(_ context.Context, fp Fingerprint, notBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.m[fp.Hash]; ok && !cur.FirstSeenAt.Before(notBefore) {
		return false, nil
	}
	s.m[fp.Hash] = fp
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, hash string) (Fingerprint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.m[hash]
	return fp, ok, nil
}

func (s *MemoryStore) PurgeBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, fp := range s.m {
		if fp.FirstSeenAt.Before(cutoff) {
			delete(s.m, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Release(_ context.Context, fp Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.m[fp.Hash]; ok && cur.FirstSeenAt.Equal(fp.FirstSeenAt) {
		delete(s.m, fp.Hash)
	}
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
