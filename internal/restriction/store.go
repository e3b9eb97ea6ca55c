package restriction

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

// Logger is the logging surface used by Run.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}

type key struct {
	userID string
	scope  string
}

type shard struct {
	mu      sync.RWMutex
	entries map[key]Restriction
}

// Store is the sharded in-memory restriction table. All methods are safe
// for concurrent use.
type Store struct {
	shards [shardCount]*shard
	now    func() time.Time

	logger    Logger
	onCompact func(remaining int)
}

// NewStore creates an empty store. A nil now uses time.Now.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	s := &Store{now: now, logger: noopLogger{}}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[key]Restriction)}
	}
	return s
}

// SetLogger sets the logger used by Run.
func (s *Store) SetLogger(logger Logger) {
	s.logger = logger
}

// SetOnCompact registers a callback invoked after each compaction with the
// number of live entries. Set it before calling Run.
func (s *Store) SetOnCompact(fn func(remaining int)) {
	s.onCompact = fn
}

func (s *Store) shardFor(k key) *shard {
	h := fnv.New32a()
	h.Write([]byte(k.userID)) //nolint:errcheck // hash.Hash never fails
	h.Write([]byte{0})        //nolint:errcheck // hash.Hash never fails
	h.Write([]byte(k.scope))  //nolint:errcheck // hash.Hash never fails
	return s.shards[h.Sum32()%shardCount]
}

// Set stores r for (userID, scope), replacing any previous entry.
func (s *Store) Set(userID, scope string, r Restriction, validUntil time.Time) {
	k := key{userID, scope}
	r = r.Clone()
	r.ValidUntil = validUntil

	sh := s.shardFor(k)
	sh.mu.Lock()
	sh.entries[k] = r
	sh.mu.Unlock()
}

// Get returns the live restriction for (userID, scope). An entry whose
// ValidUntil has passed is removed and reported as absent.
func (s *Store) Get(userID, scope string) (Restriction, bool) {
	k := key{userID, scope}
	sh := s.shardFor(k)
	now := s.now()

	sh.mu.RLock()
	r, ok := sh.entries[k]
	sh.mu.RUnlock()
	if !ok {
		return Restriction{}, false
	}
	if now.Before(r.ValidUntil) {
		return r.Clone(), true
	}

	sh.mu.Lock()
	// Re-check: a concurrent Set may have replaced the expired entry.
	if cur, ok := sh.entries[k]; ok && !now.Before(cur.ValidUntil) {
		delete(sh.entries, k)
	}
	sh.mu.Unlock()
	return Restriction{}, false
}

// Effective returns the restriction that applies to a request for scope:
// the scope-specific entry if present, else the user-wide one.
func (s *Store) Effective(userID, scope string) (Restriction, bool) {
	if scope != "" {
		if r, ok := s.Get(userID, scope); ok {
			return r, true
		}
	}
	return s.Get(userID, "")
}

// Delete removes the entry for (userID, scope) if present.
func (s *Store) Delete(userID, scope string) {
	k := key{userID, scope}
	sh := s.shardFor(k)
	sh.mu.Lock()
	delete(sh.entries, k)
	sh.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included until
// they are compacted or read.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Compact removes every entry expired at now and returns how many went.
func (s *Store) Compact(now time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, r := range sh.entries {
			if !now.Before(r.ValidUntil) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Run compacts every interval until ctx is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := s.Compact(s.now())
			remaining := s.Len()
			if removed > 0 {
				s.logger.Debug("restrictions compacted", "removed", removed, "remaining", remaining)
			}
			if s.onCompact != nil {
				s.onCompact(remaining)
			}
		}
	}
}
