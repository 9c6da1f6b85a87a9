package store

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const memoryShards = 16

// MemoryStore is the default in-process Store. Keys are spread over
// independently locked shards so hot services do not contend with each other.
type MemoryStore struct {
	shards [memoryShards]*memoryShard
	now    func() time.Time
}

type memoryShard struct {
	mu    sync.Mutex
	kv    map[string]memoryValue
	lists map[string][]listEntry
	timed map[string][]timedEntry
}

type memoryValue struct {
	data      []byte
	expiresAt time.Time
}

type listEntry struct {
	data []byte
}

type timedEntry struct {
	data []byte
	at   time.Time
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for i := range s.shards {
		s.shards[i] = &memoryShard{
			kv:    make(map[string]memoryValue),
			lists: make(map[string][]listEntry),
			timed: make(map[string][]timedEntry),
		}
	}
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%memoryShards]
}

// Get fetches bytes by key, returning ErrNotFound when absent or expired.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	v, ok := sh.kv[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !v.expiresAt.IsZero() && s.now().After(v.expiresAt) {
		delete(sh.kv, key)
		return nil, ErrNotFound
	}
	out := append([]byte(nil), v.data...)
	return out, nil
}

// Set stores bytes with the provided TTL.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.kv[key] = memoryValue{data: append([]byte(nil), value...), expiresAt: s.expiry(ttl)}
	return nil
}

// SetNX stores the value only if the key does not already hold a live value.
func (s *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if v, ok := sh.kv[key]; ok {
		if v.expiresAt.IsZero() || s.now().Before(v.expiresAt) {
			return false, nil
		}
	}
	sh.kv[key] = memoryValue{data: append([]byte(nil), value...), expiresAt: s.expiry(ttl)}
	return true, nil
}

// Del removes a key.
func (s *MemoryStore) Del(_ context.Context, key string) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	delete(sh.kv, key)
	delete(sh.lists, key)
	delete(sh.timed, key)
	return nil
}

// PushRecent prepends value to the list at key and trims to max entries.
func (s *MemoryStore) PushRecent(_ context.Context, key string, value []byte, max int, _ time.Duration) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	entries := append([]listEntry{{data: append([]byte(nil), value...)}}, sh.lists[key]...)
	if max > 0 && len(entries) > max {
		entries = entries[:max]
	}
	sh.lists[key] = entries
	return nil
}

// Recent returns up to limit newest-first entries from the list at key.
func (s *MemoryStore) Recent(_ context.Context, key string, limit int) ([][]byte, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	entries := sh.lists[key]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([][]byte, 0, len(entries))
	for _, e := range entries {
		out = append(out, append([]byte(nil), e.data...))
	}
	return out, nil
}

// AddTimed inserts member scored by at, pruning entries that have aged out
// of the retention window.
func (s *MemoryStore) AddTimed(_ context.Context, key string, member []byte, at time.Time, retention time.Duration) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	entries := append(sh.timed[key], timedEntry{data: append([]byte(nil), member...), at: at})
	if retention > 0 {
		cutoff := s.now().Add(-retention)
		kept := entries[:0]
		for _, e := range entries {
			if e.at.Before(cutoff) {
				continue
			}
			kept = append(kept, e)
		}
		entries = kept
	}
	sh.timed[key] = entries
	return nil
}

// TimedRange returns members scored within [from, to], oldest first.
func (s *MemoryStore) TimedRange(_ context.Context, key string, from, to time.Time) ([][]byte, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	entries := append([]timedEntry(nil), sh.timed[key]...)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })

	out := make([][]byte, 0, len(entries))
	for _, e := range entries {
		if e.at.Before(from) || e.at.After(to) {
			continue
		}
		out = append(out, append([]byte(nil), e.data...))
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}
