package testutil

import (
	"context"
	"encoding/json"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process stand-in for the Redis-backed key-value store.
// Values are kept JSON-encoded so tests observe the same round-trip behavior.
type MemoryStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:    make(map[string][]byte),
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

// GetJSON decodes the value stored under key into dest
func (s *MemoryStore) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	s.mu.Lock()
	raw, ok := s.get(key)
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

// SetJSON encodes value under key
func (s *MemoryStore) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(key, raw, ttl)
	return nil
}

// GetInt reads a counter, treating a missing key as zero
func (s *MemoryStore) GetInt(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.get(key)
	if !ok {
		return 0, nil
	}
	return strconv.ParseInt(string(raw), 10, 64)
}

// IncrWithTTL increments a counter and sets its expiry when it is created
func (s *MemoryStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	if raw, ok := s.get(key); ok {
		parsed, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n++
	if n == 1 {
		s.set(key, []byte(strconv.FormatInt(n, 10)), ttl)
	} else {
		s.data[key] = []byte(strconv.FormatInt(n, 10))
	}
	return n, nil
}

// Decrement lowers an existing counter, never below zero, keeping its expiry
func (s *MemoryStore) Decrement(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.get(key)
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		n--
	}
	s.data[key] = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

// DeleteKeys removes keys
func (s *MemoryStore) DeleteKeys(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.data, key)
		delete(s.expires, key)
	}
	return nil
}

// Keys lists keys matching a glob pattern, sorted
func (s *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key := range s.data {
		if _, ok := s.get(key); !ok {
			continue
		}
		if matched, _ := path.Match(pattern, key); matched {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// TTL returns the remaining lifetime of a key, zero when it has none
func (s *MemoryStore) TTL(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.expires[key]
	if !ok {
		return 0
	}
	return exp.Sub(s.now())
}

// Has reports whether a live key exists
func (s *MemoryStore) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.get(key)
	return ok
}

func (s *MemoryStore) get(key string) ([]byte, bool) {
	raw, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if exp, has := s.expires[key]; has && !s.now().Before(exp) {
		delete(s.data, key)
		delete(s.expires, key)
		return nil, false
	}
	return raw, true
}

func (s *MemoryStore) set(key string, raw []byte, ttl time.Duration) {
	s.data[key] = raw
	if ttl > 0 {
		s.expires[key] = s.now().Add(ttl)
	} else {
		delete(s.expires, key)
	}
}
