package cache

import (
	"strings"
	"sync"
	"time"

	"marketdata/internal/market"
)

// Key addresses one cached result. Range is empty for quotes.
type Key struct {
	Symbol market.Symbol
	Kind   market.QueryKind
	Range  market.Range
}

func (k Key) String() string {
	return strings.Join([]string{string(k.Kind), string(k.Symbol), string(k.Range)}, "|")
}

// Versioned values refuse to be replaced by an older version while the
// current entry is live.
type Versioned interface {
	Version() time.Time
}

type entry struct {
	value     any
	fetchedAt time.Time
	ttl       time.Duration
}

func (e entry) age(now time.Time) time.Duration { return now.Sub(e.fetchedAt) }

func (e entry) live(now time.Time) bool { return e.age(now) <= e.ttl }

// bucket groups the entries of one symbol and query kind.
type bucket struct {
	Symbol market.Symbol
	Kind   market.QueryKind
}

// Store is an in-memory TTL cache keyed by (symbol, kind, range).
// Each (symbol, kind) bucket holds at most MaxPerBucket entries; the
// oldest fetched entry is evicted first. Entries are replaced whole, so a
// reader sees either the old or the new value.
type Store struct {
	maxPerBucket int
	now          func() time.Time

	mu      sync.RWMutex
	items   map[Key]entry
	buckets map[bucket]map[Key]struct{}
}

// New returns an empty store. maxPerBucket <= 0 disables the bound and a nil
// clock means time.Now.
func New(maxPerBucket int, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		maxPerBucket: maxPerBucket,
		now:          now,
		items:        make(map[Key]entry),
		buckets:      make(map[bucket]map[Key]struct{}),
	}
}

// Get returns the value for key and its age. A stale entry is a miss.
func (s *Store) Get(key Key) (any, time.Duration, bool) {
	now := s.now()
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || !e.live(now) {
		return nil, 0, false
	}
	return e.value, e.age(now), true
}

// Put stores value under key for ttl. It reports false when the write was
// refused because it would move a live Versioned entry backwards.
func (s *Store) Put(key Key, value any, ttl time.Duration) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.items[key]; ok && old.live(now) && regresses(old.value, value) {
		return false
	}
	s.items[key] = entry{value: value, fetchedAt: now, ttl: ttl}

	b := bucket{Symbol: key.Symbol, Kind: key.Kind}
	members := s.buckets[b]
	if members == nil {
		members = make(map[Key]struct{})
		s.buckets[b] = members
	}
	members[key] = struct{}{}
	s.evictLocked(b, members)
	return true
}

// Invalidate drops key if present.
func (s *Store) Invalidate(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(key)
}

// Len counts stored entries, stale ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Prune removes stale entries and returns how many were dropped.
func (s *Store) Prune() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.items {
		if !e.live(now) {
			s.removeLocked(k)
			n++
		}
	}
	return n
}

func (s *Store) evictLocked(b bucket, members map[Key]struct{}) {
	if s.maxPerBucket <= 0 {
		return
	}
	for len(members) > s.maxPerBucket {
		var (
			oldest Key
			at     time.Time
			first  = true
		)
		for k := range members {
			e := s.items[k]
			if first || e.fetchedAt.Before(at) {
				oldest, at, first = k, e.fetchedAt, false
			}
		}
		s.removeLocked(oldest)
	}
}

func (s *Store) removeLocked(key Key) {
	delete(s.items, key)
	b := bucket{Symbol: key.Symbol, Kind: key.Kind}
	if members, ok := s.buckets[b]; ok {
		delete(members, key)
		if len(members) == 0 {
			delete(s.buckets, b)
		}
	}
}

func regresses(old, next any) bool {
	ov, ok := old.(Versioned)
	if !ok {
		return false
	}
	nv, ok := next.(Versioned)
	if !ok {
		return false
	}
	return nv.Version().Before(ov.Version())
}
