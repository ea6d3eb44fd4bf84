package logic

import (
	"sync"
	"sync/atomic"
)

type storeEntry struct {
	mu  sync.Mutex
	rec ProxyRecord
}

// ProxyStore holds every known proxy keyed by (protocol, address).
//
// The index lock only guards the map and the insertion order; record fields
// are guarded by the per-entry mutex, so validator workers updating different
// records never serialise on each other.
type ProxyStore struct {
	mu      sync.RWMutex
	entries map[Key]*storeEntry
	order   []Key

	epoch atomic.Uint64
}

func NewProxyStore() *ProxyStore {
	return &ProxyStore{entries: make(map[Key]*storeEntry, 256)}
}

// Epoch changes every time the store is cleared. Probes capture it before
// dialing and hand it back to Update.
func (s *ProxyStore) Epoch() uint64 {
	return s.epoch.Load()
}

func (s *ProxyStore) lookup(k Key) (*storeEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[k]
	return e, ok
}

// Upsert stores rec, replacing any record with the same key. A replaced
// record keeps its insertion position.
func (s *ProxyStore) Upsert(rec ProxyRecord) {
	k := rec.Key()
	if e, ok := s.lookup(k); ok {
		e.mu.Lock()
		e.rec = rec.clone()
		e.mu.Unlock()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[k]; ok {
		e.mu.Lock()
		e.rec = rec.clone()
		e.mu.Unlock()
		return
	}
	s.entries[k] = &storeEntry{rec: rec.clone()}
	s.order = append(s.order, k)
}

// AddCandidate inserts rec if its key is new. For a known key only the
// source metadata is refreshed so earlier probe results survive a re-fetch.
// It reports whether a new record was inserted.
func (s *ProxyStore) AddCandidate(rec ProxyRecord) bool {
	k := rec.Key()
	if e, ok := s.lookup(k); ok {
		e.refreshMeta(rec)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[k]; ok {
		e.refreshMeta(rec)
		return false
	}
	if rec.Anonymity == "" {
		rec.Anonymity = AnonymityUnknown
	}
	rec.Score = Score(rec)
	s.entries[k] = &storeEntry{rec: rec.clone()}
	s.order = append(s.order, k)
	return true
}

func (e *storeEntry) refreshMeta(rec ProxyRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec.Source != "" {
		e.rec.Source = rec.Source
	}
	if rec.Region != "" {
		e.rec.Region = rec.Region
	}
	if rec.User != "" || rec.Pass != "" {
		e.rec.User = rec.User
		e.rec.Pass = rec.Pass
	}
}

func (s *ProxyStore) Get(protocol Protocol, address string) (ProxyRecord, error) {
	e, ok := s.lookup(Key{Protocol: protocol, Address: address})
	if !ok {
		return ProxyRecord{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.clone(), nil
}

// Update applies fn to the record under its own lock. It fails with
// ErrStaleEpoch when the store was cleared after epoch was taken and with
// ErrNotFound when the key is gone; in both cases nothing is written.
func (s *ProxyStore) Update(k Key, epoch uint64, fn func(*ProxyRecord)) error {
	e, ok := s.lookup(k)
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.epoch.Load() != epoch {
		return ErrStaleEpoch
	}
	fn(&e.rec)
	return nil
}

// List returns copies of the records of protocol in insertion order. An
// empty protocol lists everything.
func (s *ProxyStore) List(protocol Protocol) []ProxyRecord {
	s.mu.RLock()
	entries := make([]*storeEntry, 0, len(s.order))
	for _, k := range s.order {
		if protocol != "" && k.Protocol != protocol {
			continue
		}
		entries = append(entries, s.entries[k])
	}
	s.mu.RUnlock()

	out := make([]ProxyRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.rec.clone())
		e.mu.Unlock()
	}
	return out
}

// RemoveAll drops every record. Bumping the epoch under the index lock and
// then taking each old entry lock waits out any write-back already holding
// one, and makes every later write-back from an older epoch fail.
func (s *ProxyStore) RemoveAll() int {
	s.mu.Lock()
	old := s.entries
	n := len(s.order)
	s.epoch.Add(1)
	s.entries = make(map[Key]*storeEntry, 256)
	s.order = nil
	s.mu.Unlock()

	for _, e := range old {
		// Wait for write-backs that passed the epoch check before the bump.
		e.mu.Lock()
		e.mu.Unlock() //nolint:staticcheck
	}
	return n
}

func (s *ProxyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

type PoolCounts struct {
	Total     int `json:"total"`
	Validated int `json:"validated"`
	Excluded  int `json:"excluded"`
}

// Counts summarises the store per protocol.
func (s *ProxyStore) Counts(maxFailures int) map[Protocol]PoolCounts {
	out := make(map[Protocol]PoolCounts, len(Protocols))
	for _, p := range Protocols {
		out[p] = PoolCounts{}
	}
	for _, r := range s.List("") {
		c := out[r.Protocol]
		c.Total++
		if r.Validated() {
			c.Validated++
		}
		if r.Excluded(maxFailures) {
			c.Excluded++
		}
		out[r.Protocol] = c
	}
	return out
}
