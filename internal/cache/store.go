// Package cache implements the normalized in-memory entity store that is
// the single source of render truth, plus the stale-time query layer on
// top of it.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/nightdesk/syncd/internal/domain"
	"github.com/rs/zerolog"
)

// Source records which path produced a cache write.
type Source string

const (
	SourceOptimistic Source = "optimistic"
	SourceServer     Source = "server"
	SourcePush       Source = "push"
)

// authoritative reports whether the source carries a server timestamp.
func (s Source) authoritative() bool {
	return s == SourceServer || s == SourcePush
}

// Entry is a cached entity snapshot with its write provenance.
type Entry struct {
	Entity    domain.Entity
	Source    Source
	UpdatedAt time.Time
}

// Store is the process-wide entity cache. All mutation is funneled through
// Write/Reconcile/Revert/Evict; readers get immutable snapshots.
type Store struct {
	log zerolog.Logger

	mu      sync.Mutex
	entries map[string]Entry
	byKey   map[string]map[string]struct{}

	idSubs  map[string]map[int]func()
	keySubs map[string]map[int]func()
	allSubs map[int]func(ids []string)
	nextSub int

	batchDepth  int
	pendingIDs  map[string]struct{}
	pendingKeys map[string]struct{}
}

// NewStore creates an empty store.
func NewStore(log zerolog.Logger) *Store {
	return &Store{
		log:         log.With().Str("component", "cache").Logger(),
		entries:     make(map[string]Entry),
		byKey:       make(map[string]map[string]struct{}),
		idSubs:      make(map[string]map[int]func()),
		keySubs:     make(map[string]map[int]func()),
		allSubs:     make(map[int]func(ids []string)),
		pendingIDs:  make(map[string]struct{}),
		pendingKeys: make(map[string]struct{}),
	}
}

// Write applies an entity snapshot under the precedence rule: the write
// with the latest timestamp wins regardless of arrival order, and at equal
// timestamps an authoritative (server/push) write beats an optimistic one.
// It returns whether the write was applied or superseded.
func (s *Store) Write(entity domain.Entity, source Source, updatedAt time.Time) bool {
	id := entity.EntityID()

	s.mu.Lock()
	existing, ok := s.entries[id]
	if ok && !wins(existing, source, updatedAt) {
		s.mu.Unlock()
		// Not an error: the write simply lost the precedence race.
		s.log.Debug().
			Str("id", id).
			Str("source", string(source)).
			Time("updated_at", updatedAt).
			Time("current", existing.UpdatedAt).
			Msg("stale write ignored")
		return false
	}
	s.apply(id, Entry{Entity: entity, Source: source, UpdatedAt: updatedAt}, ok, existing)
	notify := s.collectLocked()
	s.mu.Unlock()

	notify()
	return true
}

// Reconcile applies a server-confirmed entity. Unlike Write it replaces an
// optimistic entry even if the optimistic local timestamp ran ahead of the
// server clock, but it never regresses an entry already owned by a newer
// server or push write.
func (s *Store) Reconcile(entity domain.Entity, updatedAt time.Time) bool {
	id := entity.EntityID()

	s.mu.Lock()
	existing, ok := s.entries[id]
	if ok && existing.Source.authoritative() && existing.UpdatedAt.After(updatedAt) {
		s.mu.Unlock()
		s.log.Debug().Str("id", id).Msg("reconcile superseded by newer authoritative write")
		return false
	}
	s.apply(id, Entry{Entity: entity, Source: SourceServer, UpdatedAt: updatedAt}, ok, existing)
	notify := s.collectLocked()
	s.mu.Unlock()

	notify()
	return true
}

// Revert restores a rollback snapshot, but only while the current entry is
// still optimistic-sourced: any server or push write that landed since the
// optimistic apply wins over the rollback. A nil snapshot evicts the id
// (the optimistic write created the entity).
func (s *Store) Revert(id string, snapshot *Entry) bool {
	s.mu.Lock()
	existing, ok := s.entries[id]
	if !ok || existing.Source != SourceOptimistic {
		s.mu.Unlock()
		return false
	}
	if snapshot == nil {
		s.evictLocked(id, existing)
	} else {
		s.apply(id, *snapshot, true, existing)
	}
	notify := s.collectLocked()
	s.mu.Unlock()

	notify()
	return true
}

// Read returns the current snapshot for an id.
func (s *Store) Read(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}

// ReadKey returns all entries under a query key, oldest first.
func (s *Store) ReadKey(key string) []Entry {
	s.mu.Lock()
	ids := s.byKey[key]
	out := make([]Entry, 0, len(ids))
	for id := range ids {
		out = append(out, s.entries[id])
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].Entity.EntityID() < out[j].Entity.EntityID()
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out
}

// Evict removes an entity, e.g. when a conversation is closed. Eviction is
// always explicit: connection loss never clears the cache.
func (s *Store) Evict(id string) {
	s.mu.Lock()
	existing, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.evictLocked(id, existing)
	notify := s.collectLocked()
	s.mu.Unlock()

	notify()
}

// Batch runs fn with notification delivery deferred until it returns, so
// subscribers see one notification per batch instead of one per write.
func (s *Store) Batch(fn func()) {
	s.mu.Lock()
	s.batchDepth++
	s.mu.Unlock()

	fn()

	s.mu.Lock()
	s.batchDepth--
	notify := s.collectLocked()
	s.mu.Unlock()

	notify()
}

// Subscribe registers a callback fired after every applied write affecting
// the id. The returned function unsubscribes synchronously: no callback
// fires after it returns.
func (s *Store) Subscribe(id string, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idSubs[id] == nil {
		s.idSubs[id] = make(map[int]func())
	}
	sub := s.nextSub
	s.nextSub++
	s.idSubs[id][sub] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.idSubs[id], sub)
		if len(s.idSubs[id]) == 0 {
			delete(s.idSubs, id)
		}
	}
}

// SubscribeKey registers a callback fired after every applied write
// affecting the query key.
func (s *Store) SubscribeKey(key string, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keySubs[key] == nil {
		s.keySubs[key] = make(map[int]func())
	}
	sub := s.nextSub
	s.nextSub++
	s.keySubs[key][sub] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.keySubs[key], sub)
		if len(s.keySubs[key]) == 0 {
			delete(s.keySubs, key)
		}
	}
}

// SubscribeAll registers a callback fired once per batch with the ids that
// changed. Used by the snapshot persister.
func (s *Store) SubscribeAll(fn func(ids []string)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.nextSub
	s.nextSub++
	s.allSubs[sub] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.allSubs, sub)
	}
}

// All returns every entry in the store.
func (s *Store) All() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

// Len returns the number of cached entities.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Hydrate seeds the store from a persisted snapshot without notifying
// subscribers. Existing entries still follow the precedence rule.
func (s *Store) Hydrate(entries []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		id := e.Entity.EntityID()
		existing, ok := s.entries[id]
		if ok && !wins(existing, e.Source, e.UpdatedAt) {
			continue
		}
		s.apply(id, e, ok, existing)
	}
	s.pendingIDs = make(map[string]struct{})
	s.pendingKeys = make(map[string]struct{})
}

// wins decides whether a new write supersedes the existing entry.
func wins(existing Entry, source Source, updatedAt time.Time) bool {
	if updatedAt.After(existing.UpdatedAt) {
		return true
	}
	if updatedAt.Equal(existing.UpdatedAt) {
		return source.authoritative() && existing.Source == SourceOptimistic
	}
	return false
}

// apply stores the entry and maintains the query-key index. Caller holds mu.
func (s *Store) apply(id string, e Entry, hadExisting bool, existing Entry) {
	if hadExisting {
		for _, key := range existing.Entity.CacheKeys() {
			if ids := s.byKey[key]; ids != nil {
				delete(ids, id)
				if len(ids) == 0 {
					delete(s.byKey, key)
				}
			}
		}
	}
	s.entries[id] = e
	for _, key := range e.Entity.CacheKeys() {
		if s.byKey[key] == nil {
			s.byKey[key] = make(map[string]struct{})
		}
		s.byKey[key][id] = struct{}{}
		s.pendingKeys[key] = struct{}{}
	}
	s.pendingIDs[id] = struct{}{}
}

// evictLocked removes the entry and marks its id and keys dirty. Caller
// holds mu.
func (s *Store) evictLocked(id string, existing Entry) {
	for _, key := range existing.Entity.CacheKeys() {
		if ids := s.byKey[key]; ids != nil {
			delete(ids, id)
			if len(ids) == 0 {
				delete(s.byKey, key)
			}
		}
		s.pendingKeys[key] = struct{}{}
	}
	delete(s.entries, id)
	s.pendingIDs[id] = struct{}{}
}

// collectLocked drains pending notifications into a closure to run after
// the lock is released. Inside a batch it returns a no-op; the closing
// Batch call delivers everything at once. Subscribers are resolved at
// delivery time so an unsubscribe that completes first is honored. Caller
// holds mu.
func (s *Store) collectLocked() func() {
	if s.batchDepth > 0 || (len(s.pendingIDs) == 0 && len(s.pendingKeys) == 0) {
		return func() {}
	}

	ids := make([]string, 0, len(s.pendingIDs))
	for id := range s.pendingIDs {
		ids = append(ids, id)
	}
	keys := make([]string, 0, len(s.pendingKeys))
	for key := range s.pendingKeys {
		keys = append(keys, key)
	}
	s.pendingIDs = make(map[string]struct{})
	s.pendingKeys = make(map[string]struct{})

	sort.Strings(ids)
	return func() {
		s.mu.Lock()
		var fns []func()
		for _, id := range ids {
			for _, fn := range s.idSubs[id] {
				fns = append(fns, fn)
			}
		}
		for _, key := range keys {
			for _, fn := range s.keySubs[key] {
				fns = append(fns, fn)
			}
		}
		var all []func(ids []string)
		for _, fn := range s.allSubs {
			all = append(all, fn)
		}
		s.mu.Unlock()

		for _, fn := range fns {
			fn()
		}
		for _, fn := range all {
			fn(ids)
		}
	}
}
