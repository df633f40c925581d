// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package persist

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/featurebasedb/persist/logger"
	"github.com/golang/groupcache/lru"
)

const (
	// DefaultRowStoreShards is the number of independently locked shards of
	// a RowStore.
	DefaultRowStoreShards = 16
)

// RowStoreEvent describes one change to a RowStore. Source is whatever
// published the change (an *ObjectContext for commits and fetches), or nil.
type RowStoreEvent struct {
	Source      interface{}
	Updated     map[ObjectID]*Snapshot
	Invalidated []ObjectID
	All         bool
}

// RowStoreListener is notified synchronously after every change to a
// RowStore. Listeners must not call back into the store that notified them
// with a change of their own.
type RowStoreListener interface {
	RowStoreChanged(ev RowStoreEvent)
}

// RowStoreListenerFunc adapts a function to RowStoreListener.
type RowStoreListenerFunc func(ev RowStoreEvent)

func (f RowStoreListenerFunc) RowStoreChanged(ev RowStoreEvent) { f(ev) }

// RowStore is the cache of committed row snapshots shared by every context of
// a Runtime. It is safe for concurrent use. Replacing the snapshot of an id is
// atomic: a reader sees either the previous or the new snapshot.
type RowStore struct {
	// version counts changes. It is read and written atomically.
	version uint64

	shards  []*rowShard
	maxSize int
	nshards int
	ttl     time.Duration
	now     func() time.Time
	logger  logger.Logger

	mu        sync.RWMutex
	listeners map[int]RowStoreListener
	nextID    int
}

type rowShard struct {
	mu       sync.Mutex
	cache    *lru.Cache
	removing bool
	evicted  int

	// removed is the store version of the last removal from the shard.
	removed uint64
}

type rowEntry struct {
	snap    *Snapshot
	expires time.Time
	version uint64
}

// RowStoreOption is a functional option for NewRowStore.
type RowStoreOption func(s *RowStore)

// OptRowStoreMaxSize bounds the number of cached snapshots. Zero means
// unbounded. The bound is split evenly across shards.
func OptRowStoreMaxSize(n int) RowStoreOption {
	return func(s *RowStore) {
		s.maxSize = n
	}
}

// OptRowStoreTTL makes snapshots older than ttl read as absent.
func OptRowStoreTTL(ttl time.Duration) RowStoreOption {
	return func(s *RowStore) {
		s.ttl = ttl
	}
}

func OptRowStoreShards(n int) RowStoreOption {
	return func(s *RowStore) {
		s.nshards = n
	}
}

func OptRowStoreClock(now func() time.Time) RowStoreOption {
	return func(s *RowStore) {
		s.now = now
	}
}

func OptRowStoreLogger(l logger.Logger) RowStoreOption {
	return func(s *RowStore) {
		s.logger = l
	}
}

// NewRowStore returns a new, empty RowStore.
func NewRowStore(opts ...RowStoreOption) *RowStore {
	s := &RowStore{
		nshards:   DefaultRowStoreShards,
		now:       time.Now,
		logger:    logger.NopLogger,
		listeners: make(map[int]RowStoreListener),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.nshards <= 0 {
		s.nshards = 1
	}
	if s.maxSize > 0 && s.nshards > s.maxSize {
		s.nshards = s.maxSize
	}

	perShard := 0
	if s.maxSize > 0 {
		perShard = (s.maxSize + s.nshards - 1) / s.nshards
	}
	s.shards = make([]*rowShard, s.nshards)
	for i := range s.shards {
		sh := &rowShard{cache: lru.New(perShard)}
		sh.cache.OnEvicted = sh.onEvicted
		s.shards[i] = sh
	}
	return s
}

func (sh *rowShard) onEvicted(key lru.Key, _ interface{}) {
	if !sh.removing {
		sh.evicted++
		CounterRowStoreEvictions.Inc()
	}
}

func (s *RowStore) shard(id ObjectID) *rowShard {
	return s.shards[id.Hash()%uint64(len(s.shards))]
}

// Get returns the cached snapshot of id, or nil if there is none or it has
// expired.
func (s *RowStore) Get(id ObjectID) *Snapshot {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	v, ok := sh.cache.Get(id)
	if !ok {
		CounterRowStoreMisses.Inc()
		return nil
	}
	e := v.(rowEntry)
	if !e.expires.IsZero() && !s.now().Before(e.expires) {
		sh.removing = true
		sh.cache.Remove(id)
		sh.removing = false
		CounterRowStoreMisses.Inc()
		return nil
	}
	CounterRowStoreHits.Inc()
	return e.snap
}

// Put stores the snapshot of one id and notifies listeners.
func (s *RowStore) Put(id ObjectID, snap *Snapshot) {
	s.PutAll(nil, map[ObjectID]*Snapshot{id: snap}, nil)
}

// PutAll stores several snapshots and drops the invalidated ids, then
// notifies listeners with a single event.
func (s *RowStore) PutAll(source interface{}, updated map[ObjectID]*Snapshot, invalidated []ObjectID) {
	if len(updated) == 0 && len(invalidated) == 0 {
		return
	}
	v := atomic.AddUint64(&s.version, 1)
	for id, snap := range updated {
		s.put(id, snap, v, 0, false)
	}
	for _, id := range invalidated {
		s.remove(id, v)
	}
	s.notify(RowStoreEvent{Source: source, Updated: updated, Invalidated: invalidated})
}

// Version returns the current version of the store. Read it before fetching
// rows from a node and pass it to PutFetched.
func (s *RowStore) Version() uint64 {
	return atomic.LoadUint64(&s.version)
}

// PutFetched stores snapshots read from a node after the store was at
// version since, then notifies listeners of the ones it stored. A snapshot
// is skipped if its id was stored after since, or if its shard dropped
// anything after since: the row may have been read before that change was
// committed.
func (s *RowStore) PutFetched(source interface{}, since uint64, snaps map[ObjectID]*Snapshot) {
	if len(snaps) == 0 {
		return
	}
	v := atomic.AddUint64(&s.version, 1)
	stored := make(map[ObjectID]*Snapshot, len(snaps))
	for id, snap := range snaps {
		if s.put(id, snap, v, since, true) {
			stored[id] = snap
		}
	}
	if skipped := len(snaps) - len(stored); skipped > 0 {
		s.logger.Debugf("row store skipped %d stale fetched snapshots", skipped)
	}
	if len(stored) > 0 {
		s.notify(RowStoreEvent{Source: source, Updated: stored})
	}
}

// put stores snap under id at version v. A fetched snapshot is not stored
// when id or its shard changed after since. put reports whether snap was
// stored.
func (s *RowStore) put(id ObjectID, snap *Snapshot, v, since uint64, fetched bool) bool {
	e := rowEntry{snap: snap, version: v}
	if s.ttl > 0 {
		e.expires = s.now().Add(s.ttl)
	}
	sh := s.shard(id)
	sh.mu.Lock()
	if fetched && sh.changedSince(id, since) {
		sh.mu.Unlock()
		return false
	}
	sh.cache.Add(id, e)
	evicted := sh.evicted
	sh.evicted = 0
	sh.mu.Unlock()

	CounterRowStorePuts.Inc()
	if evicted > 0 {
		s.logger.Debugf("row store evicted %d snapshots", evicted)
	}
	return true
}

// changedSince reports whether id was stored, or anything was removed from
// the shard, after version since. The shard must be locked.
func (sh *rowShard) changedSince(id ObjectID, since uint64) bool {
	if sh.removed > since {
		return true
	}
	v, ok := sh.cache.Get(id)
	return ok && v.(rowEntry).version > since
}

func (s *RowStore) remove(id ObjectID, v uint64) {
	sh := s.shard(id)
	sh.mu.Lock()
	sh.removing = true
	sh.cache.Remove(id)
	sh.removing = false
	sh.removed = v
	sh.mu.Unlock()
}

// Invalidate drops the snapshots of ids and notifies listeners.
func (s *RowStore) Invalidate(ids ...ObjectID) {
	s.PutAll(nil, nil, ids)
}

// InvalidateAll drops every snapshot and notifies listeners.
func (s *RowStore) InvalidateAll() {
	v := atomic.AddUint64(&s.version, 1)
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.removing = true
		sh.cache.Clear()
		sh.removing = false
		sh.removed = v
		sh.mu.Unlock()
	}
	s.notify(RowStoreEvent{All: true})
}

// Len returns the number of cached snapshots, including expired ones that
// have not been read since they expired.
func (s *RowStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += sh.cache.Len()
		sh.mu.Unlock()
	}
	return n
}

// AddListener registers l and returns a function that removes it.
func (s *RowStore) AddListener(l RowStoreListener) (remove func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *RowStore) notify(ev RowStoreEvent) {
	s.mu.RLock()
	ls := make([]RowStoreListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.mu.RUnlock()

	for _, l := range ls {
		l.RowStoreChanged(ev)
	}
}
