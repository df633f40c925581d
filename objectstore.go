// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package persist

import "sort"

// ObjectStore is the identity map of one ObjectContext. It maps each
// ObjectID to the single live instance registered for it, and tracks the
// objects and relationship arcs that changed since the last commit.
//
// An ObjectStore is not safe for concurrent use.
type ObjectStore struct {
	oc      *ObjectContext
	objects map[ObjectID]Persistent
	dirty   map[ObjectID]uint64
	seq     uint64

	// arcs holds the committed target of every relationship arc changed
	// since the last commit.
	arcs map[ArcID]ObjectID
}

func newObjectStore(oc *ObjectContext) *ObjectStore {
	return &ObjectStore{
		oc:      oc,
		objects: make(map[ObjectID]Persistent),
		dirty:   make(map[ObjectID]uint64),
		arcs:    make(map[ArcID]ObjectID),
	}
}

// RegisterNode maps id to obj and attaches obj to the store's context. If
// another object was registered under id, it is detached: its context is
// cleared and it becomes transient. The state of obj is left alone.
func (s *ObjectStore) RegisterNode(id ObjectID, obj Persistent) {
	if prev, ok := s.objects[id]; ok && prev != obj {
		p := prev.persistent()
		p.oc = nil
		p.state = StateTransient
		delete(s.dirty, id)
	}
	o := obj.persistent()
	o.id = id
	o.oc = s.oc
	s.objects[id] = obj
}

// Node returns the object registered under id, or nil.
func (s *ObjectStore) Node(id ObjectID) Persistent {
	return s.objects[id]
}

// UnregisterNode removes the mapping of id and returns the removed object,
// or nil. The object keeps its ObjectID but loses its context and becomes
// transient.
func (s *ObjectStore) UnregisterNode(id ObjectID) Persistent {
	obj, ok := s.objects[id]
	if !ok {
		return nil
	}
	delete(s.objects, id)
	delete(s.dirty, id)
	for arc := range s.arcs {
		if arc.Source == id {
			delete(s.arcs, arc)
		}
	}
	o := obj.persistent()
	o.oc = nil
	o.state = StateTransient
	return obj
}

// Len returns the number of registered objects.
func (s *ObjectStore) Len() int { return len(s.objects) }

// Nodes returns every registered object in no particular order.
func (s *ObjectStore) Nodes() []Persistent {
	out := make([]Persistent, 0, len(s.objects))
	for _, obj := range s.objects {
		out = append(out, obj)
	}
	return out
}

// MarkDirty records that obj must be considered by the next commit.
func (s *ObjectStore) MarkDirty(obj Persistent) {
	id := obj.ObjectID()
	if _, ok := s.dirty[id]; ok {
		return
	}
	s.seq++
	s.dirty[id] = s.seq
}

// UnmarkDirty forgets any pending change of id.
func (s *ObjectStore) UnmarkDirty(id ObjectID) {
	delete(s.dirty, id)
}

// DirtyObjects returns the objects marked dirty, in the order they were
// first marked.
func (s *ObjectStore) DirtyObjects() []Persistent {
	ids := make([]ObjectID, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return s.dirty[ids[i]] < s.dirty[ids[j]] })

	out := make([]Persistent, 0, len(ids))
	for _, id := range ids {
		if obj, ok := s.objects[id]; ok {
			out = append(out, obj)
		}
	}
	return out
}

// HasChanges reports whether any object is marked dirty.
func (s *ObjectStore) HasChanges() bool {
	return len(s.dirty) > 0
}

// RecordArcChange records that arc now points at current. original is the
// committed target of the arc. An arc that returns to its original target
// is no longer considered changed.
func (s *ObjectStore) RecordArcChange(arc ArcID, original, current ObjectID) {
	if prev, ok := s.arcs[arc]; ok {
		original = prev
	}
	if original == current {
		delete(s.arcs, arc)
		return
	}
	s.arcs[arc] = original
}

// ArcChanges returns the changed arcs with their committed targets.
func (s *ObjectStore) ArcChanges() map[ArcID]ObjectID {
	out := make(map[ArcID]ObjectID, len(s.arcs))
	for k, v := range s.arcs {
		out[k] = v
	}
	return out
}

// ClearArcs forgets every recorded arc change.
func (s *ObjectStore) ClearArcs() {
	s.arcs = make(map[ArcID]ObjectID)
}

// clearDirty forgets every pending change.
func (s *ObjectStore) clearDirty() {
	s.dirty = make(map[ObjectID]uint64)
	s.ClearArcs()
}

// rekey moves the object registered under from to to, and repoints every
// arc that targeted from.
func (s *ObjectStore) rekey(from, to ObjectID) {
	obj, ok := s.objects[from]
	if !ok {
		return
	}
	delete(s.objects, from)
	if seq, ok := s.dirty[from]; ok {
		delete(s.dirty, from)
		s.dirty[to] = seq
	}
	obj.persistent().id = to
	s.objects[to] = obj
}

// repointArcs replaces arc targets according to ids.
func (s *ObjectStore) repointArcs(ids map[ObjectID]ObjectID) {
	if len(ids) == 0 {
		return
	}
	for _, obj := range s.objects {
		o := obj.persistent()
		for rel, target := range o.arcs {
			if to, ok := ids[target]; ok {
				o.arcs[rel] = to
			}
		}
		if o.committed != nil {
			for rel, target := range o.committed.arcs {
				if to, ok := ids[target]; ok {
					o.committed.arcs[rel] = to
				}
			}
		}
	}
}

// checkpoint is a saved copy of an ObjectStore and of every object
// registered in it.
type checkpoint struct {
	objects map[ObjectID]Persistent
	dirty   map[ObjectID]uint64
	arcs    map[ArcID]ObjectID
	saved   map[*Object]savedObject
}

type savedObject struct {
	id        ObjectID
	state     State
	current   *objectState
	committed *objectState
}

// checkpoint copies the registered objects and the pending changes of s.
func (s *ObjectStore) checkpoint() *checkpoint {
	cp := &checkpoint{
		objects: make(map[ObjectID]Persistent, len(s.objects)),
		dirty:   make(map[ObjectID]uint64, len(s.dirty)),
		arcs:    s.ArcChanges(),
		saved:   make(map[*Object]savedObject, len(s.objects)),
	}
	for id, obj := range s.objects {
		o := obj.persistent()
		cp.objects[id] = obj
		cp.saved[o] = savedObject{
			id:        o.id,
			state:     o.state,
			current:   o.snapshotState(),
			committed: o.committed.clone(),
		}
	}
	for id, seq := range s.dirty {
		cp.dirty[id] = seq
	}
	return cp
}

// restore puts s and the objects saved in cp back the way they were when cp
// was taken. Objects registered since then are detached and become
// transient.
func (s *ObjectStore) restore(cp *checkpoint) {
	for _, obj := range s.objects {
		o := obj.persistent()
		if _, ok := cp.saved[o]; !ok {
			o.oc = nil
			o.state = StateTransient
		}
	}

	s.objects = make(map[ObjectID]Persistent, len(cp.objects))
	for id, obj := range cp.objects {
		s.objects[id] = obj
		o := obj.persistent()
		so := cp.saved[o]
		o.id = so.id
		o.state = so.state
		o.oc = s.oc
		o.restore(so.current)
		o.committed = so.committed.clone()
	}
	s.dirty = make(map[ObjectID]uint64, len(cp.dirty))
	for id, seq := range cp.dirty {
		s.dirty[id] = seq
	}
	s.arcs = make(map[ArcID]ObjectID, len(cp.arcs))
	for arc, target := range cp.arcs {
		s.arcs[arc] = target
	}
}
