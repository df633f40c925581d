// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package persist

import (
	"context"

	"github.com/featurebasedb/persist/errors"
)

// State is the lifecycle state of a persistent object.
type State int

const (
	// StateTransient objects are not registered with any context.
	StateTransient State = iota
	// StateNew objects are registered but have never been committed.
	StateNew
	// StateCommitted objects match the last known committed row.
	StateCommitted
	// StateModified objects have uncommitted attribute or relationship
	// changes.
	StateModified
	// StateDeleted objects will be deleted on the next commit.
	StateDeleted
	// StateHollow objects have an identity but no loaded values.
	StateHollow
)

func (s State) String() string {
	switch s {
	case StateTransient:
		return "TRANSIENT"
	case StateNew:
		return "NEW"
	case StateCommitted:
		return "COMMITTED"
	case StateModified:
		return "MODIFIED"
	case StateDeleted:
		return "DELETED"
	case StateHollow:
		return "HOLLOW"
	}
	return "UNKNOWN"
}

// Persistent is implemented by every persistent type. Embed Object in a
// struct to implement it:
//
//	type Artist struct {
//		persist.Object
//	}
type Persistent interface {
	ObjectID() ObjectID
	PersistenceState() State
	ObjectContext() *ObjectContext
	Entity() *Entity
	persistent() *Object
}

// Object holds the persistence state shared by every persistent type.
type Object struct {
	self   Persistent
	id     ObjectID
	state  State
	oc     *ObjectContext
	entity *Entity
	values map[string]interface{}
	arcs   map[string]ObjectID

	// committed is the last known committed state of the object, or nil for
	// objects that were never committed.
	committed *objectState
}

// objectState is a copy of an object's values and to-one arcs.
type objectState struct {
	values map[string]interface{}
	arcs   map[string]ObjectID
}

func (s *objectState) clone() *objectState {
	if s == nil {
		return nil
	}
	c := &objectState{
		values: make(map[string]interface{}, len(s.values)),
		arcs:   make(map[string]ObjectID, len(s.arcs)),
	}
	for k, v := range s.values {
		c.values[k] = v
	}
	for k, v := range s.arcs {
		c.arcs[k] = v
	}
	return c
}

func (o *Object) persistent() *Object { return o }

// ObjectID returns the identity of the object.
func (o *Object) ObjectID() ObjectID { return o.id }

// PersistenceState returns the lifecycle state of the object.
func (o *Object) PersistenceState() State { return o.state }

// ObjectContext returns the context that owns the object, or nil.
func (o *Object) ObjectContext() *ObjectContext { return o.oc }

// Entity returns the entity the object was created for.
func (o *Object) Entity() *Entity { return o.entity }

// Get returns the value of an attribute, faulting a hollow object first.
// Faulting runs without the caller's context, so outside of any transaction.
// If it fails, for instance because the row was deleted, the failure is
// logged and Get returns nil. Use Read to get the error.
func (o *Object) Get(attr string) interface{} {
	o.willRead()
	return o.values[attr]
}

// Read returns the value of an attribute, faulting a hollow object with ctx
// first.
func (o *Object) Read(ctx context.Context, attr string) (interface{}, error) {
	if err := o.fault(ctx); err != nil {
		return nil, err
	}
	return o.values[attr], nil
}

// Set changes the value of an attribute and marks the object modified.
func (o *Object) Set(attr string, v interface{}) {
	o.willWrite()
	if o.values == nil {
		o.values = make(map[string]interface{})
	}
	o.values[attr] = v
}

// ToOneID returns the identity of the target of a to-one relationship, or
// the zero ObjectID if the relationship is not set. A hollow object is
// faulted the way Get does it.
func (o *Object) ToOneID(rel string) ObjectID {
	o.willRead()
	return o.arcs[rel]
}

// SetToOne points a to-one relationship at target, or clears it if target is
// nil. Both objects must belong to the same context.
func (o *Object) SetToOne(rel string, target Persistent) error {
	if o.entity != nil {
		r, ok := o.entity.Relationship(rel)
		if !ok || r.ToMany {
			return errors.Newf(ErrInvalidEntity, "%s has no to-one relationship %s", o.entity.Name, rel)
		}
	}
	var tid ObjectID
	if target != nil {
		t := target.persistent()
		if t.oc != o.oc {
			return errors.Newf(ErrContextMismatch, "%s and %s belong to different contexts", o.id, t.id)
		}
		tid = t.id
	}
	o.setArc(rel, tid)
	return nil
}

func (o *Object) setArc(rel string, target ObjectID) {
	o.willWrite()
	if o.arcs == nil {
		o.arcs = make(map[string]ObjectID)
	}
	if o.oc != nil {
		var original ObjectID
		if o.committed != nil {
			original = o.committed.arcs[rel]
		}
		o.oc.store.RecordArcChange(ArcID{Source: o.id, Relationship: rel}, original, target)
	}
	if target.IsZero() {
		delete(o.arcs, rel)
	} else {
		o.arcs[rel] = target
	}
}

func (o *Object) willRead() {
	if err := o.fault(context.Background()); err != nil {
		o.oc.logger.Errorf("%v", err)
	}
}

// fault loads the values of a hollow object.
func (o *Object) fault(ctx context.Context) error {
	if o.state != StateHollow || o.oc == nil {
		return nil
	}
	return errors.Wrapf(o.oc.Activate(ctx, o.self), "faulting %s", o.id)
}

func (o *Object) willWrite() {
	o.willRead()
	if o.oc == nil {
		return
	}
	switch o.state {
	case StateCommitted, StateHollow:
		o.state = StateModified
		o.oc.store.MarkDirty(o.self)
	}
}

// snapshotState returns a copy of the current values and arcs.
func (o *Object) snapshotState() *objectState {
	return (&objectState{values: o.values, arcs: o.arcs}).clone()
}

// restore replaces the current values and arcs with a copy of s.
func (o *Object) restore(s *objectState) {
	c := s.clone()
	if c == nil {
		c = &objectState{values: map[string]interface{}{}, arcs: map[string]ObjectID{}}
	}
	o.values, o.arcs = c.values, c.arcs
}

// row builds the full column row of the object. resolve maps the identity of
// a related object to its permanent identity; it returns false if there is
// none.
func (o *Object) row(resolve func(ObjectID) (ObjectID, bool)) (Row, error) {
	e := o.entity
	root := e.Root()
	row := make(Row, len(e.attrs)+len(root.PrimaryKey)+1)
	for _, a := range e.attrs {
		row[a] = o.values[a]
	}

	id, ok := resolve(o.id)
	if !ok {
		return nil, errors.Newf(ErrMissingPK, "no primary key for %s", o.id)
	}
	for col, v := range id.Values() {
		row[col] = v
	}
	if root.Discriminator != "" && e.DiscriminatorValue != nil {
		row[root.Discriminator] = e.DiscriminatorValue
	}
	for _, rel := range e.ToOneRelationships() {
		fk, err := o.fkValues(rel, resolve)
		if err != nil {
			return nil, err
		}
		for col, v := range fk {
			row[col] = v
		}
	}
	return row, nil
}

// fkValues returns the foreign key columns of a to-one relationship.
func (o *Object) fkValues(rel *Relationship, resolve func(ObjectID) (ObjectID, bool)) (Row, error) {
	row := make(Row, len(rel.Joins))
	target := o.arcs[rel.Name]
	if target.IsZero() {
		for _, j := range rel.Joins {
			row[j.Source] = nil
		}
		return row, nil
	}
	tid, ok := resolve(target)
	if !ok {
		return nil, errors.Newf(ErrMissingPK, "%s.%s points at unsaved object %s", o.id, rel.Name, target)
	}
	for _, j := range rel.Joins {
		v, ok := tid.Value(j.Target)
		if !ok {
			return nil, errors.Newf(ErrMissingPK, "%s has no key column %s", tid, j.Target)
		}
		row[j.Source] = v
	}
	return row, nil
}

// load replaces the object's values and arcs with those of a committed row
// and makes it committed.
func (o *Object) load(snap *Snapshot) {
	s := o.stateFromSnapshot(snap)
	o.committed = s
	o.restore(s)
	o.state = StateCommitted
}

// stateFromSnapshot extracts the values and arcs of the object's entity from
// a committed row.
func (o *Object) stateFromSnapshot(snap *Snapshot) *objectState {
	e := o.entity
	s := &objectState{
		values: make(map[string]interface{}, len(e.attrs)),
		arcs:   make(map[string]ObjectID),
	}
	for _, a := range e.attrs {
		if v, ok := snap.Get(a); ok {
			s.values[a] = v
		}
	}
	for _, col := range e.Root().PrimaryKey {
		if v, ok := snap.Get(col); ok {
			s.values[col] = v
		}
	}
	for _, rel := range e.ToOneRelationships() {
		if tid, ok := arcFromSnapshot(o.oc.rt.resolver, rel, snap); ok {
			s.arcs[rel.Name] = tid
		}
	}
	return s
}

// changedAttributes returns the attributes whose values differ from the
// committed state.
func (o *Object) changedAttributes() []string {
	var out []string
	for _, a := range o.entity.attrs {
		var was interface{}
		if o.committed != nil {
			was = o.committed.values[a]
		}
		if !valuesEqual(o.values[a], was) {
			out = append(out, a)
		}
	}
	return out
}

// changedRelationships returns the to-one relationships whose targets differ
// from the committed state.
func (o *Object) changedRelationships() []*Relationship {
	var out []*Relationship
	for _, rel := range o.entity.ToOneRelationships() {
		var was ObjectID
		if o.committed != nil {
			was = o.committed.arcs[rel.Name]
		}
		if o.arcs[rel.Name] != was {
			out = append(out, rel)
		}
	}
	return out
}

// arcFromSnapshot derives the target identity of a to-one relationship from
// the foreign key columns of a row.
func arcFromSnapshot(r *EntityResolver, rel *Relationship, snap *Snapshot) (ObjectID, bool) {
	target, err := r.Entity(rel.Target)
	if err != nil {
		return ObjectID{}, false
	}
	values := make(map[string]interface{}, len(rel.Joins))
	for _, j := range rel.Joins {
		v, ok := snap.Get(j.Source)
		if !ok || v == nil {
			return ObjectID{}, false
		}
		values[j.Target] = v
	}
	id, err := NewCompoundObjectID(target.Root().Name, values)
	if err != nil {
		return ObjectID{}, false
	}
	return id, true
}

// hollow discards the object's values, keeping its identity.
func (o *Object) hollow() {
	o.values = map[string]interface{}{}
	o.arcs = map[string]ObjectID{}
	o.committed = nil
	o.state = StateHollow
}
