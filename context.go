// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package persist

import (
	"context"
	"sort"
	"sync"

	"github.com/featurebasedb/persist/errors"
	"github.com/featurebasedb/persist/logger"
)

// ObjectContext is a unit of work. It keeps exactly one live instance per
// ObjectID, tracks the changes made to its objects, and commits them to the
// data nodes, or to its parent context when it is a child.
//
// An ObjectContext is not safe for concurrent use. Each goroutine working
// with persistent objects should use its own context.
type ObjectContext struct {
	rt       *Runtime
	parent   *ObjectContext
	store    *ObjectStore
	validate bool
	logger   logger.Logger
	closed   bool

	// held maps each transaction the context committed in, and that has
	// not finished, to the state of the context before its first commit.
	held map[Transaction]*checkpoint

	sync           bool
	removeListener func()
	mu             sync.Mutex
	pending        []RowStoreEvent
}

// ContextOption is a functional option for Runtime.NewContext and
// ObjectContext.NewChildContext.
type ContextOption func(oc *ObjectContext)

// OptContextSyncWithRowStore makes the context follow changes published to
// the shared RowStore by other contexts. Changes are queued as they arrive
// and applied at the start of the context's next operation: committed
// objects are refreshed, or turned hollow when their row was invalidated.
// Objects with uncommitted changes are left alone.
func OptContextSyncWithRowStore(v bool) ContextOption {
	return func(oc *ObjectContext) {
		oc.sync = v
	}
}

func OptContextLogger(l logger.Logger) ContextOption {
	return func(oc *ObjectContext) {
		oc.logger = l
	}
}

func newObjectContext(rt *Runtime, parent *ObjectContext, opts ...ContextOption) *ObjectContext {
	oc := &ObjectContext{
		rt:       rt,
		parent:   parent,
		validate: rt.validate,
		logger:   rt.logger,
	}
	if parent != nil {
		oc.validate = parent.validate
		oc.logger = parent.logger
	}
	oc.store = newObjectStore(oc)
	for _, opt := range opts {
		opt(oc)
	}
	if oc.sync {
		oc.removeListener = rt.rowStore.AddListener(RowStoreListenerFunc(oc.enqueue))
	}
	return oc
}

// Runtime returns the runtime the context was created from.
func (oc *ObjectContext) Runtime() *Runtime { return oc.rt }

// Parent returns the parent context, or nil for a root context.
func (oc *ObjectContext) Parent() *ObjectContext { return oc.parent }

// ObjectStore returns the identity map of the context.
func (oc *ObjectContext) ObjectStore() *ObjectStore { return oc.store }

// NewChildContext returns a context whose commits go to oc instead of the
// data nodes.
func (oc *ObjectContext) NewChildContext(opts ...ContextOption) *ObjectContext {
	return newObjectContext(oc.rt, oc, opts...)
}

// SetValidatingObjectsOnCommit enables or disables validation hooks on
// commit.
func (oc *ObjectContext) SetValidatingObjectsOnCommit(v bool) { oc.validate = v }

func (oc *ObjectContext) IsValidatingObjectsOnCommit() bool { return oc.validate }

// Close detaches the context from the RowStore. A closed context rejects
// further operations.
func (oc *ObjectContext) Close() {
	if oc.closed {
		return
	}
	oc.closed = true
	if oc.removeListener != nil {
		oc.removeListener()
		oc.removeListener = nil
	}
	oc.mu.Lock()
	oc.pending = nil
	oc.mu.Unlock()
}

// begin is called at the start of every operation.
func (oc *ObjectContext) begin() error {
	if oc.closed {
		return errors.New(ErrContextClosed, "object context is closed")
	}
	oc.applyPending()
	return nil
}

// NewObject creates a new object of an entity and registers it under a
// temporary ObjectID.
func (oc *ObjectContext) NewObject(entity string) (Persistent, error) {
	if err := oc.begin(); err != nil {
		return nil, err
	}
	e, err := oc.rt.resolver.Entity(entity)
	if err != nil {
		return nil, err
	}
	if e.New == nil {
		return nil, errors.Newf(ErrInvalidEntity, "entity %s is abstract", e.Name)
	}
	obj := e.New()
	oc.registerNew(obj, e)
	return obj, nil
}

// RegisterNewObject registers a transient object as new. The entity is
// looked up from the object's type.
func (oc *ObjectContext) RegisterNewObject(obj Persistent) error {
	if err := oc.begin(); err != nil {
		return err
	}
	o := obj.persistent()
	if o.oc == oc {
		return nil
	}
	if o.oc != nil {
		return errors.Newf(ErrContextMismatch, "%s is registered in another context", o.id)
	}
	e, err := oc.rt.resolver.EntityOf(obj)
	if err != nil {
		return err
	}
	oc.registerNew(obj, e)
	return nil
}

func (oc *ObjectContext) registerNew(obj Persistent, e *Entity) {
	o := obj.persistent()
	o.self = obj
	o.entity = e
	o.committed = nil
	if o.values == nil {
		o.values = make(map[string]interface{})
	}
	o.arcs = make(map[string]ObjectID)
	o.state = StateNew
	oc.store.RegisterNode(NewTempObjectID(e.Root().Name), obj)
	oc.store.MarkDirty(obj)
}

// DeleteObject marks obj for deletion. To-one relationships of other objects
// of the context that point at obj are cleared. A new object is unregistered
// at once and becomes transient.
func (oc *ObjectContext) DeleteObject(obj Persistent) error {
	if err := oc.begin(); err != nil {
		return err
	}
	o := obj.persistent()
	if o.oc != oc {
		return errors.Newf(ErrContextMismatch, "%s is not registered in this context", o.id)
	}
	switch o.state {
	case StateDeleted, StateTransient:
		return nil
	}

	oc.nullifyIncoming(o)
	if o.state == StateNew {
		oc.store.UnregisterNode(o.id)
		return nil
	}
	o.state = StateDeleted
	oc.store.MarkDirty(obj)
	return nil
}

// DeleteObjects deletes every object, stopping at the first failure.
func (oc *ObjectContext) DeleteObjects(objs ...Persistent) error {
	for _, obj := range objs {
		if err := oc.DeleteObject(obj); err != nil {
			return err
		}
	}
	return nil
}

func (oc *ObjectContext) nullifyIncoming(target *Object) {
	for _, obj := range oc.store.Nodes() {
		o := obj.persistent()
		if o == target || o.state == StateDeleted {
			continue
		}
		for rel, tid := range o.arcs {
			if tid == target.id {
				o.setArc(rel, ObjectID{})
			}
		}
	}
}

// Select returns the objects matching q. Objects already registered in the
// context are returned as they are, without being replaced or refreshed if
// they have uncommitted changes. Objects deleted in the context are omitted.
func (oc *ObjectContext) Select(ctx context.Context, q *ObjectSelect) ([]Persistent, error) {
	if err := oc.begin(); err != nil {
		return nil, err
	}
	if oc.parent != nil {
		pobjs, err := oc.parent.Select(ctx, q)
		if err != nil {
			return nil, err
		}
		out := make([]Persistent, 0, len(pobjs))
		for _, pobj := range pobjs {
			if obj := oc.localize(pobj); obj.PersistenceState() != StateDeleted {
				out = append(out, obj)
			}
		}
		return out, nil
	}

	e, err := oc.rt.resolver.Entity(q.Entity)
	if err != nil {
		return nil, err
	}
	root := e.Root()
	sq := &SelectQuery{
		Table:   e.Table,
		Match:   q.Match.Clone(),
		OrderBy: q.OrderBy,
		Limit:   q.Limit,
	}
	if root.Discriminator != "" && e != root {
		if sq.Match == nil {
			sq.Match = Row{}
		}
		sq.Match[root.Discriminator] = In(e.concreteValues())
	}

	since := oc.rt.rowStore.Version()
	rows, err := oc.perform(ctx, e.Node, sq)
	if err != nil {
		return nil, err
	}
	objs, err := oc.objectsFromRows(ctx, e, rows, since)
	if err != nil {
		return nil, err
	}
	out := objs[:0]
	for _, obj := range objs {
		if obj.PersistenceState() != StateDeleted {
			out = append(out, obj)
		}
	}
	return out, nil
}

// SelectOne returns the single object matching q, or nil if there is none.
// It fails if more than one object matches.
func (oc *ObjectContext) SelectOne(ctx context.Context, q *ObjectSelect) (Persistent, error) {
	objs, err := oc.Select(ctx, q)
	if err != nil {
		return nil, err
	}
	switch len(objs) {
	case 0:
		return nil, nil
	case 1:
		return objs[0], nil
	}
	return nil, errors.Newf(ErrMultipleObjects, "%d objects of %s match", len(objs), q.Entity)
}

// ObjectForPK returns the object of entity with a single-column primary key
// value. The object is looked up in the context, then the RowStore, then the
// entity's node.
func (oc *ObjectContext) ObjectForPK(ctx context.Context, entity string, pk interface{}) (Persistent, error) {
	e, err := oc.rt.resolver.Entity(entity)
	if err != nil {
		return nil, err
	}
	id, err := e.NewID(pk)
	if err != nil {
		return nil, err
	}
	obj, err := oc.ObjectForID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !obj.Entity().IsA(e) {
		return nil, errors.Newf(ErrObjectNotFound, "%s is a %s, not a %s", id, obj.Entity().Name, e.Name)
	}
	return obj, nil
}

// ObjectForID returns the object identified by id. The object is looked up
// in the context, then in the parent context or the RowStore, then on the
// entity's node.
func (oc *ObjectContext) ObjectForID(ctx context.Context, id ObjectID) (Persistent, error) {
	if err := oc.begin(); err != nil {
		return nil, err
	}
	if obj := oc.store.Node(id); obj != nil {
		switch obj.PersistenceState() {
		case StateDeleted:
			return nil, errors.Newf(ErrObjectNotFound, "%s is deleted", id)
		case StateHollow:
			if err := oc.Activate(ctx, obj); err != nil {
				return nil, err
			}
		}
		return obj, nil
	}
	if oc.parent != nil {
		pobj, err := oc.parent.ObjectForID(ctx, id)
		if err != nil {
			return nil, err
		}
		return oc.localize(pobj), nil
	}
	if id.IsTemporary() {
		return nil, errors.Newf(ErrObjectNotFound, "%s is not registered", id)
	}

	root, err := oc.rt.resolver.Entity(id.Entity())
	if err != nil {
		return nil, err
	}
	snap, err := oc.fetchSnapshot(ctx, root, id)
	if err != nil {
		return nil, err
	}
	return oc.objectFromSnapshot(root, id, snap)
}

// Activate loads the values of a hollow object.
func (oc *ObjectContext) Activate(ctx context.Context, obj Persistent) error {
	if err := oc.begin(); err != nil {
		return err
	}
	o := obj.persistent()
	if o.oc != oc {
		return errors.Newf(ErrContextMismatch, "%s is not registered in this context", o.id)
	}
	if o.state != StateHollow {
		return nil
	}
	if oc.parent != nil {
		pobj, err := oc.parent.ObjectForID(ctx, o.id)
		if err != nil {
			return err
		}
		o.copyFrom(pobj.persistent())
		return nil
	}
	snap, err := oc.fetchSnapshot(ctx, o.entity.Root(), o.id)
	if err != nil {
		return err
	}
	o.load(snap)
	return nil
}

// ToOne returns the target of a to-one relationship of obj, or nil.
func (oc *ObjectContext) ToOne(ctx context.Context, obj Persistent, rel string) (Persistent, error) {
	if err := oc.Activate(ctx, obj); err != nil {
		return nil, err
	}
	o := obj.persistent()
	r, ok := o.entity.Relationship(rel)
	if !ok || r.ToMany {
		return nil, errors.Newf(ErrInvalidEntity, "%s has no to-one relationship %s", o.entity.Name, rel)
	}
	tid := o.arcs[rel]
	if tid.IsZero() {
		return nil, nil
	}
	return oc.ObjectForID(ctx, tid)
}

// ToMany returns the objects whose reverse to-one relationship points at
// obj, including uncommitted changes made in the context.
func (oc *ObjectContext) ToMany(ctx context.Context, obj Persistent, rel string) ([]Persistent, error) {
	if err := oc.Activate(ctx, obj); err != nil {
		return nil, err
	}
	o := obj.persistent()
	r, ok := o.entity.Relationship(rel)
	if !ok || !r.ToMany {
		return nil, errors.Newf(ErrInvalidEntity, "%s has no to-many relationship %s", o.entity.Name, rel)
	}
	target, err := oc.rt.resolver.Entity(r.Target)
	if err != nil {
		return nil, err
	}
	back, _ := target.Relationship(r.Reverse)

	var out []Persistent
	seen := make(map[ObjectID]bool)
	if !o.id.IsTemporary() {
		match := Row{}
		for _, j := range back.Joins {
			v, ok := o.id.Value(j.Target)
			if !ok {
				return nil, errors.Newf(ErrMissingPK, "%s has no key column %s", o.id, j.Target)
			}
			match[j.Source] = v
		}
		objs, err := oc.Select(ctx, &ObjectSelect{Entity: target.Name, Match: match})
		if err != nil {
			return nil, err
		}
		for _, t := range objs {
			if t.persistent().arcs[back.Name] == o.id {
				seen[t.ObjectID()] = true
				out = append(out, t)
			}
		}
	}

	var extra []Persistent
	for _, t := range oc.store.Nodes() {
		to := t.persistent()
		if seen[to.id] || to.state == StateDeleted || to.entity == nil || !to.entity.IsA(target) {
			continue
		}
		if to.arcs[back.Name] == o.id {
			extra = append(extra, t)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].ObjectID().String() < extra[j].ObjectID().String() })
	return append(out, extra...), nil
}

// LocalObject returns the instance of obj's identity registered in this
// context, loading it if necessary.
func (oc *ObjectContext) LocalObject(ctx context.Context, obj Persistent) (Persistent, error) {
	o := obj.persistent()
	if o.oc == oc {
		return obj, nil
	}
	if o.id.IsZero() {
		return nil, errors.New(ErrContextMismatch, "transient object has no identity")
	}
	if o.id.IsTemporary() && !oc.descendsFrom(o.oc) {
		return nil, errors.Newf(ErrContextMismatch, "new object %s is not visible from this context", o.id)
	}
	return oc.ObjectForID(ctx, o.id)
}

func (oc *ObjectContext) descendsFrom(other *ObjectContext) bool {
	for p := oc.parent; p != nil; p = p.parent {
		if p == other {
			return true
		}
	}
	return false
}

// Invalidate discards the loaded values of committed or modified objects,
// including any uncommitted changes, turns them hollow, and drops their
// snapshots from the RowStore. Their values are reloaded on next access.
func (oc *ObjectContext) Invalidate(objs ...Persistent) {
	var ids []ObjectID
	for _, obj := range objs {
		o := obj.persistent()
		if o.oc != oc {
			continue
		}
		switch o.state {
		case StateCommitted, StateModified, StateHollow:
			ids = append(ids, o.id)
			oc.store.UnmarkDirty(o.id)
			for _, rel := range o.entity.ToOneRelationships() {
				delete(oc.store.arcs, ArcID{Source: o.id, Relationship: rel.Name})
			}
			o.hollow()
		}
	}
	if len(ids) > 0 && oc.parent == nil {
		oc.rt.rowStore.Invalidate(ids...)
	}
}

// HasChanges reports whether the context has uncommitted changes.
func (oc *ObjectContext) HasChanges() bool {
	oc.applyPending()
	return oc.store.HasChanges()
}

// NewObjects returns the objects created since the last commit.
func (oc *ObjectContext) NewObjects() []Persistent { return oc.dirtyIn(StateNew) }

// ModifiedObjects returns the objects modified since the last commit.
func (oc *ObjectContext) ModifiedObjects() []Persistent { return oc.dirtyIn(StateModified) }

// DeletedObjects returns the objects deleted since the last commit.
func (oc *ObjectContext) DeletedObjects() []Persistent { return oc.dirtyIn(StateDeleted) }

func (oc *ObjectContext) dirtyIn(state State) []Persistent {
	var out []Persistent
	for _, obj := range oc.store.DirtyObjects() {
		if obj.PersistenceState() == state {
			out = append(out, obj)
		}
	}
	return out
}

// RollbackChanges discards every uncommitted change. New objects become
// transient; modified and deleted objects return to their committed state.
func (oc *ObjectContext) RollbackChanges() {
	for _, obj := range oc.store.DirtyObjects() {
		o := obj.persistent()
		switch o.state {
		case StateNew:
			oc.store.UnregisterNode(o.id)
		case StateModified, StateDeleted:
			if o.committed == nil {
				o.hollow()
				continue
			}
			o.restore(o.committed)
			o.state = StateCommitted
		}
	}
	oc.store.clearDirty()
}

// perform runs one query on a node and returns the rows it produced.
func (oc *ObjectContext) perform(ctx context.Context, node string, q Query) ([]Row, error) {
	res := NewQueryResult()
	if err := oc.rt.PerformQueries(ctx, node, []Query{q}, res); err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return res.Rows(q), nil
}

// publishFetched stores snapshots read after the RowStore was at version
// since. Rows read inside a transaction may include its uncommitted writes,
// so they are not shared.
func (oc *ObjectContext) publishFetched(ctx context.Context, since uint64, snaps map[ObjectID]*Snapshot) {
	if activeTransaction(ctx) != nil {
		return
	}
	oc.rt.rowStore.PutFetched(oc, since, snaps)
}

func (oc *ObjectContext) fetchSnapshot(ctx context.Context, root *Entity, id ObjectID) (*Snapshot, error) {
	if snap := oc.rt.rowStore.Get(id); snap != nil {
		return snap, nil
	}
	since := oc.rt.rowStore.Version()
	q := &SelectQuery{Table: root.Table, Match: Row(id.Values())}
	rows, err := oc.perform(ctx, root.Node, q)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.Newf(ErrObjectNotFound, "no row for %s", id)
	}
	snap := NewSnapshot(rows[0])
	oc.publishFetched(ctx, since, map[ObjectID]*Snapshot{id: snap})
	return snap, nil
}

func (oc *ObjectContext) objectsFromRows(ctx context.Context, e *Entity, rows []Row, since uint64) ([]Persistent, error) {
	out := make([]Persistent, 0, len(rows))
	snaps := make(map[ObjectID]*Snapshot, len(rows))
	for _, row := range rows {
		snap := NewSnapshot(row)
		id, err := e.IDForRow(snap.Get)
		if err != nil {
			return nil, err
		}
		obj, err := oc.objectFromSnapshot(e, id, snap)
		if err != nil {
			return nil, err
		}
		snaps[id] = snap
		out = append(out, obj)
	}
	oc.publishFetched(ctx, since, snaps)
	return out, nil
}

// objectFromSnapshot returns the registered instance of id, refreshing it if
// it has no uncommitted changes, or hydrates a new instance of the concrete
// entity named by the snapshot's discriminator.
func (oc *ObjectContext) objectFromSnapshot(e *Entity, id ObjectID, snap *Snapshot) (Persistent, error) {
	if obj := oc.store.Node(id); obj != nil {
		o := obj.persistent()
		switch o.state {
		case StateCommitted, StateHollow:
			o.load(snap)
		}
		return obj, nil
	}

	concrete := oc.rt.resolver.Resolve(e, snap)
	if concrete.New == nil {
		return nil, errors.Newf(ErrInvalidEntity, "cannot instantiate abstract entity %s for %s", concrete.Name, id)
	}
	obj := concrete.New()
	o := obj.persistent()
	o.self = obj
	o.entity = concrete
	oc.store.RegisterNode(id, obj)
	o.load(snap)
	return obj, nil
}

// localize returns this context's instance of an object registered in the
// parent context, creating it from the parent's current state if needed.
func (oc *ObjectContext) localize(pobj Persistent) Persistent {
	id := pobj.ObjectID()
	if obj := oc.store.Node(id); obj != nil {
		if obj.PersistenceState() == StateHollow {
			obj.persistent().copyFrom(pobj.persistent())
		}
		return obj
	}
	p := pobj.persistent()
	obj := p.entity.New()
	o := obj.persistent()
	o.self = obj
	o.entity = p.entity
	oc.store.RegisterNode(id, obj)
	o.copyFrom(p)
	return obj
}

// copyFrom makes o a committed copy of the current state of p.
func (o *Object) copyFrom(p *Object) {
	s := p.snapshotState()
	o.committed = s
	o.restore(s)
	o.state = StateCommitted
}

func (oc *ObjectContext) enqueue(ev RowStoreEvent) {
	if ev.Source == oc {
		return
	}
	oc.mu.Lock()
	oc.pending = append(oc.pending, ev)
	oc.mu.Unlock()
}

// applyPending applies queued RowStore events to committed objects.
func (oc *ObjectContext) applyPending() {
	if !oc.sync {
		return
	}
	oc.mu.Lock()
	evs := oc.pending
	oc.pending = nil
	oc.mu.Unlock()

	for _, ev := range evs {
		if ev.All {
			for _, obj := range oc.store.Nodes() {
				if o := obj.persistent(); o.state == StateCommitted {
					o.hollow()
				}
			}
			continue
		}
		for id, snap := range ev.Updated {
			if obj := oc.store.Node(id); obj != nil {
				if o := obj.persistent(); o.state == StateCommitted {
					o.load(snap)
				}
			}
		}
		for _, id := range ev.Invalidated {
			if obj := oc.store.Node(id); obj != nil {
				if o := obj.persistent(); o.state == StateCommitted {
					o.hollow()
				}
			}
		}
	}
}
