// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package persist

import (
	"context"
	"sort"

	"github.com/featurebasedb/persist/errors"
	"github.com/featurebasedb/persist/tracing"
)

// CommitChanges commits every change of the context. A root context writes
// the changes to the data nodes inside one transaction: the transaction
// carried by ctx if there is an active one, or a new one otherwise.
//
// When ctx carries the transaction, the written objects are committed in
// memory at once, so a later commit in the same transaction does not write
// them again. Their snapshots are only shared through the RowStore once the
// transaction commits. If it rolls back, the context returns to the state it
// had before its first commit in the transaction.
//
// A child context commits its changes to its parent and then commits the
// parent. The child keeps its changes until the parent's commit succeeds.
//
// If the commit fails nothing in memory is changed and the returned error has
// the code ErrCommitFailed, or ErrValidation when validation hooks reported
// failures.
func (oc *ObjectContext) CommitChanges(ctx context.Context) error {
	if err := oc.begin(); err != nil {
		return err
	}
	return oc.commit(ctx, nil)
}

func (oc *ObjectContext) commit(ctx context.Context, onIDs func(map[ObjectID]ObjectID)) error {
	if oc.parent == nil {
		return oc.commitRoot(ctx, onIDs)
	}
	p := oc.parent
	if err := p.begin(); err != nil {
		return err
	}

	cp := p.store.checkpoint()
	merged, err := oc.mergeIntoParent(ctx)
	if err != nil {
		p.store.restore(cp)
		return err
	}
	err = p.commit(ctx, func(ids map[ObjectID]ObjectID) {
		if tx := activeTransaction(ctx); tx != nil {
			oc.holdUntilSettled(tx)
		}
		oc.promote(merged)
		oc.applyPermanentIDs(ids)
		if onIDs != nil {
			onIDs(ids)
		}
	})
	if err != nil {
		p.store.restore(cp)
		return err
	}
	return nil
}

// holdUntilSettled saves the state of the context the first time it commits
// inside tx, and puts it back if tx rolls back.
func (oc *ObjectContext) holdUntilSettled(tx Transaction) {
	if _, ok := oc.held[tx]; ok {
		return
	}
	if oc.held == nil {
		oc.held = make(map[Transaction]*checkpoint)
	}
	cp := oc.store.checkpoint()
	oc.held[tx] = cp
	tx.AddListener(TransactionListenerFuncs{
		Committed: func(Transaction) {
			delete(oc.held, tx)
		},
		RolledBack: func(Transaction) {
			delete(oc.held, tx)
			oc.store.restore(cp)
			oc.logger.Debugf("restored %d objects after rollback", len(cp.objects))
		},
	})
}

// commitPlan partitions the dirty objects of a root context.
type commitPlan struct {
	inserts   []*Object
	updates   []*Object
	deletes   []*Object
	unchanged []*Object
}

func (p *commitPlan) empty() bool {
	return len(p.inserts) == 0 && len(p.updates) == 0 && len(p.deletes) == 0
}

// commitResult holds what the nodes assigned and stored.
type commitResult struct {
	ids  map[ObjectID]ObjectID
	rows map[*Object]Row
}

func (oc *ObjectContext) commitRoot(ctx context.Context, onIDs func(map[ObjectID]ObjectID)) error {
	span, ctx := tracing.StartSpanFromContext(ctx, "ObjectContext.CommitChanges")
	defer span.Finish()

	if oc.validate {
		if err := oc.validateChanges(); err != nil {
			return err
		}
	}

	plan := oc.planCommit()
	span.LogKV("inserts", len(plan.inserts), "updates", len(plan.updates), "deletes", len(plan.deletes))
	if plan.empty() {
		oc.applyCommit(plan, &commitResult{}, onIDs)
		return nil
	}

	if tx := activeTransaction(ctx); tx != nil {
		res, err := oc.execute(ctx, plan)
		if err != nil {
			tx.SetRollbackOnly()
			CounterCommitFailures.Inc()
			return errors.WrapCode(err, ErrCommitFailed, "committing changes")
		}
		oc.holdUntilSettled(tx)
		updated, invalidated := oc.settle(plan, res)
		tx.AddListener(TransactionListenerFuncs{
			Committed: func(Transaction) {
				CounterCommits.Inc()
				oc.rt.rowStore.PutAll(oc, updated, invalidated)
			},
		})
		if onIDs != nil {
			onIDs(res.ids)
		}
		return nil
	}

	tx := oc.rt.NewTransaction()
	if err := tx.Begin(ctx); err != nil {
		return errors.WrapCode(err, ErrCommitFailed, "beginning transaction")
	}
	txctx, err := BindTransaction(ctx, tx)
	if err != nil {
		_ = tx.Rollback(ctx)
		return errors.WrapCode(err, ErrCommitFailed, "binding transaction")
	}

	defer func() {
		if r := recover(); r != nil {
			if tx.Status() == StatusActive {
				if rerr := tx.Rollback(ctx); rerr != nil {
					oc.logger.Errorf("rolling back after panic: %v", rerr)
				}
			}
			CounterCommitFailures.Inc()
			panic(r)
		}
	}()

	res, err := oc.execute(txctx, plan)
	if err != nil {
		if rerr := tx.Rollback(ctx); rerr != nil {
			oc.logger.Errorf("rolling back failed commit: %v", rerr)
		}
		CounterCommitFailures.Inc()
		return errors.WrapCode(err, ErrCommitFailed, "committing changes")
	}
	if err := tx.Commit(ctx); err != nil {
		CounterCommitFailures.Inc()
		return errors.WrapCode(err, ErrCommitFailed, "committing transaction")
	}
	CounterCommits.Inc()
	oc.applyCommit(plan, res, onIDs)
	return nil
}

func (oc *ObjectContext) planCommit() *commitPlan {
	plan := &commitPlan{}
	for _, obj := range oc.store.DirtyObjects() {
		o := obj.persistent()
		switch o.state {
		case StateNew:
			plan.inserts = append(plan.inserts, o)
		case StateDeleted:
			if !o.id.IsTemporary() {
				plan.deletes = append(plan.deletes, o)
			}
		case StateModified:
			if len(o.changedAttributes()) > 0 || len(o.changedRelationships()) > 0 {
				plan.updates = append(plan.updates, o)
			} else {
				plan.unchanged = append(plan.unchanged, o)
			}
		}
	}
	return plan
}

// statement is a query addressed to a node.
type statement struct {
	node string
	q    Query
}

// execute sends the plan to the nodes: primary key generation first, then
// inserts with referenced objects first, then updates, then deletes with
// referencing objects first.
func (oc *ObjectContext) execute(ctx context.Context, plan *commitPlan) (*commitResult, error) {
	res := &commitResult{
		ids:  make(map[ObjectID]ObjectID),
		rows: make(map[*Object]Row),
	}
	if err := oc.assignKeys(ctx, plan.inserts, res.ids); err != nil {
		return nil, err
	}
	resolve := func(id ObjectID) (ObjectID, bool) {
		if !id.IsTemporary() {
			return id, true
		}
		perm, ok := res.ids[id]
		return perm, ok
	}

	var stmts []statement
	var batch *BatchInsertQuery
	var batchNode string
	flush := func() {
		if batch == nil {
			return
		}
		if len(batch.Rows) == 1 {
			stmts = append(stmts, statement{batchNode, &InsertQuery{Table: batch.Table, Values: batch.Rows[0]}})
		} else {
			stmts = append(stmts, statement{batchNode, batch})
		}
		batch = nil
	}
	for _, o := range sortByDependency(plan.inserts, func(o *Object) map[string]ObjectID { return o.arcs }) {
		row, err := o.row(resolve)
		if err != nil {
			return nil, err
		}
		res.rows[o] = row
		if batch != nil && (batch.Table != o.entity.Table || batchNode != o.entity.Node) {
			flush()
		}
		if batch == nil {
			batch, batchNode = &BatchInsertQuery{Table: o.entity.Table}, o.entity.Node
		}
		batch.Rows = append(batch.Rows, row)
	}
	flush()

	for _, o := range plan.updates {
		values := Row{}
		for _, a := range o.changedAttributes() {
			values[a] = o.values[a]
		}
		for _, rel := range o.changedRelationships() {
			fk, err := o.fkValues(rel, resolve)
			if err != nil {
				return nil, err
			}
			for col, v := range fk {
				values[col] = v
			}
		}
		row, err := o.row(resolve)
		if err != nil {
			return nil, err
		}
		res.rows[o] = row
		stmts = append(stmts, statement{o.entity.Node, &UpdateQuery{
			Table:  o.entity.Table,
			Match:  Row(o.id.Values()),
			Values: values,
		}})
	}

	deletes := sortByDependency(plan.deletes, func(o *Object) map[string]ObjectID {
		if o.committed == nil {
			return nil
		}
		return o.committed.arcs
	})
	for i := len(deletes) - 1; i >= 0; i-- {
		o := deletes[i]
		stmts = append(stmts, statement{o.entity.Node, &DeleteQuery{
			Table: o.entity.Table,
			Match: Row(o.id.Values()),
		}})
	}

	if err := oc.runStatements(ctx, stmts); err != nil {
		return nil, err
	}
	return res, nil
}

// runStatements sends statements to their nodes, one batch per node, in the
// order each node first appears.
func (oc *ObjectContext) runStatements(ctx context.Context, stmts []statement) error {
	var order []string
	byNode := make(map[string][]Query)
	for _, s := range stmts {
		if _, ok := byNode[s.node]; !ok {
			order = append(order, s.node)
		}
		byNode[s.node] = append(byNode[s.node], s.q)
		switch q := s.q.(type) {
		case *InsertQuery:
			CounterStatements.WithLabelValues("insert").Inc()
		case *BatchInsertQuery:
			CounterStatements.WithLabelValues("insert").Add(float64(len(q.Rows)))
		case *UpdateQuery:
			CounterStatements.WithLabelValues("update").Inc()
		case *DeleteQuery:
			CounterStatements.WithLabelValues("delete").Inc()
		}
	}

	for _, name := range order {
		res := NewQueryResult()
		if err := oc.rt.PerformQueries(ctx, name, byNode[name], res); err != nil {
			return err
		}
		if err := res.Err(); err != nil {
			return err
		}
	}
	return nil
}

// assignKeys computes the permanent ObjectID of every new object, taking
// primary key values set on the object or generating them on the entity's
// node.
func (oc *ObjectContext) assignKeys(ctx context.Context, inserts []*Object, ids map[ObjectID]ObjectID) error {
	var roots []*Entity
	pending := make(map[*Entity][]*Object)
	for _, o := range inserts {
		root := o.entity.Root()
		values := make(map[string]interface{}, len(root.PrimaryKey))
		for _, col := range root.PrimaryKey {
			if v := o.values[col]; v != nil {
				values[col] = v
			}
		}
		if len(values) == len(root.PrimaryKey) {
			id, err := NewCompoundObjectID(root.Name, values)
			if err != nil {
				return err
			}
			ids[o.id] = id
			continue
		}
		if len(root.PrimaryKey) != 1 {
			return errors.Newf(ErrMissingPK, "%s has a compound primary key that must be set explicitly", root.Name)
		}
		if _, ok := pending[root]; !ok {
			roots = append(roots, root)
		}
		pending[root] = append(pending[root], o)
	}

	for _, root := range roots {
		objs := pending[root]
		col := root.PrimaryKey[0]
		q := &GeneratePKQuery{Table: root.Table, Column: col, Count: len(objs)}
		rows, err := oc.perform(ctx, root.Node, q)
		if err != nil {
			return errors.Wrapf(err, "generating keys for %s", root.Name)
		}
		if len(rows) != len(objs) {
			return errors.Newf(ErrMissingPK, "node %s generated %d keys for %d new %s objects", root.Node, len(rows), len(objs), root.Name)
		}
		for i, o := range objs {
			id, err := NewObjectID(root.Name, col, rows[i][col])
			if err != nil {
				return err
			}
			ids[o.id] = id
		}
	}
	return nil
}

// sortByDependency orders objs so that every object comes after the objects
// of objs its arcs point at. Cycles are broken in input order.
func sortByDependency(objs []*Object, arcs func(*Object) map[string]ObjectID) []*Object {
	byID := make(map[ObjectID]*Object, len(objs))
	for _, o := range objs {
		byID[o.id] = o
	}
	const (
		visiting = 1
		visited  = 2
	)
	marks := make(map[*Object]int, len(objs))
	out := make([]*Object, 0, len(objs))
	var visit func(o *Object)
	visit = func(o *Object) {
		if marks[o] != 0 {
			return
		}
		marks[o] = visiting
		deps := arcs(o)
		names := make([]string, 0, len(deps))
		for rel := range deps {
			names = append(names, rel)
		}
		sort.Strings(names)
		for _, rel := range names {
			if dep, ok := byID[deps[rel]]; ok && dep != o {
				visit(dep)
			}
		}
		marks[o] = visited
		out = append(out, o)
	}
	for _, o := range objs {
		visit(o)
	}
	return out
}

// applyCommit records a successful commit in memory and publishes the new
// snapshots to the RowStore.
func (oc *ObjectContext) applyCommit(plan *commitPlan, res *commitResult, onIDs func(map[ObjectID]ObjectID)) {
	updated, invalidated := oc.settle(plan, res)
	oc.rt.rowStore.PutAll(oc, updated, invalidated)
	if onIDs != nil {
		onIDs(res.ids)
	}
}

// settle records written changes in memory: new objects get their permanent
// ids, committed objects take their written state, and deleted objects are
// unregistered. It returns the snapshots to publish and the ids to
// invalidate.
func (oc *ObjectContext) settle(plan *commitPlan, res *commitResult) (map[ObjectID]*Snapshot, []ObjectID) {
	for _, o := range plan.inserts {
		if perm, ok := res.ids[o.id]; ok {
			oc.store.rekey(o.id, perm)
		}
	}
	oc.store.repointArcs(res.ids)

	updated := make(map[ObjectID]*Snapshot, len(res.rows))
	written := func(o *Object) {
		row := res.rows[o]
		snap := NewSnapshot(row)
		updated[o.id] = snap
		o.committed = o.stateFromSnapshot(snap)
		for _, col := range o.entity.Root().PrimaryKey {
			o.values[col] = row[col]
		}
		o.state = StateCommitted
		oc.forget(o.id)
	}
	for _, o := range plan.inserts {
		written(o)
	}
	for _, o := range plan.updates {
		written(o)
	}
	for _, o := range plan.unchanged {
		o.state = StateCommitted
		oc.forget(o.id)
	}

	invalidated := make([]ObjectID, 0, len(plan.deletes))
	for _, o := range plan.deletes {
		invalidated = append(invalidated, o.id)
		oc.store.UnregisterNode(o.id)
	}
	return updated, invalidated
}

// forget drops the pending change records of id.
func (oc *ObjectContext) forget(id ObjectID) {
	oc.store.UnmarkDirty(id)
	for arc := range oc.store.arcs {
		if arc.Source == id {
			delete(oc.store.arcs, arc)
		}
	}
}

// applyPermanentIDs replaces temporary ids assigned by an ancestor's commit.
func (oc *ObjectContext) applyPermanentIDs(ids map[ObjectID]ObjectID) {
	for from, to := range ids {
		obj := oc.store.Node(from)
		if obj == nil {
			continue
		}
		oc.store.rekey(from, to)
		o := obj.persistent()
		for col, v := range to.Values() {
			o.values[col] = v
			if o.committed != nil {
				o.committed.values[col] = v
			}
		}
	}
	oc.store.repointArcs(ids)
}

// CommitChangesToParent merges the changes of a child context into its
// parent's graph without touching any data node. Afterwards the child has no
// pending changes and the parent has them instead. If the merge fails
// neither context is changed.
func (oc *ObjectContext) CommitChangesToParent(ctx context.Context) error {
	if err := oc.begin(); err != nil {
		return err
	}
	p := oc.parent
	if p == nil {
		return errors.New(ErrContextMismatch, "a root context has no parent")
	}
	if err := p.begin(); err != nil {
		return err
	}

	cp := p.store.checkpoint()
	merged, err := oc.mergeIntoParent(ctx)
	if err != nil {
		p.store.restore(cp)
		return err
	}
	oc.promote(merged)
	return nil
}

// mergeIntoParent applies the changes of the child context to its parent
// and returns the child objects it merged. The child is left unchanged.
func (oc *ObjectContext) mergeIntoParent(ctx context.Context) ([]Persistent, error) {
	p := oc.parent
	dirty := oc.store.DirtyObjects()
	for _, obj := range dirty {
		o := obj.persistent()
		switch o.state {
		case StateNew:
			pobj := p.store.Node(o.id)
			if pobj == nil {
				pobj = o.entity.New()
				po := pobj.persistent()
				po.self = pobj
				po.entity = o.entity
				po.values = make(map[string]interface{})
				po.arcs = make(map[string]ObjectID)
				po.state = StateNew
				p.store.RegisterNode(o.id, pobj)
				p.store.MarkDirty(pobj)
			}
			mergeInto(pobj.persistent(), o)

		case StateModified:
			pobj := p.store.Node(o.id)
			if pobj == nil {
				var err error
				if pobj, err = p.ObjectForID(ctx, o.id); err != nil {
					return nil, errors.Wrapf(err, "merging %s into parent", o.id)
				}
			}
			mergeInto(pobj.persistent(), o)

		case StateDeleted:
			if pobj := p.store.Node(o.id); pobj != nil {
				if err := p.DeleteObject(pobj); err != nil {
					return nil, err
				}
			}
		}
	}
	return dirty, nil
}

// promote records merged child objects as committed to the parent.
func (oc *ObjectContext) promote(merged []Persistent) {
	for _, obj := range merged {
		o := obj.persistent()
		switch o.state {
		case StateNew, StateModified:
			o.committed = o.snapshotState()
			o.state = StateCommitted
		case StateDeleted:
			oc.store.UnregisterNode(o.id)
		}
	}
	oc.store.clearDirty()
}

// mergeInto copies the attribute and arc values of o that differ into po,
// marking po modified as needed.
func mergeInto(po, o *Object) {
	for attr, v := range o.values {
		if cur, ok := po.values[attr]; !ok || !valuesEqual(cur, v) {
			po.Set(attr, v)
		}
	}
	for _, rel := range o.entity.ToOneRelationships() {
		if po.arcs[rel.Name] != o.arcs[rel.Name] {
			po.setArc(rel.Name, o.arcs[rel.Name])
		}
	}
}
