// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package persist

import (
	"context"
	"io"
	"sort"

	"github.com/featurebasedb/persist/errors"
	"github.com/featurebasedb/persist/logger"
)

// Runtime ties together the entities, the data nodes and the shared
// RowStore. Contexts created from the same Runtime share its RowStore.
// A Runtime is safe for concurrent use.
type Runtime struct {
	resolver  *EntityResolver
	entities  []*Entity
	nodes     map[string]DataNode
	rowStore  *RowStore
	logger    logger.Logger
	txFactory func(Transaction) Transaction
	validate  bool
}

// RuntimeOption is a functional option for NewRuntime.
type RuntimeOption func(r *Runtime) error

// OptRuntimeEntities adds entities to the runtime.
func OptRuntimeEntities(entities ...*Entity) RuntimeOption {
	return func(r *Runtime) error {
		r.entities = append(r.entities, entities...)
		return nil
	}
}

// OptRuntimeNode adds a data node. Node names must be unique.
func OptRuntimeNode(node DataNode) RuntimeOption {
	return func(r *Runtime) error {
		if _, ok := r.nodes[node.Name()]; ok {
			return errors.Newf(ErrUnknownNode, "duplicate node %q", node.Name())
		}
		r.nodes[node.Name()] = node
		return nil
	}
}

// OptRuntimeRowStore sets the shared row store. By default an unbounded
// RowStore is created.
func OptRuntimeRowStore(s *RowStore) RuntimeOption {
	return func(r *Runtime) error {
		r.rowStore = s
		return nil
	}
}

func OptRuntimeLogger(l logger.Logger) RuntimeOption {
	return func(r *Runtime) error {
		r.logger = l
		return nil
	}
}

// OptRuntimeTransactionFactory wraps every transaction created by the
// runtime, typically with a decorator embedding it.
func OptRuntimeTransactionFactory(wrap func(Transaction) Transaction) RuntimeOption {
	return func(r *Runtime) error {
		r.txFactory = wrap
		return nil
	}
}

// OptRuntimeValidateOnCommit sets the default of
// ObjectContext.SetValidatingObjectsOnCommit for new contexts.
func OptRuntimeValidateOnCommit(v bool) RuntimeOption {
	return func(r *Runtime) error {
		r.validate = v
		return nil
	}
}

// NewRuntime returns a runtime. Every entity must name a registered node.
func NewRuntime(opts ...RuntimeOption) (*Runtime, error) {
	r := &Runtime{
		nodes:    make(map[string]DataNode),
		logger:   logger.NopLogger,
		validate: true,
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, errors.Wrap(err, "applying option")
		}
	}
	if r.rowStore == nil {
		r.rowStore = NewRowStore(OptRowStoreLogger(r.logger.WithPrefix("[rowstore] ")))
	}

	resolver, err := NewEntityResolver(r.entities...)
	if err != nil {
		return nil, errors.Wrap(err, "resolving entities")
	}
	for _, e := range resolver.Entities() {
		if _, ok := r.nodes[e.Node]; !ok {
			return nil, errors.Newf(ErrUnknownNode, "entity %s uses unknown node %q", e.Name, e.Node)
		}
	}
	r.resolver = resolver
	return r, nil
}

// NewContext returns a new root ObjectContext.
func (r *Runtime) NewContext(opts ...ContextOption) *ObjectContext {
	return newObjectContext(r, nil, opts...)
}

// Entities returns the runtime's entity resolver.
func (r *Runtime) Entities() *EntityResolver { return r.resolver }

// RowStore returns the shared row store.
func (r *Runtime) RowStore() *RowStore { return r.rowStore }

func (r *Runtime) Logger() logger.Logger { return r.logger }

// Node returns a data node by name.
func (r *Runtime) Node(name string) (DataNode, error) {
	n, ok := r.nodes[name]
	if !ok {
		return nil, errors.Newf(ErrUnknownNode, "unknown node %q", name)
	}
	return n, nil
}

// Nodes returns every node, sorted by name.
func (r *Runtime) Nodes() []DataNode {
	out := make([]DataNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// PerformQueries runs a batch of queries on a node.
func (r *Runtime) PerformQueries(ctx context.Context, node string, queries []Query, observer OperationObserver) error {
	n, err := r.Node(node)
	if err != nil {
		return err
	}
	n.PerformQueries(ctx, queries, observer)
	return nil
}

// NewTransaction returns a new transaction, wrapped by the transaction
// factory if one is set.
func (r *Runtime) NewTransaction() Transaction {
	tx := NewTransaction(r.logger)
	if r.txFactory != nil {
		tx = r.txFactory(tx)
	}
	return tx
}

// PerformInTransaction calls fn with a context carrying an active
// transaction. If ctx already carries one, fn joins it. Otherwise a new
// transaction is started, and committed if fn returns nil or rolled back if
// fn fails or panics.
func (r *Runtime) PerformInTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if activeTransaction(ctx) != nil {
		return fn(ctx)
	}

	tx := r.NewTransaction()
	if err := tx.Begin(ctx); err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	txctx, err := BindTransaction(ctx, tx)
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	defer func() {
		if rec := recover(); rec != nil {
			if rerr := tx.Rollback(ctx); rerr != nil {
				r.logger.Errorf("rolling back after panic: %v", rerr)
			}
			panic(rec)
		}
	}()

	if err := fn(txctx); err != nil {
		if tx.Status() == StatusActive {
			if rerr := tx.Rollback(ctx); rerr != nil {
				r.logger.Errorf("rolling back: %v", rerr)
			}
		}
		return err
	}
	return tx.Commit(ctx)
}

// Close closes every node that implements io.Closer.
func (r *Runtime) Close() error {
	var first error
	for _, n := range r.Nodes() {
		if c, ok := n.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = errors.Wrapf(err, "closing node %s", n.Name())
			}
		}
	}
	return first
}
