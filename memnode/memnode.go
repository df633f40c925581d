// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package memnode implements an in-memory persist.DataNode. Every connection
// stages its writes privately and applies them atomically on commit, so
// uncommitted writes are only visible through the connection that made them.
package memnode

import (
	"context"
	"sync"
	"time"

	"github.com/featurebasedb/persist"
	"github.com/featurebasedb/persist/errors"
	"github.com/featurebasedb/persist/logger"
	"github.com/featurebasedb/persist/pool"
)

const (
	ErrUnknownTable errors.Code = "UnknownTable"
	ErrDuplicateKey errors.Code = "DuplicateKey"
)

// Ensure type implements interface.
var _ persist.DataNode = (*Node)(nil)
var _ persist.DataSource = (*Node)(nil)

// Node is an in-memory data node. Tables must be created before use, either
// with CreateTable or OptNodeEntities.
type Node struct {
	name   string
	logger logger.Logger
	pool   *pool.Pool
	hook   func(q persist.Query) error

	mu     sync.RWMutex
	tables tables
	seqs   map[string]int64
}

// NodeOption is a functional option for New.
type NodeOption func(n *Node)

// OptNodePool sets the size of the connection pool and how long Connect waits
// for a free connection.
func OptNodePool(size int, wait time.Duration) NodeOption {
	return func(n *Node) {
		n.pool = pool.New(size, wait)
	}
}

func OptNodeLogger(l logger.Logger) NodeOption {
	return func(n *Node) {
		n.logger = l
	}
}

// OptNodeEntities creates the table of every root entity that uses the node.
func OptNodeEntities(entities ...*persist.Entity) NodeOption {
	return func(n *Node) {
		for _, e := range entities {
			if e.Super == "" && e.Node == n.name {
				n.CreateTable(e.Table, e.PrimaryKey...)
			}
		}
	}
}

// OptQueryHook calls fn before every query. An error returned by fn fails the
// query.
func OptQueryHook(fn func(q persist.Query) error) NodeOption {
	return func(n *Node) {
		n.hook = fn
	}
}

// New returns an empty node.
func New(name string, opts ...NodeOption) *Node {
	n := &Node{
		name:   name,
		logger: logger.NopLogger,
		pool:   pool.New(pool.DefaultSize, 0),
		tables: make(tables),
		seqs:   make(map[string]int64),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Name returns the node name.
func (n *Node) Name() string { return n.name }

// CreateTable creates an empty table. Rows are unique by the pk columns, if
// any are given. Creating an existing table is a no-op.
func (n *Node) CreateTable(name string, pk ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.tables[name]; !ok {
		n.tables[name] = newTable(pk)
	}
}

// Rows returns a copy of the committed rows of a table, in insertion order.
func (n *Node) Rows(table string) []persist.Row {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.tables[table]
	if !ok {
		return nil
	}
	return t.all()
}

// InUse returns the number of connections currently open.
func (n *Node) InUse() int { return n.pool.InUse() }

// Close makes further connection attempts fail.
func (n *Node) Close() error {
	n.pool.Close()
	return nil
}

// Ping waits for a free pool slot and releases it.
func (n *Node) Ping(ctx context.Context) error {
	if err := n.pool.Acquire(ctx); err != nil {
		return err
	}
	n.pool.Release()
	return nil
}

// Connect opens a connection, waiting for a free pool slot.
func (n *Node) Connect(ctx context.Context) (persist.Connection, error) {
	if err := n.pool.Acquire(ctx); err != nil {
		return nil, err
	}
	return &conn{node: n}, nil
}

// PerformQueries runs queries on the transaction's connection for this node,
// or on a connection of its own.
func (n *Node) PerformQueries(ctx context.Context, queries []persist.Query, observer persist.OperationObserver) {
	persist.PerformWithConnection(ctx, n.name, n, queries, observer, n.exec)
}

func (n *Node) exec(ctx context.Context, c persist.Connection, q persist.Query, observer persist.OperationObserver) error {
	cn, ok := c.(*conn)
	if !ok || cn.node != n {
		return errors.Errorf("connection %T does not belong to node %s", c, n.name)
	}
	if n.hook != nil {
		if err := n.hook(q); err != nil {
			return err
		}
	}

	switch q := q.(type) {
	case *persist.SelectQuery:
		t, err := cn.read(q.Table)
		if err != nil {
			return err
		}
		observer.NextRows(q, persist.ApplySelect(q, t.all()))

	case *persist.GeneratePKQuery:
		rows, err := n.generate(q)
		if err != nil {
			return err
		}
		observer.NextRows(q, rows)

	case *persist.InsertQuery:
		if err := cn.write(q.Table, func(t *table) (int, error) { return 1, t.insert(q.Values) }); err != nil {
			return err
		}
		observer.NextCount(q, 1)

	case *persist.BatchInsertQuery:
		counts := make([]int, len(q.Rows))
		err := cn.write(q.Table, func(t *table) (int, error) {
			for i, row := range q.Rows {
				if err := t.insert(row); err != nil {
					return 0, err
				}
				counts[i] = 1
			}
			return len(q.Rows), nil
		})
		if err != nil {
			return err
		}
		observer.NextBatchCount(q, counts)

	case *persist.UpdateQuery:
		var count int
		err := cn.write(q.Table, func(t *table) (int, error) {
			count = t.update(q.Match, q.Values)
			return count, nil
		})
		if err != nil {
			return err
		}
		observer.NextCount(q, count)

	case *persist.DeleteQuery:
		var count int
		err := cn.write(q.Table, func(t *table) (int, error) {
			count = t.delete(q.Match)
			return count, nil
		})
		if err != nil {
			return err
		}
		observer.NextCount(q, count)

	default:
		return errors.Errorf("memnode: unsupported query %T", q)
	}
	return nil
}

// generate hands out key values. Like database sequences, generated values
// are never reused, even if the transaction that asked for them rolls back.
func (n *Node) generate(q *persist.GeneratePKQuery) ([]persist.Row, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.tables[q.Table]
	if !ok {
		return nil, errors.Newf(ErrUnknownTable, "memnode %s: unknown table %s", n.name, q.Table)
	}
	key := q.Table + "." + q.Column
	next := n.seqs[key]
	if max := t.maxInt(q.Column); max > next {
		next = max
	}
	rows := make([]persist.Row, q.Count)
	for i := range rows {
		next++
		rows[i] = persist.Row{q.Column: next}
	}
	n.seqs[key] = next
	return rows, nil
}

// conn is a connection to a Node. Its staged view of the tables is created on
// the first write and replayed onto the committed tables on commit.
type conn struct {
	node *Node
	view tables
	ops  []op

	mu     sync.Mutex
	closed bool
}

// op is one staged write.
type op struct {
	table string
	apply func(t *table) (int, error)
}

func (c *conn) read(name string) (*table, error) {
	if c.view != nil {
		if t, ok := c.view[name]; ok {
			return t, nil
		}
		return nil, errors.Newf(ErrUnknownTable, "memnode %s: unknown table %s", c.node.name, name)
	}
	c.node.mu.RLock()
	defer c.node.mu.RUnlock()
	t, ok := c.node.tables[name]
	if !ok {
		return nil, errors.Newf(ErrUnknownTable, "memnode %s: unknown table %s", c.node.name, name)
	}
	return t.clone(), nil
}

func (c *conn) write(name string, apply func(t *table) (int, error)) error {
	if c.view == nil {
		c.node.mu.RLock()
		c.view = c.node.tables.clone()
		c.node.mu.RUnlock()
	}
	t, ok := c.view[name]
	if !ok {
		return errors.Newf(ErrUnknownTable, "memnode %s: unknown table %s", c.node.name, name)
	}
	// Apply to a copy so a failing write leaves the view untouched.
	cp := t.clone()
	if _, err := apply(cp); err != nil {
		return err
	}
	c.view[name] = cp
	c.ops = append(c.ops, op{table: name, apply: apply})
	return nil
}

// Commit replays the staged writes onto the node's current tables. If any
// write no longer applies, nothing is committed.
func (c *conn) Commit() error {
	if len(c.ops) == 0 {
		return nil
	}
	n := c.node
	n.mu.Lock()
	defer n.mu.Unlock()

	next := n.tables.clone()
	for _, o := range c.ops {
		t, ok := next[o.table]
		if !ok {
			return errors.Newf(ErrUnknownTable, "memnode %s: unknown table %s", n.name, o.table)
		}
		if _, err := o.apply(t); err != nil {
			return errors.Wrap(err, "replaying staged write")
		}
	}
	n.tables = next
	n.logger.Debugf("memnode %s: committed %d writes", n.name, len(c.ops))
	c.view, c.ops = nil, nil
	return nil
}

func (c *conn) Rollback() error {
	c.view, c.ops = nil, nil
	return nil
}

// Close discards staged writes and returns the connection to the pool.
// Closing twice is a no-op.
func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.view, c.ops = nil, nil
	c.node.pool.Release()
	return nil
}
