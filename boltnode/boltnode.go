// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package boltnode implements a persist.DataNode on top of a bolt database
// file. Each table is a bucket holding gob-encoded rows keyed by their
// primary key.
package boltnode

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/featurebasedb/persist"
	"github.com/featurebasedb/persist/errors"
	"github.com/featurebasedb/persist/logger"
	"github.com/featurebasedb/persist/pool"
	bolt "go.etcd.io/bbolt"
)

const (
	ErrUnknownTable errors.Code = "UnknownTable"
	ErrDuplicateKey errors.Code = "DuplicateKey"
)

// Ensure type implements interface.
var _ persist.DataNode = (*Node)(nil)
var _ persist.DataSource = (*Node)(nil)

// Node is a data node backed by a bolt file. Bolt allows a single writer at
// a time, so connections that write are serialized until they commit or
// roll back.
type Node struct {
	name   string
	db     *DB
	logger logger.Logger
	pool   *pool.Pool

	mu  sync.RWMutex
	pks map[string][]string
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

// OptNodeEntities declares the table of every root entity that uses the
// node.
func OptNodeEntities(entities ...*persist.Entity) NodeOption {
	return func(n *Node) {
		for _, e := range entities {
			if e.Super == "" && e.Node == n.name {
				n.pks[e.Table] = e.PrimaryKey
			}
		}
	}
}

// New returns a node storing its data at the file named by dsn, which must
// start with "file:". The file is not opened until Open is called.
func New(name, dsn string, opts ...NodeOption) *Node {
	n := &Node{
		name:   name,
		db:     NewDB(dsn),
		logger: logger.NopLogger,
		pool:   pool.New(pool.DefaultSize, 0),
		pks:    make(map[string][]string),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Name returns the node name.
func (n *Node) Name() string { return n.name }

// DB returns the underlying database.
func (n *Node) DB() *DB { return n.db }

// Open opens the bolt file and creates the bucket of every declared table.
func (n *Node) Open() error {
	n.mu.RLock()
	for table := range n.pks {
		n.db.RegisterBuckets(Bucket(table))
	}
	n.mu.RUnlock()
	return errors.Wrapf(n.db.Open(), "opening node %s", n.name)
}

// Close makes further connection attempts fail and closes the bolt file.
func (n *Node) Close() error {
	n.pool.Close()
	return n.db.Close()
}

// CreateTable declares a table keyed by the pk columns and creates its
// bucket. Tables without pk columns are keyed by a sequence.
func (n *Node) CreateTable(name string, pk ...string) error {
	n.mu.Lock()
	n.pks[name] = pk
	n.mu.Unlock()
	return n.db.RegisterBuckets(Bucket(name))
}

// InUse returns the number of connections currently open.
func (n *Node) InUse() int { return n.pool.InUse() }

// Ping checks that the bolt file can be read.
func (n *Node) Ping(ctx context.Context) error {
	tx, err := n.db.BeginTx(ctx, false)
	if err != nil {
		return errors.Wrap(err, "beginning tx")
	}
	return tx.Rollback()
}

// Rows returns the committed rows of a table in key order.
func (n *Node) Rows(ctx context.Context, table string) ([]persist.Row, error) {
	tx, err := n.db.BeginTx(ctx, false)
	if err != nil {
		return nil, errors.Wrap(err, "beginning tx")
	}
	defer tx.Rollback()
	return n.scan(tx, table)
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

	switch q := q.(type) {
	case *persist.SelectQuery:
		tx, err := cn.txFor(ctx, false)
		if err != nil {
			return err
		}
		rows, err := n.scan(tx, q.Table)
		if err != nil {
			return err
		}
		observer.NextRows(q, persist.ApplySelect(q, rows))

	case *persist.GeneratePKQuery:
		tx, err := cn.txFor(ctx, true)
		if err != nil {
			return err
		}
		rows, err := n.generate(tx, q)
		if err != nil {
			return err
		}
		observer.NextRows(q, rows)

	case *persist.InsertQuery:
		tx, err := cn.txFor(ctx, true)
		if err != nil {
			return err
		}
		if err := n.insert(tx, q.Table, q.Values); err != nil {
			return err
		}
		observer.NextCount(q, 1)

	case *persist.BatchInsertQuery:
		tx, err := cn.txFor(ctx, true)
		if err != nil {
			return err
		}
		counts := make([]int, len(q.Rows))
		for i, row := range q.Rows {
			if err := n.insert(tx, q.Table, row); err != nil {
				return errors.Wrapf(err, "row %d", i)
			}
			counts[i] = 1
		}
		observer.NextBatchCount(q, counts)

	case *persist.UpdateQuery:
		tx, err := cn.txFor(ctx, true)
		if err != nil {
			return err
		}
		count, err := n.update(tx, q.Table, q.Match, q.Values)
		if err != nil {
			return err
		}
		observer.NextCount(q, count)

	case *persist.DeleteQuery:
		tx, err := cn.txFor(ctx, true)
		if err != nil {
			return err
		}
		count, err := n.delete(tx, q.Table, q.Match)
		if err != nil {
			return err
		}
		observer.NextCount(q, count)

	default:
		return errors.Errorf("boltnode: unsupported query %T", q)
	}
	return nil
}

func (n *Node) bucket(tx *Tx, table string) (*bolt.Bucket, []string, error) {
	n.mu.RLock()
	pk, ok := n.pks[table]
	n.mu.RUnlock()
	if !ok {
		return nil, nil, errors.Newf(ErrUnknownTable, "boltnode %s: unknown table %s", n.name, table)
	}
	bkt := tx.Bucket(Bucket(table))
	if bkt == nil {
		return nil, nil, errors.Errorf(ErrFmtBucketNotFound, table)
	}
	return bkt, pk, nil
}

// rowKey returns the key of a row of a table keyed by pk columns.
func rowKey(table string, pk []string, row persist.Row) ([]byte, error) {
	values := make(map[string]interface{}, len(pk))
	for _, col := range pk {
		values[col] = row[col]
	}
	id, err := persist.NewCompoundObjectID(table, values)
	if err != nil {
		return nil, errors.Wrap(err, "building row key")
	}
	return []byte(id.String()), nil
}

func (n *Node) scan(tx *Tx, table string) ([]persist.Row, error) {
	bkt, _, err := n.bucket(tx, table)
	if err != nil {
		return nil, err
	}
	var rows []persist.Row
	c := bkt.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if v == nil {
			n.logger.Printf("nil value for key: %s", k)
			continue
		}
		row, err := decodeRow(v)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding row %s", k)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (n *Node) insert(tx *Tx, table string, row persist.Row) error {
	bkt, pk, err := n.bucket(tx, table)
	if err != nil {
		return err
	}
	var key []byte
	if len(pk) > 0 {
		if key, err = rowKey(table, pk, row); err != nil {
			return err
		}
		if bkt.Get(key) != nil {
			return errors.Newf(ErrDuplicateKey, "duplicate key %s", key)
		}
	} else {
		seq, err := bkt.NextSequence()
		if err != nil {
			return errors.Wrap(err, "getting row sequence")
		}
		key = []byte(fmt.Sprintf("#%020d", seq))
	}

	val, err := encodeRow(row)
	if err != nil {
		return errors.Wrap(err, "encoding row")
	}
	return errors.Wrap(bkt.Put(key, val), "putting row")
}

// matching returns the keys and rows of a table that match.
func (n *Node) matching(bkt *bolt.Bucket, match persist.Row) ([][]byte, []persist.Row, error) {
	var keys [][]byte
	var rows []persist.Row
	c := bkt.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		row, err := decodeRow(v)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "decoding row %s", k)
		}
		if persist.MatchesRow(match, row) {
			keys = append(keys, append([]byte(nil), k...))
			rows = append(rows, row)
		}
	}
	return keys, rows, nil
}

func (n *Node) update(tx *Tx, table string, match, values persist.Row) (int, error) {
	bkt, pk, err := n.bucket(tx, table)
	if err != nil {
		return 0, err
	}
	keys, rows, err := n.matching(bkt, match)
	if err != nil {
		return 0, err
	}
	for i, row := range rows {
		for col, v := range values {
			row[col] = v
		}
		key := keys[i]
		if len(pk) > 0 {
			newKey, err := rowKey(table, pk, row)
			if err != nil {
				return 0, err
			}
			if string(newKey) != string(key) {
				if bkt.Get(newKey) != nil {
					return 0, errors.Newf(ErrDuplicateKey, "duplicate key %s", newKey)
				}
				if err := bkt.Delete(key); err != nil {
					return 0, errors.Wrap(err, "rekeying row")
				}
				key = newKey
			}
		}
		val, err := encodeRow(row)
		if err != nil {
			return 0, errors.Wrap(err, "encoding row")
		}
		if err := bkt.Put(key, val); err != nil {
			return 0, errors.Wrap(err, "putting row")
		}
	}
	return len(rows), nil
}

func (n *Node) delete(tx *Tx, table string, match persist.Row) (int, error) {
	bkt, _, err := n.bucket(tx, table)
	if err != nil {
		return 0, err
	}
	keys, _, err := n.matching(bkt, match)
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := bkt.Delete(k); err != nil {
			return 0, errors.Wrapf(err, "deleting row %s", k)
		}
	}
	return len(keys), nil
}

// generate hands out key values from the table bucket's sequence, moved past
// the largest integer key already stored. Values handed out by a transaction
// that rolls back may be handed out again.
func (n *Node) generate(tx *Tx, q *persist.GeneratePKQuery) ([]persist.Row, error) {
	bkt, _, err := n.bucket(tx, q.Table)
	if err != nil {
		return nil, err
	}
	_, rows, err := n.matching(bkt, nil)
	if err != nil {
		return nil, err
	}
	var max uint64
	for _, row := range rows {
		switch v := row[q.Column].(type) {
		case int64:
			if v > 0 && uint64(v) > max {
				max = uint64(v)
			}
		case int:
			if v > 0 && uint64(v) > max {
				max = uint64(v)
			}
		}
	}
	if bkt.Sequence() < max {
		if err := bkt.SetSequence(max); err != nil {
			return nil, errors.Wrap(err, "advancing sequence")
		}
	}

	out := make([]persist.Row, q.Count)
	for i := range out {
		seq, err := bkt.NextSequence()
		if err != nil {
			return nil, errors.Wrap(err, "getting next sequence")
		}
		out[i] = persist.Row{q.Column: int64(seq)}
	}
	return out, nil
}

// conn is a connection to a Node. It opens a read-only bolt transaction on
// its first read and a writable one on its first write, replacing the
// read-only one.
type conn struct {
	node *Node
	tx   *Tx

	mu     sync.Mutex
	closed bool
}

// txFor returns a bolt transaction able to write if write is set. ctx is the
// context of the query asking for it.
func (c *conn) txFor(ctx context.Context, write bool) (*Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "beginning tx")
	}
	if c.tx != nil && (!write || c.tx.Writable()) {
		return c.tx, nil
	}
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
	tx, err := c.node.db.BeginTx(ctx, write)
	if err != nil {
		return nil, errors.Wrap(err, "beginning tx")
	}
	c.tx = tx
	return tx, nil
}

func (c *conn) Commit() error {
	tx := c.tx
	c.tx = nil
	if tx == nil {
		return nil
	}
	if !tx.Writable() {
		return tx.Rollback()
	}
	return tx.Commit()
}

func (c *conn) Rollback() error {
	tx := c.tx
	c.tx = nil
	if tx == nil {
		return nil
	}
	return tx.Rollback()
}

// Close rolls back anything uncommitted and returns the connection to the
// pool. Closing twice is a no-op.
func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.Rollback()
	c.node.pool.Release()
	return err
}
