// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package sqlnode implements a persist.DataNode over a database/sql
// database. Postgres, MySQL, SQL Server and SQLite are supported.
package sqlnode

import (
	"context"
	"database/sql"
	"strconv"
	"sync"
	"time"

	"github.com/featurebasedb/persist"
	"github.com/featurebasedb/persist/errors"
	"github.com/featurebasedb/persist/logger"
	"github.com/featurebasedb/persist/pool"
)

const (
	ErrUnsupportedDriver errors.Code = "UnsupportedDriver"
	ErrStatement         errors.Code = "StatementFailed"
)

// Ensure type implements interface.
var _ persist.DataNode = (*Node)(nil)
var _ persist.DataSource = (*Node)(nil)

// Node is a data node backed by a SQL database. Every connection runs its
// statements in one database transaction.
type Node struct {
	name    string
	dialect *Dialect
	db      *sql.DB
	logger  logger.Logger
	pool    *pool.Pool

	mu       sync.Mutex
	keyTable bool
}

// NodeOption is a functional option for New.
type NodeOption func(n *Node)

// OptNodePool sets the size of the connection pool and how long Connect waits
// for a free connection. The database/sql pool is capped to the same size.
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

// New returns a node for the database at dsn, opened with the named
// database/sql driver. No connection is made until the node is used.
func New(name, driver, dsn string, opts ...NodeOption) (*Node, error) {
	d := DialectFor(driver)
	if d == nil {
		return nil, errors.Newf(ErrUnsupportedDriver, "unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s database", driver)
	}
	n := &Node{
		name:    name,
		dialect: d,
		db:      db,
		logger:  logger.NopLogger,
		pool:    pool.New(pool.DefaultSize, 0),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.db.SetMaxOpenConns(n.pool.Size())
	return n, nil
}

// Name returns the node name.
func (n *Node) Name() string { return n.name }

// DB returns the underlying database.
func (n *Node) DB() *sql.DB { return n.db }

// Dialect returns the dialect the node writes statements in.
func (n *Node) Dialect() *Dialect { return n.dialect }

// InUse returns the number of connections currently open.
func (n *Node) InUse() int { return n.pool.InUse() }

// Stats returns the database/sql pool statistics.
func (n *Node) Stats() sql.DBStats { return n.db.Stats() }

// Ping verifies the database is reachable.
func (n *Node) Ping(ctx context.Context) error {
	return errors.Wrapf(n.db.PingContext(ctx), "pinging node %s", n.name)
}

// Close makes further connection attempts fail and closes the database.
func (n *Node) Close() error {
	n.pool.Close()
	return n.db.Close()
}

// Rows returns the committed rows of a table.
func (n *Node) Rows(ctx context.Context, table string) ([]persist.Row, error) {
	rows, err := n.db.QueryContext(ctx, buildSelect(n.dialect, &persist.SelectQuery{Table: table}).String())
	if err != nil {
		return nil, errors.Wrapf(err, "selecting %s", table)
	}
	return scanRows(rows)
}

// Connect opens a connection, waiting for a free pool slot. The first
// connection of a node creates the key table.
func (n *Node) Connect(ctx context.Context) (persist.Connection, error) {
	if err := n.ensureKeyTable(ctx); err != nil {
		return nil, err
	}
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
		tx, err := cn.sqlTx(ctx)
		if err != nil {
			return err
		}
		b := buildSelect(n.dialect, q)
		n.logger.Debugf("%s: %s %v", n.name, b, b.args)
		rows, err := tx.QueryContext(ctx, b.String(), b.args...)
		if err != nil {
			return errors.WrapCode(err, ErrStatement, b.String())
		}
		out, err := scanRows(rows)
		if err != nil {
			return err
		}
		observer.NextRows(q, out)

	case *persist.GeneratePKQuery:
		tx, err := cn.sqlTx(ctx)
		if err != nil {
			return err
		}
		rows, err := n.generate(ctx, tx, q)
		if err != nil {
			return err
		}
		observer.NextRows(q, rows)

	case *persist.InsertQuery:
		if _, err := n.execStatement(ctx, cn, buildInsert(n.dialect, q.Table, q.Values)); err != nil {
			return err
		}
		observer.NextCount(q, 1)

	case *persist.BatchInsertQuery:
		counts := make([]int, len(q.Rows))
		for i, row := range q.Rows {
			if _, err := n.execStatement(ctx, cn, buildInsert(n.dialect, q.Table, row)); err != nil {
				return errors.Wrapf(err, "row %d", i)
			}
			counts[i] = 1
		}
		observer.NextBatchCount(q, counts)

	case *persist.UpdateQuery:
		count, err := n.execStatement(ctx, cn, buildUpdate(n.dialect, q))
		if err != nil {
			return err
		}
		observer.NextCount(q, count)

	case *persist.DeleteQuery:
		count, err := n.execStatement(ctx, cn, buildDelete(n.dialect, q))
		if err != nil {
			return err
		}
		observer.NextCount(q, count)

	default:
		return errors.Errorf("sqlnode: unsupported query %T", q)
	}
	return nil
}

func (n *Node) execStatement(ctx context.Context, cn *conn, b *builder) (int, error) {
	tx, err := cn.sqlTx(ctx)
	if err != nil {
		return 0, err
	}
	n.logger.Debugf("%s: %s %v", n.name, b, b.args)
	res, err := tx.ExecContext(ctx, b.String(), b.args...)
	if err != nil {
		return 0, errors.WrapCode(err, ErrStatement, b.String())
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "getting rows affected")
	}
	return int(count), nil
}

// ensureKeyTable creates the key table outside of any transaction. It runs
// until it succeeds once.
func (n *Node) ensureKeyTable(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.keyTable {
		return nil
	}
	if _, err := n.db.ExecContext(ctx, n.dialect.KeyTableDDL); err != nil {
		return errors.WrapCode(err, ErrStatement, "creating key table")
	}
	n.keyTable = true
	return nil
}

// generate reserves q.Count values in the key table. A table without an
// entry starts after the largest value of the key column.
func (n *Node) generate(ctx context.Context, tx *sql.Tx, q *persist.GeneratePKQuery) ([]persist.Row, error) {
	d := n.dialect
	upd := newBuilder(d).write("UPDATE ", keyTable, " SET next_id = next_id + ").arg(q.Count).
		write(" WHERE table_name = ").arg(q.Table)
	res, err := tx.ExecContext(ctx, upd.String(), upd.args...)
	if err != nil {
		return nil, errors.WrapCode(err, ErrStatement, upd.String())
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "getting rows affected")
	}

	var first int64
	if affected == 0 {
		var max interface{}
		stmt := "SELECT MAX(" + d.Quote(q.Column) + ") FROM " + d.Quote(q.Table)
		if err := tx.QueryRowContext(ctx, stmt).Scan(&max); err != nil {
			return nil, errors.WrapCode(err, ErrStatement, stmt)
		}
		if max != nil {
			if first, err = toInt64(max); err != nil {
				return nil, errors.Wrapf(err, "reading largest %s.%s", q.Table, q.Column)
			}
		}
		first++
		ins := newBuilder(d).write("INSERT INTO ", keyTable, " (table_name, next_id) VALUES (").
			arg(q.Table).write(", ").arg(first + int64(q.Count)).write(")")
		if _, err := tx.ExecContext(ctx, ins.String(), ins.args...); err != nil {
			return nil, errors.WrapCode(err, ErrStatement, ins.String())
		}
	} else {
		var next interface{}
		sel := newBuilder(d).write("SELECT next_id FROM ", keyTable, " WHERE table_name = ").arg(q.Table)
		if err := tx.QueryRowContext(ctx, sel.String(), sel.args...).Scan(&next); err != nil {
			return nil, errors.WrapCode(err, ErrStatement, sel.String())
		}
		last, err := toInt64(next)
		if err != nil {
			return nil, errors.Wrapf(err, "reading next key of %s", q.Table)
		}
		first = last - int64(q.Count)
	}

	out := make([]persist.Row, q.Count)
	for i := range out {
		out[i] = persist.Row{q.Column: first + int64(i)}
	}
	return out, nil
}

func toInt64(v interface{}) (int64, error) {
	switch v := v.(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	case string:
		return strconv.ParseInt(v, 10, 64)
	}
	return 0, errors.Errorf("not an integer: %T", v)
}

// scanRows reads every row into a persist.Row keyed by column name and
// closes rows. Byte slices are returned as strings.
func scanRows(rows *sql.Rows) ([]persist.Row, error) {
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, "getting columns")
	}
	vals := make([]interface{}, len(cols))
	for i := range vals {
		vals[i] = new(interface{})
	}

	var out []persist.Row
	for rows.Next() {
		if err := rows.Scan(vals...); err != nil {
			return nil, errors.Wrap(err, "scanning row")
		}
		row := make(persist.Row, len(cols))
		for i, col := range cols {
			switch v := (*vals[i].(*interface{})).(type) {
			case []byte:
				row[col] = string(v)
			default:
				row[col] = v
			}
		}
		out = append(out, row)
	}
	return out, errors.Wrap(rows.Err(), "reading rows")
}

// conn is a connection to a Node. Its database transaction begins with the
// first statement and lasts until Commit, Rollback or Close. Each statement
// runs under the context of the query that issued it.
type conn struct {
	node *Node
	tx   *sql.Tx

	mu     sync.Mutex
	closed bool
}

// sqlTx returns the database transaction of c, beginning it if needed. The
// transaction is not bound to ctx: a connection owned by a Transaction
// serves queries of several callers, and database/sql rolls back a
// transaction whose begin context is canceled.
func (c *conn) sqlTx(ctx context.Context) (*sql.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "beginning tx")
	}
	if c.tx != nil {
		return c.tx, nil
	}
	tx, err := c.node.db.BeginTx(context.Background(), nil)
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
	return errors.Wrap(tx.Commit(), "committing")
}

func (c *conn) Rollback() error {
	tx := c.tx
	c.tx = nil
	if tx == nil {
		return nil
	}
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return errors.Wrap(err, "rolling back")
	}
	return nil
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
