// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package persist

import (
	"context"
	"fmt"
	"sync"

	"github.com/featurebasedb/persist/errors"
	"github.com/featurebasedb/persist/tracing"
)

// DataNode executes queries against one data store. Results and failures are
// reported to the observer; a node stops processing a batch at the first
// failing query.
type DataNode interface {
	Name() string
	PerformQueries(ctx context.Context, queries []Query, observer OperationObserver)
}

// OperationObserver receives the results of a batch of queries.
type OperationObserver interface {
	NextRows(q Query, rows []Row)
	NextCount(q Query, count int)
	NextBatchCount(q Query, counts []int)
	NextQueryException(q Query, err error)
	NextGlobalException(err error)
}

// Connection is a connection of a data node with an open unit of work.
// Closing a connection releases it to its node, rolling back anything not
// committed.
type Connection interface {
	Commit() error
	Rollback() error
	Close() error
}

// DataSource opens connections of a data node.
type DataSource interface {
	Connect(ctx context.Context) (Connection, error)
}

// ConnectionFor returns the connection to use for node name. Inside an active
// transaction carried by ctx, the transaction's connection is reused, or a
// new one is opened and added to the transaction; owned is false and the
// transaction is responsible for the connection. Outside a transaction a new
// connection is opened and owned is true.
func ConnectionFor(ctx context.Context, name string, ds DataSource) (conn Connection, owned bool, err error) {
	tx := TransactionFromContext(ctx)
	if tx != nil && tx.Status() == StatusActive {
		if c := tx.Connection(name); c != nil {
			return c, false, nil
		}
		c, err := ds.Connect(ctx)
		if err != nil {
			return nil, false, err
		}
		CounterConnectionsOpened.WithLabelValues(name).Inc()
		return tx.AddConnection(name, c), false, nil
	}

	c, err := ds.Connect(ctx)
	if err != nil {
		return nil, false, err
	}
	CounterConnectionsOpened.WithLabelValues(name).Inc()
	return c, true, nil
}

// QueryFunc executes one query on conn and reports its result to observer.
type QueryFunc func(ctx context.Context, conn Connection, q Query, observer OperationObserver) error

// PerformWithConnection runs queries in order on the connection returned by
// ConnectionFor. An owned connection is committed when every query succeeds
// and rolled back otherwise; either way it is closed before returning. A
// panic in exec is reported to the observer as a global exception, the
// connection is released, and the panic is re-raised.
func PerformWithConnection(ctx context.Context, name string, ds DataSource, queries []Query, observer OperationObserver, exec QueryFunc) {
	span, ctx := tracing.StartSpanFromContext(ctx, "DataNode.PerformQueries")
	defer span.Finish()
	span.LogKV("node", name, "queries", len(queries))
	CounterQueries.WithLabelValues(name).Add(float64(len(queries)))

	conn, owned, err := ConnectionFor(ctx, name, ds)
	if err != nil {
		observer.NextGlobalException(errors.Wrapf(err, "opening connection to %s", name))
		return
	}

	failed := true
	defer func() {
		r := recover()
		if r != nil {
			observer.NextGlobalException(&PanicError{Value: r})
		}
		if owned {
			if failed || r != nil {
				_ = conn.Rollback()
			} else if err := conn.Commit(); err != nil {
				observer.NextGlobalException(errors.Wrapf(err, "committing %s", name))
			}
			_ = conn.Close()
		}
		if r != nil {
			panic(r)
		}
	}()

	for _, q := range queries {
		if err := exec(ctx, conn, q, observer); err != nil {
			observer.NextQueryException(q, err)
			return
		}
	}
	failed = false
}

// PanicError reports a panic raised while a node was executing queries.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic during query execution: %v", e.Value)
}

// QueryResult is an OperationObserver that collects everything it is told.
// It is safe for concurrent use.
type QueryResult struct {
	mu     sync.Mutex
	rows   map[Query][]Row
	counts map[Query][]int
	errs   []error
}

// NewQueryResult returns an empty QueryResult.
func NewQueryResult() *QueryResult {
	return &QueryResult{
		rows:   make(map[Query][]Row),
		counts: make(map[Query][]int),
	}
}

func (r *QueryResult) NextRows(q Query, rows []Row) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[q] = append(r.rows[q], rows...)
}

func (r *QueryResult) NextCount(q Query, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[q] = append(r.counts[q], count)
}

func (r *QueryResult) NextBatchCount(q Query, counts []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[q] = append(r.counts[q], counts...)
}

func (r *QueryResult) NextQueryException(q Query, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, errors.Wrapf(err, "query on %s", q.QueryTable()))
}

func (r *QueryResult) NextGlobalException(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

// Rows returns the rows reported for q.
func (r *QueryResult) Rows(q Query) []Row {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[q]
}

// Count returns the sum of the update counts reported for q.
func (r *QueryResult) Count(q Query) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.counts[q] {
		n += c
	}
	return n
}

// Err returns the first reported failure, or nil.
func (r *QueryResult) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[0]
}

// Errs returns every reported failure.
func (r *QueryResult) Errs() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}
