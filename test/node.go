// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package test

import (
	"context"
	"sync"

	"github.com/featurebasedb/persist"
	"github.com/featurebasedb/persist/errors"
)

// ErrBlocked is reported by a blocked Node.
const ErrBlocked errors.Code = "NodeBlocked"

// Node decorates a data node, recording every query it is given. A blocked
// Node fails every batch without reaching the node it wraps.
type Node struct {
	persist.DataNode

	mu      sync.Mutex
	queries []persist.Query
	blocked bool
}

func (n *Node) PerformQueries(ctx context.Context, queries []persist.Query, observer persist.OperationObserver) {
	n.mu.Lock()
	n.queries = append(n.queries, queries...)
	blocked := n.blocked
	n.mu.Unlock()

	if blocked {
		observer.NextGlobalException(errors.Newf(ErrBlocked, "node %s is blocked", n.Name()))
		return
	}
	n.DataNode.PerformQueries(ctx, queries, observer)
}

// Block makes the node fail every batch until Unblock is called.
func (n *Node) Block() {
	n.mu.Lock()
	n.blocked = true
	n.mu.Unlock()
}

func (n *Node) Unblock() {
	n.mu.Lock()
	n.blocked = false
	n.mu.Unlock()
}

// Queries returns the queries received since the last Reset.
func (n *Node) Queries() []persist.Query {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]persist.Query(nil), n.queries...)
}

// Reset forgets the recorded queries.
func (n *Node) Reset() {
	n.mu.Lock()
	n.queries = nil
	n.mu.Unlock()
}

// Writes returns the number of rows inserted, and update and delete
// statements, received since the last Reset.
func (n *Node) Writes() int {
	w := 0
	for _, q := range n.Queries() {
		switch q := q.(type) {
		case *persist.InsertQuery, *persist.UpdateQuery, *persist.DeleteQuery:
			w++
		case *persist.BatchInsertQuery:
			w += len(q.Rows)
		}
	}
	return w
}

// Selects returns the number of select queries received since the last
// Reset.
func (n *Node) Selects() int {
	s := 0
	for _, q := range n.Queries() {
		if _, ok := q.(*persist.SelectQuery); ok {
			s++
		}
	}
	return s
}
