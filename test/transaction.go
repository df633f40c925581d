// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package test

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/featurebasedb/persist"
)

// CountingTransaction decorates a transaction and counts the calls made to
// it.
type CountingTransaction struct {
	persist.Transaction

	addConnections int32
	commits        int32
	rollbacks      int32
}

func (tx *CountingTransaction) AddConnection(name string, c persist.Connection) persist.Connection {
	atomic.AddInt32(&tx.addConnections, 1)
	return tx.Transaction.AddConnection(name, c)
}

func (tx *CountingTransaction) Commit(ctx context.Context) error {
	atomic.AddInt32(&tx.commits, 1)
	return tx.Transaction.Commit(ctx)
}

func (tx *CountingTransaction) Rollback(ctx context.Context) error {
	atomic.AddInt32(&tx.rollbacks, 1)
	return tx.Transaction.Rollback(ctx)
}

// AddConnections returns the number of AddConnection calls.
func (tx *CountingTransaction) AddConnections() int {
	return int(atomic.LoadInt32(&tx.addConnections))
}

func (tx *CountingTransaction) Commits() int   { return int(atomic.LoadInt32(&tx.commits)) }
func (tx *CountingTransaction) Rollbacks() int { return int(atomic.LoadInt32(&tx.rollbacks)) }

// TransactionRecorder wraps every transaction of a runtime in a
// CountingTransaction and keeps them. Pass Wrap to
// persist.OptRuntimeTransactionFactory.
type TransactionRecorder struct {
	mu  sync.Mutex
	txs []*CountingTransaction
}

func (r *TransactionRecorder) Wrap(tx persist.Transaction) persist.Transaction {
	ct := &CountingTransaction{Transaction: tx}
	r.mu.Lock()
	r.txs = append(r.txs, ct)
	r.mu.Unlock()
	return ct
}

// Transactions returns the recorded transactions in creation order.
func (r *TransactionRecorder) Transactions() []*CountingTransaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*CountingTransaction(nil), r.txs...)
}

// Last returns the most recent transaction, or nil.
func (r *TransactionRecorder) Last() *CountingTransaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.txs) == 0 {
		return nil
	}
	return r.txs[len(r.txs)-1]
}

// ListenerLog records transaction boundaries as strings.
type ListenerLog struct {
	mu     sync.Mutex
	events []string
}

func (l *ListenerLog) add(ev string) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *ListenerLog) TransactionBegan(persist.Transaction)      { l.add("began") }
func (l *ListenerLog) TransactionCommitted(persist.Transaction)  { l.add("committed") }
func (l *ListenerLog) TransactionRolledBack(persist.Transaction) { l.add("rolledback") }

func (l *ListenerLog) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}
