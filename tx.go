// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package persist

import (
	"context"
	"sync"

	"github.com/featurebasedb/persist/errors"
	"github.com/featurebasedb/persist/logger"
	"github.com/featurebasedb/persist/tracing"
)

// TxStatus is the state of a Transaction.
type TxStatus int

const (
	StatusNotStarted TxStatus = iota
	StatusActive
	StatusCommitted
	StatusRolledBack
)

func (s TxStatus) String() string {
	switch s {
	case StatusNotStarted:
		return "NOT_STARTED"
	case StatusActive:
		return "ACTIVE"
	case StatusCommitted:
		return "COMMITTED"
	case StatusRolledBack:
		return "ROLLED_BACK"
	}
	return "UNKNOWN"
}

// Transaction coordinates one connection per named data node, committing or
// rolling them back together.
//
// A type that embeds a Transaction and overrides some of its methods is a
// decorator; see OptRuntimeTransactionFactory.
type Transaction interface {
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// SetRollbackOnly dooms an active transaction: Commit will roll it back
	// and fail. There is no way to undo it.
	SetRollbackOnly()
	IsRollbackOnly() bool
	Status() TxStatus

	// Connection returns the connection added for name, or nil.
	Connection(name string) Connection

	// AddConnection adds the connection of node name and returns the
	// connection the transaction will use for it. If one was already added,
	// it is returned and c is closed.
	AddConnection(name string, c Connection) Connection

	AddListener(l TransactionListener)
}

// TransactionListener is notified synchronously at the boundaries of a
// transaction.
type TransactionListener interface {
	TransactionBegan(tx Transaction)
	TransactionCommitted(tx Transaction)
	TransactionRolledBack(tx Transaction)
}

// TransactionListenerFuncs adapts functions to TransactionListener. Nil
// functions are skipped.
type TransactionListenerFuncs struct {
	Began      func(tx Transaction)
	Committed  func(tx Transaction)
	RolledBack func(tx Transaction)
}

func (f TransactionListenerFuncs) TransactionBegan(tx Transaction) {
	if f.Began != nil {
		f.Began(tx)
	}
}

func (f TransactionListenerFuncs) TransactionCommitted(tx Transaction) {
	if f.Committed != nil {
		f.Committed(tx)
	}
}

func (f TransactionListenerFuncs) TransactionRolledBack(tx Transaction) {
	if f.RolledBack != nil {
		f.RolledBack(tx)
	}
}

// NewTransaction returns a transaction that has not begun.
func NewTransaction(log logger.Logger) Transaction {
	if log == nil {
		log = logger.NopLogger
	}
	return &baseTransaction{
		logger: log,
		conns:  make(map[string]Connection),
	}
}

type baseTransaction struct {
	mu           sync.Mutex
	status       TxStatus
	rollbackOnly bool
	names        []string
	conns        map[string]Connection
	listeners    []TransactionListener
	logger       logger.Logger
}

func (tx *baseTransaction) Begin(ctx context.Context) error {
	tx.mu.Lock()
	if tx.status != StatusNotStarted {
		st := tx.status
		tx.mu.Unlock()
		return errors.Newf(ErrTransactionState, "cannot begin a transaction that is %s", st)
	}
	tx.status = StatusActive
	ls := tx.listenersLocked()
	tx.mu.Unlock()

	for _, l := range ls {
		l.TransactionBegan(tx)
	}
	return nil
}

func (tx *baseTransaction) Commit(ctx context.Context) error {
	span, _ := tracing.StartSpanFromContext(ctx, "Transaction.Commit")
	defer span.Finish()

	tx.mu.Lock()
	if tx.status != StatusActive {
		st := tx.status
		tx.mu.Unlock()
		return errors.Newf(ErrTransactionState, "cannot commit a transaction that is %s", st)
	}
	if tx.rollbackOnly {
		tx.mu.Unlock()
		if err := tx.Rollback(ctx); err != nil {
			tx.logger.Errorf("rolling back a rollback-only transaction: %v", err)
		}
		return errors.New(ErrRollbackOnly, "transaction was marked rollback-only")
	}

	var commitErr error
	for _, name := range tx.names {
		c := tx.conns[name]
		if commitErr == nil {
			if err := c.Commit(); err != nil {
				commitErr = errors.Wrapf(err, "committing connection %s", name)
			}
			continue
		}
		if err := c.Rollback(); err != nil {
			tx.logger.Warnf("rolling back connection %s after a failed commit: %v", name, err)
		}
	}
	tx.closeConnectionsLocked()
	if commitErr != nil {
		tx.status = StatusRolledBack
	} else {
		tx.status = StatusCommitted
	}
	ls := tx.listenersLocked()
	tx.mu.Unlock()

	CounterTransactions.WithLabelValues(tx.Status().String()).Inc()
	for _, l := range ls {
		if commitErr != nil {
			l.TransactionRolledBack(tx)
		} else {
			l.TransactionCommitted(tx)
		}
	}
	return commitErr
}

func (tx *baseTransaction) Rollback(ctx context.Context) error {
	tx.mu.Lock()
	if tx.status != StatusActive {
		st := tx.status
		tx.mu.Unlock()
		return errors.Newf(ErrTransactionState, "cannot roll back a transaction that is %s", st)
	}

	var rollbackErr error
	for _, name := range tx.names {
		if err := tx.conns[name].Rollback(); err != nil && rollbackErr == nil {
			rollbackErr = errors.Wrapf(err, "rolling back connection %s", name)
		}
	}
	tx.closeConnectionsLocked()
	tx.status = StatusRolledBack
	ls := tx.listenersLocked()
	tx.mu.Unlock()

	CounterTransactions.WithLabelValues(StatusRolledBack.String()).Inc()
	for _, l := range ls {
		l.TransactionRolledBack(tx)
	}
	return rollbackErr
}

func (tx *baseTransaction) closeConnectionsLocked() {
	for _, name := range tx.names {
		if err := tx.conns[name].Close(); err != nil {
			tx.logger.Warnf("closing connection %s: %v", name, err)
		}
	}
	tx.names = nil
	tx.conns = make(map[string]Connection)
}

func (tx *baseTransaction) SetRollbackOnly() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.status == StatusActive {
		tx.rollbackOnly = true
	}
}

func (tx *baseTransaction) IsRollbackOnly() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.rollbackOnly
}

func (tx *baseTransaction) Status() TxStatus {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.status
}

func (tx *baseTransaction) Connection(name string) Connection {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.conns[name]
}

func (tx *baseTransaction) AddConnection(name string, c Connection) Connection {
	tx.mu.Lock()
	existing, ok := tx.conns[name]
	if !ok {
		tx.conns[name] = c
		tx.names = append(tx.names, name)
	}
	tx.mu.Unlock()

	if ok {
		if existing != c {
			if err := c.Close(); err != nil {
				tx.logger.Warnf("closing redundant connection %s: %v", name, err)
			}
		}
		return existing
	}
	return c
}

func (tx *baseTransaction) AddListener(l TransactionListener) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.listeners = append(tx.listeners, l)
}

func (tx *baseTransaction) listenersLocked() []TransactionListener {
	return append([]TransactionListener(nil), tx.listeners...)
}

type txKey struct{}

type txBinding struct {
	tx Transaction
}

// BindTransaction returns a context carrying tx. It fails if ctx already
// carries an active transaction.
func BindTransaction(ctx context.Context, tx Transaction) (context.Context, error) {
	if cur := TransactionFromContext(ctx); cur != nil && cur.Status() == StatusActive {
		return ctx, errors.New(ErrTransactionBound, "context already carries an active transaction")
	}
	return context.WithValue(ctx, txKey{}, txBinding{tx: tx}), nil
}

// UnbindTransaction returns a context that carries no transaction.
func UnbindTransaction(ctx context.Context) context.Context {
	if TransactionFromContext(ctx) == nil {
		return ctx
	}
	return context.WithValue(ctx, txKey{}, txBinding{})
}

// TransactionFromContext returns the transaction carried by ctx, or nil.
func TransactionFromContext(ctx context.Context) Transaction {
	b, _ := ctx.Value(txKey{}).(txBinding)
	return b.tx
}

// activeTransaction returns the transaction carried by ctx if it is active,
// or nil.
func activeTransaction(ctx context.Context) Transaction {
	if tx := TransactionFromContext(ctx); tx != nil && tx.Status() == StatusActive {
		return tx
	}
	return nil
}
