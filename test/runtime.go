// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/featurebasedb/persist"
	"github.com/featurebasedb/persist/logger"
	"github.com/featurebasedb/persist/memnode"
)

// Env is a runtime over the fixture entities and one in-memory node.
type Env struct {
	*persist.Runtime

	Mem  *memnode.Node
	Node *Node
	Txs  *TransactionRecorder

	mu   sync.Mutex
	hook func(q persist.Query) error
}

// MustNewEnv returns an Env, failing tb on error. opts are applied after the
// fixture options.
func MustNewEnv(tb testing.TB, opts ...persist.RuntimeOption) *Env {
	tb.Helper()
	env := &Env{Txs: &TransactionRecorder{}}
	entities := Entities()
	env.Mem = memnode.New(NodeName,
		memnode.OptNodeEntities(entities...),
		memnode.OptNodePool(4, time.Second),
		memnode.OptQueryHook(env.runHook),
	)
	env.Node = &Node{DataNode: env.Mem}

	all := append([]persist.RuntimeOption{
		persist.OptRuntimeEntities(entities...),
		persist.OptRuntimeNode(env.Node),
		persist.OptRuntimeLogger(logger.NewLogfLogger(tb)),
		persist.OptRuntimeTransactionFactory(env.Txs.Wrap),
	}, opts...)
	rt, err := persist.NewRuntime(all...)
	if err != nil {
		tb.Fatalf("creating runtime: %v", err)
	}
	env.Runtime = rt
	return env
}

// SetQueryHook installs fn to run before every query the memnode executes,
// while it holds a connection. Pass nil to remove it.
func (env *Env) SetQueryHook(fn func(q persist.Query) error) {
	env.mu.Lock()
	env.hook = fn
	env.mu.Unlock()
}

func (env *Env) runHook(q persist.Query) error {
	env.mu.Lock()
	fn := env.hook
	env.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(q)
}

// MustSeed inserts rows into a table, bypassing every context and the
// RowStore.
func (env *Env) MustSeed(tb testing.TB, table string, rows ...persist.Row) {
	tb.Helper()
	res := persist.NewQueryResult()
	env.Mem.PerformQueries(context.Background(), []persist.Query{&persist.BatchInsertQuery{Table: table, Rows: rows}}, res)
	if err := res.Err(); err != nil {
		tb.Fatalf("seeding %s: %v", table, err)
	}
}

// MustUpdate updates rows of a table directly on the node.
func (env *Env) MustUpdate(tb testing.TB, table string, match, values persist.Row) {
	tb.Helper()
	res := persist.NewQueryResult()
	env.Mem.PerformQueries(context.Background(), []persist.Query{&persist.UpdateQuery{Table: table, Match: match, Values: values}}, res)
	if err := res.Err(); err != nil {
		tb.Fatalf("updating %s: %v", table, err)
	}
}
