// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package boltnode_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/featurebasedb/persist"
	"github.com/featurebasedb/persist/boltnode"
	"github.com/featurebasedb/persist/errors"
	"github.com/featurebasedb/persist/logger"
	"github.com/featurebasedb/persist/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dsn(t *testing.T) string {
	return "file:" + filepath.Join(t.TempDir(), "persist.db")
}

func openNode(t *testing.T, dsn string, opts ...boltnode.NodeOption) *boltnode.Node {
	t.Helper()
	n := boltnode.New(test.NodeName, dsn, opts...)
	require.NoError(t, n.Open())
	t.Cleanup(func() { n.Close() })
	return n
}

func perform(t *testing.T, ctx context.Context, n *boltnode.Node, qs ...persist.Query) *persist.QueryResult {
	t.Helper()
	res := persist.NewQueryResult()
	n.PerformQueries(ctx, qs, res)
	return res
}

func TestDBRequiresFilePrefix(t *testing.T) {
	n := boltnode.New("db", filepath.Join(t.TempDir(), "x.db"))
	assert.Error(t, n.Open())
}

func TestNodeCRUD(t *testing.T) {
	ctx := context.Background()
	n := openNode(t, dsn(t))
	require.NoError(t, n.CreateTable("T", "ID"))

	ins := &persist.BatchInsertQuery{Table: "T", Rows: []persist.Row{
		{"ID": int64(1), "V": "a"},
		{"ID": int64(2), "V": "b", "N": nil},
	}}
	res := perform(t, ctx, n, ins)
	require.NoError(t, res.Err())
	assert.Equal(t, 2, res.Count(ins))

	upd := &persist.UpdateQuery{Table: "T", Match: persist.Row{"ID": 1}, Values: persist.Row{"V": "z"}}
	sel := &persist.SelectQuery{Table: "T", OrderBy: []string{"ID"}, Columns: []string{"ID", "V"}}
	res = perform(t, ctx, n, upd, sel)
	require.NoError(t, res.Err())
	assert.Equal(t, 1, res.Count(upd))
	assert.Equal(t, []persist.Row{{"ID": int64(1), "V": "z"}, {"ID": int64(2), "V": "b"}}, res.Rows(sel))

	del := &persist.DeleteQuery{Table: "T", Match: persist.Row{"ID": persist.In{int64(2), int64(9)}}}
	res = perform(t, ctx, n, del)
	require.NoError(t, res.Err())
	assert.Equal(t, 1, res.Count(del))

	rows, err := n.Rows(ctx, "T")
	require.NoError(t, err)
	assert.Equal(t, []persist.Row{{"ID": int64(1), "V": "z"}}, rows)
	assert.Equal(t, 0, n.InUse())
}

func TestNodeDuplicateKey(t *testing.T) {
	ctx := context.Background()
	n := openNode(t, dsn(t))
	require.NoError(t, n.CreateTable("T", "ID"))
	require.NoError(t, perform(t, ctx, n, &persist.InsertQuery{Table: "T", Values: persist.Row{"ID": int64(1)}}).Err())

	res := perform(t, ctx, n,
		&persist.InsertQuery{Table: "T", Values: persist.Row{"ID": int64(2)}},
		&persist.InsertQuery{Table: "T", Values: persist.Row{"ID": 1}},
	)
	assert.True(t, errors.Is(res.Err(), boltnode.ErrDuplicateKey))

	rows, err := n.Rows(ctx, "T")
	require.NoError(t, err)
	assert.Len(t, rows, 1, "a failed batch is rolled back")
}

func TestNodeUnknownTable(t *testing.T) {
	n := openNode(t, dsn(t))
	res := perform(t, context.Background(), n, &persist.SelectQuery{Table: "NOPE"})
	assert.True(t, errors.Is(res.Err(), boltnode.ErrUnknownTable))
}

func TestNodeKeylessTable(t *testing.T) {
	ctx := context.Background()
	n := openNode(t, dsn(t))
	require.NoError(t, n.CreateTable("LOG"))

	res := perform(t, ctx, n,
		&persist.InsertQuery{Table: "LOG", Values: persist.Row{"MSG": "x"}},
		&persist.InsertQuery{Table: "LOG", Values: persist.Row{"MSG": "x"}},
	)
	require.NoError(t, res.Err())
	rows, err := n.Rows(ctx, "LOG")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestNodeGeneratePK(t *testing.T) {
	ctx := context.Background()
	n := openNode(t, dsn(t))
	require.NoError(t, n.CreateTable("T", "ID"))
	require.NoError(t, perform(t, ctx, n, &persist.InsertQuery{Table: "T", Values: persist.Row{"ID": int64(5)}}).Err())

	gen := &persist.GeneratePKQuery{Table: "T", Column: "ID", Count: 2}
	res := perform(t, ctx, n, gen)
	require.NoError(t, res.Err())
	assert.Equal(t, []persist.Row{{"ID": int64(6)}, {"ID": int64(7)}}, res.Rows(gen))

	gen = &persist.GeneratePKQuery{Table: "T", Column: "ID", Count: 1}
	res = perform(t, ctx, n, gen)
	require.NoError(t, res.Err())
	assert.Equal(t, []persist.Row{{"ID": int64(8)}}, res.Rows(gen))
}

func TestNodeTransactionRollback(t *testing.T) {
	ctx := context.Background()
	n := openNode(t, dsn(t), boltnode.OptNodePool(2, time.Second))
	require.NoError(t, n.CreateTable("T", "ID"))

	tx := persist.NewTransaction(logger.NopLogger)
	require.NoError(t, tx.Begin(ctx))
	txCtx, err := persist.BindTransaction(ctx, tx)
	require.NoError(t, err)

	require.NoError(t, perform(t, txCtx, n, &persist.InsertQuery{Table: "T", Values: persist.Row{"ID": int64(1)}}).Err())
	assert.Equal(t, 1, n.InUse())
	require.NoError(t, tx.Rollback(ctx))
	assert.Equal(t, 0, n.InUse())

	rows, err := n.Rows(ctx, "T")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestNodeRuntime(t *testing.T) {
	ctx := context.Background()
	path := dsn(t)
	entities := test.Entities()

	newRuntime := func() (*persist.Runtime, *boltnode.Node) {
		n := boltnode.New(test.NodeName, path, boltnode.OptNodeEntities(entities...))
		require.NoError(t, n.Open())
		rt, err := persist.NewRuntime(
			persist.OptRuntimeEntities(entities...),
			persist.OptRuntimeNode(n),
			persist.OptRuntimeLogger(logger.NewLogfLogger(t)),
		)
		require.NoError(t, err)
		return rt, n
	}

	rt, n := newRuntime()
	oc := rt.NewContext()
	a, err := persist.NewObjectAs[*test.Artist](oc, "Artist")
	require.NoError(t, err)
	a.SetName("Cassatt")
	p, err := persist.NewObjectAs[*test.Painting](oc, "Painting")
	require.NoError(t, err)
	p.SetTitle("The Boating Party")
	require.NoError(t, p.SetArtist(a))
	require.NoError(t, oc.CommitChanges(ctx))
	assert.Equal(t, persist.StateCommitted, p.PersistenceState())
	assert.Equal(t, 0, n.InUse())
	require.NoError(t, n.Close())

	// Reopen the file with a fresh runtime.
	rt, n = newRuntime()
	defer n.Close()
	oc = rt.NewContext()
	paintings, err := persist.SelectAs[*test.Painting](ctx, oc, &persist.ObjectSelect{Entity: "Painting"})
	require.NoError(t, err)
	require.Len(t, paintings, 1)
	assert.Equal(t, "The Boating Party", paintings[0].Title())

	owner, err := oc.ToOne(ctx, paintings[0], "toArtist")
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, "Cassatt", owner.(*test.Artist).Name())
}
