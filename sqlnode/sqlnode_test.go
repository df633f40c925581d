// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package sqlnode_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/featurebasedb/persist"
	"github.com/featurebasedb/persist/errors"
	"github.com/featurebasedb/persist/logger"
	"github.com/featurebasedb/persist/pool"
	"github.com/featurebasedb/persist/sqlnode"
	"github.com/featurebasedb/persist/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var schema = []string{
	`CREATE TABLE ARTIST (ARTIST_ID INTEGER PRIMARY KEY, ARTIST_NAME TEXT)`,
	`CREATE TABLE GALLERY (GALLERY_ID INTEGER PRIMARY KEY, GALLERY_NAME TEXT)`,
	`CREATE TABLE PAINTING (PAINTING_ID INTEGER PRIMARY KEY, PAINTING_TITLE TEXT, ESTIMATED_PRICE REAL, ARTIST_ID INTEGER, GALLERY_ID INTEGER)`,
	`CREATE TABLE PERSON (PERSON_ID INTEGER PRIMARY KEY, PERSON_TYPE TEXT, NAME TEXT, SALARY REAL, DEPARTMENT_ID INTEGER)`,
	`CREATE TABLE DEPARTMENT (DEPARTMENT_ID INTEGER PRIMARY KEY, NAME TEXT, MANAGER_ID INTEGER)`,
}

func newNode(t *testing.T, opts ...sqlnode.NodeOption) *sqlnode.Node {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "persist.db") + "?_busy_timeout=5000"
	n, err := sqlnode.New(test.NodeName, "sqlite3", dsn, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })

	for _, stmt := range schema {
		_, err := n.DB().Exec(stmt)
		require.NoError(t, err, stmt)
	}
	return n
}

func perform(t *testing.T, ctx context.Context, n *sqlnode.Node, qs ...persist.Query) *persist.QueryResult {
	t.Helper()
	res := persist.NewQueryResult()
	n.PerformQueries(ctx, qs, res)
	return res
}

func TestNewUnsupportedDriver(t *testing.T) {
	_, err := sqlnode.New("db", "oracle", "")
	assert.True(t, errors.Is(err, sqlnode.ErrUnsupportedDriver))
}

func TestNodeCRUD(t *testing.T) {
	ctx := context.Background()
	n := newNode(t)
	require.NoError(t, n.Ping(ctx))

	ins := &persist.BatchInsertQuery{Table: "ARTIST", Rows: []persist.Row{
		{"ARTIST_ID": int64(1), "ARTIST_NAME": "Monet"},
		{"ARTIST_ID": int64(2), "ARTIST_NAME": "Degas"},
	}}
	res := perform(t, ctx, n, ins)
	require.NoError(t, res.Err())
	assert.Equal(t, 2, res.Count(ins))

	upd := &persist.UpdateQuery{Table: "ARTIST", Match: persist.Row{"ARTIST_ID": 1}, Values: persist.Row{"ARTIST_NAME": "Manet"}}
	sel := &persist.SelectQuery{Table: "ARTIST", OrderBy: []string{"ARTIST_ID"}}
	res = perform(t, ctx, n, upd, sel)
	require.NoError(t, res.Err())
	assert.Equal(t, 1, res.Count(upd))
	assert.Equal(t, []persist.Row{
		{"ARTIST_ID": int64(1), "ARTIST_NAME": "Manet"},
		{"ARTIST_ID": int64(2), "ARTIST_NAME": "Degas"},
	}, res.Rows(sel))

	del := &persist.DeleteQuery{Table: "ARTIST", Match: persist.Row{"ARTIST_ID": persist.In{int64(2), int64(3)}}}
	res = perform(t, ctx, n, del)
	require.NoError(t, res.Err())
	assert.Equal(t, 1, res.Count(del))

	rows, err := n.Rows(ctx, "ARTIST")
	require.NoError(t, err)
	assert.Equal(t, []persist.Row{{"ARTIST_ID": int64(1), "ARTIST_NAME": "Manet"}}, rows)
	assert.Equal(t, 0, n.InUse())
}

func TestNodeFailedBatchRollsBack(t *testing.T) {
	ctx := context.Background()
	n := newNode(t)
	require.NoError(t, perform(t, ctx, n, &persist.InsertQuery{Table: "ARTIST", Values: persist.Row{"ARTIST_ID": int64(1)}}).Err())

	res := perform(t, ctx, n,
		&persist.InsertQuery{Table: "ARTIST", Values: persist.Row{"ARTIST_ID": int64(2)}},
		&persist.InsertQuery{Table: "ARTIST", Values: persist.Row{"ARTIST_ID": int64(1)}},
	)
	assert.True(t, errors.Is(res.Err(), sqlnode.ErrStatement))

	rows, err := n.Rows(ctx, "ARTIST")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestNodeTransactionOutlivesFirstCaller(t *testing.T) {
	ctx := context.Background()
	n := newNode(t)
	tx := persist.NewTransaction(nil)
	require.NoError(t, tx.Begin(ctx))

	first, cancel := context.WithCancel(ctx)
	firstTx, err := persist.BindTransaction(first, tx)
	require.NoError(t, err)
	require.NoError(t, perform(t, firstTx, n, &persist.InsertQuery{Table: "ARTIST", Values: persist.Row{"ARTIST_ID": int64(1)}}).Err())
	cancel()

	second, err := persist.BindTransaction(ctx, tx)
	require.NoError(t, err)
	require.NoError(t, perform(t, second, n, &persist.InsertQuery{Table: "ARTIST", Values: persist.Row{"ARTIST_ID": int64(2)}}).Err())
	assert.Error(t, perform(t, firstTx, n, &persist.InsertQuery{Table: "ARTIST", Values: persist.Row{"ARTIST_ID": int64(3)}}).Err())
	require.NoError(t, tx.Commit(ctx))

	rows, err := n.Rows(ctx, "ARTIST")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, 0, n.InUse())
}

func TestNodeGeneratePK(t *testing.T) {
	ctx := context.Background()
	n := newNode(t)
	require.NoError(t, perform(t, ctx, n, &persist.InsertQuery{Table: "ARTIST", Values: persist.Row{"ARTIST_ID": int64(5)}}).Err())

	gen := &persist.GeneratePKQuery{Table: "ARTIST", Column: "ARTIST_ID", Count: 2}
	res := perform(t, ctx, n, gen)
	require.NoError(t, res.Err())
	assert.Equal(t, []persist.Row{{"ARTIST_ID": int64(6)}, {"ARTIST_ID": int64(7)}}, res.Rows(gen))

	gen = &persist.GeneratePKQuery{Table: "ARTIST", Column: "ARTIST_ID", Count: 1}
	res = perform(t, ctx, n, gen)
	require.NoError(t, res.Err())
	assert.Equal(t, []persist.Row{{"ARTIST_ID": int64(8)}}, res.Rows(gen))
}

func TestNodePoolExhausted(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, sqlnode.OptNodePool(1, 10*time.Millisecond))

	c, err := n.Connect(ctx)
	require.NoError(t, err)
	_, err = n.Connect(ctx)
	assert.True(t, errors.Is(err, pool.ErrPoolTimeout))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 0, n.InUse())
	assert.Equal(t, 1, n.Stats().MaxOpenConnections)
}

func TestNodeRuntime(t *testing.T) {
	ctx := context.Background()
	n := newNode(t)
	entities := test.Entities()
	rt, err := persist.NewRuntime(
		persist.OptRuntimeEntities(entities...),
		persist.OptRuntimeNode(n),
		persist.OptRuntimeLogger(logger.NewLogfLogger(t)),
	)
	require.NoError(t, err)

	oc := rt.NewContext()
	a, err := persist.NewObjectAs[*test.Artist](oc, "Artist")
	require.NoError(t, err)
	a.SetName("Morisot")
	for _, title := range []string{"The Cradle", "Summer's Day"} {
		p, err := persist.NewObjectAs[*test.Painting](oc, "Painting")
		require.NoError(t, err)
		p.SetTitle(title)
		require.NoError(t, p.SetArtist(a))
	}
	require.NoError(t, oc.CommitChanges(ctx))
	assert.Equal(t, 0, n.InUse())

	fresh := rt.NewContext()
	artists, err := persist.SelectAs[*test.Artist](ctx, fresh, &persist.ObjectSelect{Entity: "Artist"})
	require.NoError(t, err)
	require.Len(t, artists, 1)
	paintings, err := fresh.ToMany(ctx, artists[0], "paintings")
	require.NoError(t, err)
	assert.Len(t, paintings, 2)

	require.NoError(t, fresh.DeleteObjects(paintings...))
	require.NoError(t, fresh.CommitChanges(ctx))
	rows, err := n.Rows(ctx, "PAINTING")
	require.NoError(t, err)
	assert.Empty(t, rows)
}
