// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package persist_test

import (
	"context"
	"testing"

	"github.com/featurebasedb/persist"
	"github.com/featurebasedb/persist/errors"
	"github.com/featurebasedb/persist/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerformQueriesReleasesConnections(t *testing.T) {
	ctx := context.Background()
	env := test.MustNewEnv(t)
	seedArtists(t, env)
	sel := &persist.SelectQuery{Table: "ARTIST"}

	t.Run("Success", func(t *testing.T) {
		res := persist.NewQueryResult()
		require.NoError(t, env.PerformQueries(ctx, test.NodeName, []persist.Query{sel}, res))
		require.NoError(t, res.Err())
		assert.Len(t, res.Rows(sel), 2)
		assert.Equal(t, 0, env.Mem.InUse())
	})

	t.Run("QueryError", func(t *testing.T) {
		bad := &persist.SelectQuery{Table: "NO_SUCH_TABLE"}
		after := &persist.SelectQuery{Table: "ARTIST"}
		res := persist.NewQueryResult()
		require.NoError(t, env.PerformQueries(ctx, test.NodeName, []persist.Query{bad, after}, res))
		require.Error(t, res.Err())
		assert.Nil(t, res.Rows(after), "a batch stops at the first failure")
		assert.Equal(t, 0, env.Mem.InUse())
	})

	t.Run("Panic", func(t *testing.T) {
		env.SetQueryHook(func(persist.Query) error { panic("node crashed") })
		defer env.SetQueryHook(nil)

		res := persist.NewQueryResult()
		assert.PanicsWithValue(t, "node crashed", func() {
			_ = env.PerformQueries(ctx, test.NodeName, []persist.Query{sel}, res)
		})
		var perr *persist.PanicError
		require.True(t, errors.As(res.Err(), &perr))
		assert.Equal(t, "node crashed", perr.Value)
		assert.Equal(t, 0, env.Mem.InUse())
	})

	t.Run("UnknownNode", func(t *testing.T) {
		err := env.PerformQueries(ctx, "elsewhere", []persist.Query{sel}, persist.NewQueryResult())
		assert.True(t, errors.Is(err, persist.ErrUnknownNode))
	})
}

func TestCommitReleasesConnections(t *testing.T) {
	ctx := context.Background()
	env := test.MustNewEnv(t)
	seedArtists(t, env)

	t.Run("Success", func(t *testing.T) {
		oc := env.NewContext()
		a := mustArtist(t, oc, 1)
		a.SetName("Claude Monet")
		require.NoError(t, oc.CommitChanges(ctx))
		assert.Equal(t, 0, env.Mem.InUse())
		assert.Equal(t, 1, env.Txs.Last().AddConnections())
	})

	t.Run("Error", func(t *testing.T) {
		oc := env.NewContext()
		a := mustArtist(t, oc, 2)
		a.SetName("Edgar Degas")
		n, err := persist.NewObjectAs[*test.Artist](oc, "Artist")
		require.NoError(t, err)
		n.SetName("Berthe Morisot")

		env.SetQueryHook(func(q persist.Query) error {
			if _, ok := q.(*persist.UpdateQuery); ok {
				return errors.Errorf("lock timeout")
			}
			return nil
		})
		defer env.SetQueryHook(nil)

		err = oc.CommitChanges(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, persist.ErrCommitFailed))
		assert.Equal(t, 0, env.Mem.InUse())
		assert.Equal(t, 1, env.Txs.Last().Rollbacks())

		// Nothing changed in memory or in the node.
		assert.Equal(t, persist.StateModified, a.PersistenceState())
		assert.Equal(t, "Edgar Degas", a.Name())
		assert.Equal(t, persist.StateNew, n.PersistenceState())
		assert.True(t, n.ObjectID().IsTemporary())
		assert.True(t, oc.HasChanges())
		assert.Len(t, env.Mem.Rows("ARTIST"), 2)
		assert.Equal(t, "Degas", mustArtist(t, env.NewContext(), 2).Name())

		env.SetQueryHook(nil)
		require.NoError(t, oc.CommitChanges(ctx))
		assert.Len(t, env.Mem.Rows("ARTIST"), 3)
	})

	t.Run("Panic", func(t *testing.T) {
		oc := env.NewContext()
		n, err := persist.NewObjectAs[*test.Artist](oc, "Artist")
		require.NoError(t, err)
		n.SetName("Mary Cassatt")

		env.SetQueryHook(func(q persist.Query) error {
			if _, ok := q.(*persist.InsertQuery); ok {
				panic("driver bug")
			}
			return nil
		})
		defer env.SetQueryHook(nil)

		assert.PanicsWithValue(t, "driver bug", func() { _ = oc.CommitChanges(ctx) })
		assert.Equal(t, 0, env.Mem.InUse())
		assert.Equal(t, persist.StatusRolledBack, env.Txs.Last().Status())
		assert.Equal(t, persist.StateNew, n.PersistenceState())
	})
}

func TestQueryResult(t *testing.T) {
	q1 := &persist.SelectQuery{Table: "A"}
	q2 := &persist.UpdateQuery{Table: "A"}
	q3 := &persist.BatchInsertQuery{Table: "A"}

	res := persist.NewQueryResult()
	res.NextRows(q1, []persist.Row{{"X": 1}})
	res.NextCount(q2, 3)
	res.NextBatchCount(q3, []int{1, 1})
	assert.NoError(t, res.Err())
	assert.Equal(t, []persist.Row{{"X": 1}}, res.Rows(q1))
	assert.Equal(t, 3, res.Count(q2))
	assert.Equal(t, 2, res.Count(q3))

	res.NextQueryException(q2, errors.Errorf("first"))
	res.NextGlobalException(errors.Errorf("second"))
	assert.Len(t, res.Errs(), 2)
	assert.Contains(t, res.Err().Error(), "first")
}
