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

type fakeConn struct {
	commitErr error

	commits, rollbacks, closes int
}

func (c *fakeConn) Commit() error   { c.commits++; return c.commitErr }
func (c *fakeConn) Rollback() error { c.rollbacks++; return nil }
func (c *fakeConn) Close() error    { c.closes++; return nil }

func TestTransactionCommit(t *testing.T) {
	ctx := context.Background()
	tx := persist.NewTransaction(nil)
	var log test.ListenerLog
	tx.AddListener(&log)
	assert.Equal(t, persist.StatusNotStarted, tx.Status())

	require.NoError(t, tx.Begin(ctx))
	assert.Equal(t, persist.StatusActive, tx.Status())
	assert.True(t, errors.Is(tx.Begin(ctx), persist.ErrTransactionState))

	a, b := &fakeConn{}, &fakeConn{}
	assert.Same(t, a, tx.AddConnection("a", a))
	assert.Same(t, b, tx.AddConnection("b", b))
	assert.Same(t, a, tx.Connection("a"))

	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, persist.StatusCommitted, tx.Status())
	assert.Equal(t, 1, a.commits)
	assert.Equal(t, 1, b.commits)
	assert.Equal(t, 1, a.closes)
	assert.Equal(t, 1, b.closes)
	assert.Nil(t, tx.Connection("a"))
	assert.Equal(t, []string{"began", "committed"}, log.Events())

	assert.True(t, errors.Is(tx.Commit(ctx), persist.ErrTransactionState))
	assert.True(t, errors.Is(tx.Rollback(ctx), persist.ErrTransactionState))
}

func TestTransactionRedundantConnection(t *testing.T) {
	tx := persist.NewTransaction(nil)
	require.NoError(t, tx.Begin(context.Background()))

	first, second := &fakeConn{}, &fakeConn{}
	assert.Same(t, first, tx.AddConnection("db", first))
	assert.Same(t, first, tx.AddConnection("db", second))
	assert.Equal(t, 1, second.closes)
	assert.Equal(t, 0, first.closes)

	require.NoError(t, tx.Rollback(context.Background()))
	assert.Equal(t, 1, first.rollbacks)
	assert.Equal(t, 1, first.closes)
}

func TestTransactionRollbackOnly(t *testing.T) {
	ctx := context.Background()
	tx := persist.NewTransaction(nil)
	var log test.ListenerLog
	tx.AddListener(&log)

	tx.SetRollbackOnly()
	assert.False(t, tx.IsRollbackOnly(), "only an active transaction can be doomed")

	require.NoError(t, tx.Begin(ctx))
	c := &fakeConn{}
	tx.AddConnection("db", c)
	tx.SetRollbackOnly()
	assert.True(t, tx.IsRollbackOnly())

	err := tx.Commit(ctx)
	assert.True(t, errors.Is(err, persist.ErrRollbackOnly))
	assert.Equal(t, persist.StatusRolledBack, tx.Status())
	assert.Equal(t, 0, c.commits)
	assert.Equal(t, 1, c.rollbacks)
	assert.Equal(t, 1, c.closes)
	assert.Equal(t, []string{"began", "rolledback"}, log.Events())
}

func TestTransactionCommitFailure(t *testing.T) {
	ctx := context.Background()
	tx := persist.NewTransaction(nil)
	require.NoError(t, tx.Begin(ctx))

	a := &fakeConn{commitErr: errors.Errorf("disk full")}
	b := &fakeConn{}
	tx.AddConnection("a", a)
	tx.AddConnection("b", b)

	err := tx.Commit(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, persist.StatusRolledBack, tx.Status())
	assert.Equal(t, 0, b.commits)
	assert.Equal(t, 1, b.rollbacks)
	assert.Equal(t, 1, a.closes)
	assert.Equal(t, 1, b.closes)
}

func TestBindTransaction(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, persist.TransactionFromContext(ctx))

	tx := persist.NewTransaction(nil)
	require.NoError(t, tx.Begin(ctx))
	txctx, err := persist.BindTransaction(ctx, tx)
	require.NoError(t, err)
	assert.Same(t, tx, persist.TransactionFromContext(txctx))

	_, err = persist.BindTransaction(txctx, persist.NewTransaction(nil))
	assert.True(t, errors.Is(err, persist.ErrTransactionBound))

	plain := persist.UnbindTransaction(txctx)
	assert.Nil(t, persist.TransactionFromContext(plain))
	_, err = persist.BindTransaction(plain, persist.NewTransaction(nil))
	assert.NoError(t, err)

	// A finished transaction can be replaced.
	require.NoError(t, tx.Rollback(ctx))
	_, err = persist.BindTransaction(txctx, persist.NewTransaction(nil))
	assert.NoError(t, err)
}

func TestPerformInTransactionReusesConnection(t *testing.T) {
	env := test.MustNewEnv(t)
	seedArtists(t, env)

	err := env.PerformInTransaction(context.Background(), func(ctx context.Context) error {
		oc := env.NewContext()
		if _, err := oc.ObjectForPK(ctx, "Artist", 1); err != nil {
			return err
		}
		_, err := oc.ObjectForPK(ctx, "Painting", 2)
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, 2, env.Node.Selects())
	tx := env.Txs.Last()
	require.NotNil(t, tx)
	assert.Equal(t, 1, tx.AddConnections())
	assert.Equal(t, 1, tx.Commits())
	assert.Equal(t, persist.StatusCommitted, tx.Status())
	assert.Equal(t, 0, env.Mem.InUse())
	assert.Equal(t, 0, env.RowStore().Len(), "rows read in a transaction are not shared")
}

func TestPerformInTransactionDefersCommit(t *testing.T) {
	ctx := context.Background()
	env := test.MustNewEnv(t)
	oc := env.NewContext()

	var inside persist.State
	a, err := persist.NewObjectAs[*test.Artist](oc, "Artist")
	require.NoError(t, err)
	a.SetName("Sisley")

	err = env.PerformInTransaction(ctx, func(ctx context.Context) error {
		if err := oc.CommitChanges(ctx); err != nil {
			return err
		}
		inside = a.PersistenceState()
		assert.Empty(t, env.Mem.Rows("ARTIST"), "writes are not visible before the outer commit")
		assert.Nil(t, env.RowStore().Get(a.ObjectID()), "snapshots are not shared before the outer commit")
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, persist.StateCommitted, inside)
	assert.Equal(t, persist.StateCommitted, a.PersistenceState())
	assert.NotNil(t, env.RowStore().Get(a.ObjectID()))
	assert.False(t, a.ObjectID().IsTemporary())
	assert.Len(t, env.Mem.Rows("ARTIST"), 1)
	assert.Len(t, env.Txs.Transactions(), 1)
}

func TestPerformInTransactionRepeatedCommit(t *testing.T) {
	ctx := context.Background()
	env := test.MustNewEnv(t)
	oc := env.NewContext()

	a, err := persist.NewObjectAs[*test.Artist](oc, "Artist")
	require.NoError(t, err)
	a.SetName("Once")

	err = env.PerformInTransaction(ctx, func(ctx context.Context) error {
		if err := oc.CommitChanges(ctx); err != nil {
			return err
		}
		assert.False(t, oc.HasChanges())
		return oc.CommitChanges(ctx)
	})
	require.NoError(t, err)

	assert.Len(t, env.Mem.Rows("ARTIST"), 1)
	assert.Equal(t, 1, oc.ObjectStore().Len())
	assert.Equal(t, persist.StateCommitted, a.PersistenceState())
}

func TestPerformInTransactionRollbackAfterSeveralCommits(t *testing.T) {
	ctx := context.Background()
	env := test.MustNewEnv(t)
	seedArtists(t, env)
	oc := env.NewContext()

	monet := mustArtist(t, oc, 1)
	a, err := persist.NewObjectAs[*test.Artist](oc, "Artist")
	require.NoError(t, err)
	a.SetName("Manet")
	tempID := a.ObjectID()

	var b *test.Artist
	boom := errors.Errorf("boom")
	err = env.PerformInTransaction(ctx, func(ctx context.Context) error {
		if err := oc.CommitChanges(ctx); err != nil {
			return err
		}
		monet.SetName("Claude Monet")
		a.SetName("Edouard Manet")
		var err error
		if b, err = persist.NewObjectAs[*test.Artist](oc, "Artist"); err != nil {
			return err
		}
		b.SetName("Morisot")
		if err := oc.CommitChanges(ctx); err != nil {
			return err
		}
		return boom
	})
	assert.Equal(t, boom, err)

	assert.Equal(t, persist.StateNew, a.PersistenceState())
	assert.Equal(t, tempID, a.ObjectID())
	assert.Equal(t, "Manet", a.Name())
	assert.Equal(t, persist.StateCommitted, monet.PersistenceState())
	assert.Equal(t, "Monet", monet.Name())
	assert.Equal(t, persist.StateTransient, b.PersistenceState())
	assert.Nil(t, b.ObjectContext())
	assert.Len(t, oc.NewObjects(), 1)
	assert.Len(t, env.Mem.Rows("ARTIST"), 2)
	assert.Equal(t, "Monet", mustArtist(t, env.NewContext(), 1).Name())

	require.NoError(t, oc.CommitChanges(ctx))
	assert.Len(t, env.Mem.Rows("ARTIST"), 3)
}

func TestPerformInTransactionChildCommit(t *testing.T) {
	ctx := context.Background()
	env := test.MustNewEnv(t)
	parent := env.NewContext()
	child := parent.NewChildContext()

	a, err := persist.NewObjectAs[*test.Artist](child, "Artist")
	require.NoError(t, err)
	a.SetName("Cassatt")

	boom := errors.Errorf("boom")
	err = env.PerformInTransaction(ctx, func(ctx context.Context) error {
		if err := child.CommitChanges(ctx); err != nil {
			return err
		}
		assert.Equal(t, persist.StateCommitted, a.PersistenceState())
		assert.False(t, a.ObjectID().IsTemporary())
		return boom
	})
	assert.Equal(t, boom, err)
	assert.Equal(t, persist.StateNew, a.PersistenceState())
	assert.True(t, a.ObjectID().IsTemporary())
	assert.True(t, child.HasChanges())

	require.NoError(t, env.PerformInTransaction(ctx, func(ctx context.Context) error {
		if err := child.CommitChanges(ctx); err != nil {
			return err
		}
		return child.CommitChanges(ctx)
	}))
	assert.False(t, child.HasChanges())
	assert.False(t, parent.HasChanges())
	assert.Len(t, env.Mem.Rows("ARTIST"), 1)
}

func TestPerformInTransactionRollback(t *testing.T) {
	ctx := context.Background()
	env := test.MustNewEnv(t)
	oc := env.NewContext()

	a, err := persist.NewObjectAs[*test.Artist](oc, "Artist")
	require.NoError(t, err)
	a.SetName("Pissarro")

	boom := errors.Errorf("boom")
	err = env.PerformInTransaction(ctx, func(ctx context.Context) error {
		if err := oc.CommitChanges(ctx); err != nil {
			return err
		}
		return boom
	})
	assert.Equal(t, boom, err)

	assert.Equal(t, persist.StateNew, a.PersistenceState())
	assert.True(t, a.ObjectID().IsTemporary())
	assert.Empty(t, env.Mem.Rows("ARTIST"))
	assert.Equal(t, 1, env.Txs.Last().Rollbacks())
	assert.Equal(t, 0, env.Mem.InUse())

	// The context can commit again.
	require.NoError(t, oc.CommitChanges(ctx))
	assert.Len(t, env.Mem.Rows("ARTIST"), 1)
}

func TestPerformInTransactionFailedCommitDoomsTransaction(t *testing.T) {
	ctx := context.Background()
	env := test.MustNewEnv(t)
	oc := env.NewContext()

	g, err := persist.NewObjectAs[*test.Gallery](oc, "Gallery")
	require.NoError(t, err)
	g.SetName("Orsay")
	env.SetQueryHook(func(q persist.Query) error {
		if _, ok := q.(*persist.InsertQuery); ok {
			return errors.Errorf("constraint violated")
		}
		return nil
	})

	var doomed bool
	err = env.PerformInTransaction(ctx, func(ctx context.Context) error {
		cerr := oc.CommitChanges(ctx)
		assert.True(t, errors.Is(cerr, persist.ErrCommitFailed))
		doomed = persist.TransactionFromContext(ctx).IsRollbackOnly()
		return nil
	})
	assert.True(t, doomed)
	assert.True(t, errors.Is(err, persist.ErrRollbackOnly))
	assert.Equal(t, persist.StateNew, g.PersistenceState())
	assert.Equal(t, 0, env.Mem.InUse())
}

func TestPerformInTransactionPanic(t *testing.T) {
	env := test.MustNewEnv(t)
	assert.PanicsWithValue(t, "kaboom", func() {
		_ = env.PerformInTransaction(context.Background(), func(ctx context.Context) error {
			oc := env.NewContext()
			_, _ = oc.Select(ctx, &persist.ObjectSelect{Entity: "Artist"})
			panic("kaboom")
		})
	})
	tx := env.Txs.Last()
	assert.Equal(t, persist.StatusRolledBack, tx.Status())
	assert.Equal(t, 0, env.Mem.InUse())
}

func TestPerformInTransactionNested(t *testing.T) {
	ctx := context.Background()
	env := test.MustNewEnv(t)

	var outer, inner persist.Transaction
	err := env.PerformInTransaction(ctx, func(ctx context.Context) error {
		outer = persist.TransactionFromContext(ctx)
		return env.PerformInTransaction(ctx, func(ctx context.Context) error {
			inner = persist.TransactionFromContext(ctx)
			return nil
		})
	})
	require.NoError(t, err)
	assert.Same(t, outer, inner)
	assert.Len(t, env.Txs.Transactions(), 1)
}
