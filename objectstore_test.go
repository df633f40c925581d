// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package persist_test

import (
	"testing"

	"github.com/featurebasedb/persist"
	"github.com/featurebasedb/persist/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectStoreRegisterReplaces(t *testing.T) {
	env := test.MustNewEnv(t)
	oc := env.NewContext()
	store := oc.ObjectStore()

	old, err := persist.NewObjectAs[*test.Artist](oc, "Artist")
	require.NoError(t, err)
	id := old.ObjectID()
	require.Same(t, old, store.Node(id))

	repl := &test.Artist{}
	store.RegisterNode(id, repl)

	assert.Same(t, repl, store.Node(id))
	assert.Equal(t, id, repl.ObjectID())
	assert.Same(t, oc, repl.ObjectContext())
	assert.Equal(t, persist.StateTransient, repl.PersistenceState(), "registering does not change the new object's state")

	assert.Nil(t, old.ObjectContext())
	assert.Equal(t, persist.StateTransient, old.PersistenceState())
	assert.Equal(t, 1, store.Len())
}

func TestObjectStoreUnregister(t *testing.T) {
	env := test.MustNewEnv(t)
	oc := env.NewContext()
	store := oc.ObjectStore()

	a, err := persist.NewObjectAs[*test.Artist](oc, "Artist")
	require.NoError(t, err)
	id := a.ObjectID()
	assert.True(t, store.HasChanges())

	assert.Same(t, a, store.UnregisterNode(id))
	assert.Nil(t, store.Node(id))
	assert.Nil(t, store.UnregisterNode(id))
	assert.Equal(t, id, a.ObjectID(), "the object keeps its id")
	assert.Nil(t, a.ObjectContext())
	assert.Equal(t, persist.StateTransient, a.PersistenceState())
	assert.False(t, store.HasChanges())
}

func TestObjectStoreDirtyOrder(t *testing.T) {
	env := test.MustNewEnv(t)
	oc := env.NewContext()

	var want []persist.Persistent
	for i := 0; i < 5; i++ {
		a, err := oc.NewObject("Artist")
		require.NoError(t, err)
		want = append(want, a)
	}
	assert.Equal(t, want, oc.ObjectStore().DirtyObjects())
}

func TestObjectStoreArcChanges(t *testing.T) {
	env := test.MustNewEnv(t)
	store := env.NewContext().ObjectStore()

	src := persist.MustObjectID("Painting", "PAINTING_ID", 1)
	a1 := persist.MustObjectID("Artist", "ARTIST_ID", 1)
	a2 := persist.MustObjectID("Artist", "ARTIST_ID", 2)
	arc := persist.ArcID{Source: src, Relationship: "toArtist"}

	store.RecordArcChange(arc, a1, a2)
	assert.Equal(t, map[persist.ArcID]persist.ObjectID{arc: a1}, store.ArcChanges())

	// The first recorded original wins.
	store.RecordArcChange(arc, a2, persist.ObjectID{})
	assert.Equal(t, map[persist.ArcID]persist.ObjectID{arc: a1}, store.ArcChanges())

	store.RecordArcChange(arc, a2, a1)
	assert.Empty(t, store.ArcChanges())

	store.RecordArcChange(arc, a1, a1)
	assert.Empty(t, store.ArcChanges())

	store.RecordArcChange(arc, a1, a2)
	store.ClearArcs()
	assert.Empty(t, store.ArcChanges())
}
