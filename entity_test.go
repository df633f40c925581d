// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package persist_test

import (
	"testing"

	"github.com/featurebasedb/persist"
	"github.com/featurebasedb/persist/errors"
	"github.com/featurebasedb/persist/memnode"
	"github.com/featurebasedb/persist/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityResolver(t *testing.T) {
	r, err := persist.NewEntityResolver(test.Entities()...)
	require.NoError(t, err)

	person, err := r.Entity("Person")
	require.NoError(t, err)
	employee, err := r.Entity("Employee")
	require.NoError(t, err)
	manager, err := r.Entity("Manager")
	require.NoError(t, err)

	assert.Same(t, person, manager.Root())
	assert.True(t, manager.IsA(employee))
	assert.True(t, manager.IsA(person))
	assert.False(t, employee.IsA(manager))
	assert.Equal(t, "PERSON", manager.Table)
	assert.Equal(t, []string{"NAME", "SALARY"}, manager.AllAttributes())

	_, ok := manager.Relationship("toDepartment")
	assert.True(t, ok, "relationships are inherited")
	_, ok = employee.Relationship("managedDepartments")
	assert.False(t, ok)

	assert.Same(t, manager, r.Resolve(person, persist.NewSnapshot(persist.Row{"PERSON_TYPE": "EM"})))
	assert.Same(t, employee, r.Resolve(person, persist.NewSnapshot(persist.Row{"PERSON_TYPE": "EE"})))
	assert.Same(t, person, r.Resolve(person, persist.NewSnapshot(persist.Row{"PERSON_TYPE": "??"})))

	e, err := r.EntityOf(&test.Manager{})
	require.NoError(t, err)
	assert.Same(t, manager, e)

	_, err = r.EntityOf(&test.Employee{})
	require.NoError(t, err)
	_, err = r.Entity("Nope")
	assert.True(t, errors.Is(err, persist.ErrUnknownEntity))

	id, err := manager.NewID(7)
	require.NoError(t, err)
	assert.Equal(t, persist.MustObjectID("Person", "PERSON_ID", 7), id)
}

func TestEntityResolverErrors(t *testing.T) {
	for name, tc := range map[string]struct {
		entities []*persist.Entity
	}{
		"UnknownSuper": {
			entities: []*persist.Entity{{Name: "A", Super: "B"}},
		},
		"NoDiscriminator": {
			entities: []*persist.Entity{
				{Name: "A", Node: "db", Table: "A", PrimaryKey: []string{"ID"}},
				{Name: "B", Super: "A"},
			},
		},
		"NoPrimaryKey": {
			entities: []*persist.Entity{{Name: "A", Node: "db", Table: "A"}},
		},
		"UnknownTarget": {
			entities: []*persist.Entity{{
				Name: "A", Node: "db", Table: "A", PrimaryKey: []string{"ID"},
				Relationships: []*persist.Relationship{{Name: "toB", Target: "B", Joins: []persist.Join{{Source: "B_ID", Target: "ID"}}}},
			}},
		},
		"ToManyWithoutReverse": {
			entities: []*persist.Entity{{
				Name: "A", Node: "db", Table: "A", PrimaryKey: []string{"ID"},
				Relationships: []*persist.Relationship{{Name: "as", Target: "A", ToMany: true, Reverse: "missing"}},
			}},
		},
		"Duplicate": {
			entities: []*persist.Entity{
				{Name: "A", Node: "db", Table: "A", PrimaryKey: []string{"ID"}},
				{Name: "A", Node: "db", Table: "A2", PrimaryKey: []string{"ID"}},
			},
		},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := persist.NewEntityResolver(tc.entities...)
			assert.Error(t, err)
		})
	}
}

func TestNewRuntimeErrors(t *testing.T) {
	_, err := persist.NewRuntime(persist.OptRuntimeEntities(test.Entities()...))
	assert.True(t, errors.Is(err, persist.ErrUnknownNode))

	n := memnode.New(test.NodeName)
	_, err = persist.NewRuntime(persist.OptRuntimeNode(n), persist.OptRuntimeNode(n))
	assert.True(t, errors.Is(err, persist.ErrUnknownNode))

	rt, err := persist.NewRuntime(persist.OptRuntimeNode(n), persist.OptRuntimeEntities(test.Entities()...))
	require.NoError(t, err)
	node, err := rt.Node(test.NodeName)
	require.NoError(t, err)
	assert.Same(t, n, node)
	assert.Len(t, rt.Entities().Entities(), 7)
	assert.NoError(t, rt.Close())
}
