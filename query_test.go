// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package persist_test

import (
	"testing"

	"github.com/featurebasedb/persist"
	"github.com/stretchr/testify/assert"
)

func TestMatchesRow(t *testing.T) {
	row := persist.Row{"ID": int64(3), "NAME": "Monet", "TYPE": "EM"}

	assert.True(t, persist.MatchesRow(nil, row))
	assert.True(t, persist.MatchesRow(persist.Row{"ID": 3}, row))
	assert.False(t, persist.MatchesRow(persist.Row{"ID": 4}, row))
	assert.True(t, persist.MatchesRow(persist.Row{"TYPE": persist.In{"EE", "EM"}}, row))
	assert.False(t, persist.MatchesRow(persist.Row{"TYPE": persist.In{"EE"}}, row))
	assert.True(t, persist.MatchesRow(persist.Row{"MISSING": nil}, row))
	assert.False(t, persist.MatchesRow(persist.Row{"NAME": nil}, row))
}

func TestApplySelect(t *testing.T) {
	rows := []persist.Row{
		{"ID": 1, "NAME": "c", "GROUP": "x"},
		{"ID": 2, "NAME": "a", "GROUP": "y"},
		{"ID": 3, "NAME": "b", "GROUP": "x"},
		{"ID": 4, "NAME": nil, "GROUP": "x"},
	}

	out := persist.ApplySelect(&persist.SelectQuery{
		Match:   persist.Row{"GROUP": "x"},
		OrderBy: []string{"NAME"},
		Columns: []string{"ID"},
	}, rows)
	assert.Equal(t, []persist.Row{{"ID": 4}, {"ID": 3}, {"ID": 1}}, out)

	out = persist.ApplySelect(&persist.SelectQuery{OrderBy: []string{"ID"}, Limit: 2}, rows)
	assert.Len(t, out, 2)
	out[0]["NAME"] = "mutated"
	assert.Equal(t, "c", rows[0]["NAME"], "results are copies")
}
