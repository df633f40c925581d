// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package persist

import (
	"fmt"
	"sort"
	"strings"
)

// Query is a declarative operation executed by a DataNode. Queries are
// passed by pointer, so a Query value identifies one operation of a batch.
type Query interface {
	QueryTable() string
}

// In is a Match value matching any of its elements.
type In []interface{}

// SelectQuery reads the rows of Table whose columns equal every value of
// Match. A nil Columns selects every column. OrderBy lists columns sorted
// ascending; a Limit of zero means no limit.
type SelectQuery struct {
	Table   string
	Columns []string
	Match   Row
	OrderBy []string
	Limit   int
}

// InsertQuery inserts one row.
type InsertQuery struct {
	Table  string
	Values Row
}

// BatchInsertQuery inserts several rows. Nodes report the result through
// NextBatchCount.
type BatchInsertQuery struct {
	Table string
	Rows  []Row
}

// UpdateQuery sets Values on the rows matching Match.
type UpdateQuery struct {
	Table  string
	Match  Row
	Values Row
}

// DeleteQuery deletes the rows matching Match.
type DeleteQuery struct {
	Table string
	Match Row
}

// GeneratePKQuery asks a node for Count new values of a single primary key
// column. Nodes return them as rows holding Column through NextRows.
type GeneratePKQuery struct {
	Table  string
	Column string
	Count  int
}

func (q *SelectQuery) QueryTable() string      { return q.Table }
func (q *InsertQuery) QueryTable() string      { return q.Table }
func (q *BatchInsertQuery) QueryTable() string { return q.Table }
func (q *UpdateQuery) QueryTable() string      { return q.Table }
func (q *DeleteQuery) QueryTable() string      { return q.Table }
func (q *GeneratePKQuery) QueryTable() string  { return q.Table }

// ObjectSelect selects objects of an entity. Match and OrderBy name columns
// of the entity's table. Selecting a subentity only returns rows whose
// discriminator belongs to it or to one of its own subentities.
type ObjectSelect struct {
	Entity  string
	Match   Row
	OrderBy []string
	Limit   int
}

// MatchesRow reports whether row satisfies every condition of match.
func MatchesRow(match, row Row) bool {
	for col, want := range match {
		got := row[col]
		if in, ok := want.(In); ok {
			found := false
			for _, v := range in {
				if valuesEqual(v, got) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
			continue
		}
		if !valuesEqual(want, got) {
			return false
		}
	}
	return true
}

// ApplySelect filters, sorts, limits and projects rows as q describes. It is
// used by nodes that evaluate selects themselves.
func ApplySelect(q *SelectQuery, rows []Row) []Row {
	var out []Row
	for _, row := range rows {
		if MatchesRow(q.Match, row) {
			out = append(out, row)
		}
	}
	if len(q.OrderBy) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, col := range q.OrderBy {
				if c := compareValues(out[i][col], out[j][col]); c != 0 {
					return c < 0
				}
			}
			return false
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	for i, row := range out {
		if q.Columns == nil {
			out[i] = row.Clone()
			continue
		}
		projected := make(Row, len(q.Columns))
		for _, col := range q.Columns {
			projected[col] = row[col]
		}
		out[i] = projected
	}
	return out
}

// compareValues orders nil first, then numbers, strings and booleans by
// value. Values of unrelated types compare by their formatted form.
func compareValues(a, b interface{}) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	sa, sb := fmt.Sprint(a), fmt.Sprint(b)
	if x, ok := a.([]byte); ok {
		sa = string(x)
	}
	if x, ok := b.([]byte); ok {
		sb = string(x)
	}
	return strings.Compare(sa, sb)
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}
