// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package memnode

import (
	"github.com/featurebasedb/persist"
	"github.com/featurebasedb/persist/errors"
)

type tables map[string]*table

func (ts tables) clone() tables {
	other := make(tables, len(ts))
	for name, t := range ts {
		other[name] = t.clone()
	}
	return other
}

// table holds rows in insertion order. Deleted rows leave a nil slot behind.
type table struct {
	pk   []string
	rows []persist.Row
	keys map[persist.ObjectID]int
}

func newTable(pk []string) *table {
	return &table{
		pk:   pk,
		keys: make(map[persist.ObjectID]int),
	}
}

func (t *table) clone() *table {
	other := &table{
		pk:   t.pk,
		rows: make([]persist.Row, 0, len(t.rows)),
		keys: make(map[persist.ObjectID]int, len(t.keys)),
	}
	for _, row := range t.rows {
		if row == nil {
			continue
		}
		if len(t.pk) > 0 {
			if id, err := t.key(row); err == nil {
				other.keys[id] = len(other.rows)
			}
		}
		other.rows = append(other.rows, row)
	}
	return other
}

// key returns the canonical key of row, reusing ObjectID's encoding.
func (t *table) key(row persist.Row) (persist.ObjectID, error) {
	values := make(map[string]interface{}, len(t.pk))
	for _, col := range t.pk {
		values[col] = row[col]
	}
	return persist.NewCompoundObjectID("row", values)
}

func (t *table) all() []persist.Row {
	out := make([]persist.Row, 0, len(t.rows))
	for _, row := range t.rows {
		if row != nil {
			out = append(out, row.Clone())
		}
	}
	return out
}

func (t *table) insert(values persist.Row) error {
	row := values.Clone()
	if len(t.pk) > 0 {
		id, err := t.key(row)
		if err != nil {
			return errors.Wrap(err, "inserting row")
		}
		if _, ok := t.keys[id]; ok {
			return errors.Newf(ErrDuplicateKey, "duplicate key %s", id)
		}
		t.keys[id] = len(t.rows)
	}
	t.rows = append(t.rows, row)
	return nil
}

func (t *table) update(match, values persist.Row) int {
	n := 0
	for i, row := range t.rows {
		if row == nil || !persist.MatchesRow(match, row) {
			continue
		}
		updated := row.Clone()
		for k, v := range values {
			updated[k] = v
		}
		t.rows[i] = updated
		n++
	}
	return n
}

func (t *table) delete(match persist.Row) int {
	n := 0
	for i, row := range t.rows {
		if row == nil || !persist.MatchesRow(match, row) {
			continue
		}
		if len(t.pk) > 0 {
			if id, err := t.key(row); err == nil {
				delete(t.keys, id)
			}
		}
		t.rows[i] = nil
		n++
	}
	return n
}

// maxInt returns the largest integer value of col, or zero.
func (t *table) maxInt(col string) int64 {
	var max int64
	for _, row := range t.rows {
		if row == nil {
			continue
		}
		var v int64
		switch x := row[col].(type) {
		case int:
			v = int64(x)
		case int32:
			v = int64(x)
		case int64:
			v = x
		default:
			continue
		}
		if v > max {
			max = v
		}
	}
	return max
}
