// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package persist

import (
	"sort"

	"github.com/benbjohnson/immutable"
)

// Row is a mutable column name to value mapping, as read from or written to a
// data node.
type Row map[string]interface{}

// Clone returns a shallow copy of r.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	other := make(Row, len(r))
	for k, v := range r {
		other[k] = v
	}
	return other
}

// Snapshot is the last known committed state of one row. A Snapshot is never
// modified after construction; With and WithValues return new snapshots that
// share structure with the receiver.
type Snapshot struct {
	m *immutable.Map[string, interface{}]
}

// NewSnapshot returns a snapshot holding the values of row.
func NewSnapshot(row Row) *Snapshot {
	m := immutable.NewMap[string, interface{}](nil)
	for k, v := range row {
		m = m.Set(k, v)
	}
	return &Snapshot{m: m}
}

// Get returns the value of a column.
func (s *Snapshot) Get(column string) (interface{}, bool) {
	if s == nil {
		return nil, false
	}
	return s.m.Get(column)
}

// Len returns the number of columns in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return s.m.Len()
}

// Columns returns the sorted column names.
func (s *Snapshot) Columns() []string {
	if s == nil {
		return nil
	}
	cols := make([]string, 0, s.m.Len())
	itr := s.m.Iterator()
	for !itr.Done() {
		k, _, _ := itr.Next()
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// With returns a copy of s with column set to v.
func (s *Snapshot) With(column string, v interface{}) *Snapshot {
	if s == nil {
		return NewSnapshot(Row{column: v})
	}
	return &Snapshot{m: s.m.Set(column, v)}
}

// WithValues returns a copy of s with every column of row set.
func (s *Snapshot) WithValues(row Row) *Snapshot {
	if s == nil {
		return NewSnapshot(row)
	}
	m := s.m
	for k, v := range row {
		m = m.Set(k, v)
	}
	return &Snapshot{m: m}
}

// Row returns the snapshot's values as a new Row.
func (s *Snapshot) Row() Row {
	if s == nil {
		return Row{}
	}
	row := make(Row, s.m.Len())
	itr := s.m.Iterator()
	for !itr.Done() {
		k, v, _ := itr.Next()
		row[k] = v
	}
	return row
}
