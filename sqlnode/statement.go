// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package sqlnode

import (
	"fmt"
	"sort"
	"strings"

	"github.com/featurebasedb/persist"
)

// builder accumulates the text and arguments of one statement.
type builder struct {
	d    *Dialect
	sb   strings.Builder
	args []interface{}
}

func newBuilder(d *Dialect) *builder {
	return &builder{d: d}
}

func (b *builder) write(s ...string) *builder {
	for _, x := range s {
		b.sb.WriteString(x)
	}
	return b
}

func (b *builder) arg(v interface{}) *builder {
	b.args = append(b.args, v)
	b.sb.WriteString(b.d.Placeholder(len(b.args)))
	return b
}

func (b *builder) String() string { return b.sb.String() }

func sortedColumns(r persist.Row) []string {
	cols := make([]string, 0, len(r))
	for col := range r {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

// where appends a WHERE clause matching every column of match. A nil value
// matches NULL and an In value matches any of its elements.
func (b *builder) where(match persist.Row) *builder {
	if len(match) == 0 {
		return b
	}
	b.write(" WHERE ")
	for i, col := range sortedColumns(match) {
		if i > 0 {
			b.write(" AND ")
		}
		switch v := match[col].(type) {
		case nil:
			b.write(b.d.Quote(col), " IS NULL")
		case persist.In:
			if len(v) == 0 {
				b.write("1 = 0")
				continue
			}
			b.write(b.d.Quote(col), " IN (")
			for j, x := range v {
				if j > 0 {
					b.write(", ")
				}
				b.arg(x)
			}
			b.write(")")
		default:
			b.write(b.d.Quote(col), " = ").arg(v)
		}
	}
	return b
}

func buildSelect(d *Dialect, q *persist.SelectQuery) *builder {
	b := newBuilder(d).write("SELECT ")
	if d.Top && q.Limit > 0 {
		b.write(fmt.Sprintf("TOP %d ", q.Limit))
	}
	if len(q.Columns) == 0 {
		b.write("*")
	} else {
		for i, col := range q.Columns {
			if i > 0 {
				b.write(", ")
			}
			b.write(d.Quote(col))
		}
	}
	b.write(" FROM ", d.Quote(q.Table)).where(q.Match)
	if len(q.OrderBy) > 0 {
		b.write(" ORDER BY ")
		for i, col := range q.OrderBy {
			if i > 0 {
				b.write(", ")
			}
			b.write(d.Quote(col))
		}
	}
	if !d.Top && q.Limit > 0 {
		b.write(fmt.Sprintf(" LIMIT %d", q.Limit))
	}
	return b
}

func buildInsert(d *Dialect, table string, values persist.Row) *builder {
	cols := sortedColumns(values)
	b := newBuilder(d).write("INSERT INTO ", d.Quote(table), " (")
	for i, col := range cols {
		if i > 0 {
			b.write(", ")
		}
		b.write(d.Quote(col))
	}
	b.write(") VALUES (")
	for i, col := range cols {
		if i > 0 {
			b.write(", ")
		}
		b.arg(values[col])
	}
	return b.write(")")
}

func buildUpdate(d *Dialect, q *persist.UpdateQuery) *builder {
	b := newBuilder(d).write("UPDATE ", d.Quote(q.Table), " SET ")
	for i, col := range sortedColumns(q.Values) {
		if i > 0 {
			b.write(", ")
		}
		b.write(d.Quote(col), " = ").arg(q.Values[col])
	}
	return b.where(q.Match)
}

func buildDelete(d *Dialect, q *persist.DeleteQuery) *builder {
	return newBuilder(d).write("DELETE FROM ", d.Quote(q.Table)).where(q.Match)
}
