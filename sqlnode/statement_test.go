// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package sqlnode

import (
	"testing"

	"github.com/featurebasedb/persist"
	"github.com/stretchr/testify/assert"
)

func TestBuildSelect(t *testing.T) {
	q := &persist.SelectQuery{
		Table:   "PAINTING",
		Columns: []string{"PAINTING_ID", "PAINTING_TITLE"},
		Match:   persist.Row{"ARTIST_ID": persist.In{1, 2}, "GALLERY_ID": nil, "PAINTING_TITLE": "x"},
		OrderBy: []string{"PAINTING_ID"},
		Limit:   10,
	}

	tests := []struct {
		driver string
		sql    string
	}{
		{"postgres", `SELECT "PAINTING_ID", "PAINTING_TITLE" FROM "PAINTING" WHERE "ARTIST_ID" IN ($1, $2) AND "GALLERY_ID" IS NULL AND "PAINTING_TITLE" = $3 ORDER BY "PAINTING_ID" LIMIT 10`},
		{"mysql", "SELECT `PAINTING_ID`, `PAINTING_TITLE` FROM `PAINTING` WHERE `ARTIST_ID` IN (?, ?) AND `GALLERY_ID` IS NULL AND `PAINTING_TITLE` = ? ORDER BY `PAINTING_ID` LIMIT 10"},
		{"sqlserver", `SELECT TOP 10 [PAINTING_ID], [PAINTING_TITLE] FROM [PAINTING] WHERE [ARTIST_ID] IN (@p1, @p2) AND [GALLERY_ID] IS NULL AND [PAINTING_TITLE] = @p3 ORDER BY [PAINTING_ID]`},
		{"sqlite3", `SELECT "PAINTING_ID", "PAINTING_TITLE" FROM "PAINTING" WHERE "ARTIST_ID" IN (?, ?) AND "GALLERY_ID" IS NULL AND "PAINTING_TITLE" = ? ORDER BY "PAINTING_ID" LIMIT 10`},
	}
	for _, test := range tests {
		t.Run(test.driver, func(t *testing.T) {
			b := buildSelect(DialectFor(test.driver), q)
			assert.Equal(t, test.sql, b.String())
			assert.Equal(t, []interface{}{1, 2, "x"}, b.args)
		})
	}
}

func TestBuildWriteStatements(t *testing.T) {
	d := DialectFor("postgres")

	b := buildInsert(d, "ARTIST", persist.Row{"ARTIST_NAME": "Monet", "ARTIST_ID": int64(1)})
	assert.Equal(t, `INSERT INTO "ARTIST" ("ARTIST_ID", "ARTIST_NAME") VALUES ($1, $2)`, b.String())
	assert.Equal(t, []interface{}{int64(1), "Monet"}, b.args)

	b = buildUpdate(d, &persist.UpdateQuery{Table: "ARTIST", Match: persist.Row{"ARTIST_ID": 1}, Values: persist.Row{"ARTIST_NAME": nil}})
	assert.Equal(t, `UPDATE "ARTIST" SET "ARTIST_NAME" = $1 WHERE "ARTIST_ID" = $2`, b.String())
	assert.Equal(t, []interface{}{nil, 1}, b.args)

	b = buildDelete(d, &persist.DeleteQuery{Table: "ARTIST", Match: persist.Row{"ARTIST_ID": persist.In{}}})
	assert.Equal(t, `DELETE FROM "ARTIST" WHERE 1 = 0`, b.String())
	assert.Empty(t, b.args)
}

func TestDialectQuoting(t *testing.T) {
	assert.Equal(t, `"a""b"`, DialectFor("postgres").Quote(`a"b`))
	assert.Equal(t, "`a``b`", DialectFor("mysql").Quote("a`b"))
	assert.Equal(t, "[a]]b]", DialectFor("mssql").Quote("a]b"))
	assert.Nil(t, DialectFor("oracle"))
}
