// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package sqlnode

import (
	"fmt"
	"strings"
)

// keyTable holds the next unallocated primary key value of every table whose
// keys are generated by a node.
const keyTable = "persist_pk"

// Dialect holds what differs between the SQL databases a node can talk to.
type Dialect struct {
	Name string

	// Quote returns an identifier quoted for use in a statement.
	Quote func(ident string) string

	// Placeholder returns the bind parameter for the i'th argument,
	// counting from 1.
	Placeholder func(i int) string

	// Top is set when the dialect limits rows with SELECT TOP n instead of
	// a trailing LIMIT n.
	Top bool

	// KeyTableDDL creates the key table if it does not exist.
	KeyTableDDL string
}

const keyTableColumns = "(table_name VARCHAR(255) NOT NULL PRIMARY KEY, next_id BIGINT NOT NULL)"

var dialects = map[string]*Dialect{
	"postgres": {
		Name:        "postgres",
		Quote:       doubleQuote,
		Placeholder: func(i int) string { return fmt.Sprintf("$%d", i) },
		KeyTableDDL: "CREATE TABLE IF NOT EXISTS " + keyTable + " " + keyTableColumns,
	},
	"mysql": {
		Name:        "mysql",
		Quote:       func(s string) string { return "`" + strings.ReplaceAll(s, "`", "``") + "`" },
		Placeholder: question,
		KeyTableDDL: "CREATE TABLE IF NOT EXISTS " + keyTable + " " + keyTableColumns,
	},
	"sqlserver": {
		Name:        "sqlserver",
		Quote:       func(s string) string { return "[" + strings.ReplaceAll(s, "]", "]]") + "]" },
		Placeholder: func(i int) string { return fmt.Sprintf("@p%d", i) },
		Top:         true,
		KeyTableDDL: "IF OBJECT_ID(N'" + keyTable + "', N'U') IS NULL CREATE TABLE " + keyTable + " " + keyTableColumns,
	},
	"sqlite3": {
		Name:        "sqlite3",
		Quote:       doubleQuote,
		Placeholder: question,
		KeyTableDDL: "CREATE TABLE IF NOT EXISTS " + keyTable + " " + keyTableColumns,
	},
}

func init() {
	dialects["mssql"] = dialects["sqlserver"]
}

// DialectFor returns the dialect of a database/sql driver name, or nil.
func DialectFor(driver string) *Dialect {
	return dialects[driver]
}

func doubleQuote(s string) string { return `"` + strings.ReplaceAll(s, `"`, `""`) + `"` }

func question(int) string { return "?" }
