package clientstore

import (
	"fmt"
	"strings"

	"github.com/relaycore/ledgersync/internal/registry"
)

// buildSchema generates one CREATE TABLE per registry entry (envelope
// columns plus the entry's table-specific fields, FK constraints included)
// and the fixed sync_state table, grounded on the teacher's schema.go
// (internal/db/schema.go) DDL style: IF NOT EXISTS, explicit defaults,
// FOREIGN KEY clauses against other tables in the same schema.
func buildSchema(reg *registry.Registry) string {
	var b strings.Builder
	for _, e := range reg.Entries() {
		b.WriteString(tableDDL(e))
		b.WriteString("\n")
	}
	b.WriteString(syncStateDDL)
	return b.String()
}

func tableDDL(e *registry.Entry) string {
	var cols []string
	cols = append(cols,
		"id TEXT PRIMARY KEY",
		"created_at INTEGER NOT NULL",
		"updated_at INTEGER NOT NULL",
		"deleted_at INTEGER",
		"last_server_seq INTEGER",
		"sync_status TEXT NOT NULL DEFAULT 'pending'",
	)

	var fks []string
	for _, f := range e.Fields {
		cols = append(cols, fmt.Sprintf("%s %s", f.DBField, sqlType(f.Kind)))
		if f.ForeignKey != "" {
			fks = append(fks, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s(id)", f.DBField, f.ForeignKey))
		}
	}

	all := append(cols, fks...)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n);\n", e.Name, strings.Join(all, ",\n    "))
}

func sqlType(kind registry.FieldKind) string {
	switch kind {
	case registry.KindInt, registry.KindEpochMS, registry.KindBool:
		return "INTEGER"
	case registry.KindFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

// syncStateDDL is the single global client cursor table: one row covers
// every registry table (spec §6: "cursor per table not needed — one global
// cursor suffices").
const syncStateDDL = `
CREATE TABLE IF NOT EXISTS sync_state (
    client_id              TEXT PRIMARY KEY,
    project_id             TEXT NOT NULL DEFAULT '',
    last_pushed_at         INTEGER,
    last_pulled_server_seq INTEGER NOT NULL DEFAULT 0,
    last_sync_at           INTEGER,
    sync_disabled          INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sync_conflicts (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    table_name     TEXT NOT NULL,
    row_id         TEXT NOT NULL,
    server_seq     INTEGER,
    local_data     TEXT,
    remote_data    TEXT,
    overwritten_at INTEGER NOT NULL
);
`
