package clientstore

import (
	"fmt"
	"sort"
	"strings"

	"github.com/relaycore/ledgersync/internal/registry"
)

// Upsert writes row into table, replacing any existing row with the same
// id (the registry's ConflictTarget), and marks it sync_status='pending'
// so the next push cycle picks it up. Grounded on the teacher's
// internal/db/issues.go upsert-on-conflict pattern, generalized across every
// registry table instead of one hardcoded issues statement.
func (s *Store) Upsert(table string, row registry.Row) error {
	entry, ok := s.reg.Get(table)
	if !ok {
		return fmt.Errorf("clientstore: unknown table %q", table)
	}
	dbRow := entry.ToDbRow(row)
	dbRow["sync_status"] = "pending"

	cols, args := columnsAndArgs(entry, dbRow)
	placeholders := strings.TrimRight(strings.Repeat("?,", len(cols)), ",")
	updates := make([]string, 0, len(cols))
	for _, c := range cols {
		if c == "id" {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), placeholders, strings.Join(updates, ", "))

	return s.withWriteLock(func() error {
		_, err := s.conn.Exec(query, args...)
		if err != nil {
			return fmt.Errorf("clientstore: upsert %s/%v: %w", table, dbRow["id"], err)
		}
		return nil
	})
}

// columnsAndArgs returns the envelope plus table-specific columns present
// in dbRow, in a stable order (envelope first, then fields as declared).
func columnsAndArgs(entry *registry.Entry, dbRow registry.Row) ([]string, []interface{}) {
	order := []string{"id", "created_at", "updated_at", "deleted_at", "last_server_seq", "sync_status"}
	for _, f := range entry.Fields {
		order = append(order, f.DBField)
	}
	cols := make([]string, 0, len(order))
	args := make([]interface{}, 0, len(order))
	for _, c := range order {
		if v, ok := dbRow[c]; ok {
			cols = append(cols, c)
			args = append(args, v)
		}
	}
	return cols, args
}

// Get returns the row with id from table, or ok=false if absent.
func (s *Store) Get(table, id string) (registry.Row, bool, error) {
	entry, ok := s.reg.Get(table)
	if !ok {
		return nil, false, fmt.Errorf("clientstore: unknown table %q", table)
	}
	cols := allColumns(entry)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", strings.Join(cols, ", "), table)
	rows, err := s.conn.Query(query, id)
	if err != nil {
		return nil, false, fmt.Errorf("clientstore: get %s/%s: %w", table, id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, false, rows.Err()
	}
	row, err := scanRow(cols, rows)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

// ListPending returns every row in table with sync_status='pending',
// ordered by updated_at ascending, for the Client Sync Runner's push step.
func (s *Store) ListPending(table string, limit int) ([]registry.Row, error) {
	entry, ok := s.reg.Get(table)
	if !ok {
		return nil, fmt.Errorf("clientstore: unknown table %q", table)
	}
	cols := allColumns(entry)
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE sync_status = 'pending' ORDER BY updated_at ASC LIMIT ?",
		strings.Join(cols, ", "), table)
	rows, err := s.conn.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("clientstore: list pending %s: %w", table, err)
	}
	defer rows.Close()

	var out []registry.Row
	for rows.Next() {
		row, err := scanRow(cols, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// MarkSynced clears the pending flag for id in table and stamps the
// server-assigned last_server_seq, called once a push is acknowledged.
func (s *Store) MarkSynced(table, id string, serverSeq int64) error {
	return s.withWriteLock(func() error {
		_, err := s.conn.Exec(
			fmt.Sprintf("UPDATE %s SET sync_status = 'synced', last_server_seq = ? WHERE id = ?", table),
			serverSeq, id)
		if err != nil {
			return fmt.Errorf("clientstore: mark synced %s/%s: %w", table, id, err)
		}
		return nil
	})
}

// MarkError flags a row that the server rejected, so it does not keep
// retrying silently (spec §7: sync_status is client-advisory, surfaced to
// the user as lastError).
func (s *Store) MarkError(table, id string) error {
	return s.withWriteLock(func() error {
		_, err := s.conn.Exec(fmt.Sprintf("UPDATE %s SET sync_status = 'error' WHERE id = ?", table), id)
		if err != nil {
			return fmt.Errorf("clientstore: mark error %s/%s: %w", table, id, err)
		}
		return nil
	})
}

// ApplyPulledRow upserts a row received from the server during a pull
// cycle, stamping it sync_status='synced' since it is already authoritative.
func (s *Store) ApplyPulledRow(table string, row registry.Row, serverSeq int64) error {
	entry, ok := s.reg.Get(table)
	if !ok {
		return fmt.Errorf("clientstore: unknown table %q", table)
	}
	dbRow := entry.ToDbRow(row)
	dbRow["sync_status"] = "synced"
	dbRow["last_server_seq"] = serverSeq

	cols, args := columnsAndArgs(entry, dbRow)
	placeholders := strings.TrimRight(strings.Repeat("?,", len(cols)), ",")
	updates := make([]string, 0, len(cols))
	for _, c := range cols {
		if c == "id" {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), placeholders, strings.Join(updates, ", "))

	return s.withWriteLock(func() error {
		_, err := s.conn.Exec(query, args...)
		if err != nil {
			return fmt.Errorf("clientstore: apply pulled row %s/%v: %w", table, dbRow["id"], err)
		}
		return nil
	})
}

func allColumns(entry *registry.Entry) []string {
	cols := []string{"id", "created_at", "updated_at", "deleted_at", "last_server_seq", "sync_status"}
	names := make([]string, 0, len(entry.Fields))
	for _, f := range entry.Fields {
		names = append(names, f.DBField)
	}
	sort.Strings(names)
	return append(cols, names...)
}

// scanner abstracts *sql.Rows for scanRow, which is shared between Get and
// ListPending.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRow(cols []string, s scanner) (registry.Row, error) {
	vals := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := s.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("clientstore: scan row: %w", err)
	}
	row := make(registry.Row, len(cols))
	for i, c := range cols {
		row[c] = vals[i]
	}
	return row, nil
}
