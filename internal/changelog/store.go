// Package changelog implements the Change Log Store (C2): an append-only,
// ordered log of row-level mutations keyed by a monotonically increasing
// server_seq, durable and indexed by (table, row_id) and server_seq.
//
// Grounded on the teacher's internal/sync/engine.go InitServerEventLog /
// InsertServerEvents / GetEventsSince, generalized from the td action-log
// shape (device_id/session_id/client_action_id) to the registry's
// table/row_id/op/payload_json shape named in spec §3.
package changelog

import (
	"context"
	"database/sql"
	"fmt"
)

// Op is the kind of mutation a change-log entry records.
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// Entry is one immutable change-log record.
type Entry struct {
	ServerSeq   int64
	Table       string
	RowID       string
	Op          Op
	PayloadJSON string
	CreatedAt   int64 // epoch milliseconds
}

// Store wraps the change_log table. Appends must go through AppendTx inside
// the caller's single-writer transaction (the Ledger Engine owns the writer
// serialization point per spec §5); Store itself does not re-serialize
// writes, matching the teacher's design where InsertServerEvents runs inside
// a caller-managed transaction.
type Store struct {
	db *sql.DB
}

// New wraps an already-open database handle. Init must be called once
// before first use to create the schema.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the change_log table and its indexes if they do not exist.
func (s *Store) Init(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS change_log (
	server_seq   INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name   TEXT NOT NULL,
	row_id       TEXT NOT NULL,
	op           TEXT NOT NULL CHECK(op IN ('upsert','delete')),
	payload_json TEXT NOT NULL,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_change_log_row ON change_log(table_name, row_id);
CREATE INDEX IF NOT EXISTS idx_change_log_seq ON change_log(server_seq);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("changelog: create schema: %w", err)
	}
	return nil
}

// AppendTx inserts entries in submission order within tx and returns them
// with ServerSeq populated. server_seq is assigned by the DB's
// AUTOINCREMENT, which is dense and gap-less as long as every insert in the
// batch commits (§4.2, I1): any failure mid-batch must roll back tx entirely,
// which is the caller's responsibility (the Ledger Engine's block commit).
func (s *Store) AppendTx(ctx context.Context, tx *sql.Tx, entries []Entry) ([]Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO change_log (table_name, row_id, op, payload_json, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("changelog: prepare insert: %w", err)
	}
	defer stmt.Close()

	out := make([]Entry, len(entries))
	for i, e := range entries {
		res, err := stmt.ExecContext(ctx, e.Table, e.RowID, string(e.Op), e.PayloadJSON, e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("changelog: append %s/%s: %w", e.Table, e.RowID, err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("changelog: read assigned seq: %w", err)
		}
		e.ServerSeq = seq
		out[i] = e
	}
	return out, nil
}

// RangeSince returns entries with server_seq > since in ascending order, up
// to limit rows.
func (s *Store) RangeSince(ctx context.Context, since int64, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT server_seq, table_name, row_id, op, payload_json, created_at
FROM change_log
WHERE server_seq > ?
ORDER BY server_seq ASC
LIMIT ?`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("changelog: range since %d: %w", since, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var op string
		if err := rows.Scan(&e.ServerSeq, &e.Table, &e.RowID, &op, &e.PayloadJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("changelog: scan: %w", err)
		}
		e.Op = Op(op)
		out = append(out, e)
	}
	return out, rows.Err()
}

// MaxSeq returns the highest assigned server_seq, or 0 if the log is empty.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(server_seq) FROM change_log`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("changelog: max seq: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// LatestFor returns the most recent entry naming (table, rowID), used by
// invariant I3 checks and by conflict resolution to read existing
// last_server_seq without scanning the whole log.
func (s *Store) LatestFor(ctx context.Context, table, rowID string) (Entry, bool, error) {
	var e Entry
	var op string
	err := s.db.QueryRowContext(ctx, `
SELECT server_seq, table_name, row_id, op, payload_json, created_at
FROM change_log
WHERE table_name = ? AND row_id = ?
ORDER BY server_seq DESC
LIMIT 1`, table, rowID).Scan(&e.ServerSeq, &e.Table, &e.RowID, &op, &e.PayloadJSON, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("changelog: latest for %s/%s: %w", table, rowID, err)
	}
	e.Op = Op(op)
	return e, true, nil
}
