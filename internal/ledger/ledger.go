// Package ledger implements the Ledger Engine (C3): validates, signs, and
// appends transactions; maintains an in-memory materialized state per table
// for queries; produces blocks of transactions grouped by commit.
//
// Grounded on the teacher's internal/sync/events.go apply/upsert dispatch
// (applyEvent, upsertEntity) for the per-row apply logic, and on
// internal/db.go's single-writer SQLite pattern
// (conn.SetMaxOpenConns(1)/withWriteLock) for the append-serialization
// model required by spec §5: appends and block commits are serialized
// through one logical writer while reads proceed against a stable snapshot.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/relaycore/ledgersync/internal/changelog"
	"github.com/relaycore/ledgersync/internal/registry"
)

// TxType names the kind of ledger transaction. Only Upsert and Delete affect
// row state directly; Grant/Revoke/Presence/Chat are domain-labeled upserts
// that downstream policy checks (the Push Applier) treat specially, but the
// engine itself only needs to know whether the row is live or tombstoned.
type TxType string

const (
	TxUpsert   TxType = "upsert"
	TxDelete   TxType = "delete"
	TxGrant    TxType = "grant"
	TxRevoke   TxType = "revoke"
	TxPresence TxType = "presence"
	TxChat     TxType = "chat"
)

// Tx is one ledger transaction submitted to signAndAppend.
type Tx struct {
	Type  TxType
	Table string
	RowID string
	Row   registry.Row // full row after applying this tx; nil for pure deletes of unknown rows
	Actor string
	Ts    int64 // epoch milliseconds
}

// AppliedRow names one row mutation accepted in a SignAndAppend call.
type AppliedRow struct {
	Table     string
	RowID     string
	ServerSeq int64
}

// Result is the outcome of signAndAppend.
type Result struct {
	Applied     int
	LastSeq     int64
	Height      int64
	AppliedRows []AppliedRow
}

// Signer identifies the block signer and can sign payloads. SignAndAppend
// records SignerID on each block and in its hash; it does not call Sign, so
// blocks carry no signature.
type Signer interface {
	SignerID() string
	Sign(payload []byte) (string, error)
}

// Engine owns the materialized per-table state and the append/commit
// serialization point.
type Engine struct {
	db       *sql.DB
	log      *changelog.Store
	reg      *registry.Registry
	signer   Signer

	writeMu sync.Mutex // serializes signAndAppend calls end to end

	stateMu sync.RWMutex // guards state, copy-on-write on writes
	state   map[string]map[string]registry.Row

	lastHeight int64
}

// New constructs an Engine. LoadState must be called once at startup to
// rebuild the materialized state from the durable change log (the change
// log is the authority for history; row tables are a cached, rebuildable
// projection, per spec.md §9).
func New(db *sql.DB, log *changelog.Store, reg *registry.Registry, signer Signer) *Engine {
	state := make(map[string]map[string]registry.Row, len(reg.Order()))
	for _, name := range reg.Order() {
		state[name] = make(map[string]registry.Row)
	}
	return &Engine{db: db, log: log, reg: reg, signer: signer, state: state}
}

// Init creates the blocks table and replays the change log into the
// materialized state.
func (e *Engine) Init(ctx context.Context) error {
	if err := e.initBlocksTable(ctx); err != nil {
		return err
	}
	return e.replay(ctx)
}

func (e *Engine) initBlocksTable(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS blocks (
	height     INTEGER PRIMARY KEY,
	prev_hash  TEXT NOT NULL,
	hash       TEXT NOT NULL,
	signer_id  TEXT NOT NULL,
	ts         INTEGER NOT NULL,
	entry_seqs TEXT NOT NULL
);
`
	if _, err := e.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ledger: create blocks schema: %w", err)
	}
	return nil
}

// replay rebuilds the in-memory materialized state from server_seq 0,
// applying entries in order exactly as a client would, matching I2.
func (e *Engine) replay(ctx context.Context) error {
	const batch = 5000
	var since int64
	for {
		entries, err := e.log.RangeSince(ctx, since, batch)
		if err != nil {
			return fmt.Errorf("ledger: replay: %w", err)
		}
		if len(entries) == 0 {
			break
		}
		for _, entry := range entries {
			var row registry.Row
			if err := json.Unmarshal([]byte(entry.PayloadJSON), &row); err != nil {
				return fmt.Errorf("ledger: replay decode %s/%s: %w", entry.Table, entry.RowID, err)
			}
			if row == nil && entry.Op == changelog.OpDelete {
				// Payload-less tombstone: mark the existing row deleted, the
				// same way SignAndAppend applies it live.
				if existing, ok := e.GetRow(entry.Table, entry.RowID); ok {
					existing["deleted_at"] = entry.CreatedAt
					existing["last_server_seq"] = entry.ServerSeq
					e.applyToState(entry.Table, entry.RowID, existing)
				}
				since = entry.ServerSeq
				continue
			}
			if row != nil {
				// last_server_seq always reflects the server_seq of the entry
				// that produced the current row state (I3), recomputed here
				// rather than trusted from the payload so replay is authoritative.
				row["last_server_seq"] = entry.ServerSeq
			}
			e.applyToState(entry.Table, entry.RowID, row)
			since = entry.ServerSeq
		}
	}

	var height sql.NullInt64
	if err := e.db.QueryRowContext(ctx, `SELECT MAX(height) FROM blocks`).Scan(&height); err != nil {
		return fmt.Errorf("ledger: read last height: %w", err)
	}
	if height.Valid {
		e.lastHeight = height.Int64
	}
	return nil
}

func (e *Engine) applyToState(table, rowID string, row registry.Row) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	tbl, ok := e.state[table]
	if !ok {
		tbl = make(map[string]registry.Row)
		e.state[table] = tbl
	}
	// copy-on-write: never mutate a row previously handed out by queryState
	tbl[rowID] = cloneRow(row)
}

// GetRow returns the current materialized row for (table, id), including
// tombstoned rows, or ok=false if no row has ever been applied for that id.
// Used by the Push Applier's dependency and conflict-resolution checks,
// which need direct point lookups rather than a full queryState scan.
func (e *Engine) GetRow(table, id string) (registry.Row, bool) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	row, ok := e.state[table][id]
	if !ok {
		return nil, false
	}
	return cloneRow(row), true
}

func cloneRow(row registry.Row) registry.Row {
	out := make(registry.Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
