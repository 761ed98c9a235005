// Package pullproducer implements the Pull Producer (C5): the server-side
// endpoint streaming changes since a client cursor, filtered by role-based
// privacy rules, re-validated against registry schemas, capped by page
// budget, and persisted as the client's sync state.
//
// Grounded on the teacher's internal/api/sync.go handleSyncPull (cursor
// query params, maxPullLimit/defPullLimit) and internal/serverdb/sync_cursors.go
// (UpsertSyncCursor/GetSyncCursor), generalized from a single event stream
// to the registry-driven, privacy-filtered change stream of spec §4.5.
package pullproducer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/relaycore/ledgersync/internal/changelog"
	"github.com/relaycore/ledgersync/internal/ledgererr"
	"github.com/relaycore/ledgersync/internal/registry"
)

const (
	DefaultPageLimit = 5000
	MaxPageLimit     = 20000

	// SupportedProtocolVersion is the version this server speaks; pulls
	// from clients announcing a lower version are rejected when enforcement
	// is enabled, per spec §4.5 and the SYNC_V2_ENFORCE config flag.
	SupportedProtocolVersion = 2
)

// Actor identifies the pulling user for privacy filtering.
type Actor struct {
	ID   string
	Role string
}

func (a Actor) isAdmin() bool {
	return a.Role == "admin" || a.Role == "superadmin"
}

// Change is one change-log entry surfaced to a client, shaped for the wire.
type Change struct {
	Table       string `json:"table"`
	RowID       string `json:"row_id"`
	Op          string `json:"op"`
	PayloadJSON string `json:"payload_json"`
	ServerSeq   int64  `json:"server_seq"`
}

// Request is the pull(since_seq, limit, actor, client_id, protocol_version) contract input.
type Request struct {
	SinceSeq        int64
	Limit           int
	Actor           Actor
	ClientID        string
	ProtocolVersion int
	EnforceV2       bool
}

// Result is the pull(...) contract output.
type Result struct {
	ServerCursor  int64          `json:"server_cursor"`
	ServerLastSeq int64          `json:"server_last_seq"`
	HasMore       bool           `json:"has_more"`
	Changes       []Change       `json:"changes"`
	InvalidCounts map[string]int `json:"invalid_counts,omitempty"`
}

// Producer is the C5 component.
type Producer struct {
	reg   *registry.Registry
	log   *changelog.Store
	state *StateStore
}

// New constructs a Producer. state may be nil if the caller does not need
// client_sync_state persistence (e.g. in isolated tests of pull output).
func New(reg *registry.Registry, log *changelog.Store, state *StateStore) *Producer {
	return &Producer{reg: reg, log: log, state: state}
}

// Pull implements spec §4.5.
func (p *Producer) Pull(ctx context.Context, req Request) (Result, error) {
	if req.EnforceV2 && req.ProtocolVersion < SupportedProtocolVersion {
		return Result{}, ledgererr.Newf(ledgererr.KindProtocolUpgrade, "protocol version %d required, client sent %d", SupportedProtocolVersion, req.ProtocolVersion)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	entries, err := p.log.RangeSince(ctx, req.SinceSeq, limit)
	if err != nil {
		return Result{}, ledgererr.Newf(ledgererr.KindInternal, "pull: %v", err)
	}

	serverLastSeq, err := p.log.MaxSeq(ctx)
	if err != nil {
		return Result{}, ledgererr.Newf(ledgererr.KindInternal, "pull: %v", err)
	}

	invalidCounts := map[string]int{}
	changes := make([]Change, 0, len(entries))
	var serverCursor int64

	for _, e := range entries {
		var row registry.Row
		if err := json.Unmarshal([]byte(e.PayloadJSON), &row); err != nil {
			invalidCounts[e.Table]++
			continue
		}

		if registry.PrivacyTables[e.Table] && !req.Actor.isAdmin() && !rowVisibleTo(e.Table, row, req.Actor) {
			continue
		}

		if entry, ok := p.reg.Get(e.Table); ok {
			wireRow := entry.ToSyncRow(row)
			if _, verr := entry.Validate(wireRow); verr != nil {
				invalidCounts[e.Table]++
				continue
			}
		}

		changes = append(changes, Change{
			Table:       e.Table,
			RowID:       e.RowID,
			Op:          string(e.Op),
			PayloadJSON: e.PayloadJSON,
			ServerSeq:   e.ServerSeq,
		})
		if e.ServerSeq > serverCursor {
			serverCursor = e.ServerSeq
		}
	}

	result := Result{
		ServerCursor:  serverCursor,
		ServerLastSeq: serverLastSeq,
		HasMore:       serverCursor < serverLastSeq,
		Changes:       changes,
		InvalidCounts: invalidCounts,
	}

	if p.state != nil && req.ClientID != "" {
		if err := p.state.RecordPull(ctx, req.ClientID, serverCursor); err != nil {
			return Result{}, ledgererr.Newf(ledgererr.KindInternal, "pull: persist client_sync_state: %v", err)
		}
	}

	return result, nil
}

// rowVisibleTo implements the chat privacy rule of spec §3 invariant 6 and
// §4.5 step 2: chat_messages are visible to sender or recipient, and a
// message with no recipient is global and visible to every actor;
// chat_reads are visible to the reader. Non-admin actors outside those
// roles never see the row.
func rowVisibleTo(table string, row registry.Row, actor Actor) bool {
	switch table {
	case "chat_messages":
		sender, _ := row["senderUserId"].(string)
		recipient, _ := row["recipientUserId"].(string)
		return recipient == "" || sender == actor.ID || recipient == actor.ID
	case "chat_reads":
		reader, _ := row["readerUserId"].(string)
		return reader == actor.ID
	default:
		return true
	}
}

// StateStore persists per-client sync state: last_pulled_server_seq,
// last_pulled_at, last_pushed_at, and a pending sync-request payload,
// matching spec §3's "Client Sync State (server side)".
type StateStore struct {
	db *sql.DB
}

func NewStateStore(db *sql.DB) *StateStore { return &StateStore{db: db} }

// Init creates the client_sync_state table, grounded on
// internal/serverdb/sync_cursors.go's UpsertSyncCursor schema, generalized
// with the pending-sync-request column the teacher's sync_cursors lacks.
func (s *StateStore) Init(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS client_sync_state (
	client_id               TEXT PRIMARY KEY,
	last_pulled_server_seq  INTEGER NOT NULL DEFAULT 0,
	last_pulled_at          INTEGER,
	last_pushed_at          INTEGER,
	pending_sync_request    TEXT
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("pullproducer: create client_sync_state: %w", err)
	}
	return nil
}

// ClientSyncState mirrors spec §3's server-side per-client record.
type ClientSyncState struct {
	ClientID             string
	LastPulledServerSeq  int64
	LastPulledAt         sql.NullInt64
	LastPushedAt         sql.NullInt64
	PendingSyncRequest   sql.NullString
}

// RecordPull upserts last_pulled_server_seq/last_pulled_at for clientID.
func (s *StateStore) RecordPull(ctx context.Context, clientID string, serverSeq int64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO client_sync_state (client_id, last_pulled_server_seq, last_pulled_at)
VALUES (?, ?, CAST(strftime('%s','now') AS INTEGER) * 1000)
ON CONFLICT(client_id) DO UPDATE SET
	last_pulled_server_seq = excluded.last_pulled_server_seq,
	last_pulled_at = excluded.last_pulled_at
WHERE excluded.last_pulled_server_seq >= client_sync_state.last_pulled_server_seq`, clientID, serverSeq)
	if err != nil {
		return fmt.Errorf("pullproducer: record pull for %s: %w", clientID, err)
	}
	return nil
}

// RecordPush updates last_pushed_at for clientID.
func (s *StateStore) RecordPush(ctx context.Context, clientID string, tsMS int64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO client_sync_state (client_id, last_pushed_at) VALUES (?, ?)
ON CONFLICT(client_id) DO UPDATE SET last_pushed_at = excluded.last_pushed_at`, clientID, tsMS)
	if err != nil {
		return fmt.Errorf("pullproducer: record push for %s: %w", clientID, err)
	}
	return nil
}

// Get returns the current sync state for clientID.
func (s *StateStore) Get(ctx context.Context, clientID string) (ClientSyncState, bool, error) {
	var st ClientSyncState
	err := s.db.QueryRowContext(ctx, `
SELECT client_id, last_pulled_server_seq, last_pulled_at, last_pushed_at, pending_sync_request
FROM client_sync_state WHERE client_id = ?`, clientID).Scan(
		&st.ClientID, &st.LastPulledServerSeq, &st.LastPulledAt, &st.LastPushedAt, &st.PendingSyncRequest)
	if err == sql.ErrNoRows {
		return ClientSyncState{}, false, nil
	}
	if err != nil {
		return ClientSyncState{}, false, fmt.Errorf("pullproducer: get state for %s: %w", clientID, err)
	}
	return st, true, nil
}

// SetPendingRequest stores a sync-request payload to be fetched by the
// client on its next settings poll, cleared on acknowledgement.
func (s *StateStore) SetPendingRequest(ctx context.Context, clientID, requestJSON string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO client_sync_state (client_id, pending_sync_request) VALUES (?, ?)
ON CONFLICT(client_id) DO UPDATE SET pending_sync_request = excluded.pending_sync_request`, clientID, requestJSON)
	if err != nil {
		return fmt.Errorf("pullproducer: set pending request for %s: %w", clientID, err)
	}
	return nil
}

// ClearPendingRequest removes the pending sync-request, called on client ack.
func (s *StateStore) ClearPendingRequest(ctx context.Context, clientID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE client_sync_state SET pending_sync_request = NULL WHERE client_id = ?`, clientID)
	if err != nil {
		return fmt.Errorf("pullproducer: clear pending request for %s: %w", clientID, err)
	}
	return nil
}
