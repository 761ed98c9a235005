package clientstore

import (
	"database/sql"
	"fmt"
)

// SyncState holds the client's global sync cursor, grounded on the
// teacher's internal/db/sync_state.go SyncState (ProjectID/
// LastPushedActionID/LastPulledServerSeq/LastSyncAt/SyncDisabled),
// generalized from one linked project's cursor to one store-wide cursor
// covering every registry table.
type SyncState struct {
	ClientID            string
	ProjectID           string
	LastPushedAt        sql.NullInt64
	LastPulledServerSeq int64
	LastSyncAt          sql.NullInt64
	SyncDisabled        bool
}

// GetSyncState returns the current sync state, or nil if the store has
// never been linked to a client_id.
func (s *Store) GetSyncState() (*SyncState, error) {
	var st SyncState
	var disabled int
	err := s.conn.QueryRow(`
		SELECT client_id, project_id, last_pushed_at, last_pulled_server_seq, last_sync_at, sync_disabled
		FROM sync_state LIMIT 1
	`).Scan(&st.ClientID, &st.ProjectID, &st.LastPushedAt, &st.LastPulledServerSeq, &st.LastSyncAt, &disabled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("clientstore: get sync state: %w", err)
	}
	st.SyncDisabled = disabled != 0
	return &st, nil
}

// SetSyncState creates or replaces the sync state row linking this store to
// clientID on projectID (used on initial link / re-link to a new project).
func (s *Store) SetSyncState(clientID, projectID string) error {
	return s.withWriteLock(func() error {
		_, err := s.conn.Exec(`
			INSERT OR REPLACE INTO sync_state (client_id, project_id, last_pulled_server_seq, sync_disabled)
			VALUES (?, ?, 0, 0)
		`, clientID, projectID)
		return err
	})
}

// UpdateSyncPushed records the push timestamp.
func (s *Store) UpdateSyncPushed(tsMS int64) error {
	return s.withWriteLock(func() error {
		_, err := s.conn.Exec(`UPDATE sync_state SET last_pushed_at = ?, last_sync_at = ?`, tsMS, tsMS)
		return err
	})
}

// UpdateSyncPulled records the new cursor and pull timestamp, guarded
// monotonic so a stale retry cannot rewind the cursor.
func (s *Store) UpdateSyncPulled(serverSeq, tsMS int64) error {
	return s.withWriteLock(func() error {
		_, err := s.conn.Exec(`
			UPDATE sync_state
			SET last_pulled_server_seq = ?, last_sync_at = ?
			WHERE last_pulled_server_seq <= ?
		`, serverSeq, tsMS, serverSeq)
		return err
	})
}

// ResetSyncCursor forces the pull cursor back to seq, bypassing the
// monotonic guard in UpdateSyncPulled. Used by the sync runner to carry out
// an autoheal-issued reset_sync_state_and_pull, force_full_pull_v2 or
// deep_repair action, which deliberately
// rewinds the cursor to force a re-pull.
func (s *Store) ResetSyncCursor(seq int64) error {
	return s.withWriteLock(func() error {
		_, err := s.conn.Exec(`UPDATE sync_state SET last_pulled_server_seq = ?`, seq)
		return err
	})
}

// ClearSyncState removes the sync state (used for unlink).
func (s *Store) ClearSyncState() error {
	return s.withWriteLock(func() error {
		_, err := s.conn.Exec(`DELETE FROM sync_state`)
		return err
	})
}

// SetSyncDisabled toggles whether the sync runner should skip cycles for
// this store.
func (s *Store) SetSyncDisabled(disabled bool) error {
	return s.withWriteLock(func() error {
		v := 0
		if disabled {
			v = 1
		}
		_, err := s.conn.Exec(`UPDATE sync_state SET sync_disabled = ?`, v)
		return err
	})
}

// RecordConflict appends an entry to sync_conflicts, called whenever the
// sync runner overwrites a locally pending row because the server's
// resolveConflict outcome favored the remote version.
func (s *Store) RecordConflict(table, rowID string, serverSeq sql.NullInt64, localJSON, remoteJSON string, overwrittenAtMS int64) error {
	return s.withWriteLock(func() error {
		_, err := s.conn.Exec(`
			INSERT INTO sync_conflicts (table_name, row_id, server_seq, local_data, remote_data, overwritten_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, table, rowID, serverSeq, localJSON, remoteJSON, overwrittenAtMS)
		return err
	})
}

// SyncConflict mirrors one row of the sync_conflicts audit trail.
type SyncConflict struct {
	ID            int64
	Table         string
	RowID         string
	ServerSeq     sql.NullInt64
	LocalData     string
	RemoteData    string
	OverwrittenAt int64
}

// GetRecentConflicts returns recent sync conflicts, newest first.
func (s *Store) GetRecentConflicts(limit int) ([]SyncConflict, error) {
	rows, err := s.conn.Query(`
		SELECT id, table_name, row_id, server_seq, COALESCE(local_data,''), COALESCE(remote_data,''), overwritten_at
		FROM sync_conflicts
		ORDER BY overwritten_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("clientstore: get recent conflicts: %w", err)
	}
	defer rows.Close()

	var out []SyncConflict
	for rows.Next() {
		var c SyncConflict
		if err := rows.Scan(&c.ID, &c.Table, &c.RowID, &c.ServerSeq, &c.LocalData, &c.RemoteData, &c.OverwrittenAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
