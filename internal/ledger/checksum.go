package ledger

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/relaycore/ledgersync/internal/registry"
)

// TableChecksum computes a deterministic digest over every row currently
// materialized for table, keyed by row id, liveness, updated_at, and
// last_server_seq. Satisfies consistency.Checksummer structurally so the
// Consistency Reporter (C7) can compare a client's self-reported snapshot
// against the server's authoritative one without internal/ledger importing
// internal/consistency.
func (e *Engine) TableChecksum(table string) (string, error) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()

	tbl, ok := e.state[table]
	if !ok {
		return "", fmt.Errorf("ledger: unknown table %q", table)
	}
	return checksumRows(tbl), nil
}

// EntityTypeChecksums computes one checksum per type_id within the entities
// table, the only entity-type-scoped granularity this registry exposes.
func (e *Engine) EntityTypeChecksums(table string) (map[string]string, error) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()

	tbl, ok := e.state[table]
	if !ok {
		return nil, fmt.Errorf("ledger: unknown table %q", table)
	}

	grouped := make(map[string]map[string]registry.Row)
	for id, row := range tbl {
		typeID, _ := row["typeId"].(string)
		if typeID == "" {
			typeID, _ = row["type_id"].(string)
		}
		if typeID == "" {
			typeID = "unassigned"
		}
		sub, ok := grouped[typeID]
		if !ok {
			sub = make(map[string]registry.Row)
			grouped[typeID] = sub
		}
		sub[id] = row
	}

	out := make(map[string]string, len(grouped))
	for typeID, sub := range grouped {
		out[typeID] = checksumRows(sub)
	}
	return out, nil
}

// ServerSeq returns the highest last_server_seq observed across all
// materialized state, used as the authoritative server cursor in
// consistency reports.
func (e *Engine) ServerSeq() int64 {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	var max int64
	for _, tbl := range e.state {
		for _, row := range tbl {
			if seq, ok := row["last_server_seq"].(int64); ok && seq > max {
				max = seq
			}
		}
	}
	return max
}

func checksumRows(rows map[string]registry.Row) string {
	ids := make([]string, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := sha1.New()
	for _, id := range ids {
		row := rows[id]
		isLive := row["deleted_at"] == nil
		seq, _ := row["last_server_seq"].(int64)
		updated, _ := asInt64(row["updated_at"])
		fmt.Fprintf(h, "%s|%v|%d|%d\n", id, isLive, updated, seq)
	}
	return hex.EncodeToString(h.Sum(nil))
}
