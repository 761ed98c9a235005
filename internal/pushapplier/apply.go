// Package pushapplier implements the Push Applier (C4): the server-side
// endpoint ingesting client upsert batches, validating per-table schemas,
// checking dependencies, resolving conflicts, and emitting ledger entries —
// all inside one DB transaction spanning every table group (spec §4.4, §5).
//
// Grounded on the teacher's internal/sync/events.go apply pipeline
// (wouldCreateCycleTx-style dependency checks, upsertEntityWithMode
// last-writer-wins handling) and internal/api/sync.go's handleSyncPush
// envelope/batch validation.
package pushapplier

import (
	"context"
	"fmt"

	"github.com/relaycore/ledgersync/internal/ledger"
	"github.com/relaycore/ledgersync/internal/ledgererr"
	"github.com/relaycore/ledgersync/internal/registry"
)

// Actor identifies who is pushing, for the chat sender-only policy check.
type Actor struct {
	ID   string
	Role string // "reader", "writer", "owner", "admin", "superadmin", ...
}

func (a Actor) isAdmin() bool {
	return a.Role == "admin" || a.Role == "superadmin"
}

// TableUpserts is one table's batch of wire-shaped (snake_case) rows.
type TableUpserts struct {
	Table string
	Rows  []registry.Row
}

// Request is the push(client_id, upserts) contract input.
type Request struct {
	ClientID string
	Actor    Actor
	Upserts  []TableUpserts
}

// AppliedRow names one accepted row mutation in the response shape.
type AppliedRow struct {
	Table     string `json:"table"`
	RowID     string `json:"rowId"`
	ServerSeq int64  `json:"serverSeq"`
}

// Result is the push(...) contract output.
type Result struct {
	Applied     int          `json:"applied"`
	LastSeq     int64        `json:"lastSeq"`
	DBApplied   int          `json:"dbApplied"`
	AppliedRows []AppliedRow `json:"appliedRows"`
}

// rowSource looks up the current state of a row, first from rows already
// decided within this same push batch (the overlay), then from the
// committed ledger state. This lets a dependency declared earlier in the
// same batch (e.g. an entity_types row pushed in the same call as the
// entities row referencing it) satisfy later dependency checks without a
// round trip through the ledger.
type rowSource struct {
	engine  *ledger.Engine
	overlay map[string]map[string]registry.Row
}

func newRowSource(engine *ledger.Engine) *rowSource {
	return &rowSource{engine: engine, overlay: map[string]map[string]registry.Row{}}
}

func (s *rowSource) get(table, id string) (registry.Row, bool) {
	if tbl, ok := s.overlay[table]; ok {
		if row, ok := tbl[id]; ok {
			return row, true
		}
	}
	return s.engine.GetRow(table, id)
}

func (s *rowSource) put(table, id string, row registry.Row) {
	tbl, ok := s.overlay[table]
	if !ok {
		tbl = map[string]registry.Row{}
		s.overlay[table] = tbl
	}
	tbl[id] = row
}

// Applier is the C4 component.
type Applier struct {
	reg    *registry.Registry
	engine *ledger.Engine
}

// New constructs an Applier over the given registry and ledger engine.
func New(reg *registry.Registry, engine *ledger.Engine) *Applier {
	return &Applier{reg: reg, engine: engine}
}

// Apply runs the full push algorithm of spec §4.4. On any validation,
// dependency, or policy failure, or a hard conflict, it returns a
// *ledgererr.Error and applies nothing (step 3's "Begin transaction" is
// modeled by building the whole set of ledger.Tx values before ever calling
// SignAndAppend, which itself commits atomically).
func (a *Applier) Apply(ctx context.Context, req Request) (Result, error) {
	// 1. Validate envelope for every row against the registry schema first,
	// independent of ordering, so a validation failure anywhere aborts
	// before any dependency/conflict work begins.
	for _, group := range req.Upserts {
		entry, ok := a.reg.Get(group.Table)
		if !ok {
			return Result{}, ledgererr.WithRow(ledgererr.KindSyncValidation, "unknown table", group.Table, "", "")
		}
		for _, row := range group.Rows {
			if field, err := entry.Validate(row); err != nil {
				rowID, _ := row["id"].(string)
				return Result{}, ledgererr.WithRow(ledgererr.KindSyncValidation, err.Error(), group.Table, rowID, field)
			}
		}
	}

	// 2. Order upsert groups by registry topological order.
	byTable := map[string]TableUpserts{}
	for _, group := range req.Upserts {
		byTable[group.Table] = group
	}

	src := newRowSource(a.engine)
	var txs []ledger.Tx

	for _, tableName := range a.reg.Order() {
		group, ok := byTable[tableName]
		if !ok {
			continue
		}
		entry, _ := a.reg.Get(tableName)

		for _, wireRow := range group.Rows {
			dbRow := entry.ToDbRow(wireRow)
			rowID, _ := dbRow["id"].(string)

			// 3a. Dependency check.
			for dbField, refTable := range entry.ForeignKeys() {
				refID, _ := dbRow[dbField].(string)
				if refID == "" {
					continue // absence already rejected by Validate's Required check
				}
				if _, exists := src.get(refTable, refID); !exists {
					var syncField string
					for _, f := range entry.Fields {
						if f.DBField == dbField {
							syncField = f.SyncField
						}
					}
					return Result{}, ledgererr.WithRow(ledgererr.KindDependencyMissing,
						fmt.Sprintf("referenced %s row %q does not exist", refTable, refID), tableName, rowID, syncField)
				}
			}

			existing, hasExisting := src.get(tableName, rowID)

			// 3b. Policy check: chat_messages may only be mutated by its
			// original sender unless the actor is an admin/superadmin.
			if tableName == "chat_messages" && hasExisting && !req.Actor.isAdmin() {
				existingSender, _ := existing["senderUserId"].(string)
				if existingSender != "" && existingSender != req.Actor.ID {
					return Result{}, ledgererr.WithRow(ledgererr.KindPolicyDenied,
						"only the original sender may modify this chat message", tableName, rowID, "sender_user_id")
				}
			}

			// 3c. Conflict resolution.
			apply, skip, cerr := resolveConflict(existing, hasExisting, dbRow)
			if cerr != nil {
				cerr.Table, cerr.RowID = tableName, rowID
				return Result{}, cerr
			}
			if skip {
				continue
			}
			if !apply {
				continue
			}

			src.put(tableName, rowID, dbRow)
			txs = append(txs, ledger.Tx{
				Type:  ledger.TxUpsert,
				Table: tableName,
				RowID: rowID,
				Row:   dbRow,
				Actor: req.Actor.ID,
				Ts:    nowFieldOrZero(dbRow),
			})
		}
	}

	if len(txs) == 0 {
		return Result{}, nil
	}

	// 3d/4. Apply + commit: one DB transaction spanning every group.
	res, err := a.engine.SignAndAppend(ctx, txs)
	if err != nil {
		return Result{}, ledgererr.Newf(ledgererr.KindInternal, "push apply: %v", err)
	}

	out := Result{Applied: res.Applied, LastSeq: res.LastSeq, DBApplied: res.Applied}
	out.AppliedRows = make([]AppliedRow, len(res.AppliedRows))
	for i, ar := range res.AppliedRows {
		out.AppliedRows[i] = AppliedRow{Table: ar.Table, RowID: ar.RowID, ServerSeq: ar.ServerSeq}
	}
	return out, nil
}

func nowFieldOrZero(row registry.Row) int64 {
	if v, ok := row["updated_at"]; ok {
		if n, ok := toInt64(v); ok {
			return n
		}
	}
	return 0
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
