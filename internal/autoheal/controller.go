// Package autoheal implements the Autoheal Controller (C8): it observes the
// Consistency Reporter's signals over time for a client, escalates to
// force_full_pull_v2, reset_sync_state_and_pull, or deep_repair under
// budgets and cooldowns, and records the audit trail of both signals and
// actions.
//
// Grounded on the teacher's internal/serverdb ID-generation idiom
// (generateID: fixed prefix + random hex, internal/serverdb/serverdb.go) for
// request IDs, and on internal/api/sync.go's handler style for the
// gate-then-act shape of one evaluate call. There is no teacher precedent
// for streak/budget escalation logic itself (the teacher has no autoheal
// concept) — the state machine and gate ordering are built directly from
// spec §4.8.
package autoheal

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/relaycore/ledgersync/internal/consistency"
	"github.com/relaycore/ledgersync/internal/pullproducer"
)

// ActionType names the sync-request types C8 can enqueue.
type ActionType string

const (
	ActionDeepRepair    ActionType = "deep_repair"
	ActionResetAndPull  ActionType = "reset_sync_state_and_pull"
	ActionForceFullPull ActionType = "force_full_pull_v2"
)

// Config holds the tunables named in spec §6's AUTOHEAL_* configuration.
type Config struct {
	Enabled                   bool
	CooldownMS                int64
	SameFingerprintCooldownMS int64
	MaxActionsPer24h          int
	MaxDeepRepairPer24h       int
	CriticalConsecutive       int   // default 2
	DegradedConsecutive       int   // default 4 (spec's "reset_consecutive")
	ObserveConsecutive        int   // default 8 (spec's "force_pull_consecutive")
	ForcePullLagThreshold     int64 // default 8000
	HistoryWindow             int   // max diagnostic entries consulted, default 200
}

// DefaultConfig matches spec §4.8/§6's stated defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                   true,
		CooldownMS:                15 * 60 * 1000,
		SameFingerprintCooldownMS: 6 * 60 * 60 * 1000,
		MaxActionsPer24h:          3,
		MaxDeepRepairPer24h:       1,
		CriticalConsecutive:       2,
		DegradedConsecutive:       4,
		ObserveConsecutive:        8,
		ForcePullLagThreshold:     8000,
		HistoryWindow:             200,
	}
}

// Result is the evaluateAutohealForClient(clientId) contract output.
type Result struct {
	Queued      bool   `json:"queued"`
	Reason      string `json:"reason,omitempty"`
	RequestID   string `json:"requestId,omitempty"`
	RequestType string `json:"requestType,omitempty"`
}

// diagnosticEntry is one row of the diagnostics_snapshots audit trail,
// either a recorded consistency signal or an enqueued action.
type diagnosticEntry struct {
	id          string
	clientID    string
	kind        string // "signal" | "action"
	level       consistency.Level
	fingerprint string
	lag         int64
	requestType string
	createdAt   int64
}

// Controller is the C8 component.
type Controller struct {
	db       *sql.DB
	reporter *consistency.Reporter
	state    *pullproducer.StateStore
	cfg      Config
	now      func() int64
}

// New constructs a Controller. now defaults to the wall clock in
// milliseconds; tests override it for deterministic cooldown/budget checks.
func New(db *sql.DB, reporter *consistency.Reporter, state *pullproducer.StateStore, cfg Config) *Controller {
	return &Controller{db: db, reporter: reporter, state: state, cfg: cfg, now: nowMS}
}

func nowMS() int64 { return time.Now().UnixMilli() }

// Init creates the diagnostics_snapshots table.
func (c *Controller) Init(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS diagnostics_snapshots (
	id           TEXT PRIMARY KEY,
	client_id    TEXT NOT NULL,
	kind         TEXT NOT NULL,
	level        TEXT NOT NULL DEFAULT '',
	fingerprint  TEXT NOT NULL DEFAULT '',
	lag          INTEGER NOT NULL DEFAULT 0,
	request_type TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_diagnostics_client_created ON diagnostics_snapshots(client_id, created_at DESC);
`
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("autoheal: create diagnostics_snapshots: %w", err)
	}
	return nil
}

// EvaluateAutohealForClient implements spec §4.8 end to end: record the
// newest signal, walk recent history for a consecutive-streak action,
// run the ordered gates, and on pass persist a sync-request and an audit
// entry.
func (c *Controller) EvaluateAutohealForClient(ctx context.Context, clientID string) (Result, error) {
	report, err := c.reporter.ReportForClient(ctx, clientID)
	if err != nil {
		return Result{}, fmt.Errorf("autoheal: get consistency report for %s: %w", clientID, err)
	}

	signalID, err := generateID("sig_")
	if err != nil {
		return Result{}, err
	}
	now := c.now()
	if err := c.recordEntry(ctx, diagnosticEntry{
		id: signalID, clientID: clientID, kind: "signal",
		level: report.Status, fingerprint: report.Fingerprint, lag: report.Lag, createdAt: now,
	}); err != nil {
		return Result{}, err
	}

	history, err := c.recentEntries(ctx, clientID, c.cfg.HistoryWindow)
	if err != nil {
		return Result{}, err
	}

	action, ok := selectAction(history, report.Lag, c.cfg)
	if !ok {
		return Result{Queued: false, Reason: "below_action_threshold"}, nil
	}

	if reason, blocked := c.checkGates(ctx, clientID, action, report, history, now); blocked {
		return Result{Queued: false, Reason: reason}, nil
	}

	requestID, err := generateID("req_")
	if err != nil {
		return Result{}, err
	}

	if err := c.enqueue(ctx, clientID, requestID, action, report); err != nil {
		return Result{}, err
	}

	if err := c.recordEntry(ctx, diagnosticEntry{
		id: requestID, clientID: clientID, kind: "action",
		level: report.Status, fingerprint: report.Fingerprint, lag: report.Lag,
		requestType: string(action), createdAt: now,
	}); err != nil {
		return Result{}, err
	}

	return Result{Queued: true, RequestID: requestID, RequestType: string(action)}, nil
}

// levelRank orders levels for "matching-or-higher" streak comparisons.
func levelRank(l consistency.Level) int {
	switch l {
	case consistency.LevelCritical:
		return 3
	case consistency.LevelDegraded:
		return 2
	case consistency.LevelObserve:
		return 1
	default:
		return 0
	}
}

// selectAction implements the action table of spec §4.8, walking the
// signal history newest-first for the longest consecutive streak of
// matching-or-higher levels at each threshold, highest severity first.
func selectAction(history []diagnosticEntry, lag int64, cfg Config) (ActionType, bool) {
	criticalStreak := streakAtLeast(history, levelRank(consistency.LevelCritical))
	if criticalStreak >= cfg.CriticalConsecutive {
		return ActionDeepRepair, true
	}

	degradedStreak := streakAtLeast(history, levelRank(consistency.LevelDegraded))
	if degradedStreak >= cfg.DegradedConsecutive {
		return ActionResetAndPull, true
	}

	observeStreak := streakAtLeast(history, levelRank(consistency.LevelObserve))
	if observeStreak >= cfg.ObserveConsecutive && lag > cfg.ForcePullLagThreshold {
		return ActionForceFullPull, true
	}

	return "", false
}

// streakAtLeast counts how many of the newest signal entries (history is
// assumed newest-first) have rank >= minRank. Action entries are skipped;
// the count stops at the first signal entry whose rank is below minRank.
func streakAtLeast(history []diagnosticEntry, minRank int) int {
	count := 0
	for _, e := range history {
		if e.kind != "signal" {
			continue
		}
		if levelRank(e.level) >= minRank {
			count++
			continue
		}
		break
	}
	return count
}

// checkGates runs spec §4.8's seven ordered gates; the first failing gate's
// reason is returned with blocked=true.
func (c *Controller) checkGates(ctx context.Context, clientID string, action ActionType, report consistency.ClientReport, history []diagnosticEntry, now int64) (string, bool) {
	if !c.cfg.Enabled {
		return "disabled", true
	}

	if serverSnapshotUnknown(report) {
		return "server_snapshot_unknown", true
	}

	if c.state != nil {
		st, ok, err := c.state.Get(ctx, clientID)
		if err == nil && ok && st.PendingSyncRequest.Valid && st.PendingSyncRequest.String != "" {
			return "pending_request", true
		}
	}

	if lastActionAt, ok := mostRecentActionAt(history); ok && now-lastActionAt < c.cfg.CooldownMS {
		return "cooldown", true
	}

	actionsIn24h := countActionsSince(history, now-24*60*60*1000, "")
	if actionsIn24h >= c.cfg.MaxActionsPer24h {
		return "daily_budget_exceeded", true
	}

	if action == ActionDeepRepair {
		deepRepairsIn24h := countActionsSince(history, now-24*60*60*1000, string(ActionDeepRepair))
		if deepRepairsIn24h >= c.cfg.MaxDeepRepairPer24h {
			return "deep_repair_budget_exceeded", true
		}
	}

	if fingerprintRecentlyActed(history, report.Fingerprint, now-c.cfg.SameFingerprintCooldownMS) {
		return "same_fingerprint_cooldown", true
	}

	return "", false
}

// serverSnapshotUnknown treats a report with no comparable diffs at all
// (every unit unknown, or nothing reported yet) as lacking a usable server
// snapshot to act on.
func serverSnapshotUnknown(report consistency.ClientReport) bool {
	if len(report.Diffs) == 0 {
		return true
	}
	for _, d := range report.Diffs {
		if d.Status != consistency.StatusUnknown {
			return false
		}
	}
	return true
}

func mostRecentActionAt(history []diagnosticEntry) (int64, bool) {
	for _, e := range history {
		if e.kind == "action" {
			return e.createdAt, true
		}
	}
	return 0, false
}

func countActionsSince(history []diagnosticEntry, sinceMS int64, requestType string) int {
	count := 0
	for _, e := range history {
		if e.kind != "action" || e.createdAt < sinceMS {
			continue
		}
		if requestType != "" && e.requestType != requestType {
			continue
		}
		count++
	}
	return count
}

func fingerprintRecentlyActed(history []diagnosticEntry, fingerprint string, sinceMS int64) bool {
	if fingerprint == "" {
		return false
	}
	for _, e := range history {
		if e.kind == "action" && e.fingerprint == fingerprint && e.createdAt >= sinceMS {
			return true
		}
	}
	return false
}

func (c *Controller) recordEntry(ctx context.Context, e diagnosticEntry) error {
	_, err := c.db.ExecContext(ctx, `
INSERT INTO diagnostics_snapshots (id, client_id, kind, level, fingerprint, lag, request_type, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.id, e.clientID, e.kind, string(e.level), e.fingerprint, e.lag, e.requestType, e.createdAt)
	if err != nil {
		return fmt.Errorf("autoheal: record diagnostic entry: %w", err)
	}
	return nil
}

// recentEntries returns up to limit diagnostic entries for clientID, newest
// first, covering both signals and actions (spec §4.8: "consults the last N
// diagnostic entries for that client for both signals and prior autoheal
// actions").
func (c *Controller) recentEntries(ctx context.Context, clientID string, limit int) ([]diagnosticEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT id, client_id, kind, level, fingerprint, lag, request_type, created_at
FROM diagnostics_snapshots
WHERE client_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("autoheal: read history for %s: %w", clientID, err)
	}
	defer rows.Close()

	var out []diagnosticEntry
	for rows.Next() {
		var e diagnosticEntry
		var level string
		if err := rows.Scan(&e.id, &e.clientID, &e.kind, &level, &e.fingerprint, &e.lag, &e.requestType, &e.createdAt); err != nil {
			return nil, err
		}
		e.level = consistency.Level(level)
		out = append(out, e)
	}
	return out, rows.Err()
}

// enqueue persists the pending sync-request for the client, picked up by
// the Client Sync Runner (C6) on its next settings poll.
func (c *Controller) enqueue(ctx context.Context, clientID, requestID string, action ActionType, report consistency.ClientReport) error {
	if c.state == nil {
		return fmt.Errorf("autoheal: no state store configured, cannot enqueue sync-request")
	}
	payload := fmt.Sprintf(
		`{"request_id":%q,"type":%q,"created_at":%d,"payload_json":"{\"level\":%q,\"fingerprint\":%q,\"lag\":%d}"}`,
		requestID, action, c.now(), report.Status, report.Fingerprint, report.Lag)
	if err := c.state.SetPendingRequest(ctx, clientID, payload); err != nil {
		return fmt.Errorf("autoheal: enqueue sync-request: %w", err)
	}
	return nil
}

// generateID creates a prefixed ID with 16 random hex chars (8 random bytes), matching the
// server's own ID-generation idiom (internal/serverdb.generateID).
func generateID(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%s", prefix, hex.EncodeToString(b)), nil
}
