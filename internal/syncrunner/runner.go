// Package syncrunner implements the Client Sync Runner (C6): a single
// in-process, cooperative scheduler that drives push-then-pull cycles
// against the server over HTTP, applies pending corrective actions from the
// Autoheal Controller, and arms an auto-mode timer with bounded backoff.
//
// Grounded on the teacher's cmd/autosync.go (enable flag, after-mutation
// trigger) and cmd/auth.go's login-poll loop (time.Sleep-driven retry with a
// server-supplied interval), generalized from a one-shot poll to a
// repeating push/pull cycle with its own backoff state machine.
package syncrunner

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaycore/ledgersync/internal/clientstore"
	"github.com/relaycore/ledgersync/internal/registry"
	"github.com/relaycore/ledgersync/internal/syncclient"
)

const (
	// MinBackoff and MaxBackoff clamp the auto-mode retry delay after a
	// failed cycle, per spec §4.6.
	MinBackoff = 60 * time.Second
	MaxBackoff = 600 * time.Second

	// SettingsPollInterval is the fixed cadence for polling pending
	// sync-requests, independent of the push/pull cycle cadence.
	SettingsPollInterval = 60 * time.Second

	// pushBatchLimit caps rows pushed per table per cycle.
	pushBatchLimit = 500
	// pullPageLimit caps rows requested per pull page.
	pullPageLimit = 2000
)

// Status reports the runner's last-known state, surfaced by getStatus().
type Status struct {
	State         string // "idle", "syncing", "error"
	LastError     string
	LastSyncAtMS  int64
	LastServerSeq int64
	AutoEnabled   bool
}

// CycleResult is the outcome of one runOnce() cycle.
type CycleResult struct {
	Pushed        int
	Pulled        int
	LastServerSeq int64
	Err           error
}

// Runner is the C6 component. One Runner drives exactly one client store
// against exactly one project on one server.
type Runner struct {
	store     *clientstore.Store
	client    *syncclient.Client
	reg       *registry.Registry
	projectID string
	log       *slog.Logger

	mu          sync.Mutex
	status      Status
	inFlight    chan struct{} // non-nil while a cycle is running
	inFlightRes *CycleResult

	autoStop chan struct{}
	autoWG   sync.WaitGroup
	backoff  time.Duration
}

// New constructs a Runner. log may be nil, in which case slog.Default() is used.
func New(store *clientstore.Store, client *syncclient.Client, reg *registry.Registry, projectID string, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		store:     store,
		client:    client,
		reg:       reg,
		projectID: projectID,
		log:       log,
		status:    Status{State: "idle"},
		backoff:   MinBackoff,
	}
}

// SetAPIBaseURL updates the transport's base URL, e.g. after a `ledgersync
// project link` re-point to a different server.
func (r *Runner) SetAPIBaseURL(u string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.client.BaseURL = u
}

// GetStatus returns a snapshot of the runner's current state.
func (r *Runner) GetStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// RunOnce executes one push-then-pull cycle. If a cycle is already in
// flight, it does not start a second one; it waits for the in-flight cycle
// and returns its result, per spec §4.6's cancellation contract.
func (r *Runner) RunOnce() CycleResult {
	r.mu.Lock()
	if r.inFlight != nil {
		wait := r.inFlight
		r.mu.Unlock()
		<-wait
		r.mu.Lock()
		res := r.inFlightRes
		r.mu.Unlock()
		if res != nil {
			return *res
		}
		return CycleResult{}
	}
	done := make(chan struct{})
	r.inFlight = done
	r.inFlightRes = nil
	r.mu.Unlock()

	res := r.runCycle()

	r.mu.Lock()
	r.inFlightRes = &res
	r.inFlight = nil
	close(done)
	r.mu.Unlock()

	return res
}

// StartAuto arms a repeating timer at interval, clamped to [MinBackoff,
// MaxBackoff]. A failed cycle bumps the next delay (exponential-ish, capped
// at MaxBackoff); a successful cycle resets it back to interval.
func (r *Runner) StartAuto(interval time.Duration) {
	r.mu.Lock()
	if r.autoStop != nil {
		r.mu.Unlock()
		return // already running
	}
	interval = clamp(interval)
	r.backoff = interval
	stop := make(chan struct{})
	r.autoStop = stop
	r.status.AutoEnabled = true
	r.mu.Unlock()

	r.autoWG.Add(2)
	go r.autoLoop(stop, interval)
	go r.settingsLoop(stop)
}

// StopAuto halts future auto timers. A cycle already in flight is allowed
// to finish; StopAuto does not cancel it.
func (r *Runner) StopAuto() {
	r.mu.Lock()
	stop := r.autoStop
	r.autoStop = nil
	r.status.AutoEnabled = false
	r.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	r.autoWG.Wait()
}

func (r *Runner) autoLoop(stop chan struct{}, baseInterval time.Duration) {
	defer r.autoWG.Done()
	for {
		r.mu.Lock()
		delay := r.backoff
		r.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		res := r.RunOnce()

		r.mu.Lock()
		if res.Err != nil {
			r.backoff = clamp(r.backoff * 2)
		} else {
			r.backoff = baseInterval
		}
		r.mu.Unlock()
	}
}

func (r *Runner) settingsLoop(stop chan struct{}) {
	defer r.autoWG.Done()
	ticker := time.NewTicker(SettingsPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := r.pollSettings(); err != nil {
				r.log.Warn("syncrunner: settings poll failed", "error", err)
			}
		}
	}
}

func clamp(d time.Duration) time.Duration {
	if d < MinBackoff {
		return MinBackoff
	}
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}

// runCycle implements the one-cycle algorithm of spec §4.6.
func (r *Runner) runCycle() CycleResult {
	r.setState("syncing", "")

	if err := r.pollSettings(); err != nil {
		r.log.Warn("syncrunner: pending sync-request step failed", "error", err)
	}

	pushed, err := r.pushPending()
	if err != nil {
		r.setState("error", err.Error())
		return CycleResult{Err: fmt.Errorf("syncrunner: push: %w", err)}
	}

	pulled, lastSeq, err := r.pullRemote()
	if err != nil {
		r.setState("error", err.Error())
		return CycleResult{Pushed: pushed, Err: fmt.Errorf("syncrunner: pull: %w", err)}
	}

	r.mu.Lock()
	r.status.LastSyncAtMS = nowMS()
	r.status.LastServerSeq = lastSeq
	r.mu.Unlock()
	r.setState("idle", "")

	return CycleResult{Pushed: pushed, Pulled: pulled, LastServerSeq: lastSeq}
}

// pushPending pushes every locally-pending row, batched by table in
// registry topological order, and marks accepted rows synced.
func (r *Runner) pushPending() (int, error) {
	state, err := r.store.GetSyncState()
	if err != nil {
		return 0, err
	}
	if state == nil || state.SyncDisabled {
		return 0, nil
	}

	var groups []syncclient.PushUpsertGroup
	tableRows := map[string][]registry.Row{}
	for _, name := range r.reg.Order() {
		entry, _ := r.reg.Get(name)
		rows, err := r.store.ListPending(name, pushBatchLimit)
		if err != nil {
			return 0, fmt.Errorf("list pending %s: %w", name, err)
		}
		if len(rows) == 0 {
			continue
		}
		tableRows[name] = rows

		wireRows := make([]map[string]interface{}, 0, len(rows))
		for _, row := range rows {
			wireRows = append(wireRows, entry.ToSyncRow(row))
		}
		groups = append(groups, syncclient.PushUpsertGroup{Table: name, Rows: wireRows})
	}
	if len(groups) == 0 {
		return 0, nil
	}

	resp, err := r.client.Push(r.projectID, &syncclient.PushRequest{ClientID: state.ClientID, Upserts: groups})
	if err != nil {
		return 0, err
	}

	ackByRow := make(map[string]int64, len(resp.AppliedRows))
	for _, a := range resp.AppliedRows {
		ackByRow[a.Table+"/"+a.RowID] = a.ServerSeq
	}
	applied := 0
	for table, rows := range tableRows {
		for _, row := range rows {
			id, _ := row["id"].(string)
			seq, ok := ackByRow[table+"/"+id]
			if !ok {
				continue
			}
			if err := r.store.MarkSynced(table, id, seq); err != nil {
				return applied, fmt.Errorf("mark synced %s/%s: %w", table, id, err)
			}
			applied++
		}
	}

	if err := r.store.UpdateSyncPushed(nowMS()); err != nil {
		return applied, err
	}
	return applied, nil
}

// pullRemote pulls from the local cursor, applies every change with the
// registry's toDbRow and conflict-target UPSERT, and advances the cursor
// atomically per page.
func (r *Runner) pullRemote() (int, int64, error) {
	state, err := r.store.GetSyncState()
	if err != nil {
		return 0, 0, err
	}
	if state == nil || state.SyncDisabled {
		return 0, 0, nil
	}

	cursor := state.LastPulledServerSeq
	total := 0
	for {
		page, err := r.client.Pull(r.projectID, cursor, pullPageLimit)
		if err != nil {
			return total, cursor, err
		}

		for _, change := range page.Changes {
			entry, ok := r.reg.Get(change.Table)
			if !ok {
				continue // unknown table; server may be ahead of this client's registry
			}
			var wire registry.Row
			if err := json.Unmarshal([]byte(change.PayloadJSON), &wire); err != nil {
				r.log.Warn("syncrunner: skipping unparseable change", "table", change.Table, "row_id", change.RowID, "error", err)
				continue
			}
			dbRow := entry.ToDbRow(wire)
			if err := r.store.ApplyPulledRow(change.Table, dbRow, change.ServerSeq); err != nil {
				return total, cursor, fmt.Errorf("apply %s/%s: %w", change.Table, change.RowID, err)
			}
			total++
			if change.ServerSeq > cursor {
				cursor = change.ServerSeq
			}
		}

		if err := r.store.UpdateSyncPulled(cursor, nowMS()); err != nil {
			return total, cursor, err
		}

		if !page.HasMore {
			break
		}
	}
	return total, cursor, nil
}

// pollSettings fetches this client's pending sync-request, executes it, and
// acknowledges the outcome. Runs both as its own 60s-interval loop and as
// step 1 of every push/pull cycle.
func (r *Runner) pollSettings() error {
	settings, err := r.client.GetSettings(r.projectID)
	if err != nil {
		return err
	}
	if settings.PendingRequest == nil {
		return nil
	}
	req := settings.PendingRequest

	execErr := r.executeSyncRequest(req)
	ack := syncclient.AckRequest{RequestID: req.RequestID, Status: "ok"}
	if execErr != nil {
		ack.Status = "error"
		ack.Message = execErr.Error()
	}
	return r.client.AckSyncRequest(r.projectID, ack)
}

// executeSyncRequest carries out one autoheal-issued corrective action
// against the local store (spec §4.8's deep_repair/reset_sync_state_and_pull/
// force_full_pull_v2 actions).
func (r *Runner) executeSyncRequest(req *syncclient.SyncRequest) error {
	switch req.Action {
	case "reset_sync_state_and_pull", "force_full_pull_v2", "deep_repair":
		// All three actions rewind the local cursor to force a re-pull; a
		// deep repair differs only in the server-side diagnostics that
		// triggered it, not in what the client must do.
		state, err := r.store.GetSyncState()
		if err != nil {
			return err
		}
		if state == nil {
			return nil
		}
		return r.store.ResetSyncCursor(0)
	default:
		return fmt.Errorf("syncrunner: unknown sync-request action %q", req.Action)
	}
}

func (r *Runner) setState(state, lastErr string) {
	r.mu.Lock()
	r.status.State = state
	r.status.LastError = lastErr
	r.mu.Unlock()
}

func nowMS() int64 { return time.Now().UnixMilli() }
