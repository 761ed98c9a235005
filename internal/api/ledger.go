package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/relaycore/ledgersync/internal/ledger"
)

// --- Ledger state query (C3 queryState) ---

// handleLedgerQueryState handles GET /v1/projects/{id}/ledger/state/query.
func (s *Server) handleLedgerQueryState(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	q := r.URL.Query()

	table := q.Get("table")
	if table == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "table is required")
		return
	}

	opts := ledger.Options{
		ID:             q.Get("id"),
		SortBy:         q.Get("sort_by"),
		SortDir:        q.Get("sort_dir"),
		IncludeDeleted: q.Get("include_deleted") == "true" || q.Get("include_deleted") == "1",
		DateField:      q.Get("date_field"),
		LikeField:      q.Get("like_field"),
		Like:           q.Get("like"),
		RegexField:     q.Get("regex_field"),
		Regex:          q.Get("regex"),
		RegexFlags:     q.Get("regex_flags"),
		CursorID:       q.Get("cursor_id"),
	}
	if v := q.Get("cursor_value"); v != "" {
		opts.CursorValue = v
	}
	if v := q.Get("date_from"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			opts.DateFrom = n
		}
	}
	if v := q.Get("date_to"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			opts.DateTo = n
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Offset = n
		}
	}
	if v := q.Get("filter"); v != "" {
		var clause ledger.Clause
		if err := json.Unmarshal([]byte(v), &clause); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid filter json")
			return
		}
		opts.Filter = clause
	}
	if v := q.Get("or_filter"); v != "" {
		var clauses []ledger.Clause
		if err := json.Unmarshal([]byte(v), &clauses); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid or_filter json")
			return
		}
		opts.OrFilter = clauses
	}

	if err := opts.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	bundle, err := s.dbPool.Get(projectID)
	if err != nil {
		logFor(r.Context()).Error("get project bundle", "project", projectID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to open project database")
		return
	}

	rows, err := bundle.engine.QueryState(table, opts)
	if err != nil {
		writeLedgerErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"rows": rows})
}

// --- Blocks (C3 listBlocksSince) ---

// handleLedgerBlocks handles GET /v1/projects/{id}/ledger/blocks.
func (s *Server) handleLedgerBlocks(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	q := r.URL.Query()

	since := int64(0)
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid since")
			return
		}
		since = n
	}

	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid limit")
			return
		}
		limit = n
	}

	bundle, err := s.dbPool.Get(projectID)
	if err != nil {
		logFor(r.Context()).Error("get project bundle", "project", projectID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to open project database")
		return
	}

	blocks, err := bundle.engine.ListBlocksSince(r.Context(), since, limit)
	if err != nil {
		writeLedgerErr(w, err)
		return
	}

	lastHeight := since
	if len(blocks) > 0 {
		lastHeight = blocks[len(blocks)-1].Height
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"last_height": lastHeight,
		"blocks":      blocks,
	})
}

// --- Transaction submission (direct C3 write path, bypassing C4's batch
// dependency/policy checks — for administrative or tooling callers that
// submit already-validated transactions directly) ---

// txInput is the wire shape of one transaction in a tx/submit request.
type txInput struct {
	Type  string                 `json:"type"`
	Table string                 `json:"table"`
	RowID string                 `json:"row_id,omitempty"`
	Row   map[string]interface{} `json:"row,omitempty"`
}

// txSubmitRequest is the JSON body for POST /v1/projects/{id}/ledger/tx/submit.
type txSubmitRequest struct {
	Txs []txInput `json:"txs"`
}

// handleLedgerTxSubmit handles POST /v1/projects/{id}/ledger/tx/submit.
func (s *Server) handleLedgerTxSubmit(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	user := getUserFromContext(r.Context())

	var req txSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if len(req.Txs) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "txs array is empty")
		return
	}

	bundle, err := s.dbPool.Get(projectID)
	if err != nil {
		logFor(r.Context()).Error("get project bundle", "project", projectID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to open project database")
		return
	}

	now := time.Now().UnixMilli()
	txs := make([]ledger.Tx, len(req.Txs))
	for i, in := range req.Txs {
		rowID := in.RowID
		var row map[string]interface{}
		if in.Row != nil {
			row = in.Row
			if id, ok := row["id"].(string); ok && rowID == "" {
				rowID = id
			}
		}
		txs[i] = ledger.Tx{
			Type:  ledger.TxType(in.Type),
			Table: in.Table,
			RowID: rowID,
			Row:   row,
			Actor: user.UserID,
			Ts:    now,
		}
	}

	result, err := bundle.engine.SignAndAppend(r.Context(), txs)
	if err != nil {
		writeLedgerErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// --- Consistency report (C7) ---

// handleConsistencyReport handles GET /v1/projects/{id}/ledger/consistency.
func (s *Server) handleConsistencyReport(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")

	bundle, err := s.dbPool.Get(projectID)
	if err != nil {
		logFor(r.Context()).Error("get project bundle", "project", projectID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to open project database")
		return
	}

	if clientID := r.URL.Query().Get("client_id"); clientID != "" {
		report, err := bundle.reporter.ReportForClient(r.Context(), clientID)
		if err != nil {
			writeLedgerErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	report, err := bundle.reporter.GetConsistencyReport(r.Context())
	if err != nil {
		writeLedgerErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Autoheal evaluation (C8) ---

// handleAutohealEvaluate handles POST /v1/projects/{id}/admin/autoheal/evaluate/{clientId}.
func (s *Server) handleAutohealEvaluate(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	clientID := r.PathValue("clientId")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "clientId is required")
		return
	}

	bundle, err := s.dbPool.Get(projectID)
	if err != nil {
		logFor(r.Context()).Error("get project bundle", "project", projectID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to open project database")
		return
	}

	result, err := bundle.autoheal.EvaluateAutohealForClient(r.Context(), clientID)
	if err != nil {
		writeLedgerErr(w, err)
		return
	}

	if result.Queued {
		logFor(r.Context()).Info("autoheal action queued", "project", projectID, "client", clientID,
			"request_type", result.RequestType, "request_id", result.RequestID)
	}

	writeJSON(w, http.StatusOK, result)
}
