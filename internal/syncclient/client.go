package syncclient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrProtocolUpgrade = errors.New("protocol upgrade required")
	ErrTooManyRequests = errors.New("rate limited")
)

// Client is an HTTP client for the ledgersync server.
type Client struct {
	BaseURL  string
	APIKey   string
	ClientID string
	HTTP     *http.Client
}

// New creates a new sync client.
func New(baseURL, apiKey, clientID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		APIKey:   apiKey,
		ClientID: clientID,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// --- Auth types (mirrors internal/api/auth.go, independently defined) ---

// LoginStartResponse is the response from POST /v1/auth/login/start.
type LoginStartResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// LoginPollResponse is the response from POST /v1/auth/login/poll.
type LoginPollResponse struct {
	Status    string  `json:"status"`
	APIKey    *string `json:"api_key,omitempty"`
	UserID    *string `json:"user_id,omitempty"`
	Email     *string `json:"email,omitempty"`
	ExpiresAt *string `json:"expires_at,omitempty"`
}

// --- Project types ---

// ProjectResponse represents a project (ledger namespace) from the server.
type ProjectResponse struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
	DeletedAt   *string `json:"deleted_at,omitempty"`
}

// --- Member types ---

// MemberResponse represents a project member from the server.
type MemberResponse struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	InvitedBy string `json:"invited_by"`
	CreatedAt string `json:"created_at"`
}

// --- Push types (mirrors internal/pushapplier's wire contract) ---

// PushUpsertGroup is one table's batch of wire-shaped (snake_case) rows.
type PushUpsertGroup struct {
	Table string                   `json:"table"`
	Rows  []map[string]interface{} `json:"rows"`
}

// PushRequest is the body for POST /v1/projects/{id}/sync/push.
type PushRequest struct {
	ClientID string            `json:"client_id"`
	Upserts  []PushUpsertGroup `json:"upserts"`
}

// AppliedRow names one accepted row mutation in the push response.
type AppliedRow struct {
	Table     string `json:"table"`
	RowID     string `json:"rowId"`
	ServerSeq int64  `json:"serverSeq"`
}

// PushResponse is the response from a push request.
type PushResponse struct {
	Applied     int          `json:"applied"`
	LastSeq     int64        `json:"lastSeq"`
	AppliedRows []AppliedRow `json:"appliedRows"`
}

// --- Pull types (mirrors internal/pullproducer's wire contract) ---

// PullChange is one change-log entry surfaced to the client.
type PullChange struct {
	Table       string `json:"table"`
	RowID       string `json:"row_id"`
	Op          string `json:"op"`
	PayloadJSON string `json:"payload_json"`
	ServerSeq   int64  `json:"server_seq"`
}

// PullResponse is the response from a pull request.
type PullResponse struct {
	ServerCursor  int64          `json:"server_cursor"`
	ServerLastSeq int64          `json:"server_last_seq"`
	HasMore       bool           `json:"has_more"`
	Changes       []PullChange   `json:"changes"`
	InvalidCounts map[string]int `json:"invalid_counts,omitempty"`
}

// --- Sync-request types (C8 autoheal request/ack channel) ---

// SyncRequest is a pending corrective action the server queued for this
// client (spec §4.8), fetched alongside settings and acknowledged once
// the runner has executed it.
type SyncRequest struct {
	RequestID string                 `json:"request_id"`
	Action    string                 `json:"action"`
	Params    map[string]interface{} `json:"params,omitempty"`
}

// SettingsResponse is the response from GET /v1/projects/{id}/sync/settings.
type SettingsResponse struct {
	PendingRequest  *SyncRequest `json:"pending_request,omitempty"`
	ProtocolVersion int          `json:"protocol_version"`
}

// AckRequest acknowledges completion (or failure) of a pending SyncRequest.
type AckRequest struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"` // "ok" or "error"
	Message   string `json:"message,omitempty"`
}

// SyncStatusResponse is the response from GET /v1/projects/{id}/sync/status.
type SyncStatusResponse struct {
	LastServerSeq int64  `json:"last_server_seq"`
	LastEventTime string `json:"last_event_time,omitempty"`
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthCheck hits the /healthz endpoint to verify server reachability.
func (c *Client) HealthCheck() (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doNoAuth("GET", "/healthz", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- Auth methods ---

// LoginStart initiates device auth flow. No API key required.
func (c *Client) LoginStart(email string) (*LoginStartResponse, error) {
	body := map[string]string{"email": email}
	var resp LoginStartResponse
	if err := c.doNoAuth("POST", "/v1/auth/login/start", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LoginPoll checks the status of a device auth request. No API key required.
func (c *Client) LoginPoll(deviceCode string) (*LoginPollResponse, error) {
	body := map[string]string{"device_code": deviceCode}
	var resp LoginPollResponse
	if err := c.doNoAuth("POST", "/v1/auth/login/poll", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- Project methods ---

// CreateProject creates a new ledger namespace on the server.
func (c *Client) CreateProject(name, description string) (*ProjectResponse, error) {
	body := map[string]string{"name": name, "description": description}
	var resp ProjectResponse
	if err := c.do("POST", "/v1/projects", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListProjects lists all projects for the authenticated user.
func (c *Client) ListProjects() ([]ProjectResponse, error) {
	var resp []ProjectResponse
	if err := c.do("GET", "/v1/projects", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// --- Member methods ---

// AddMember invites a user to a project by email.
func (c *Client) AddMember(projectID, email, role string) (*MemberResponse, error) {
	body := map[string]string{"email": email, "role": role}
	var resp MemberResponse
	if err := c.do("POST", fmt.Sprintf("/v1/projects/%s/members", projectID), body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListMembers lists all members of a project.
func (c *Client) ListMembers(projectID string) ([]MemberResponse, error) {
	var resp []MemberResponse
	if err := c.do("GET", fmt.Sprintf("/v1/projects/%s/members", projectID), nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// UpdateMemberRole changes a member's role in a project.
func (c *Client) UpdateMemberRole(projectID, userID, role string) error {
	body := map[string]string{"role": role}
	return c.do("PATCH", fmt.Sprintf("/v1/projects/%s/members/%s", projectID, userID), body, nil)
}

// RemoveMember removes a user from a project.
func (c *Client) RemoveMember(projectID, userID string) error {
	return c.do("DELETE", fmt.Sprintf("/v1/projects/%s/members/%s", projectID, userID), nil, nil)
}

// --- Sync methods ---

// Push sends locally-pending rows to the server (spec §4.4/§4.6 step 2).
func (c *Client) Push(projectID string, req *PushRequest) (*PushResponse, error) {
	var resp PushResponse
	if err := c.do("POST", fmt.Sprintf("/v1/projects/%s/sync/push", projectID), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull fetches changes after afterSeq (spec §4.5/§4.6 step 3).
func (c *Client) Pull(projectID string, afterSeq int64, limit int) (*PullResponse, error) {
	params := url.Values{}
	params.Set("since", strconv.FormatInt(afterSeq, 10))
	params.Set("limit", strconv.Itoa(limit))
	params.Set("client_id", c.ClientID)
	params.Set("sync_protocol_version", "2")

	var resp PullResponse
	err := c.do("GET", fmt.Sprintf("/v1/projects/%s/sync/changes?%s", projectID, params.Encode()), nil, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetSettings fetches this client's pending sync-request and protocol
// expectations, polled on a fixed interval independent of push/pull cycles.
func (c *Client) GetSettings(projectID string) (*SettingsResponse, error) {
	var resp SettingsResponse
	path := fmt.Sprintf("/v1/projects/%s/sync/settings?client_id=%s", projectID, url.QueryEscape(c.ClientID))
	if err := c.do("GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AckSyncRequest acknowledges a pending sync-request's outcome.
func (c *Client) AckSyncRequest(projectID string, ack AckRequest) error {
	return c.do("POST", fmt.Sprintf("/v1/projects/%s/sync/ack", projectID), ack, nil)
}

// SnapshotResponse holds the result of a snapshot download.
type SnapshotResponse struct {
	Data        []byte
	SnapshotSeq int64
}

// GetSnapshot downloads a replayed snapshot database for bootstrap, letting
// a brand-new client skip pulling the entire log from seq 0.
func (c *Client) GetSnapshot(projectID string) (*SnapshotResponse, error) {
	path := fmt.Sprintf("/v1/projects/%s/sync/snapshot", projectID)
	req, err := http.NewRequest("GET", c.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil // no changes to snapshot
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	seqStr := resp.Header.Get("X-Snapshot-Seq")
	if seqStr == "" {
		return nil, fmt.Errorf("snapshot response missing X-Snapshot-Seq header")
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse X-Snapshot-Seq %q: %w", seqStr, err)
	}
	if seq <= 0 {
		return nil, fmt.Errorf("snapshot seq must be positive")
	}

	return &SnapshotResponse{Data: data, SnapshotSeq: seq}, nil
}

// SyncStatus gets the server's sync status for a project.
func (c *Client) SyncStatus(projectID string) (*SyncStatusResponse, error) {
	var resp SyncStatusResponse
	if err := c.do("GET", fmt.Sprintf("/v1/projects/%s/sync/status", projectID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- Ledger methods (C3 query/blocks/tx submit) ---

// QueryStateResponse is the response from GET /v1/projects/{id}/ledger/state/query.
type QueryStateResponse struct {
	Rows []map[string]interface{} `json:"rows"`
}

// QueryState runs a filtered read against a table's materialized ledger
// state. params is passed through as the request's raw query string values
// (table, filter, sort_by, limit, ...), mirroring internal/ledger.Options.
func (c *Client) QueryState(projectID string, params url.Values) (*QueryStateResponse, error) {
	var resp QueryStateResponse
	path := fmt.Sprintf("/v1/projects/%s/ledger/state/query?%s", projectID, params.Encode())
	if err := c.do("GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Block mirrors internal/ledger.Block's wire shape for the `ledgersync
// blocks` CLI, independently defined to keep this package free of a direct
// dependency on the ledger package.
type Block struct {
	Height   int64  `json:"Height"`
	PrevHash string `json:"PrevHash"`
	Hash     string `json:"Hash"`
	SignerID string `json:"SignerID"`
	Ts       int64  `json:"Ts"`
}

// BlocksResponse is the response from GET /v1/projects/{id}/ledger/blocks.
type BlocksResponse struct {
	LastHeight int64   `json:"last_height"`
	Blocks     []Block `json:"blocks"`
}

// ListBlocks fetches up to limit blocks committed after since.
func (c *Client) ListBlocks(projectID string, since int64, limit int) (*BlocksResponse, error) {
	params := url.Values{}
	params.Set("since", strconv.FormatInt(since, 10))
	params.Set("limit", strconv.Itoa(limit))
	var resp BlocksResponse
	path := fmt.Sprintf("/v1/projects/%s/ledger/blocks?%s", projectID, params.Encode())
	if err := c.do("GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- Consistency (C7) / autoheal (C8) methods ---

// Diff mirrors internal/consistency.Diff.
type Diff struct {
	Kind   string `json:"kind"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// ClientReport mirrors internal/consistency.ClientReport.
type ClientReport struct {
	ClientID            string  `json:"clientId"`
	Status              string  `json:"status"`
	SnapshotAt          int64   `json:"snapshotAt"`
	LastPulledServerSeq int64   `json:"lastPulledServerSeq"`
	Diffs               []Diff  `json:"diffs"`
	Lag                 int64   `json:"lag"`
	LagRatio            float64 `json:"lagRatio"`
	Fingerprint         string  `json:"fingerprint"`
}

// ConsistencyReport mirrors internal/consistency.Report.
type ConsistencyReport struct {
	Server struct {
		Source    string `json:"source"`
		ServerSeq int64  `json:"serverSeq"`
	} `json:"server"`
	Clients []ClientReport `json:"clients"`
}

// GetConsistencyReport fetches the server-wide C7 consistency report.
func (c *Client) GetConsistencyReport(projectID string) (*ConsistencyReport, error) {
	var resp ConsistencyReport
	if err := c.do("GET", fmt.Sprintf("/v1/projects/%s/ledger/consistency", projectID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetClientConsistencyReport fetches one client's C7 report.
func (c *Client) GetClientConsistencyReport(projectID, clientID string) (*ClientReport, error) {
	var resp ClientReport
	path := fmt.Sprintf("/v1/projects/%s/ledger/consistency?client_id=%s", projectID, url.QueryEscape(clientID))
	if err := c.do("GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AutohealResult mirrors internal/autoheal.Result.
type AutohealResult struct {
	Queued      bool   `json:"queued"`
	Reason      string `json:"reason"`
	RequestID   string `json:"requestId"`
	RequestType string `json:"requestType"`
}

// EvaluateAutoheal triggers a C8 evaluation for one client (admin-only).
func (c *Client) EvaluateAutoheal(projectID, clientID string) (*AutohealResult, error) {
	var resp AutohealResult
	path := fmt.Sprintf("/v1/projects/%s/admin/autoheal/evaluate/%s", projectID, clientID)
	if err := c.do("POST", path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- HTTP helpers ---

// apiError is the standard error body from the server.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// do executes an authenticated HTTP request.
func (c *Client) do(method, path string, body, result any) error {
	return c.doRequest(method, path, body, result, true)
}

// doNoAuth executes an unauthenticated HTTP request.
func (c *Client) doNoAuth(method, path string, body, result any) error {
	return c.doRequest(method, path, body, result, false)
}

func (c *Client) doRequest(method, path string, body, result any, auth bool) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth && c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Code != "" {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
			case http.StatusForbidden:
				return fmt.Errorf("%w: %s", ErrForbidden, apiErr.Message)
			case http.StatusNotFound:
				return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
			case http.StatusTooManyRequests:
				return fmt.Errorf("%w: %s", ErrTooManyRequests, apiErr.Message)
			case 426:
				return fmt.Errorf("%w: %s", ErrProtocolUpgrade, apiErr.Message)
			default:
				return &apiErr
			}
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}
