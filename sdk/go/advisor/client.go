package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// DemoSignature is the reserved signature accepted together with the zero
// signer address when the server runs with demo approvals enabled.
const DemoSignature = "demo-signature"

// ZeroSigner is the reserved zero address used by demo approvals.
const ZeroSigner = "0x0000000000000000000000000000000000000000"

// Client wraps the HTTP interactions with the advisor REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Holding describes a single portfolio position.
type Holding struct {
	Symbol   string  `json:"symbol"`
	Amount   float64 `json:"amount"`
	ValueUSD float64 `json:"value_usd,omitempty"`
}

// SessionRequest is the payload required to open a new advisory session.
type SessionRequest struct {
	Goal           string    `json:"goal"`
	Holdings       []Holding `json:"holdings,omitempty"`
	RiskPreference int       `json:"risk_preference,omitempty"`
	WalletAddress  string    `json:"wallet_address,omitempty"`
}

// Action is a single executable step inside a plan.
type Action struct {
	Type   string `json:"type"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Amount string `json:"amount,omitempty"`
	Token  string `json:"token,omitempty"`
}

// Plan is an immutable advisory proposal produced by a run.
type Plan struct {
	PlanID            string   `json:"plan_id"`
	Recommendation    string   `json:"recommendation"`
	RiskScore         int      `json:"risk_score"`
	Actions           []Action `json:"actions,omitempty"`
	Reasoning         string   `json:"reasoning,omitempty"`
	WorstCaseAnalysis string   `json:"worst_case_analysis,omitempty"`
	ExpiresAt         int64    `json:"expires_at"`
}

// Session is the server side view of an advisory session.
type Session struct {
	SessionID        string    `json:"session_id"`
	Goal             string    `json:"goal"`
	Holdings         []Holding `json:"holdings,omitempty"`
	RiskPreference   int       `json:"risk_preference"`
	WalletAddress    string    `json:"wallet_address,omitempty"`
	WorkflowState    string    `json:"workflow_state"`
	CurrentPlan      *Plan     `json:"current_plan,omitempty"`
	AlternatePlans   []*Plan   `json:"alternate_plans,omitempty"`
	ApprovedPlanHash string    `json:"approved_plan_hash,omitempty"`
	ExecutionTxID    string    `json:"execution_tx_id,omitempty"`
	LastAuditTxID    string    `json:"last_audit_tx_id,omitempty"`
	CreatedAt        int64     `json:"created_at"`
	UpdatedAt        int64     `json:"updated_at"`
}

// RunResult is returned by the run endpoint.
type RunResult struct {
	State          string  `json:"state"`
	Plan           *Plan   `json:"plan,omitempty"`
	PlanHash       string  `json:"plan_hash,omitempty"`
	AlternatePlans []*Plan `json:"alternate_plans,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// Approval binds a human decision to a specific plan hash.
type Approval struct {
	PlanID             string `json:"plan_id"`
	PlanHash           string `json:"plan_hash"`
	Signature          string `json:"signature"`
	SignerAddress      string `json:"signer_address"`
	SignatureTimestamp int64  `json:"signature_timestamp,omitempty"`
}

// ApproveResult is returned by the approve endpoint.
type ApproveResult struct {
	Success       bool   `json:"success"`
	ExecutionTxID string `json:"execution_tx_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

// RejectResult is returned by the reject endpoint.
type RejectResult struct {
	Success bool `json:"success"`
}

// Event is an entry from the audit trail.
type Event struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	SessionID    string         `json:"session_id"`
	PlanID       string         `json:"plan_id,omitempty"`
	RoleID       string         `json:"role_id,omitempty"`
	RoleIdentity string         `json:"role_identity,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	PayloadHash  string         `json:"payload_hash"`
	PrevHash     string         `json:"prev_hash,omitempty"`
	LedgerTxID   string         `json:"ledger_tx_id,omitempty"`
	Timestamp    int64          `json:"timestamp"`
}

// ScheduleStatus reports the lifecycle of a scheduled plan transaction.
type ScheduleStatus struct {
	Record        map[string]any `json:"record,omitempty"`
	DisplayStatus string         `json:"display_status"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("advisor api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("advisor api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the advisor API. When httpClient is nil,
// a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// StartSession opens a new advisory session.
func (c *Client) StartSession(ctx context.Context, req SessionRequest) (Session, error) {
	var sess Session
	if err := c.post(ctx, "/api/v1/sessions", req, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// GetSession fetches the current view of a session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var sess Session
	if err := c.get(ctx, "/api/v1/sessions/"+url.PathEscape(sessionID), &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Run drives the watch and propose pipeline for a session.
func (c *Client) Run(ctx context.Context, sessionID string) (RunResult, error) {
	var result RunResult
	if err := c.post(ctx, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/run", nil, &result); err != nil {
		return RunResult{}, err
	}
	return result, nil
}

// Approve submits a signed approval for the pending plan.
func (c *Client) Approve(ctx context.Context, sessionID string, approval Approval) (ApproveResult, error) {
	var result ApproveResult
	if err := c.post(ctx, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/approve", approval, &result); err != nil {
		return ApproveResult{}, err
	}
	return result, nil
}

// ApproveDemo submits the reserved demo approval for the pending plan.
func (c *Client) ApproveDemo(ctx context.Context, sessionID, planID, planHash string) (ApproveResult, error) {
	return c.Approve(ctx, sessionID, Approval{
		PlanID:        planID,
		PlanHash:      planHash,
		Signature:     DemoSignature,
		SignerAddress: ZeroSigner,
	})
}

// Reject discards the pending plan, if any.
func (c *Client) Reject(ctx context.Context, sessionID string) (RejectResult, error) {
	var result RejectResult
	if err := c.post(ctx, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/reject", nil, &result); err != nil {
		return RejectResult{}, err
	}
	return result, nil
}

// Events returns the latest audit events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "/api/v1/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var events []Event
	if err := c.get(ctx, endpoint, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// ScheduleStatus reports the lifecycle status of a scheduled plan transaction.
func (c *Client) ScheduleStatus(ctx context.Context, planHash string) (ScheduleStatus, error) {
	var status ScheduleStatus
	if err := c.get(ctx, "/api/v1/schedules/"+url.PathEscape(planHash), &status); err != nil {
		return ScheduleStatus{}, err
	}
	return status, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
