package venturegatesdk

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Venturegate HTTP API client. Execution engines set EngineToken to post
// webhooks; dashboards and operators set BearerToken or APIKey.
type Client struct {
	BaseURL     string
	BasePath    string
	EngineToken string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Evidence is the per-dimension payload. Unknown numeric keys are read as metrics.
type Evidence map[string]any

// EvidenceUpdate is one evidence delivery from the execution engine.
type EvidenceUpdate struct {
	ExecutionID         string      `json:"executionId"`
	VentureID           string      `json:"ventureId"`
	Dimension           string      `json:"dimension"`
	SourceSequence      int64       `json:"sourceSequence"`
	Evidence            Evidence    `json:"evidence"`
	Timestamp           string      `json:"timestamp,omitempty"`
	PivotRecommendation string      `json:"pivotRecommendation,omitempty"`
	Checkpoint          *Checkpoint `json:"checkpoint,omitempty"`
}

type CheckpointOption struct {
	Label       string `json:"label"`
	RiskLevel   string `json:"riskLevel"`
	Recommended bool   `json:"recommended,omitempty"`
}

// Checkpoint blocks an execution until an operator decides.
type Checkpoint struct {
	ExecutionID     string             `json:"executionId,omitempty"`
	TaskID          string             `json:"taskId,omitempty"`
	VentureID       string             `json:"ventureId,omitempty"`
	Type            string             `json:"type"`
	Options         []CheckpointOption `json:"options"`
	Description     string             `json:"description,omitempty"`
	Amount          float64            `json:"amount,omitempty"`
	UrgencyDeadline string             `json:"urgencyDeadline,omitempty"`
}

// State is the validation state of a venture (partial).
type State struct {
	VentureID           string `json:"venture_id"`
	Phase               string `json:"phase"`
	DesirabilitySignal  string `json:"desirability_signal"`
	FeasibilitySignal   string `json:"feasibility_signal"`
	ViabilitySignal     string `json:"viability_signal"`
	PivotRecommendation string `json:"pivot_recommendation"`
	Version             int64  `json:"version"`
	UpdatedAt           string `json:"updated_at"`
}

// Approval is an approval request (partial).
type Approval struct {
	ID             string `json:"id"`
	ExecutionID    string `json:"execution_id"`
	TaskID         string `json:"task_id"`
	VentureID      string `json:"venture_id"`
	Type           string `json:"type"`
	Status         string `json:"status"`
	Decision       string `json:"decision,omitempty"`
	Feedback       string `json:"feedback,omitempty"`
	ExpiresAt      string `json:"expires_at"`
	DeliveryStatus string `json:"delivery_status"`
	LinkageDerived bool   `json:"linkage_derived"`
}

type IngestResult struct {
	Accepted   bool  `json:"accepted"`
	Duplicate  bool  `json:"duplicate"`
	NewVersion int64 `json:"newVersion"`
	State      State `json:"state"`
}

type CheckpointResult struct {
	Approval     Approval `json:"approval"`
	Created      bool     `json:"created"`
	AutoApproved bool     `json:"autoApproved"`
}

// VentureView is the dashboard read model (partial).
type VentureView struct {
	State       State           `json:"state"`
	Evidence    json.RawMessage `json:"evidence"`
	Eligibility json.RawMessage `json:"eligibility,omitempty"`
}

type ResolveResult struct {
	Approval
	Replayed bool `json:"replayed,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsStale reports whether err is a rejected out-of-order evidence delivery.
func IsStale(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "stale_sequence"
}

// PostEvidence delivers an evidence update. Redelivering the same sequence is safe.
func (c *Client) PostEvidence(ctx context.Context, u EvidenceUpdate) (IngestResult, error) {
	var resp IngestResult
	err := c.do(ctx, http.MethodPost, "webhooks/evidence", u, c.EngineToken, &resp)
	return resp, err
}

// PostCheckpoint registers a checkpoint. Repeating (executionId, taskId) returns the existing request.
func (c *Client) PostCheckpoint(ctx context.Context, cp Checkpoint) (CheckpointResult, error) {
	var resp CheckpointResult
	err := c.do(ctx, http.MethodPost, "webhooks/checkpoints", cp, c.EngineToken, &resp)
	return resp, err
}

// Venture returns a venture's state, evidence and gate preview.
func (c *Client) Venture(ctx context.Context, ventureID string) (VentureView, error) {
	var resp VentureView
	err := c.do(ctx, http.MethodGet, "ventures/"+url.PathEscape(ventureID), nil, "", &resp)
	return resp, err
}

// Approvals lists approval requests; empty filters match everything.
func (c *Client) Approvals(ctx context.Context, status, ventureID string, limit int) ([]Approval, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if ventureID != "" {
		q.Set("venture_id", ventureID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "approvals"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Approval
	err := c.do(ctx, http.MethodGet, endpoint, nil, "", &resp)
	return resp, err
}

// ResolveApproval approves or rejects a pending request.
func (c *Client) ResolveApproval(ctx context.Context, id, decision, feedback string) (ResolveResult, error) {
	body := map[string]any{
		"decision": decision,
		"feedback": feedback,
	}
	var resp ResolveResult
	err := c.do(ctx, http.MethodPost, "approvals/"+url.PathEscape(id)+"/resolve", body, "", &resp)
	return resp, err
}

// VerifySignature checks an escalation delivery against the hook secret.
func VerifySignature(secret string, body []byte, header string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(header))
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, token string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+"/"+endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case token != "":
		req.Header.Set("Authorization", "Bearer "+token)
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
