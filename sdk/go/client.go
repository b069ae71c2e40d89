package towersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Tower HTTP API client for agents that want their
// artifacts judged.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// SuggestedChange is one concrete plan adjustment. From and To are
// null, a number, or a string depending on the change type.
type SuggestedChange struct {
	Type   string `json:"type"`
	Field  string `json:"field"`
	From   any    `json:"from"`
	To     any    `json:"to"`
	Reason string `json:"reason"`
}

// StopReason explains a STOP verdict.
type StopReason struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Verdict is the evaluation outcome for an artifact (partial).
type Verdict struct {
	Verdict          string            `json:"verdict"`
	Action           string            `json:"action"`
	Delivered        int               `json:"delivered"`
	Requested        int               `json:"requested"`
	Gaps             []string          `json:"gaps"`
	Confidence       int               `json:"confidence"`
	Rationale        string            `json:"rationale"`
	SuggestedChanges []SuggestedChange `json:"suggested_changes"`
	StopReason       *StopReason       `json:"stop_reason,omitempty"`
}

// Judgement is the outcome of judging one mission snapshot.
type Judgement struct {
	ID          string `json:"id,omitempty"`
	RunID       string `json:"run_id,omitempty"`
	Verdict     string `json:"verdict"`
	ReasonCode  string `json:"reason_code"`
	Explanation string `json:"explanation"`
	EvaluatedAt string `json:"evaluated_at"`
}

// Run represents a registered mission (partial).
type Run struct {
	ID        string         `json:"id"`
	Goal      string         `json:"goal"`
	Status    string         `json:"status"`
	Criteria  map[string]any `json:"success_criteria"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

// VerdictRecord is a stored verdict with its provenance.
type VerdictRecord struct {
	ID        string  `json:"id"`
	Kind      string  `json:"kind"`
	RunID     *string `json:"run_id,omitempty"`
	Verdict   Verdict `json:"verdict"`
	CreatedAt string  `json:"created_at"`
}

// ConstraintResult reports one constraint check (partial).
type ConstraintResult struct {
	Constraint   map[string]any `json:"constraint"`
	MatchedCount int            `json:"matched_count"`
	TotalLeads   int            `json:"total_leads"`
	Passed       bool           `json:"passed"`
	Unverified   bool           `json:"unverified,omitempty"`
}

// Investigation is the audit trail behind a verdict.
type Investigation struct {
	ID                string             `json:"id"`
	VerdictID         string             `json:"verdict_id"`
	Requested         int                `json:"requested"`
	RequestedSource   string             `json:"requested_source"`
	Delivered         int                `json:"delivered"`
	DeliveredSource   string             `json:"delivered_source"`
	ConstraintResults []ConstraintResult `json:"constraint_results"`
	CreatedAt         string             `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID        int64          `json:"id"`
	Kind      string         `json:"kind"`
	Entity    string         `json:"entity"`
	EntityID  string         `json:"entity_id,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at"`
}

// Identity reports who the server thinks the caller is.
type Identity struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedVerdicts wraps verdict listings with cursors.
type PaginatedVerdicts struct {
	Items      []VerdictRecord `json:"items"`
	NextCursor string          `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// TowerVerdict judges a delivered leads artifact. The artifact can be
// any JSON-serializable value; the server ignores fields it does not
// know, so posting a whole agent state is fine. A non-empty runID ties
// the verdict to a registered run.
func (c *Client) TowerVerdict(ctx context.Context, artifact any, runID string) (Verdict, error) {
	endpoint := apiPath("tower/tower-verdict")
	if runID != "" {
		endpoint = fmt.Sprintf("%s?run_id=%s", endpoint, url.QueryEscape(runID))
	}
	var resp Verdict
	err := c.do(ctx, http.MethodPost, endpoint, artifact, &resp)
	return resp, err
}

// Evaluate judges a mission snapshot. A non-empty runID records the
// judgement against that run and uses its success criteria.
func (c *Client) Evaluate(ctx context.Context, runID string, snapshot any, criteria any) (Judgement, error) {
	body := map[string]any{"snapshot": snapshot}
	if runID != "" {
		body["run_id"] = runID
	}
	if criteria != nil {
		body["success_criteria"] = criteria
	}
	var resp Judgement
	err := c.do(ctx, http.MethodPost, apiPath("evaluate"), body, &resp)
	return resp, err
}

// FactoryVerdict judges a production-run artifact.
func (c *Client) FactoryVerdict(ctx context.Context, artifact any) (Verdict, error) {
	var resp Verdict
	err := c.do(ctx, http.MethodPost, apiPath("factory/verdict"), artifact, &resp)
	return resp, err
}

// RegisterRun registers a mission run.
func (c *Client) RegisterRun(ctx context.Context, goal string, criteria any) (Run, error) {
	body := map[string]any{"goal": goal}
	if criteria != nil {
		body["success_criteria"] = criteria
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, apiPath("runs"), body, &resp)
	return resp, err
}

// Runs lists registered runs, optionally filtered by status.
func (c *Client) Runs(ctx context.Context, status string, limit int) ([]Run, error) {
	endpoint := apiPath("runs")
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	var resp []Run
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetRun fetches a run by id.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	endpoint := apiPath(fmt.Sprintf("runs/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Judgements returns the judgement history for a run.
func (c *Client) Judgements(ctx context.Context, runID string, limit int) ([]Judgement, error) {
	endpoint := apiPath(fmt.Sprintf("runs/%s/judgements", url.PathEscape(runID)))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Judgement
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// StopRun stops a run.
func (c *Client) StopRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	endpoint := apiPath(fmt.Sprintf("runs/%s/stop", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// VerdictQuery filters verdict listings.
type VerdictQuery struct {
	Kind    string
	RunID   string
	Verdict string
	Limit   int
	Cursor  string
}

// Verdicts returns a paginated verdict listing.
func (c *Client) Verdicts(ctx context.Context, q VerdictQuery) (PaginatedVerdicts, error) {
	endpoint := apiPath("verdicts")
	params := url.Values{}
	if q.Kind != "" {
		params.Set("kind", q.Kind)
	}
	if q.RunID != "" {
		params.Set("run_id", q.RunID)
	}
	if q.Verdict != "" {
		params.Set("verdict", q.Verdict)
	}
	if q.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", q.Limit))
	}
	if q.Cursor != "" {
		params.Set("cursor", q.Cursor)
	}
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	var resp PaginatedVerdicts
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetVerdict fetches a stored verdict by id.
func (c *Client) GetVerdict(ctx context.Context, id string) (VerdictRecord, error) {
	var resp VerdictRecord
	endpoint := apiPath(fmt.Sprintf("verdicts/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetInvestigation fetches the investigation behind a verdict.
func (c *Client) GetInvestigation(ctx context.Context, verdictID string) (Investigation, error) {
	var resp Investigation
	endpoint := apiPath(fmt.Sprintf("verdicts/%s/investigation", url.PathEscape(verdictID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := apiPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// WhoAmI returns the caller's identity as the server sees it.
func (c *Client) WhoAmI(ctx context.Context) (Identity, error) {
	var resp Identity
	err := c.do(ctx, http.MethodGet, apiPath("me"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func apiPath(p string) string {
	return "v0/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
