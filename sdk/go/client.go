package rolegatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal rolegate HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: token,
		Timeout:     30 * time.Second,
	}
}

// Transition is one recorded step of a run's history.
type Transition struct {
	Seq     int       `json:"seq"`
	From    string    `json:"from_role"`
	To      string    `json:"to_role,omitempty"`
	Trigger string    `json:"trigger"`
	At      time.Time `json:"timestamp"`
	Note    string    `json:"note,omitempty"`
}

type Gates struct {
	Technical string `json:"technical"`
	Value     string `json:"value"`
	Locked    bool   `json:"locked,omitempty"`
}

// Run represents the API run model (partial).
type Run struct {
	ID          string       `json:"run_id"`
	SequenceID  string       `json:"sequence_id"`
	Topic       string       `json:"topic"`
	Title       string       `json:"title,omitempty"`
	CurrentRole string       `json:"current_role"`
	Status      string       `json:"status"`
	History     []Transition `json:"history"`
	Gates       Gates        `json:"gates"`
	Escalations []string     `json:"escalations,omitempty"`
}

// Escalation is an arbiter decision record.
type Escalation struct {
	ID               string   `json:"id"`
	RunID            string   `json:"run_id"`
	Issue            string   `json:"issue"`
	Category         string   `json:"category"`
	ConflictingRoles []string `json:"conflicting_roles"`
	Decision         string   `json:"decision"`
	Rationale        string   `json:"rationale"`
	NextRole         string   `json:"next_role,omitempty"`
	Constraints      []string `json:"constraints,omitempty"`
	DecidedBy        string   `json:"decided_by"`
}

// Result is the outcome of advance, drive, escalate, or resolve.
type Result struct {
	Result     string      `json:"result"`
	ExitCode   int         `json:"exit_code"`
	Run        Run         `json:"run"`
	Transition *Transition `json:"transition,omitempty"`
	Escalation *Escalation `json:"escalation,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}

type MemoryEntry struct {
	ID            string   `json:"id"`
	Kind          string   `json:"kind"`
	Topic         string   `json:"topic"`
	Goal          string   `json:"goal"`
	Decisions     []string `json:"decisions"`
	CurrentStatus string   `json:"current_status"`
	Status        string   `json:"status"`
	Score         float32  `json:"score,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	RunID      string         `json:"run_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
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

type StartRunRequest struct {
	Title    string `json:"title,omitempty"`
	Topic    string `json:"topic,omitempty"`
	Sequence string `json:"sequence,omitempty"`
	Entry    string `json:"entry,omitempty"`
}

// StartRun creates a run at the entry role.
func (c *Client) StartRun(ctx context.Context, req StartRunRequest) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "runs", req, &resp)
	return resp, err
}

func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "runs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListRuns returns runs, optionally filtered by status.
func (c *Client) ListRuns(ctx context.Context, status string) ([]Run, error) {
	endpoint := "runs"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Advance invokes the current role once. A non-nil invocation is sent as
// the recorded memory queries, summary, and outcome for the role.
func (c *Client) Advance(ctx context.Context, id string, invocation any) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, "runs/"+url.PathEscape(id)+"/advance", invocation, &resp)
	return resp, err
}

// Drive advances the run until it stops.
func (c *Client) Drive(ctx context.Context, id string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, "runs/"+url.PathEscape(id)+"/drive", nil, &resp)
	return resp, err
}

func (c *Client) Abort(ctx context.Context, id, reason string) (Run, error) {
	var resp Run
	body := map[string]any{"reason": reason}
	err := c.do(ctx, http.MethodPost, "runs/"+url.PathEscape(id)+"/abort", body, &resp)
	return resp, err
}

type EscalateRequest struct {
	Issue     string            `json:"issue"`
	Against   string            `json:"against,omitempty"`
	Positions map[string]string `json:"positions,omitempty"`
	By        string            `json:"by,omitempty"`
}

// Escalate hands the run to the arbiter.
func (c *Client) Escalate(ctx context.Context, id string, req EscalateRequest) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, "runs/"+url.PathEscape(id)+"/escalate", req, &resp)
	return resp, err
}

type ResolveRequest struct {
	Decision    string   `json:"decision"`
	NextRole    string   `json:"next_role,omitempty"`
	Rationale   string   `json:"rationale,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
	DecidedBy   string   `json:"decided_by,omitempty"`
}

// Resolve records an operator decision for a deadlocked escalation.
func (c *Client) Resolve(ctx context.Context, id string, req ResolveRequest) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, "runs/"+url.PathEscape(id)+"/resolve", req, &resp)
	return resp, err
}

func (c *Client) Gates(ctx context.Context, id string) (Gates, error) {
	var resp Gates
	err := c.do(ctx, http.MethodGet, "runs/"+url.PathEscape(id)+"/gates", nil, &resp)
	return resp, err
}

// SetGates writes gates as a verification role.
func (c *Client) SetGates(ctx context.Context, id, by, technical, value string) (Gates, error) {
	body := map[string]any{"by": by}
	if technical != "" {
		body["technical"] = technical
	}
	if value != "" {
		body["value"] = value
	}
	var resp Gates
	err := c.do(ctx, http.MethodPut, "runs/"+url.PathEscape(id)+"/gates", body, &resp)
	return resp, err
}

// SearchMemory ranks active memory entries for query.
func (c *Client) SearchMemory(ctx context.Context, query string, limit int) ([]MemoryEntry, error) {
	body := map[string]any{"query": query}
	if limit > 0 {
		body["limit"] = limit
	}
	var resp struct {
		Items []MemoryEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, "memory/search", body, &resp)
	return resp.Items, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
