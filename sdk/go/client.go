package ppssdk

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

// Client is a minimal PPS HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set; the server
	// must run with the legacy header enabled.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Todo represents the API todo model (partial).
type Todo struct {
	ID                   int64      `json:"id"`
	ParentTodoID         *int64     `json:"parent_todo_id,omitempty"`
	Name                 string     `json:"name"`
	TodoType             string     `json:"todo_type"`
	Status               string     `json:"status"`
	Priority             int        `json:"priority"`
	PlannedStart         *time.Time `json:"planned_start,omitempty"`
	PlannedEnd           *time.Time `json:"planned_end,omitempty"`
	TotalDurationMinutes int        `json:"total_duration_minutes"`
	MachineID            *string    `json:"assigned_machine_id,omitempty"`
	EmployeeID           *string    `json:"assigned_employee_id,omitempty"`
	DepartmentID         *string    `json:"assigned_department_id,omitempty"`
	DeliveryDate         *time.Time `json:"delivery_date,omitempty"`
	Version              int        `json:"version"`
}

// CreateTodoInput is the subset of create fields most callers need.
type CreateTodoInput struct {
	Name             string     `json:"name"`
	TodoType         string     `json:"todo_type,omitempty"`
	ParentTodoID     *int64     `json:"parent_todo_id,omitempty"`
	PlannedStart     *time.Time `json:"planned_start,omitempty"`
	PlannedEnd       *time.Time `json:"planned_end,omitempty"`
	SetupTimeMinutes int        `json:"setup_time_minutes,omitempty"`
	RunTimeMinutes   int        `json:"run_time_minutes,omitempty"`
	MachineID        *string    `json:"assigned_machine_id,omitempty"`
	EmployeeID       *string    `json:"assigned_employee_id,omitempty"`
	DepartmentID     *string    `json:"assigned_department_id,omitempty"`
	Priority         *int       `json:"priority,omitempty"`
	DeliveryDate     *time.Time `json:"delivery_date,omitempty"`
}

type Dependency struct {
	ID             int64  `json:"id"`
	PredecessorID  int64  `json:"predecessor_id"`
	SuccessorID    int64  `json:"successor_id"`
	DependencyType string `json:"dependency_type"`
	LagMinutes     int    `json:"lag_minutes"`
	IsActive       bool   `json:"is_active"`
}

type Conflict struct {
	ID            int64  `json:"id"`
	ConflictType  string `json:"conflict_type"`
	Severity      string `json:"severity"`
	TodoID        int64  `json:"todo_id"`
	RelatedTodoID *int64 `json:"related_todo_id,omitempty"`
	Message       string `json:"message"`
	Resolved      bool   `json:"resolved"`
}

type AutoLinkResult struct {
	LinkedCount          int          `json:"linked_count"`
	CreatedEdgeCount     int          `json:"created_edge_count"`
	DeactivatedEdgeCount int          `json:"deactivated_edge_count"`
	Chain                []int64      `json:"chain"`
	Edges                []Dependency `json:"edges"`
}

type GanttTask struct {
	ID            int64      `json:"id"`
	Text          string     `json:"text"`
	StartDate     *time.Time `json:"start_date,omitempty"`
	EndDate       *time.Time `json:"end_date,omitempty"`
	Duration      int        `json:"duration"`
	Progress      float64    `json:"progress"`
	Parent        int64      `json:"parent"`
	Type          string     `json:"type"`
	Priority      int        `json:"priority"`
	Status        string     `json:"status"`
	Version       int        `json:"version"`
	HasConflict   bool       `json:"has_conflict"`
	ConflictTypes []string   `json:"conflict_types,omitempty"`
}

type GanttLink struct {
	ID     int64  `json:"id"`
	Source int64  `json:"source"`
	Target int64  `json:"target"`
	Type   string `json:"type"`
	Lag    int    `json:"lag"`
}

type GanttView struct {
	Tasks []GanttTask `json:"data"`
	Links []GanttLink `json:"links"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
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

// APIError wraps non-2xx responses. Code and Details come from the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

// DevLogin mints a development token and stores it on the client.
func (c *Client) DevLogin(ctx context.Context, actorID string, roles ...string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]any{"actor_id": actorID, "roles": roles}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", body, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// CreateTodo creates a todo.
func (c *Client) CreateTodo(ctx context.Context, in CreateTodoInput) (Todo, error) {
	var resp Todo
	err := c.do(ctx, http.MethodPost, "todos", in, &resp)
	return resp, err
}

// GetTodo fetches a todo by id.
func (c *Client) GetTodo(ctx context.Context, id int64) (Todo, error) {
	var resp Todo
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("todos/%d", id), nil, &resp)
	return resp, err
}

// UpdateTodo sends a partial update guarded by version. fields uses the API
// field names; a null value clears a nullable field.
func (c *Client) UpdateTodo(ctx context.Context, id int64, version int, fields map[string]any) (Todo, error) {
	body := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["version"] = version
	var resp Todo
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("todos/%d", id), body, &resp)
	return resp, err
}

// DeleteTodo soft deletes a todo and its subtree.
func (c *Client) DeleteTodo(ctx context.Context, id int64, version int) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("todos/%d?version=%d", id, version), nil, nil)
}

// AddDependency adds an edge; depType may be empty for finish_to_start.
func (c *Client) AddDependency(ctx context.Context, predecessorID, successorID int64, depType string, lag int) (Dependency, error) {
	body := map[string]any{
		"predecessor_id":  predecessorID,
		"successor_id":    successorID,
		"dependency_type": depType,
		"lag_minutes":     lag,
	}
	if depType == "" {
		delete(body, "dependency_type")
	}
	var resp Dependency
	err := c.do(ctx, http.MethodPost, "dependencies", body, &resp)
	return resp, err
}

// DeactivateDependency removes an edge from the active graph.
func (c *Client) DeactivateDependency(ctx context.Context, id int64) (Dependency, error) {
	var resp Dependency
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("dependencies/%d", id), nil, &resp)
	return resp, err
}

// EdgesForSelection returns active edges with both ends in ids.
func (c *Client) EdgesForSelection(ctx context.Context, ids []int64) ([]Dependency, error) {
	var resp struct {
		Items []Dependency `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, "dependencies/selection", map[string]any{"todo_ids": ids}, &resp)
	return resp.Items, err
}

// AutoLink chains the selection by priority.
func (c *Client) AutoLink(ctx context.Context, ids []int64) (AutoLinkResult, error) {
	var resp AutoLinkResult
	err := c.do(ctx, http.MethodPost, "autolink", map[string]any{"todo_ids": ids}, &resp)
	return resp, err
}

// DetectConflicts recomputes conflicts for ids, or for all todos when ids is empty.
func (c *Client) DetectConflicts(ctx context.Context, ids []int64) ([]Conflict, error) {
	var resp struct {
		Items []Conflict `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, "conflicts/detect", map[string]any{"todo_ids": ids}, &resp)
	return resp.Items, err
}

// Conflicts lists stored conflicts, optionally only unresolved ones.
func (c *Client) Conflicts(ctx context.Context, unresolvedOnly bool) ([]Conflict, error) {
	endpoint := "conflicts"
	if unresolvedOnly {
		endpoint += "?resolved=false"
	}
	var resp struct {
		Items []Conflict `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ResolveConflict marks a conflict resolved.
func (c *Client) ResolveConflict(ctx context.Context, id int64) (Conflict, error) {
	var resp Conflict
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("conflicts/%d/resolve", id), nil, &resp)
	return resp, err
}

// Gantt returns the chart view.
func (c *Client) Gantt(ctx context.Context) (GanttView, error) {
	var resp GanttView
	err := c.do(ctx, http.MethodGet, "gantt", nil, &resp)
	return resp, err
}

// SyncGantt posts one diff. Prefer a SyncSession, which guards in-flight
// items and retries failed ones under the same batch id.
func (c *Client) SyncGantt(ctx context.Context, req SyncRequest) (SyncResponse, error) {
	var resp SyncResponse
	err := c.do(ctx, http.MethodPost, "gantt/sync", req, &resp)
	return resp, err
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
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return newAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) base() string {
	basePath := c.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(basePath, "/")
}
