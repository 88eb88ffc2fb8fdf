package phaseforge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the PhaseForge REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	agentID    string
}

// Task mirrors the task representation returned by the server.
type Task struct {
	ID              string   `json:"id"`
	Description     string   `json:"description"`
	PhaseID         string   `json:"phase_id"`
	PhaseOrder      int      `json:"phase_order"`
	Status          string   `json:"status"`
	Priority        string   `json:"priority"`
	AssignedAgentID string   `json:"assigned_agent_id,omitempty"`
	CreatedByTaskID string   `json:"created_by_task_id,omitempty"`
	Dependencies    []string `json:"dependencies,omitempty"`
	ResultSummary   string   `json:"result_summary,omitempty"`
	KeyLearnings    string   `json:"key_learnings,omitempty"`
	Attempts        int      `json:"attempts"`
	LastError       string   `json:"last_error,omitempty"`
	ErrorCode       string   `json:"error_code,omitempty"`
}

// TaskSubmission represents the payload required to create a new task.
type TaskSubmission struct {
	Description  string   `json:"description"`
	PhaseID      string   `json:"phase_id"`
	Priority     string   `json:"priority,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	CreatedBy    string   `json:"created_by,omitempty"`
}

// ListOptions narrows down task listings.
type ListOptions struct {
	Statuses  []string
	Phase     string
	CreatedBy string
	Limit     int
	Offset    int
}

// Memory mirrors a stored memory entry.
type Memory struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Kind     string `json:"kind"`
	PhaseID  string `json:"phase_id,omitempty"`
	TaskID   string `json:"task_id,omitempty"`
	Degraded bool   `json:"degraded"`
}

// MemorySubmission represents the payload to store a memory entry.
type MemorySubmission struct {
	Content string `json:"content"`
	Kind    string `json:"kind,omitempty"`
	PhaseID string `json:"phase_id,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
}

// SearchRequest describes a retrieval query.
type SearchRequest struct {
	Query           string `json:"query"`
	TopK            int    `json:"top_k,omitempty"`
	Kind            string `json:"kind,omitempty"`
	PhaseID         string `json:"phase_id,omitempty"`
	TaskID          string `json:"task_id,omitempty"`
	IncludeDegraded bool   `json:"include_degraded,omitempty"`
}

// SearchHit is a single retrieval result with its similarity score.
type SearchHit struct {
	Memory Memory  `json:"memory"`
	Score  float64 `json:"score"`
}

// Stats mirrors the aggregate task counters.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Assigned   int `json:"assigned"`
	InProgress int `json:"in_progress"`
	Blocked    int `json:"blocked"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
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
		return fmt.Sprintf("phaseforge api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("phaseforge api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the PhaseForge API. When httpClient is
// nil, a default client with a sensible timeout is used. agentID is attached
// to every mutating request; leave it empty for read-only use.
func NewClient(rawURL, agentID string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, agentID: agentID}, nil
}

// CreateTask submits a new task to the graph.
func (c *Client) CreateTask(ctx context.Context, submission TaskSubmission) (Task, error) {
	var task Task
	if err := c.post(ctx, "/api/v1/tasks", submission, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// GetTask fetches task details by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// ListTasks returns tasks matching the given filters.
func (c *Client) ListTasks(ctx context.Context, opts ListOptions) ([]Task, error) {
	query := url.Values{}
	for _, status := range opts.Statuses {
		query.Add("status", status)
	}
	if opts.Phase != "" {
		query.Set("phase", opts.Phase)
	}
	if opts.CreatedBy != "" {
		query.Set("created_by", opts.CreatedBy)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	endpoint := "/api/v1/tasks"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var body struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.get(ctx, endpoint, &body); err != nil {
		return nil, err
	}
	return body.Tasks, nil
}

// ClaimTask attempts to take ownership of a pending task.
func (c *Client) ClaimTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	if err := c.post(ctx, "/api/v1/tasks/"+url.PathEscape(taskID)+"/claim", nil, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// StartTask marks a claimed task as in progress.
func (c *Client) StartTask(ctx context.Context, taskID string) (Task, error) {
	return c.transition(ctx, taskID, map[string]string{"status": "in_progress"})
}

// CompleteTask reports a task as done with its mandatory result payload.
func (c *Client) CompleteTask(ctx context.Context, taskID, resultSummary, keyLearnings string) (Task, error) {
	return c.transition(ctx, taskID, map[string]string{
		"status":         "done",
		"result_summary": resultSummary,
		"key_learnings":  keyLearnings,
	})
}

// FailTask reports a terminal failure for a task.
func (c *Client) FailTask(ctx context.Context, taskID, reason string) (Task, error) {
	return c.transition(ctx, taskID, map[string]string{"status": "failed", "reason": reason})
}

// BlockTask parks a task until an external dependency clears.
func (c *Client) BlockTask(ctx context.Context, taskID, reason string) (Task, error) {
	return c.transition(ctx, taskID, map[string]string{"status": "blocked", "reason": reason})
}

// UnblockTask returns a blocked task to the pending set.
func (c *Client) UnblockTask(ctx context.Context, taskID string) (Task, error) {
	return c.transition(ctx, taskID, map[string]string{"status": "pending"})
}

func (c *Client) transition(ctx context.Context, taskID string, payload map[string]string) (Task, error) {
	var task Task
	if err := c.post(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), payload, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// Heartbeat reports liveness for the configured agent.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.post(ctx, "/api/v1/agents/"+url.PathEscape(c.agentID)+"/heartbeat", nil, nil)
}

// StoreMemory persists a memory entry.
func (c *Client) StoreMemory(ctx context.Context, submission MemorySubmission) (Memory, error) {
	var m Memory
	if err := c.post(ctx, "/api/v1/memories", submission, &m); err != nil {
		return Memory{}, err
	}
	return m, nil
}

// SearchMemories runs a similarity search over stored memories.
func (c *Client) SearchMemories(ctx context.Context, req SearchRequest) ([]SearchHit, error) {
	var body struct {
		Results []SearchHit `json:"results"`
	}
	if err := c.post(ctx, "/api/v1/memories/search", req, &body); err != nil {
		return nil, err
	}
	return body.Results, nil
}

// TaskStats fetches the aggregate task counters.
func (c *Client) TaskStats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/tasks/stats", &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
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
	if c.agentID != "" {
		req.Header.Set("X-Agent-ID", c.agentID)
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
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
