package handoffsdk

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

// Client is a minimal Handoff HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Question represents the API question model.
type Question struct {
	ID           string         `json:"id"`
	ProjectID    string         `json:"project_id"`
	AgentID      string         `json:"agent_id"`
	TargetUserID string         `json:"target_user_id"`
	TaskID       string         `json:"task_id,omitempty"`
	Title        string         `json:"title"`
	Content      string         `json:"content"`
	Context      map[string]any `json:"context,omitempty"`
	Priority     string         `json:"priority"`
	Status       string         `json:"status"`
	Answer       string         `json:"answer,omitempty"`
	AnswerType   string         `json:"answer_type,omitempty"`
	AnsweredBy   string         `json:"answered_by,omitempty"`
	AnsweredAt   string         `json:"answered_at,omitempty"`
	ExpiresAt    string         `json:"expires_at,omitempty"`
	CreatedAt    string         `json:"created_at"`
}

// Task represents the API task model.
type Task struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	ParentID  string `json:"parent_id,omitempty"`
	Title     string `json:"title"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Priority  string `json:"priority"`
	Progress  int    `json:"progress"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// AskResult is the outcome of a blocking ask.
type AskResult struct {
	Outcome       string   `json:"outcome"`
	Question      Question `json:"question"`
	WaitedSeconds float64  `json:"waited_seconds"`
}

// BatchResult reports the outcome for one id of a batch call.
type BatchResult struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HealthReport is the read-only workflow consistency report for a task.
type HealthReport struct {
	TaskID          string   `json:"task_id"`
	IsHealthy       bool     `json:"is_healthy"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

// QuestionOptions are parameters for CreateQuestion and Ask.
type QuestionOptions struct {
	ID           string         `json:"id,omitempty"`
	TargetUserID string         `json:"target_user_id"`
	TaskID       string         `json:"task_id,omitempty"`
	Title        string         `json:"title"`
	Content      string         `json:"content"`
	Context      map[string]any `json:"context,omitempty"`
	Priority     string         `json:"priority,omitempty"`
	ExpiresIn    int            `json:"expires_in,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedQuestions wraps question list responses with cursors.
type PaginatedQuestions struct {
	Items      []Question `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateQuestion creates a question without waiting for the answer.
func (c *Client) CreateQuestion(ctx context.Context, opts QuestionOptions) (Question, error) {
	var resp Question
	err := c.do(ctx, http.MethodPost, c.projectPath("questions"), opts, &resp)
	return resp, err
}

// Ask creates a question and blocks until it is answered, ignored, or the
// server-side timeout elapses. The request can hold for minutes; set a
// generous client Timeout or pass a context with its own deadline.
func (c *Client) Ask(ctx context.Context, opts QuestionOptions, timeoutSeconds int) (AskResult, error) {
	body := struct {
		QuestionOptions
		TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	}{QuestionOptions: opts, TimeoutSeconds: timeoutSeconds}
	var resp AskResult
	err := c.do(ctx, http.MethodPost, c.projectPath("questions/ask"), body, &resp)
	return resp, err
}

// GetQuestion fetches a question by id.
func (c *Client) GetQuestion(ctx context.Context, id string) (Question, error) {
	var resp Question
	endpoint := c.projectPath(fmt.Sprintf("questions/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AnswerQuestion records an answer on a pending question.
func (c *Client) AnswerQuestion(ctx context.Context, id, answer string) (Question, error) {
	var resp Question
	endpoint := c.projectPath(fmt.Sprintf("questions/%s/answer", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"answer": answer}, &resp)
	return resp, err
}

// IgnoreQuestion marks a pending question ignored.
func (c *Client) IgnoreQuestion(ctx context.Context, id string) (Question, error) {
	var resp Question
	endpoint := c.projectPath(fmt.Sprintf("questions/%s/ignore", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// QuestionsPage returns a paginated question listing filtered by status.
func (c *Client) QuestionsPage(ctx context.Context, status string, limit int, cursor string) (PaginatedQuestions, error) {
	endpoint := c.projectPath("questions")
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp PaginatedQuestions
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// BatchQuestionStatus applies a status to many questions; per-id outcomes.
func (c *Client) BatchQuestionStatus(ctx context.Context, ids []string, status, answer string) ([]BatchResult, error) {
	body := map[string]any{"ids": ids, "status": status}
	if answer != "" {
		body["answer"] = answer
	}
	var resp []BatchResult
	err := c.do(ctx, http.MethodPost, c.projectPath("questions/batch/status"), body, &resp)
	return resp, err
}

// CreateTask creates a task, optionally under a parent.
func (c *Client) CreateTask(ctx context.Context, title, parentID string) (Task, error) {
	body := map[string]any{"title": title}
	if parentID != "" {
		body["parent_id"] = parentID
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), body, &resp)
	return resp, err
}

// TransitionTask moves a task to a new status.
func (c *Client) TransitionTask(ctx context.Context, id, status string) (Task, error) {
	var resp Task
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/transition", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

// TaskHealth returns the workflow consistency report for a task.
func (c *Client) TaskHealth(ctx context.Context, id string) (HealthReport, error) {
	var resp HealthReport
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/health", url.PathEscape(id)))
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
	endpoint := c.projectPath("events")
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
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
