package server

import (
	"encoding/json"

	"handoff/internal/config"
	"handoff/internal/domain"
	"handoff/internal/engine"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type CreateQuestionRequest struct {
	ID           *string        `json:"id,omitempty"`
	TargetUserID string         `json:"target_user_id"`
	TaskID       *string        `json:"task_id,omitempty"`
	Title        string         `json:"title"`
	Content      string         `json:"content"`
	Context      map[string]any `json:"context,omitempty"`
	Priority     *string        `json:"priority,omitempty" enum:"urgent,high,medium,low"`
	ExpiresIn    *int           `json:"expires_in,omitempty"`
}

type AskRequest struct {
	CreateQuestionRequest
	TimeoutSeconds      *int `json:"timeout_seconds,omitempty"`
	PollIntervalSeconds *int `json:"poll_interval_seconds,omitempty"`
}

type AnswerQuestionRequest struct {
	Answer     string  `json:"answer"`
	AnswerType *string `json:"answer_type,omitempty"`
}

type BatchQuestionStatusRequest struct {
	IDs    []string `json:"ids"`
	Status string   `json:"status" enum:"answered,ignored"`
	Answer *string  `json:"answer,omitempty"`
}

type BatchQuestionDeleteRequest struct {
	IDs []string `json:"ids"`
}

type CreateTaskRequest struct {
	ID          *string `json:"id,omitempty"`
	ParentID    *string `json:"parent_id,omitempty"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Priority    *string `json:"priority,omitempty" enum:"urgent,high,medium,low"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
}

type TransitionTaskRequest struct {
	Status string `json:"status" enum:"pending,in_progress,completed,blocked,cancelled,on_hold"`
}

type BatchTaskTransitionRequest struct {
	IDs    []string `json:"ids"`
	Status string   `json:"status" enum:"pending,in_progress,completed,blocked,cancelled,on_hold"`
}

type RegisterAgentRequest struct {
	ID        string  `json:"id"`
	Name      *string `json:"name,omitempty"`
	ProjectID *string `json:"project_id,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name *string `json:"name,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type QuestionResponse struct {
	ID           string         `json:"id"`
	ProjectID    string         `json:"project_id"`
	AgentID      string         `json:"agent_id"`
	TargetUserID string         `json:"target_user_id"`
	TaskID       *string        `json:"task_id,omitempty"`
	Title        string         `json:"title"`
	Content      string         `json:"content"`
	Context      map[string]any `json:"context,omitempty"`
	Priority     string         `json:"priority" enum:"urgent,high,medium,low"`
	Status       string         `json:"status" enum:"pending,answered,ignored"`
	Answer       *string        `json:"answer,omitempty"`
	AnswerType   *string        `json:"answer_type,omitempty"`
	AnsweredBy   *string        `json:"answered_by,omitempty"`
	AnsweredAt   *string        `json:"answered_at,omitempty" format:"date-time"`
	ExpiresAt    *string        `json:"expires_at,omitempty" format:"date-time"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
}

type AskResponse struct {
	Outcome       string           `json:"outcome" enum:"answered,ignored,timed_out"`
	Question      QuestionResponse `json:"question"`
	WaitedSeconds float64          `json:"waited_seconds"`
}

type TaskResponse struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	ParentID    *string `json:"parent_id,omitempty"`
	Type        string  `json:"type" enum:"main,sub"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status" enum:"pending,in_progress,completed,blocked,cancelled,on_hold"`
	Priority    string  `json:"priority" enum:"urgent,high,medium,low"`
	Progress    int     `json:"progress"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type AgentResponse struct {
	ID        string  `json:"id"`
	Name      string  `json:"name,omitempty"`
	ProjectID *string `json:"project_id,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type BatchResultResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status" enum:"success,error"`
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status,omitempty"`
	Error     string `json:"error,omitempty"`
}

type ReconcileResponse struct {
	Expired int `json:"expired"`
}

type HealthReportResponse struct {
	TaskID          string   `json:"task_id"`
	IsHealthy       bool     `json:"is_healthy"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

type TransitionsResponse struct {
	Available []string `json:"available"`
}

type StatusResponse struct {
	ProjectID      string         `json:"project_id"`
	Status         string         `json:"status"`
	QuestionCounts map[string]int `json:"question_counts"`
	TaskCounts     map[string]int `json:"task_counts"`
}

type ProjectConfigResponse struct {
	Project struct {
		ID   string `json:"id"`
		Kind string `json:"kind"`
	} `json:"project"`
	Ask struct {
		PollIntervalSeconds   int `json:"poll_interval_seconds"`
		DefaultTimeoutSeconds int `json:"default_timeout_seconds"`
		MaxTimeoutSeconds     int `json:"max_timeout_seconds"`
	} `json:"ask"`
	Hierarchy struct {
		AutoStartChildren         bool `json:"auto_start_children"`
		CancelledCountsAsComplete bool `json:"cancelled_counts_as_complete"`
	} `json:"hierarchy"`
}

type paginatedQuestions struct {
	Items      []QuestionResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse(p)
}

func questionResponse(q domain.Question) QuestionResponse {
	return QuestionResponse{
		ID:           q.ID,
		ProjectID:    q.ProjectID,
		AgentID:      q.AgentID,
		TargetUserID: q.TargetUserID,
		TaskID:       q.TaskID,
		Title:        q.Title,
		Content:      q.Content,
		Context:      decodeJSONMap(q.ContextJSON),
		Priority:     q.Priority,
		Status:       q.Status,
		Answer:       q.Answer,
		AnswerType:   q.AnswerType,
		AnsweredBy:   q.AnsweredBy,
		AnsweredAt:   q.AnsweredAt,
		ExpiresAt:    q.ExpiresAt,
		CreatedAt:    q.CreatedAt,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		ProjectID:   t.ProjectID,
		ParentID:    t.ParentID,
		Type:        t.Type,
		Title:       t.Title,
		Description: t.Description,
		Status:      t.Status,
		Priority:    t.Priority,
		Progress:    t.Progress,
		AssigneeID:  t.AssigneeID,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		CompletedAt: t.CompletedAt,
	}
}

func agentResponse(a domain.Agent) AgentResponse {
	return AgentResponse(a)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(strPtr(e.Payload)),
	}
}

func batchResultResponses(results []engine.BatchResult) []BatchResultResponse {
	res := make([]BatchResultResponse, 0, len(results))
	for _, r := range results {
		res = append(res, BatchResultResponse(r))
	}
	return res
}

func configResponse(cfg *config.Config) ProjectConfigResponse {
	var res ProjectConfigResponse
	res.Project.ID = cfg.Project.ID
	res.Project.Kind = cfg.Project.Kind
	res.Ask.PollIntervalSeconds = cfg.Ask.PollIntervalSeconds
	res.Ask.DefaultTimeoutSeconds = cfg.Ask.DefaultTimeoutSeconds
	res.Ask.MaxTimeoutSeconds = cfg.Ask.MaxTimeoutSeconds
	res.Hierarchy.AutoStartChildren = cfg.Hierarchy.AutoStartChildren
	res.Hierarchy.CancelledCountsAsComplete = cfg.Hierarchy.CancelledCountsAsComplete
	return res
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func strPtr(in string) *string {
	return &in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func intOrZero(ptr *int) int {
	if ptr == nil {
		return 0
	}
	return *ptr
}
