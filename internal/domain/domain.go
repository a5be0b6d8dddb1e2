package domain

import (
	"fmt"
	"time"
)

// Question statuses. Answered and ignored are terminal.
const (
	QuestionPending  = "pending"
	QuestionAnswered = "answered"
	QuestionIgnored  = "ignored"
)

// Task statuses. Completed and cancelled are terminal.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskBlocked    = "blocked"
	TaskCancelled  = "cancelled"
	TaskOnHold     = "on_hold"
)

// Task types.
const (
	TaskMain = "main"
	TaskSub  = "sub"
)

// Priorities, highest first.
const (
	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

type Project struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Question is a request from an agent for a human decision. A question is
// mutated at most once: answered, ignored, or expired into ignored.
type Question struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"project_id"`
	AgentID      string  `json:"agent_id"`
	TargetUserID string  `json:"target_user_id"`
	TaskID       *string `json:"task_id,omitempty"`
	Title        string  `json:"title"`
	Content      string  `json:"content"`
	ContextJSON  *string `json:"context_json,omitempty"`
	Priority     string  `json:"priority" enum:"urgent,high,medium,low"`
	Status       string  `json:"status" enum:"pending,answered,ignored"`
	Answer       *string `json:"answer,omitempty"`
	AnswerType   *string `json:"answer_type,omitempty"`
	AnsweredBy   *string `json:"answered_by,omitempty"`
	AnsweredAt   *string `json:"answered_at,omitempty" format:"date-time"`
	ExpiresAt    *string `json:"expires_at,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	DeletedAt    *string `json:"-"`
}

// Expired reports whether the question's deadline has passed. Expiry is
// computed at read time from the stored deadline, never by a timer.
func (q Question) Expired(now time.Time) bool {
	if q.ExpiresAt == nil {
		return false
	}
	exp, err := time.Parse(time.RFC3339, *q.ExpiresAt)
	if err != nil {
		return false
	}
	return now.After(exp)
}

// Terminal reports whether the question can no longer change status.
func (q Question) Terminal() bool {
	return q.Status == QuestionAnswered || q.Status == QuestionIgnored
}

type Task struct {
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

// Terminal reports whether the task status has no outgoing transitions.
func (t Task) Terminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskCancelled
}

// Agent is an autonomous caller. Every write operation is performed on
// behalf of an explicit identity passed in by the caller; an agent that
// asks questions must be bound to a project.
type Agent struct {
	ID        string  `json:"id"`
	Name      string  `json:"name,omitempty"`
	ProjectID *string `json:"project_id,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// PriorityRank orders priorities for retrieval: urgent sorts first.
func PriorityRank(p string) int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// ParsePriority validates a priority value, defaulting empty to medium.
// This is the single allowed-value check used by all call paths.
func ParsePriority(p string) (string, error) {
	if p == "" {
		return PriorityMedium, nil
	}
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow:
		return p, nil
	}
	return "", fmt.Errorf("unknown priority %q", p)
}

// ValidQuestionStatus reports whether s is a known question status.
func ValidQuestionStatus(s string) bool {
	switch s {
	case QuestionPending, QuestionAnswered, QuestionIgnored:
		return true
	}
	return false
}

// ValidTaskStatus reports whether s is a known task status.
func ValidTaskStatus(s string) bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted, TaskBlocked, TaskCancelled, TaskOnHold:
		return true
	}
	return false
}
