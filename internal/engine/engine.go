package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"handoff/internal/config"
	"handoff/internal/domain"
	"handoff/internal/events"
	"handoff/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	// Sleep is the cooperative yield used by Ask between polls. Tests
	// replace it together with Now to simulate elapsed time.
	Sleep func(ctx context.Context, d time.Duration) error
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		Sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

// InitProject initializes a new project with migrations already run.
func (e Engine) InitProject(ctx context.Context, projectID, description, actorID string) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:          projectID,
		Kind:        "coordination",
		Status:      "active",
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO projects(id,kind,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Kind, p.Status, nullable(p.Description), p.CreatedAt); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, config.Default(p.ID), p.CreatedAt); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.init", p.ID, "project", p.ID, actorID, events.EventPayload{"status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// QuestionCreateOptions are parameters for creating a question.
type QuestionCreateOptions struct {
	ID           string
	ProjectID    string
	AgentID      string
	TargetUserID string
	TaskID       string
	Title        string
	Content      string
	Context      map[string]any
	Priority     string
	// ExpiresIn is a relative deadline in seconds, converted to an
	// absolute expires_at at creation time. Zero means no deadline.
	ExpiresIn int
}

// CreateQuestion validates input, resolves the asking agent's project
// binding, and writes the pending question. Validation failures happen
// before any write.
func (e Engine) CreateQuestion(ctx context.Context, opts QuestionCreateOptions) (domain.Question, error) {
	if opts.AgentID == "" {
		return domain.Question{}, &ValidationError{Field: "agent_id", Reason: "required"}
	}
	if opts.TargetUserID == "" {
		return domain.Question{}, &ValidationError{Field: "target_user_id", Reason: "required"}
	}
	if opts.Title == "" {
		return domain.Question{}, &ValidationError{Field: "title", Reason: "required"}
	}
	if opts.Content == "" {
		return domain.Question{}, &ValidationError{Field: "content", Reason: "required"}
	}
	priority, err := domain.ParsePriority(opts.Priority)
	if err != nil {
		return domain.Question{}, &ValidationError{Field: "priority", Reason: err.Error()}
	}
	if opts.ExpiresIn < 0 {
		return domain.Question{}, &ValidationError{Field: "expires_in", Reason: "must not be negative"}
	}

	agent, err := e.Repo.GetAgent(ctx, opts.AgentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Question{}, fmt.Errorf("agent %s: %w", opts.AgentID, err)
		}
		return domain.Question{}, err
	}
	projectID := opts.ProjectID
	if projectID == "" {
		if agent.ProjectID == nil {
			return domain.Question{}, &UnboundAgentError{AgentID: agent.ID}
		}
		projectID = *agent.ProjectID
	} else if agent.ProjectID == nil || *agent.ProjectID != projectID {
		return domain.Question{}, &UnboundAgentError{AgentID: agent.ID}
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Question{}, err
	}
	if opts.TaskID != "" {
		t, err := e.Repo.GetTask(ctx, opts.TaskID)
		if err != nil {
			return domain.Question{}, fmt.Errorf("task %s: %w", opts.TaskID, err)
		}
		if t.ProjectID != projectID {
			return domain.Question{}, &ValidationError{Field: "task_id", Reason: "task in different project"}
		}
	}

	now := e.now().UTC()
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := domain.Question{
		ID:           id,
		ProjectID:    projectID,
		AgentID:      opts.AgentID,
		TargetUserID: opts.TargetUserID,
		TaskID:       optionalString(opts.TaskID),
		Title:        opts.Title,
		Content:      opts.Content,
		Priority:     priority,
		Status:       domain.QuestionPending,
		CreatedAt:    now.Format(time.RFC3339),
	}
	if len(opts.Context) > 0 {
		data, err := json.Marshal(opts.Context)
		if err != nil {
			return domain.Question{}, &ValidationError{Field: "context", Reason: err.Error()}
		}
		s := string(data)
		q.ContextJSON = &s
	}
	if opts.ExpiresIn > 0 {
		exp := now.Add(time.Duration(opts.ExpiresIn) * time.Second).Format(time.RFC3339)
		q.ExpiresAt = &exp
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Question{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertQuestion(ctx, tx, q); err != nil {
		return domain.Question{}, err
	}
	if err := e.Events.Append(ctx, tx, "question.created", q.ProjectID, "question", q.ID, q.AgentID, events.EventPayload{
		"title":    q.Title,
		"priority": q.Priority,
		"target":   q.TargetUserID,
	}); err != nil {
		return domain.Question{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Question{}, err
	}
	return q, nil
}

// AnswerQuestion records a human answer on a pending question. Answering
// a terminal question fails with InvalidStateError; two racing calls are
// decided by the store's conditional update, exactly one wins.
func (e Engine) AnswerQuestion(ctx context.Context, id, answer, answerType, answeredBy string) (domain.Question, error) {
	if answer == "" {
		return domain.Question{}, &ValidationError{Field: "answer", Reason: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Question{}, err
	}
	defer tx.Rollback()

	answeredAt := e.now().UTC().Format(time.RFC3339)
	ok, err := e.Repo.MarkAnswered(ctx, tx, id, answer, answerType, answeredBy, answeredAt)
	if err != nil {
		return domain.Question{}, err
	}
	if !ok {
		return domain.Question{}, e.questionStateError(ctx, tx, id)
	}
	if err := e.Events.Append(ctx, tx, "question.answered", "", "question", id, orUnknown(answeredBy), events.EventPayload{
		"answer_type": answerType,
	}); err != nil {
		return domain.Question{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Question{}, err
	}
	return e.Repo.GetQuestion(ctx, id)
}

// IgnoreQuestion marks a pending question ignored.
func (e Engine) IgnoreQuestion(ctx context.Context, id, actorID string) (domain.Question, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Question{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.MarkIgnored(ctx, tx, id)
	if err != nil {
		return domain.Question{}, err
	}
	if !ok {
		return domain.Question{}, e.questionStateError(ctx, tx, id)
	}
	if err := e.Events.Append(ctx, tx, "question.ignored", "", "question", id, orUnknown(actorID), nil); err != nil {
		return domain.Question{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Question{}, err
	}
	return e.Repo.GetQuestion(ctx, id)
}

// questionStateError distinguishes "missing" from "already terminal" after
// a conditional update affected no rows. It reads through the caller's
// transaction; the caller still holds the write lock at this point.
func (e Engine) questionStateError(ctx context.Context, tx *sql.Tx, id string) error {
	q, err := e.Repo.GetQuestionTx(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("question %s: %w", id, err)
	}
	return &InvalidStateError{Entity: "question", ID: id, Reasons: []string{fmt.Sprintf("status is %s, not pending", q.Status)}}
}

// DeleteQuestion soft-deletes a question. Deleted questions disappear
// from reads but stay in the database for audit.
func (e Engine) DeleteQuestion(ctx context.Context, id, actorID string) error {
	q, err := e.Repo.GetQuestion(ctx, id)
	if err != nil {
		return err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Repo.SoftDeleteQuestion(ctx, tx, id, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("question %s: %w", id, repo.ErrNotFound)
	}
	if err := e.Events.Append(ctx, tx, "question.deleted", q.ProjectID, "question", q.ID, orUnknown(actorID), nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ReconcileExpired marks every pending question whose deadline has passed
// as ignored and returns the count processed. Each record is gated on
// status=pending, so repeated or concurrent runs process it at most once.
func (e Engine) ReconcileExpired(ctx context.Context, actorID string) (int, error) {
	now := e.now().UTC().Format(time.RFC3339)
	expired, err := e.Repo.ListExpiredPending(ctx, now, 0)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, q := range expired {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return count, err
		}
		ok, err := e.Repo.MarkIgnored(ctx, tx, q.ID)
		if err != nil {
			tx.Rollback()
			return count, err
		}
		if !ok {
			// Lost the race to an answer or another reconciler.
			tx.Rollback()
			continue
		}
		if err := e.Events.Append(ctx, tx, "question.expired", q.ProjectID, "question", q.ID, orUnknown(actorID), events.EventPayload{
			"expires_at": q.ExpiresAt,
		}); err != nil {
			tx.Rollback()
			return count, err
		}
		if err := tx.Commit(); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func orUnknown(actorID string) string {
	if actorID == "" {
		return "system"
	}
	return actorID
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
