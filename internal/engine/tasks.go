package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"handoff/internal/domain"
	"handoff/internal/engine/flow"
	"handoff/internal/events"
	"handoff/internal/repo"
)

// TaskCreateOptions are parameters for creating a task. A task with a
// parent becomes a subtask and inherits the parent's project; the
// ProjectID option is ignored in that case.
type TaskCreateOptions struct {
	ID          string
	ProjectID   string
	ParentID    string
	Title       string
	Description string
	Priority    string
	AssigneeID  string
	ActorID     string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, &ValidationError{Field: "title", Reason: "required"}
	}
	priority, err := domain.ParsePriority(opts.Priority)
	if err != nil {
		return domain.Task{}, &ValidationError{Field: "priority", Reason: err.Error()}
	}
	taskType := domain.TaskMain
	projectID := opts.ProjectID
	if opts.ParentID != "" {
		parent, err := e.Repo.GetTask(ctx, opts.ParentID)
		if err != nil {
			return domain.Task{}, fmt.Errorf("parent %s: %w", opts.ParentID, err)
		}
		if err := e.ensureNoCycle(ctx, opts.ParentID, opts.ID); err != nil {
			return domain.Task{}, err
		}
		taskType = domain.TaskSub
		projectID = parent.ProjectID
	}
	if projectID == "" {
		return domain.Task{}, &ValidationError{Field: "project_id", Reason: "required"}
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Task{}, err
	}

	id := opts.ID
	now := e.now().UTC().Format(time.RFC3339)
	if id == "" {
		id = uuid.New().String()
	}
	t := domain.Task{
		ID:          id,
		ProjectID:   projectID,
		ParentID:    optionalString(opts.ParentID),
		Type:        taskType,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      domain.TaskPending,
		Priority:    priority,
		AssigneeID:  optionalString(opts.AssigneeID),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.created", t.ProjectID, "task", t.ID, orUnknown(opts.ActorID), events.EventPayload{
		"title": t.Title, "type": t.Type, "status": t.Status,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) ensureNoCycle(ctx context.Context, parentID, childID string) error {
	cur := parentID
	for cur != "" {
		t, err := e.Repo.GetTask(ctx, cur)
		if err != nil {
			return err
		}
		if t.ParentID == nil {
			return nil
		}
		if *t.ParentID == childID {
			return &ValidationError{Field: "parent_id", Reason: "task hierarchy cycle detected"}
		}
		cur = *t.ParentID
	}
	return nil
}

// TransitionTask validates and executes a single status transition, then
// lets the hierarchy coordinator react. Completion is never a direct field
// write: it always passes through here.
func (e Engine) TransitionTask(ctx context.Context, id, to string, tctx flow.Context) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return t, err
	}
	children, err := e.Repo.ListChildren(ctx, id)
	if err != nil {
		return t, err
	}
	tctx.ChildStatuses = childStatuses(children)
	if ok, reasons := flow.ValidateTransition(t, to, tctx); !ok {
		return t, &InvalidStateError{Entity: "task", ID: id, Reasons: reasons}
	}

	now := e.now().UTC().Format(time.RFC3339)
	var completedAt *string
	if to == domain.TaskCompleted {
		completedAt = &now
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.UpdateTaskStatusFrom(ctx, tx, id, t.Status, to, now, completedAt)
	if err != nil {
		return t, err
	}
	if !ok {
		// Someone else moved the task between our read and write.
		return t, &InvalidStateError{Entity: "task", ID: id, Reasons: []string{"status changed concurrently"}}
	}
	if to == domain.TaskCompleted {
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET progress=100 WHERE id=?`, id); err != nil {
			return t, err
		}
	}
	payload := events.EventPayload{"from": t.Status, "to": to}
	if tctx.System {
		payload["system"] = true
	}
	if tctx.TriggeredBy != "" {
		payload["triggered_by"] = tctx.TriggeredBy
	}
	evtType := "task.transitioned"
	if tctx.AutoCompleted {
		evtType = "task.auto_completed"
	}
	if err := e.Events.Append(ctx, tx, evtType, t.ProjectID, "task", t.ID, orUnknown(tctx.ActorID), payload); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}

	from := t.Status
	t, err = e.Repo.GetTask(ctx, id)
	if err != nil {
		return t, err
	}
	e.afterTransition(ctx, t, from, to, tctx)
	return t, nil
}

// afterTransition propagates completion and starts between parent and
// children. Cascade failures are advisory: they are logged and never
// escalated to the caller of the original transition.
func (e Engine) afterTransition(ctx context.Context, t domain.Task, from, to string, tctx flow.Context) {
	if to == domain.TaskCompleted && t.ParentID != nil {
		if err := e.autoCompleteParent(ctx, *t.ParentID, t.ID, tctx.ActorID); err != nil {
			log.Printf("hierarchy: auto-complete parent %s after %s: %v", *t.ParentID, t.ID, err)
		}
	}
	if from == domain.TaskPending && to == domain.TaskInProgress && e.Config != nil && e.Config.Hierarchy.AutoStartChildren {
		e.autoStartChildren(ctx, t, tctx.ActorID)
	}
}

// autoCompleteParent completes the parent when every child is terminal.
// The transition is tagged AutoCompleted, which both bypasses the
// open-children guard (already verified here) and records the triggering
// child. Recursion through TransitionTask cascades to grandparents.
func (e Engine) autoCompleteParent(ctx context.Context, parentID, childID, actorID string) error {
	parent, err := e.Repo.GetTask(ctx, parentID)
	if err != nil {
		return err
	}
	if parent.Terminal() {
		return nil
	}
	children, err := e.Repo.ListChildren(ctx, parentID)
	if err != nil {
		return err
	}
	cancelledCounts := e.Config != nil && e.Config.Hierarchy.CancelledCountsAsComplete
	if !flow.ChildrenComplete(childStatuses(children), cancelledCounts) {
		return nil
	}
	if !flow.Allowed(parent.Status, domain.TaskCompleted) {
		return nil
	}
	_, err = e.TransitionTask(ctx, parentID, domain.TaskCompleted, flow.Context{
		ActorID:       actorID,
		System:        true,
		AutoCompleted: true,
		TriggeredBy:   childID,
	})
	return err
}

// autoStartChildren starts every pending child of a freshly started
// parent. Each child is independent: one failure is logged and skipped.
func (e Engine) autoStartChildren(ctx context.Context, parent domain.Task, actorID string) {
	children, err := e.Repo.ListChildren(ctx, parent.ID)
	if err != nil {
		log.Printf("hierarchy: list children of %s: %v", parent.ID, err)
		return
	}
	for _, c := range children {
		if c.Status != domain.TaskPending {
			continue
		}
		if _, err := e.TransitionTask(ctx, c.ID, domain.TaskInProgress, flow.Context{
			ActorID:     actorID,
			System:      true,
			TriggeredBy: parent.ID,
		}); err != nil {
			log.Printf("hierarchy: auto-start child %s of %s: %v", c.ID, parent.ID, err)
		}
	}
}

// AvailableTransitions returns the legal target statuses for a task in
// its current state.
func (e Engine) AvailableTransitions(ctx context.Context, id string) ([]string, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	children, err := e.Repo.ListChildren(ctx, id)
	if err != nil {
		return nil, err
	}
	return flow.AvailableTransitions(t, flow.Context{ChildStatuses: childStatuses(children)}), nil
}

// DeleteTask removes a task. A task with children cannot be deleted;
// remove or reparent the children first.
func (e Engine) DeleteTask(ctx context.Context, id, actorID string) error {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return err
	}
	n, err := e.Repo.CountChildren(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return &InvalidStateError{Entity: "task", ID: id, Reasons: []string{fmt.Sprintf("has %d subtask(s)", n)}}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteTask(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.deleted", t.ProjectID, "task", t.ID, orUnknown(actorID), nil); err != nil {
		return err
	}
	return tx.Commit()
}

// HealthReport is the advisory result of a workflow consistency check.
type HealthReport struct {
	TaskID          string   `json:"task_id"`
	IsHealthy       bool     `json:"is_healthy"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

// CheckWorkflowHealth inspects a task against its parent and children and
// reports inconsistent state combinations. It is read-only: it never
// repairs, only describes.
func (e Engine) CheckWorkflowHealth(ctx context.Context, id string) (HealthReport, error) {
	report := HealthReport{TaskID: id, Issues: []string{}, Recommendations: []string{}}
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return report, err
	}
	children, err := e.Repo.ListChildren(ctx, id)
	if err != nil {
		return report, err
	}
	if t.Terminal() {
		for _, c := range children {
			if !c.Terminal() {
				report.Issues = append(report.Issues,
					fmt.Sprintf("task is %s but subtask %s is %s", t.Status, c.ID, c.Status))
				report.Recommendations = append(report.Recommendations,
					fmt.Sprintf("resolve subtask %s or cancel it", c.ID))
			}
		}
	}
	if t.ParentID != nil && t.Status == domain.TaskInProgress {
		parent, err := e.Repo.GetTask(ctx, *t.ParentID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return report, err
		}
		if err == nil && parent.Terminal() {
			report.Issues = append(report.Issues,
				fmt.Sprintf("task is in_progress but parent %s is %s", parent.ID, parent.Status))
			report.Recommendations = append(report.Recommendations,
				"finish or cancel this task; its parent is already closed")
		}
	}
	report.IsHealthy = len(report.Issues) == 0
	return report, nil
}

func childStatuses(children []domain.Task) []string {
	statuses := make([]string, len(children))
	for i, c := range children {
		statuses[i] = c.Status
	}
	return statuses
}
