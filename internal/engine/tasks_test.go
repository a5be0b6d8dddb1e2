package engine_test

import (
	"errors"
	"testing"

	"handoff/internal/domain"
	"handoff/internal/engine"
	"handoff/internal/engine/flow"
)

func (env testEnv) createTask(t *testing.T, title, parentID string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "proj-1",
		ParentID:  parentID,
		Title:     title,
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create task %q: %v", title, err)
	}
	return task
}

func (env testEnv) move(t *testing.T, id, to string) domain.Task {
	t.Helper()
	task, err := env.Engine.TransitionTask(env.Ctx, id, to, flow.Context{ActorID: "tester"})
	if err != nil {
		t.Fatalf("move %s to %s: %v", id, to, err)
	}
	return task
}

func TestTaskTransitions(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "build index", "")
	if task.Type != domain.TaskMain || task.Status != domain.TaskPending {
		t.Fatalf("new task = %s/%s", task.Type, task.Status)
	}

	task = env.move(t, task.ID, domain.TaskInProgress)
	task = env.move(t, task.ID, domain.TaskOnHold)
	task = env.move(t, task.ID, domain.TaskInProgress)
	task = env.move(t, task.ID, domain.TaskCompleted)
	if task.Progress != 100 || task.CompletedAt == nil {
		t.Fatalf("completion side effects missing: progress=%d completed_at=%v", task.Progress, task.CompletedAt)
	}

	// terminal state: no further moves
	var stateErr *engine.InvalidStateError
	if _, err := env.Engine.TransitionTask(env.Ctx, task.ID, domain.TaskInProgress, flow.Context{}); !errors.As(err, &stateErr) {
		t.Fatalf("move out of completed: %v", err)
	}
}

func TestTransitionErrorCollectsAllReasons(t *testing.T) {
	env := newTestEnv(t)
	parent := env.createTask(t, "parent", "")
	env.createTask(t, "child", parent.ID)

	_, err := env.Engine.TransitionTask(env.Ctx, parent.ID, domain.TaskCompleted, flow.Context{ActorID: "tester"})
	var stateErr *engine.InvalidStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("err = %v", err)
	}
	// the table forbids pending->completed and a subtask is open
	if len(stateErr.Reasons) != 2 {
		t.Fatalf("reasons = %v, want both", stateErr.Reasons)
	}
}

func TestSubtaskInheritsParentProject(t *testing.T) {
	env := newTestEnv(t)
	parent := env.createTask(t, "parent", "")
	sub, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "other-project",
		ParentID:  parent.ID,
		Title:     "sub",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if sub.Type != domain.TaskSub || sub.ProjectID != "proj-1" {
		t.Fatalf("sub = %s in %s, want sub in proj-1", sub.Type, sub.ProjectID)
	}
}

func TestAutoCompleteParent(t *testing.T) {
	env := newTestEnv(t)
	parent := env.createTask(t, "release", "")
	env.move(t, parent.ID, domain.TaskInProgress)
	a := env.createTask(t, "write changelog", parent.ID)
	b := env.createTask(t, "tag version", parent.ID)
	c := env.createTask(t, "publish artifacts", parent.ID)

	// last child's completion order does not matter
	for _, id := range []string{b.ID, c.ID, a.ID} {
		env.move(t, id, domain.TaskInProgress)
		env.move(t, id, domain.TaskCompleted)
	}

	got, err := env.Engine.Repo.GetTask(env.Ctx, parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskCompleted {
		t.Fatalf("parent = %s, want auto-completed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatalf("completed_at not set on auto-complete")
	}

	var evtType, payload string
	err = env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT type, payload_json FROM events WHERE entity_id=? ORDER BY id DESC LIMIT 1`, parent.ID).
		Scan(&evtType, &payload)
	if err != nil {
		t.Fatal(err)
	}
	if evtType != "task.auto_completed" {
		t.Fatalf("last event = %s", evtType)
	}
}

func TestAutoCompleteWaitsForAllChildren(t *testing.T) {
	env := newTestEnv(t)
	parent := env.createTask(t, "parent", "")
	a := env.createTask(t, "a", parent.ID)
	env.createTask(t, "b", parent.ID)
	env.move(t, parent.ID, domain.TaskInProgress)
	env.move(t, a.ID, domain.TaskCompleted)

	got, _ := env.Engine.Repo.GetTask(env.Ctx, parent.ID)
	if got.Status != domain.TaskInProgress {
		t.Fatalf("parent moved early: %s", got.Status)
	}
}

func TestCancelledChildPolicy(t *testing.T) {
	env := newTestEnv(t)
	// default policy counts cancelled children as complete
	parent := env.createTask(t, "parent", "")
	a := env.createTask(t, "a", parent.ID)
	b := env.createTask(t, "b", parent.ID)
	env.move(t, parent.ID, domain.TaskInProgress)
	env.move(t, a.ID, domain.TaskCancelled)
	env.move(t, b.ID, domain.TaskCompleted)
	got, _ := env.Engine.Repo.GetTask(env.Ctx, parent.ID)
	if got.Status != domain.TaskCompleted {
		t.Fatalf("permissive policy: parent = %s, want completed", got.Status)
	}

	// strict policy keeps the parent open
	env.Engine.Config.Hierarchy.CancelledCountsAsComplete = false
	parent2 := env.createTask(t, "parent2", "")
	c := env.createTask(t, "c", parent2.ID)
	d := env.createTask(t, "d", parent2.ID)
	env.move(t, parent2.ID, domain.TaskInProgress)
	env.move(t, c.ID, domain.TaskCancelled)
	env.move(t, d.ID, domain.TaskCompleted)
	got, _ = env.Engine.Repo.GetTask(env.Ctx, parent2.ID)
	if got.Status != domain.TaskInProgress {
		t.Fatalf("strict policy: parent = %s, want in_progress", got.Status)
	}
}

func TestAutoCompleteCascadesUpward(t *testing.T) {
	env := newTestEnv(t)
	root := env.createTask(t, "root", "")
	mid := env.createTask(t, "mid", root.ID)
	leaf := env.createTask(t, "leaf", mid.ID)
	env.move(t, root.ID, domain.TaskInProgress)

	// auto_start_children already moved mid and leaf to in_progress
	env.move(t, leaf.ID, domain.TaskCompleted)

	got, _ := env.Engine.Repo.GetTask(env.Ctx, mid.ID)
	if got.Status != domain.TaskCompleted {
		t.Fatalf("mid = %s", got.Status)
	}
	got, _ = env.Engine.Repo.GetTask(env.Ctx, root.ID)
	if got.Status != domain.TaskCompleted {
		t.Fatalf("root = %s", got.Status)
	}
}

func TestAutoStartChildren(t *testing.T) {
	env := newTestEnv(t)
	parent := env.createTask(t, "parent", "")
	a := env.createTask(t, "a", parent.ID)
	b := env.createTask(t, "b", parent.ID)
	env.move(t, b.ID, domain.TaskBlocked)

	env.move(t, parent.ID, domain.TaskInProgress)
	got, _ := env.Engine.Repo.GetTask(env.Ctx, a.ID)
	if got.Status != domain.TaskInProgress {
		t.Fatalf("pending child = %s, want started", got.Status)
	}
	got, _ = env.Engine.Repo.GetTask(env.Ctx, b.ID)
	if got.Status != domain.TaskBlocked {
		t.Fatalf("blocked child = %s, want untouched", got.Status)
	}
}

func TestAutoStartDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Hierarchy.AutoStartChildren = false
	parent := env.createTask(t, "parent", "")
	a := env.createTask(t, "a", parent.ID)
	env.move(t, parent.ID, domain.TaskInProgress)
	got, _ := env.Engine.Repo.GetTask(env.Ctx, a.ID)
	if got.Status != domain.TaskPending {
		t.Fatalf("child = %s, want pending", got.Status)
	}
}

func TestDeleteTaskRefusesChildren(t *testing.T) {
	env := newTestEnv(t)
	parent := env.createTask(t, "parent", "")
	child := env.createTask(t, "child", parent.ID)

	var stateErr *engine.InvalidStateError
	if err := env.Engine.DeleteTask(env.Ctx, parent.ID, "tester"); !errors.As(err, &stateErr) {
		t.Fatalf("delete with child: %v", err)
	}
	if err := env.Engine.DeleteTask(env.Ctx, child.ID, "tester"); err != nil {
		t.Fatalf("delete leaf: %v", err)
	}
	if err := env.Engine.DeleteTask(env.Ctx, parent.ID, "tester"); err != nil {
		t.Fatalf("delete after children gone: %v", err)
	}
}

func TestAvailableTransitionsEndpointData(t *testing.T) {
	env := newTestEnv(t)
	parent := env.createTask(t, "parent", "")
	env.createTask(t, "child", parent.ID)
	env.move(t, parent.ID, domain.TaskInProgress)

	got, err := env.Engine.AvailableTransitions(env.Ctx, parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range got {
		if s == domain.TaskCompleted {
			t.Fatalf("completed offered despite open child: %v", got)
		}
	}
}

func TestWorkflowHealth(t *testing.T) {
	env := newTestEnv(t)
	parent := env.createTask(t, "parent", "")
	child := env.createTask(t, "child", parent.ID)
	env.move(t, parent.ID, domain.TaskInProgress)

	report, err := env.Engine.CheckWorkflowHealth(env.Ctx, parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !report.IsHealthy {
		t.Fatalf("expected healthy: %v", report.Issues)
	}

	// cancelling the parent strands the running child
	env.move(t, parent.ID, domain.TaskCancelled)
	report, err = env.Engine.CheckWorkflowHealth(env.Ctx, parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if report.IsHealthy || len(report.Issues) == 0 || len(report.Recommendations) == 0 {
		t.Fatalf("expected issues on stranded child: %+v", report)
	}
	childStatus, _ := env.Engine.Repo.GetTask(env.Ctx, child.ID)
	if childStatus.Status != domain.TaskInProgress {
		t.Fatalf("health check mutated state: child = %s", childStatus.Status)
	}

	report, err = env.Engine.CheckWorkflowHealth(env.Ctx, child.ID)
	if err != nil {
		t.Fatal(err)
	}
	if report.IsHealthy {
		t.Fatalf("running child under cancelled parent should be flagged")
	}
}

func TestCycleDetection(t *testing.T) {
	env := newTestEnv(t)
	a := env.createTask(t, "a", "")
	b := env.createTask(t, "b", a.ID)
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ID:       a.ID,
		ParentID: b.ID,
		Title:    "a again",
		ActorID:  "tester",
	})
	if err == nil {
		t.Fatalf("expected cycle rejection")
	}
}
