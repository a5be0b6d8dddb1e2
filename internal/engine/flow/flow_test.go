package flow_test

import (
	"strings"
	"testing"

	"handoff/internal/domain"
	"handoff/internal/engine/flow"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{"pending", "in_progress", true},
		{"pending", "blocked", true},
		{"pending", "cancelled", true},
		{"pending", "completed", false},
		{"pending", "on_hold", false},
		{"in_progress", "completed", true},
		{"in_progress", "on_hold", true},
		{"blocked", "pending", true},
		{"blocked", "in_progress", true},
		{"blocked", "on_hold", false},
		{"on_hold", "in_progress", true},
		{"on_hold", "pending", false},
		{"completed", "in_progress", false},
		{"completed", "cancelled", false},
		{"cancelled", "pending", false},
	}
	for _, c := range cases {
		if got := flow.Allowed(c.from, c.to); got != c.want {
			t.Errorf("Allowed(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestValidateTransitionCollectsAllReasons(t *testing.T) {
	task := domain.Task{ID: "t1", Type: domain.TaskMain, Status: domain.TaskPending}
	ok, reasons := flow.ValidateTransition(task, domain.TaskCompleted, flow.Context{
		ChildStatuses: []string{domain.TaskPending, domain.TaskInProgress},
	})
	if ok {
		t.Fatalf("expected failure")
	}
	if len(reasons) != 2 {
		t.Fatalf("expected 2 reasons, got %v", reasons)
	}
	if !strings.Contains(reasons[0], "not allowed") {
		t.Errorf("reason[0] = %q", reasons[0])
	}
	if !strings.Contains(reasons[1], "2 subtask(s) still open") {
		t.Errorf("reason[1] = %q", reasons[1])
	}
}

func TestSameStatusRejected(t *testing.T) {
	task := domain.Task{ID: "t1", Type: domain.TaskMain, Status: domain.TaskInProgress}
	ok, reasons := flow.ValidateTransition(task, domain.TaskInProgress, flow.Context{})
	if ok || len(reasons) != 1 {
		t.Fatalf("expected single already-there reason, got ok=%v %v", ok, reasons)
	}
}

func TestAutoCompletedBypassesChildGuard(t *testing.T) {
	task := domain.Task{ID: "t1", Type: domain.TaskMain, Status: domain.TaskInProgress}
	tctx := flow.Context{ChildStatuses: []string{domain.TaskInProgress}}
	if flow.CanTransition(task, domain.TaskCompleted, tctx) {
		t.Fatalf("expected open child to block completion")
	}
	tctx.AutoCompleted = true
	if !flow.CanTransition(task, domain.TaskCompleted, tctx) {
		t.Fatalf("expected auto-completed transition to pass")
	}
}

func TestSubtaskCompletionIgnoresParentGuard(t *testing.T) {
	sub := domain.Task{ID: "s1", Type: domain.TaskSub, Status: domain.TaskInProgress}
	if !flow.CanTransition(sub, domain.TaskCompleted, flow.Context{}) {
		t.Fatalf("expected subtask completion to pass")
	}
}

func TestAvailableTransitions(t *testing.T) {
	task := domain.Task{ID: "t1", Type: domain.TaskMain, Status: domain.TaskInProgress}
	got := flow.AvailableTransitions(task, flow.Context{ChildStatuses: []string{domain.TaskPending}})
	for _, s := range got {
		if s == domain.TaskCompleted {
			t.Fatalf("completed should be gated by open child: %v", got)
		}
	}
	if len(got) != 3 {
		t.Fatalf("expected blocked,on_hold,cancelled, got %v", got)
	}

	done := domain.Task{ID: "t2", Status: domain.TaskCompleted}
	if got := flow.AvailableTransitions(done, flow.Context{}); len(got) != 0 {
		t.Fatalf("terminal task should have no transitions, got %v", got)
	}
}

func TestChildrenComplete(t *testing.T) {
	if flow.ChildrenComplete(nil, true) {
		t.Fatalf("no children should not count as complete")
	}
	all := []string{domain.TaskCompleted, domain.TaskCompleted}
	if !flow.ChildrenComplete(all, false) {
		t.Fatalf("all completed should count")
	}
	mixed := []string{domain.TaskCompleted, domain.TaskCancelled}
	if !flow.ChildrenComplete(mixed, true) {
		t.Fatalf("cancelled should count under permissive policy")
	}
	if flow.ChildrenComplete(mixed, false) {
		t.Fatalf("cancelled should not count under strict policy")
	}
	open := []string{domain.TaskCompleted, domain.TaskOnHold}
	if flow.ChildrenComplete(open, true) {
		t.Fatalf("on_hold child should block completion")
	}
}
