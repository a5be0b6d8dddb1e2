// Package flow is the task state machine: a transition table plus
// context-sensitive guards. It is pure; callers load the task and its
// children, flow only judges.
package flow

import (
	"fmt"

	"handoff/internal/domain"
)

// Context carries the circumstances of a transition attempt.
type Context struct {
	ActorID string
	// System marks transitions executed by the hierarchy coordinator
	// rather than a caller.
	System bool
	// AutoCompleted is set only by the coordinator after it has verified
	// every child is terminal; it bypasses the open-children guard.
	AutoCompleted bool
	// TriggeredBy records which entity caused a system transition,
	// e.g. the child whose completion finished the parent.
	TriggeredBy string
	// ChildStatuses are the statuses of the task's direct children at
	// validation time.
	ChildStatuses []string
}

var transitions = map[string][]string{
	domain.TaskPending:    {domain.TaskInProgress, domain.TaskBlocked, domain.TaskCancelled},
	domain.TaskInProgress: {domain.TaskCompleted, domain.TaskBlocked, domain.TaskOnHold, domain.TaskCancelled},
	domain.TaskBlocked:    {domain.TaskPending, domain.TaskInProgress, domain.TaskCancelled},
	domain.TaskOnHold:     {domain.TaskInProgress, domain.TaskCancelled},
	domain.TaskCompleted:  {},
	domain.TaskCancelled:  {},
}

// Allowed reports whether the (from, to) pair is in the transition table.
func Allowed(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransition reports whether the task may move to the target status
// under the given context.
func CanTransition(t domain.Task, to string, tctx Context) bool {
	ok, _ := ValidateTransition(t, to, tctx)
	return ok
}

// ValidateTransition checks the table and every guard, collecting all
// failure reasons so batch and UI callers can surface them at once.
func ValidateTransition(t domain.Task, to string, tctx Context) (bool, []string) {
	var reasons []string
	if !domain.ValidTaskStatus(to) {
		reasons = append(reasons, fmt.Sprintf("unknown status %q", to))
		return false, reasons
	}
	if t.Status == to {
		reasons = append(reasons, fmt.Sprintf("task already %s", to))
	}
	if t.Status != to && !Allowed(t.Status, to) {
		reasons = append(reasons, fmt.Sprintf("transition %s -> %s not allowed", t.Status, to))
	}
	if to == domain.TaskCompleted && t.Type == domain.TaskMain && !tctx.AutoCompleted {
		if n := openChildren(tctx.ChildStatuses); n > 0 {
			reasons = append(reasons, fmt.Sprintf("%d subtask(s) still open", n))
		}
	}
	return len(reasons) == 0, reasons
}

// AvailableTransitions lists the target statuses the task could legally
// move to right now.
func AvailableTransitions(t domain.Task, tctx Context) []string {
	var res []string
	for _, to := range transitions[t.Status] {
		if CanTransition(t, to, tctx) {
			res = append(res, to)
		}
	}
	return res
}

func openChildren(statuses []string) int {
	n := 0
	for _, s := range statuses {
		if s != domain.TaskCompleted && s != domain.TaskCancelled {
			n++
		}
	}
	return n
}

// ChildrenComplete reports whether every child status counts as finished
// for auto-completion. Cancelled children count only when the configured
// policy allows it.
func ChildrenComplete(statuses []string, cancelledCounts bool) bool {
	if len(statuses) == 0 {
		return false
	}
	for _, s := range statuses {
		switch s {
		case domain.TaskCompleted:
		case domain.TaskCancelled:
			if !cancelledCounts {
				return false
			}
		default:
			return false
		}
	}
	return true
}
