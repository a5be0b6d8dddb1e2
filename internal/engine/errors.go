package engine

import (
	"fmt"
	"strings"
)

// ValidationError indicates malformed or missing input. Nothing has been
// written when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// InvalidStateError indicates a transition attempted from a non-eligible
// state. The caller can recover by re-reading current state.
type InvalidStateError struct {
	Entity  string
	ID      string
	Reasons []string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Entity, e.ID, strings.Join(e.Reasons, "; "))
}

// UnboundAgentError indicates an agent without a project binding attempted
// an operation that requires one.
type UnboundAgentError struct {
	AgentID string
}

func (e *UnboundAgentError) Error() string {
	return fmt.Sprintf("agent %s is not bound to a project", e.AgentID)
}
