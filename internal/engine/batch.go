package engine

import (
	"context"

	"handoff/internal/domain"
	"handoff/internal/engine/flow"
)

// BatchResult is the per-item outcome of a batch operation. A batch never
// rolls back: every item is attempted and reported independently.
type BatchResult struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status,omitempty"`
	Error     string `json:"error,omitempty"`
}

const (
	BatchSuccess = "success"
	BatchError   = "error"
)

// BatchUpdateQuestionStatus applies the same terminal status to a set of
// questions. The target is validated once up front; per-item failures do
// not stop the rest of the batch. The returned slice is positionally
// aligned with ids.
func (e Engine) BatchUpdateQuestionStatus(ctx context.Context, ids []string, target, answer, actorID string) ([]BatchResult, error) {
	switch target {
	case domain.QuestionAnswered:
		if answer == "" {
			return nil, &ValidationError{Field: "answer", Reason: "required when status is answered"}
		}
	case domain.QuestionIgnored:
	default:
		return nil, &ValidationError{Field: "status", Reason: "must be answered or ignored"}
	}

	results := make([]BatchResult, 0, len(ids))
	for _, id := range ids {
		res := BatchResult{ID: id, NewStatus: target}
		if q, err := e.Repo.GetQuestion(ctx, id); err == nil {
			res.OldStatus = q.Status
		}
		var err error
		switch target {
		case domain.QuestionAnswered:
			_, err = e.AnswerQuestion(ctx, id, answer, "text", actorID)
		case domain.QuestionIgnored:
			_, err = e.IgnoreQuestion(ctx, id, actorID)
		}
		if err != nil {
			res.Status = BatchError
			res.NewStatus = ""
			res.Error = err.Error()
		} else {
			res.Status = BatchSuccess
		}
		results = append(results, res)
	}
	return results, nil
}

// BatchDeleteQuestions soft-deletes a set of questions, one outcome per id.
func (e Engine) BatchDeleteQuestions(ctx context.Context, ids []string, actorID string) ([]BatchResult, error) {
	results := make([]BatchResult, 0, len(ids))
	for _, id := range ids {
		res := BatchResult{ID: id}
		if err := e.DeleteQuestion(ctx, id, actorID); err != nil {
			res.Status = BatchError
			res.Error = err.Error()
		} else {
			res.Status = BatchSuccess
		}
		results = append(results, res)
	}
	return results, nil
}

// BatchTransitionTasks moves a set of tasks to the same target status.
// Each transition runs the full validation and hierarchy cascade for its
// task, so one invalid task never blocks the others.
func (e Engine) BatchTransitionTasks(ctx context.Context, ids []string, to, actorID string) ([]BatchResult, error) {
	if !domain.ValidTaskStatus(to) {
		return nil, &ValidationError{Field: "status", Reason: "unknown task status"}
	}
	results := make([]BatchResult, 0, len(ids))
	for _, id := range ids {
		res := BatchResult{ID: id, NewStatus: to}
		if t, err := e.Repo.GetTask(ctx, id); err == nil {
			res.OldStatus = t.Status
		}
		if _, err := e.TransitionTask(ctx, id, to, flow.Context{ActorID: actorID}); err != nil {
			res.Status = BatchError
			res.NewStatus = ""
			res.Error = err.Error()
		} else {
			res.Status = BatchSuccess
		}
		results = append(results, res)
	}
	return results, nil
}
