package engine_test

import (
	"errors"
	"testing"

	"handoff/internal/domain"
	"handoff/internal/engine"
)

func TestBatchUpdatePartialFailure(t *testing.T) {
	env := newTestEnv(t)
	a := env.createQuestion(t, engine.QuestionCreateOptions{Title: "a"})
	b := env.createQuestion(t, engine.QuestionCreateOptions{Title: "b"})
	c := env.createQuestion(t, engine.QuestionCreateOptions{Title: "c"})
	if _, err := env.Engine.AnswerQuestion(env.Ctx, b.ID, "early", "text", "alice"); err != nil {
		t.Fatal(err)
	}

	results, err := env.Engine.BatchUpdateQuestionStatus(env.Ctx,
		[]string{a.ID, b.ID, "missing", c.ID}, domain.QuestionAnswered, "batch answer", "alice")
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("results = %d, want one per input", len(results))
	}
	want := []string{engine.BatchSuccess, engine.BatchError, engine.BatchError, engine.BatchSuccess}
	for i, res := range results {
		if res.Status != want[i] {
			t.Errorf("results[%d] = %s (%s), want %s", i, res.Status, res.Error, want[i])
		}
	}
	if results[1].OldStatus != domain.QuestionAnswered || results[1].Error == "" {
		t.Fatalf("terminal item: %+v", results[1])
	}

	// the failures did not roll back the successes
	for _, id := range []string{a.ID, c.ID} {
		q, err := env.Engine.Repo.GetQuestion(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if q.Status != domain.QuestionAnswered || *q.Answer != "batch answer" {
			t.Fatalf("question %s = %s", id, q.Status)
		}
	}
	// and the earlier answer on b survives
	q, _ := env.Engine.Repo.GetQuestion(env.Ctx, b.ID)
	if *q.Answer != "early" {
		t.Fatalf("answer overwritten: %s", *q.Answer)
	}
}

func TestBatchValidatesTargetUpFront(t *testing.T) {
	env := newTestEnv(t)
	q := env.createQuestion(t, engine.QuestionCreateOptions{})

	var verr *engine.ValidationError
	if _, err := env.Engine.BatchUpdateQuestionStatus(env.Ctx, []string{q.ID}, "pending", "", "alice"); !errors.As(err, &verr) {
		t.Fatalf("non-terminal target: %v", err)
	}
	if _, err := env.Engine.BatchUpdateQuestionStatus(env.Ctx, []string{q.ID}, domain.QuestionAnswered, "", "alice"); !errors.As(err, &verr) {
		t.Fatalf("answered without answer: %v", err)
	}
	cur, _ := env.Engine.Repo.GetQuestion(env.Ctx, q.ID)
	if cur.Status != domain.QuestionPending {
		t.Fatalf("rejected batch touched data: %s", cur.Status)
	}
}

func TestBatchIgnore(t *testing.T) {
	env := newTestEnv(t)
	a := env.createQuestion(t, engine.QuestionCreateOptions{Title: "a"})
	b := env.createQuestion(t, engine.QuestionCreateOptions{Title: "b"})
	results, err := env.Engine.BatchUpdateQuestionStatus(env.Ctx, []string{a.ID, b.ID}, domain.QuestionIgnored, "", "alice")
	if err != nil {
		t.Fatal(err)
	}
	for _, res := range results {
		if res.Status != engine.BatchSuccess || res.OldStatus != domain.QuestionPending {
			t.Fatalf("result: %+v", res)
		}
	}
}

func TestBatchDeleteQuestions(t *testing.T) {
	env := newTestEnv(t)
	a := env.createQuestion(t, engine.QuestionCreateOptions{Title: "a"})
	results, err := env.Engine.BatchDeleteQuestions(env.Ctx, []string{a.ID, "missing"}, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Status != engine.BatchSuccess || results[1].Status != engine.BatchError {
		t.Fatalf("results: %+v", results)
	}
}

func TestBatchTransitionTasks(t *testing.T) {
	env := newTestEnv(t)
	a := env.createTask(t, "a", "")
	b := env.createTask(t, "b", "")
	env.move(t, b.ID, domain.TaskInProgress)
	env.move(t, b.ID, domain.TaskCompleted)

	results, err := env.Engine.BatchTransitionTasks(env.Ctx, []string{a.ID, b.ID}, domain.TaskInProgress, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Status != engine.BatchSuccess {
		t.Fatalf("movable task failed: %+v", results[0])
	}
	if results[1].Status != engine.BatchError || results[1].OldStatus != domain.TaskCompleted {
		t.Fatalf("terminal task: %+v", results[1])
	}

	var verr *engine.ValidationError
	if _, err := env.Engine.BatchTransitionTasks(env.Ctx, []string{a.ID}, "nonsense", "tester"); !errors.As(err, &verr) {
		t.Fatalf("unknown status: %v", err)
	}
}
