package engine_test

import (
	"context"
	"testing"
	"time"

	"handoff/internal/domain"
	"handoff/internal/engine"
)

// askHook advances simulated time on every poll sleep and runs an action
// at a chosen poll number, standing in for a human answering elsewhere.
func askHook(env testEnv, at int, action func()) func(context.Context, time.Duration) error {
	polls := 0
	return func(ctx context.Context, d time.Duration) error {
		env.Clock.Advance(d)
		polls++
		if polls == at && action != nil {
			action()
		}
		return ctx.Err()
	}
}

func TestAskReturnsWhenAnswered(t *testing.T) {
	env := newTestEnv(t)
	eng := env.Engine
	eng.Sleep = askHook(env, 3, func() {
		if _, err := env.Engine.AnswerQuestion(env.Ctx, "q-ask", "ship it", "text", "alice"); err != nil {
			t.Errorf("answer during ask: %v", err)
		}
	})
	res, err := eng.Ask(env.Ctx, engine.AskOptions{
		QuestionCreateOptions: engine.QuestionCreateOptions{
			ID: "q-ask", AgentID: "agent-1", TargetUserID: "alice",
			Title: "Deploy now?", Content: "Tests are green.",
		},
		Timeout: 60 * time.Second,
	})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if res.Outcome != engine.AskAnswered {
		t.Fatalf("outcome = %s, want answered", res.Outcome)
	}
	if res.Question.Answer == nil || *res.Question.Answer != "ship it" {
		t.Fatalf("answer = %v", res.Question.Answer)
	}
	// three polls at the default 2s interval
	if res.Waited != 6*time.Second {
		t.Fatalf("waited = %s, want 6s", res.Waited)
	}
}

func TestAskReturnsWhenIgnored(t *testing.T) {
	env := newTestEnv(t)
	eng := env.Engine
	eng.Sleep = askHook(env, 2, func() {
		if _, err := env.Engine.IgnoreQuestion(env.Ctx, "q-ign", "alice"); err != nil {
			t.Errorf("ignore during ask: %v", err)
		}
	})
	res, err := eng.Ask(env.Ctx, engine.AskOptions{
		QuestionCreateOptions: engine.QuestionCreateOptions{
			ID: "q-ign", AgentID: "agent-1", TargetUserID: "alice",
			Title: "Rewrite in Rust?", Content: "Asking for a friend.",
		},
		Timeout: 60 * time.Second,
	})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if res.Outcome != engine.AskIgnored {
		t.Fatalf("outcome = %s, want ignored", res.Outcome)
	}
}

func TestAskTimesOutAndLeavesQuestionPending(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Ask(env.Ctx, engine.AskOptions{
		QuestionCreateOptions: engine.QuestionCreateOptions{
			ID: "q-slow", AgentID: "agent-1", TargetUserID: "alice",
			Title: "Anyone there?", Content: "Blocking on input.", Priority: "urgent",
		},
		Timeout:      5 * time.Second,
		PollInterval: time.Second,
	})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if res.Outcome != engine.AskTimedOut {
		t.Fatalf("outcome = %s, want timed_out", res.Outcome)
	}
	if res.Waited != 5*time.Second {
		t.Fatalf("waited = %s, want 5s", res.Waited)
	}
	// the timeout is the caller's judgment only; the row stays pending
	// with the deadline recorded for the reconciler.
	q, err := env.Engine.Repo.GetQuestion(env.Ctx, "q-slow")
	if err != nil {
		t.Fatal(err)
	}
	if q.Status != domain.QuestionPending {
		t.Fatalf("status = %s, want pending", q.Status)
	}
	if q.ExpiresAt == nil || *q.ExpiresAt != "2026-03-01T09:00:05Z" {
		t.Fatalf("expires_at = %v", q.ExpiresAt)
	}
	env.Clock.Advance(time.Minute)
	n, err := env.Engine.ReconcileExpired(env.Ctx, "reconciler")
	if err != nil || n != 1 {
		t.Fatalf("reconcile after timeout = %d, %v", n, err)
	}
}

func TestAskClampsTimeoutToConfiguredMax(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Ask(env.Ctx, engine.AskOptions{
		QuestionCreateOptions: engine.QuestionCreateOptions{
			ID: "q-clamp", AgentID: "agent-1", TargetUserID: "alice",
			Title: "t", Content: "c",
		},
		Timeout: 48 * time.Hour,
	})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if res.Outcome != engine.AskTimedOut {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	// config max is 3600s
	if res.Waited != time.Hour {
		t.Fatalf("waited = %s, want 1h", res.Waited)
	}
}

func TestAskStopsOnContextCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(env.Ctx)
	eng := env.Engine
	eng.Sleep = askHook(env, 2, cancel)
	_, err := eng.Ask(ctx, engine.AskOptions{
		QuestionCreateOptions: engine.QuestionCreateOptions{
			AgentID: "agent-1", TargetUserID: "alice", Title: "t", Content: "c",
		},
	})
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
