package engine

import (
	"context"
	"time"

	"handoff/internal/domain"
)

// AskOutcome is the result of a blocking ask. Timed out is data, not an
// error: the caller decides whether to retry, escalate, or abandon.
type AskOutcome string

const (
	AskAnswered AskOutcome = "answered"
	AskIgnored  AskOutcome = "ignored"
	AskTimedOut AskOutcome = "timed_out"
)

type AskOptions struct {
	QuestionCreateOptions
	// Timeout bounds the wait; zero uses the configured default. It also
	// becomes the question's expires_at deadline.
	Timeout time.Duration
	// PollInterval overrides the configured store polling cadence.
	PollInterval time.Duration
}

type AskResult struct {
	Outcome  AskOutcome
	Question domain.Question
	Waited   time.Duration
}

// Ask creates a question and blocks until it is answered, ignored, or the
// timeout elapses. The answer arrives through a separate channel (a human
// acting via the API or CLI); Ask only polls the store between cooperative
// sleeps. A timeout is purely the caller's judgment: the question row
// stays pending until a human or ReconcileExpired resolves it.
func (e Engine) Ask(ctx context.Context, opts AskOptions) (AskResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.Config.DefaultTimeout()
	}
	if max := time.Duration(e.Config.Ask.MaxTimeoutSeconds) * time.Second; timeout > max {
		timeout = max
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = e.Config.PollInterval()
	}

	create := opts.QuestionCreateOptions
	create.ExpiresIn = int(timeout / time.Second)
	q, err := e.CreateQuestion(ctx, create)
	if err != nil {
		return AskResult{}, err
	}

	start := e.now()
	deadline := start.Add(timeout)
	for {
		if err := e.sleep(ctx, interval); err != nil {
			return AskResult{}, err
		}
		cur, err := e.Repo.GetQuestion(ctx, q.ID)
		if err != nil {
			return AskResult{}, err
		}
		waited := e.now().Sub(start)
		switch cur.Status {
		case domain.QuestionAnswered:
			return AskResult{Outcome: AskAnswered, Question: cur, Waited: waited}, nil
		case domain.QuestionIgnored:
			return AskResult{Outcome: AskIgnored, Question: cur, Waited: waited}, nil
		}
		if !e.now().Before(deadline) {
			return AskResult{Outcome: AskTimedOut, Question: cur, Waited: waited}, nil
		}
	}
}
