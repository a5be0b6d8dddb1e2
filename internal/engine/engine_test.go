package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"handoff/internal/config"
	"handoff/internal/db"
	"handoff/internal/domain"
	"handoff/internal/engine"
	"handoff/internal/migrate"
	"handoff/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Clock  *fakeClock
	Ctx    context.Context
}

// fakeClock replaces both Now and Sleep so waits advance simulated time
// instead of real time.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	eng.Now = clock.Now
	eng.Events.Now = clock.Now
	eng.Sleep = func(ctx context.Context, d time.Duration) error {
		clock.Advance(d)
		return ctx.Err()
	}
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "test", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	if _, err := eng.RegisterAgent(ctx, "agent-1", "builder", "proj-1"); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	return testEnv{Engine: eng, Clock: clock, Ctx: ctx}
}

func (env testEnv) createQuestion(t *testing.T, opts engine.QuestionCreateOptions) domain.Question {
	t.Helper()
	if opts.AgentID == "" {
		opts.AgentID = "agent-1"
	}
	if opts.TargetUserID == "" {
		opts.TargetUserID = "alice"
	}
	if opts.Title == "" {
		opts.Title = "Which database?"
	}
	if opts.Content == "" {
		opts.Content = "Postgres or SQLite for the cache index?"
	}
	q, err := env.Engine.CreateQuestion(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create question: %v", err)
	}
	return q
}

func TestQuestionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	q := env.createQuestion(t, engine.QuestionCreateOptions{Priority: "high", ExpiresIn: 300})
	if q.Status != domain.QuestionPending {
		t.Fatalf("status = %s, want pending", q.Status)
	}
	if q.ProjectID != "proj-1" {
		t.Fatalf("project not resolved from binding: %s", q.ProjectID)
	}
	if q.ExpiresAt == nil || *q.ExpiresAt != "2026-03-01T09:05:00Z" {
		t.Fatalf("expires_at = %v", q.ExpiresAt)
	}

	answered, err := env.Engine.AnswerQuestion(env.Ctx, q.ID, "SQLite", "choice", "alice")
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if answered.Status != domain.QuestionAnswered {
		t.Fatalf("status = %s, want answered", answered.Status)
	}
	if answered.Answer == nil || *answered.Answer != "SQLite" {
		t.Fatalf("answer = %v", answered.Answer)
	}
	if answered.AnsweredBy == nil || *answered.AnsweredBy != "alice" {
		t.Fatalf("answered_by = %v", answered.AnsweredBy)
	}
	if answered.AnsweredAt == nil {
		t.Fatalf("answered_at not set")
	}

	// terminal questions reject further mutation
	var stateErr *engine.InvalidStateError
	if _, err := env.Engine.AnswerQuestion(env.Ctx, q.ID, "Postgres", "choice", "bob"); !errors.As(err, &stateErr) {
		t.Fatalf("second answer: %v", err)
	}
	if _, err := env.Engine.IgnoreQuestion(env.Ctx, q.ID, "bob"); !errors.As(err, &stateErr) {
		t.Fatalf("ignore after answer: %v", err)
	}
	// the first answer survives untouched
	cur, err := env.Engine.Repo.GetQuestion(env.Ctx, q.ID)
	if err != nil {
		t.Fatal(err)
	}
	if *cur.Answer != "SQLite" || *cur.AnsweredBy != "alice" {
		t.Fatalf("answer overwritten: %v by %v", *cur.Answer, *cur.AnsweredBy)
	}
}

func TestTerminalQuestionMutationDiagnosis(t *testing.T) {
	env := newTestEnv(t)
	q := env.createQuestion(t, engine.QuestionCreateOptions{})
	if _, err := env.Engine.IgnoreQuestion(env.Ctx, q.ID, "alice"); err != nil {
		t.Fatalf("ignore: %v", err)
	}

	// the diagnosis reads through the same transaction that holds the
	// write lock and names the actual status
	var stateErr *engine.InvalidStateError
	_, err := env.Engine.AnswerQuestion(env.Ctx, q.ID, "too late", "text", "bob")
	if !errors.As(err, &stateErr) {
		t.Fatalf("answer ignored question: %v", err)
	}
	if len(stateErr.Reasons) != 1 || stateErr.Reasons[0] != "status is ignored, not pending" {
		t.Fatalf("reasons = %v", stateErr.Reasons)
	}
	if _, err := env.Engine.IgnoreQuestion(env.Ctx, q.ID, "bob"); !errors.As(err, &stateErr) {
		t.Fatalf("double ignore: %v", err)
	}

	// missing rows stay distinguishable from terminal ones
	if _, err := env.Engine.AnswerQuestion(env.Ctx, "q-missing", "x", "text", "bob"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing question: %v", err)
	}
}

func TestCreateQuestionValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name  string
		opts  engine.QuestionCreateOptions
		field string
	}{
		{"missing target", engine.QuestionCreateOptions{AgentID: "agent-1", Title: "t", Content: "c"}, "target_user_id"},
		{"missing title", engine.QuestionCreateOptions{AgentID: "agent-1", TargetUserID: "u", Content: "c"}, "title"},
		{"missing content", engine.QuestionCreateOptions{AgentID: "agent-1", TargetUserID: "u", Title: "t"}, "content"},
		{"bad priority", engine.QuestionCreateOptions{AgentID: "agent-1", TargetUserID: "u", Title: "t", Content: "c", Priority: "asap"}, "priority"},
		{"negative expiry", engine.QuestionCreateOptions{AgentID: "agent-1", TargetUserID: "u", Title: "t", Content: "c", ExpiresIn: -5}, "expires_in"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := env.Engine.CreateQuestion(env.Ctx, c.opts)
			var verr *engine.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if verr.Field != c.field {
				t.Fatalf("field = %s, want %s", verr.Field, c.field)
			}
		})
	}
	// nothing was written
	var count int
	if err := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM questions`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected no question rows, got %d", count)
	}
}

func TestUnboundAgentCannotAsk(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.RegisterAgent(env.Ctx, "drifter", "", ""); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.CreateQuestion(env.Ctx, engine.QuestionCreateOptions{
		AgentID: "drifter", TargetUserID: "alice", Title: "t", Content: "c",
	})
	var uerr *engine.UnboundAgentError
	if !errors.As(err, &uerr) {
		t.Fatalf("err = %v, want UnboundAgentError", err)
	}
	// bound elsewhere is also rejected
	_, err = env.Engine.CreateQuestion(env.Ctx, engine.QuestionCreateOptions{
		AgentID: "agent-1", ProjectID: "proj-2", TargetUserID: "alice", Title: "t", Content: "c",
	})
	if !errors.As(err, &uerr) {
		t.Fatalf("cross-project ask: %v", err)
	}
}

func TestReconcileExpired(t *testing.T) {
	env := newTestEnv(t)
	short := env.createQuestion(t, engine.QuestionCreateOptions{Title: "short", ExpiresIn: 60})
	long := env.createQuestion(t, engine.QuestionCreateOptions{Title: "long", ExpiresIn: 3600})
	forever := env.createQuestion(t, engine.QuestionCreateOptions{Title: "forever"})

	env.Clock.Advance(2 * time.Minute)

	// a late answer still lands while reconciliation has not run
	if _, err := env.Engine.AnswerQuestion(env.Ctx, short.ID, "yes", "text", "alice"); err != nil {
		t.Fatalf("late answer: %v", err)
	}

	env.Clock.Advance(2 * time.Hour)
	n, err := env.Engine.ReconcileExpired(env.Ctx, "reconciler")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 1 {
		t.Fatalf("reconciled = %d, want 1 (only the unanswered expired question)", n)
	}
	cur, _ := env.Engine.Repo.GetQuestion(env.Ctx, long.ID)
	if cur.Status != domain.QuestionIgnored {
		t.Fatalf("long question = %s, want ignored", cur.Status)
	}
	cur, _ = env.Engine.Repo.GetQuestion(env.Ctx, forever.ID)
	if cur.Status != domain.QuestionPending {
		t.Fatalf("deadline-free question = %s, want pending", cur.Status)
	}

	// reconciliation is idempotent
	n, err = env.Engine.ReconcileExpired(env.Ctx, "reconciler")
	if err != nil || n != 0 {
		t.Fatalf("second run = %d, %v, want 0, nil", n, err)
	}
}

func TestDeleteQuestionHidesFromReads(t *testing.T) {
	env := newTestEnv(t)
	q := env.createQuestion(t, engine.QuestionCreateOptions{})
	if err := env.Engine.DeleteQuestion(env.Ctx, q.ID, "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.Repo.GetQuestion(env.Ctx, q.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("get after delete: %v", err)
	}
	// the row is retained for audit
	var count int
	if err := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM questions WHERE id=?`, q.ID).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("row count = %d, want 1", count)
	}
}

func TestQuestionEventsLogged(t *testing.T) {
	env := newTestEnv(t)
	q := env.createQuestion(t, engine.QuestionCreateOptions{})
	if _, err := env.Engine.AnswerQuestion(env.Ctx, q.ID, "ok", "text", "alice"); err != nil {
		t.Fatal(err)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE entity_id=? ORDER BY id`, q.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var types []string
	for rows.Next() {
		var s string
		rows.Scan(&s)
		types = append(types, s)
	}
	if len(types) != 2 || types[0] != "question.created" || types[1] != "question.answered" {
		t.Fatalf("event types = %v", types)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	key, plaintext, err := env.Engine.CreateAPIKey(env.Ctx, "agent-1", "ci")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if plaintext == "" || key.KeyHash == plaintext {
		t.Fatalf("plaintext must differ from stored hash")
	}
	agent, err := env.Engine.ResolveAPIKey(env.Ctx, plaintext)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if agent.ID != "agent-1" {
		t.Fatalf("resolved agent = %s", agent.ID)
	}
	if _, err := env.Engine.ResolveAPIKey(env.Ctx, "hf_bogus"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("bogus key: %v", err)
	}
}

func TestListQuestionsPriorityOrdering(t *testing.T) {
	env := newTestEnv(t)
	create := func(title, priority string) domain.Question {
		q := env.createQuestion(t, engine.QuestionCreateOptions{Title: title, Priority: priority})
		env.Clock.Advance(time.Minute)
		return q
	}
	create("m-old", "medium")
	create("u-old", "urgent")
	create("l", "low")
	create("h", "high")
	create("u-new", "urgent")

	list, err := env.Engine.Repo.ListQuestions(env.Ctx, repo.QuestionFilters{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var got []string
	for _, q := range list {
		got = append(got, q.Title)
	}
	// urgent first, ties broken newest-first
	want := []string{"u-new", "u-old", "h", "m-old", "l"}
	if len(got) != len(want) {
		t.Fatalf("got %d questions: %v", len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	// the stored rank column drives the ORDER BY; pin it to the priority
	for _, q := range list {
		var rank int
		if err := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT priority_rank FROM questions WHERE id=?`, q.ID).Scan(&rank); err != nil {
			t.Fatal(err)
		}
		if rank != domain.PriorityRank(q.Priority) {
			t.Fatalf("rank %d out of sync with priority %s on %s", rank, q.Priority, q.Title)
		}
	}

	// the keyset cursor resumes mid-rank without skipping or repeating
	page, err := env.Engine.Repo.ListQuestions(env.Ctx, repo.QuestionFilters{ProjectID: "proj-1", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	last := page[len(page)-1]
	rest, err := env.Engine.Repo.ListQuestions(env.Ctx, repo.QuestionFilters{
		ProjectID:       "proj-1",
		CursorRank:      domain.PriorityRank(last.Priority),
		CursorCreatedAt: last.CreatedAt,
		CursorID:        last.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 3 || rest[0].Title != "h" {
		t.Fatalf("after cursor: %d items, first %q", len(rest), rest[0].Title)
	}
}

func TestProjectConfigSeededWithEngineClock(t *testing.T) {
	env := newTestEnv(t)
	var createdAt string
	if err := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT created_at FROM project_configs WHERE project_id=?`, "proj-1").Scan(&createdAt); err != nil {
		t.Fatal(err)
	}
	if createdAt != "2026-03-01T09:00:00Z" {
		t.Fatalf("created_at = %s, want the injected clock's time", createdAt)
	}
}
