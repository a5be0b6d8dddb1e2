package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"handoff/internal/config"
	"handoff/internal/db"
	"handoff/internal/engine"
	"handoff/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("handoff")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	if err := e.Repo.UpsertProjectConfig(context.Background(), cfg.Project.ID, cfg, time.Now().UTC().Format(time.RFC3339)); err != nil {
		t.Fatalf("seed project config: %v", err)
	}
	if _, err := e.RegisterAgent(context.Background(), "agent-1", "builder", cfg.Project.ID); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{AllowActorHeader: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if _, ok := headers["X-Actor-Id"]; !ok && headers == nil {
		req.Header.Set("X-Actor-Id", "agent-1")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestQuestionAnswerFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/handoff"

	createRes, data := doJSON(t, client, http.MethodPost, base+"/questions", map[string]any{
		"target_user_id": "alice",
		"title":          "Deploy now?",
		"content":        "Staging is green. Promote to prod?",
		"priority":       "high",
	}, nil)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create question status %d: %s", createRes.StatusCode, string(data))
	}
	var created QuestionResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal question: %v", err)
	}
	if created.Status != "pending" {
		t.Fatalf("expected pending, got %s", created.Status)
	}

	answerRes, answerBody := doJSON(t, client, http.MethodPost, base+"/questions/"+created.ID+"/answer", map[string]any{
		"answer": "Yes, go ahead.",
	}, map[string]string{"X-Actor-Id": "alice"})
	if answerRes.StatusCode != http.StatusOK {
		t.Fatalf("answer status %d: %s", answerRes.StatusCode, string(answerBody))
	}
	var answered QuestionResponse
	if err := json.Unmarshal(answerBody, &answered); err != nil {
		t.Fatalf("unmarshal answered: %v", err)
	}
	if answered.Status != "answered" {
		t.Fatalf("expected answered, got %s", answered.Status)
	}
	if answered.AnsweredBy == nil || *answered.AnsweredBy != "alice" {
		t.Fatalf("expected answered_by alice, got %v", answered.AnsweredBy)
	}

	againRes, againBody := doJSON(t, client, http.MethodPost, base+"/questions/"+created.ID+"/answer", map[string]any{
		"answer": "Second opinion.",
	}, map[string]string{"X-Actor-Id": "bob"})
	if againRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict on double answer, got %d %s", againRes.StatusCode, string(againBody))
	}
}

func TestCreateQuestionValidationError(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/handoff/questions", map[string]any{
		"target_user_id": "alice",
		"content":        "No title here.",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("expected bad_request code, got %s", envelope.Error.Code)
	}
}

func TestUnauthorizedWithoutCredentials(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/handoff/questions", nil, map[string]string{})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(body))
	}
}

func TestTaskTransitionEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/handoff"

	createRes, data := doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{
		"title": "Ship feature",
	}, nil)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", createRes.StatusCode, string(data))
	}
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}

	moveRes, moveBody := doJSON(t, client, http.MethodPost, base+"/tasks/"+created.ID+"/transition", map[string]any{
		"status": "in_progress",
	}, nil)
	if moveRes.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", moveRes.StatusCode, string(moveBody))
	}

	badRes, badBody := doJSON(t, client, http.MethodPost, base+"/tasks/"+created.ID+"/transition", map[string]any{
		"status": "pending",
	}, nil)
	if badRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on backward move, got %d %s", badRes.StatusCode, string(badBody))
	}
	var envelope struct {
		Error struct {
			Details struct {
				Reasons []string `json:"reasons"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(badBody, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if len(envelope.Error.Details.Reasons) == 0 {
		t.Fatalf("expected transition reasons in details: %s", string(badBody))
	}

	transRes, transBody := doJSON(t, client, http.MethodGet, base+"/tasks/"+created.ID+"/transitions", nil, nil)
	if transRes.StatusCode != http.StatusOK {
		t.Fatalf("transitions status %d: %s", transRes.StatusCode, string(transBody))
	}
	var trans TransitionsResponse
	if err := json.Unmarshal(transBody, &trans); err != nil {
		t.Fatalf("unmarshal transitions: %v", err)
	}
	if len(trans.Available) == 0 {
		t.Fatalf("expected available transitions, got none")
	}
}

func TestBatchQuestionStatusEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/handoff"

	ids := make([]string, 0, 2)
	for _, title := range []string{"First?", "Second?"} {
		res, data := doJSON(t, client, http.MethodPost, base+"/questions", map[string]any{
			"target_user_id": "alice",
			"title":          title,
			"content":        "Please decide.",
		}, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create question status %d: %s", res.StatusCode, string(data))
		}
		var q QuestionResponse
		if err := json.Unmarshal(data, &q); err != nil {
			t.Fatalf("unmarshal question: %v", err)
		}
		ids = append(ids, q.ID)
	}

	res, body := doJSON(t, client, http.MethodPost, base+"/questions/batch/status", map[string]any{
		"ids":    append(ids, "missing"),
		"status": "ignored",
	}, map[string]string{"X-Actor-Id": "alice"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("batch status %d: %s", res.StatusCode, string(body))
	}
	var results []BatchResultResponse
	if err := json.Unmarshal(body, &results); err != nil {
		t.Fatalf("unmarshal results: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Status != "success" || results[1].Status != "success" {
		t.Fatalf("expected first two to succeed: %+v", results)
	}
	if results[2].Status != "error" {
		t.Fatalf("expected missing id to fail: %+v", results[2])
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	keyRes, keyBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/agents/agent-1/keys", map[string]any{
		"name": "ci",
	}, nil)
	if keyRes.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", keyRes.StatusCode, string(keyBody))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(keyBody, &key); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if key.Key == "" {
		t.Fatalf("expected plaintext key in response")
	}

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/handoff/questions", map[string]any{
		"target_user_id": "alice",
		"title":          "Key works?",
		"content":        "Authenticated via API key.",
	}, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create with api key status %d: %s", res.StatusCode, string(body))
	}
	var q QuestionResponse
	if err := json.Unmarshal(body, &q); err != nil {
		t.Fatalf("unmarshal question: %v", err)
	}
	if q.AgentID != "agent-1" {
		t.Fatalf("expected agent-1 as asker, got %s", q.AgentID)
	}
}
