package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ideafactory/internal/artifacts"
	"ideafactory/internal/config"
	"ideafactory/internal/db"
	"ideafactory/internal/domain"
	"ideafactory/internal/engine"
	"ideafactory/internal/migrate"
	"ideafactory/internal/repo"
	"ideafactory/internal/vetting"
)

const testSecret = "test-secret"

// stubStages answers every stage instantly. When releaseScaffold is set,
// Scaffold signals scaffoldStarted and waits for it.
type stubStages struct {
	scaffoldStarted chan struct{}
	releaseScaffold chan struct{}
}

func (stubStages) Analyze(ctx context.Context, idea domain.Idea) (domain.ProjectAnalysisOutput, error) {
	return domain.ProjectAnalysisOutput{ProjectName: "p", TotalFiles: 3}, nil
}

func (stubStages) Enrich(ctx context.Context, idea domain.Idea, analysis *domain.ProjectAnalysisResult, feedback string) (domain.EnrichmentOutput, error) {
	return domain.EnrichmentOutput{EnhancedTitle: idea.Title, ProblemStatement: "problem"}, nil
}

func (stubStages) Evaluate(ctx context.Context, idea domain.Idea, enrichment domain.EnrichmentResult) (domain.EvaluationOutput, error) {
	return domain.EvaluationOutput{OverallScore: 70, CapabilitiesFit: domain.FitStrong, Recommendation: domain.RecommendationDevelop}, nil
}

func (s stubStages) Scaffold(ctx context.Context, idea domain.Idea, enrichment domain.EnrichmentResult, evaluation domain.EvaluationResult, analysis *domain.ProjectAnalysisResult) (domain.ScaffoldingOutput, error) {
	if s.releaseScaffold != nil {
		close(s.scaffoldStarted)
		select {
		case <-s.releaseScaffold:
		case <-ctx.Done():
			return domain.ScaffoldingOutput{}, ctx.Err()
		}
	}
	return domain.ScaffoldingOutput{BlueprintContent: "# bp", ProjectStructure: map[string][]string{"": {"main.go"}}}, nil
}

func (stubStages) Build(ctx context.Context, idea domain.Idea, enrichment domain.EnrichmentResult, scaffolding domain.ScaffoldingResult) (domain.BuildOutput, error) {
	return domain.BuildOutput{Outcome: domain.BuildSuccess, Artifacts: []string{"main.go"}}, nil
}

// cannedChat asks one question, then emits a submission block once the user
// says they are ready.
type cannedChat struct{}

func (cannedChat) Complete(ctx context.Context, prompt string) (string, error) {
	if strings.Contains(prompt, "User: ready") {
		return "Submitting it now.\n```json\n{\"ready_to_submit\": true, \"title\": \"Pantry planner\", \"description\": \"Weekly meals from what is in the pantry\"}\n```", nil
	}
	return "Who would use it?", nil
}

func (cannedChat) Model() string { return "canned" }

type testServer struct {
	URL    string
	Repo   repo.Repo
	Store  artifacts.ZipStore
	runs   *sync.WaitGroup
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWith(t, stubStages{})
}

func newTestServerWith(t *testing.T, st stubStages) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.New(conn)
	cfg := config.Default()
	e := engine.New(r, cfg, engine.Stages{Analyzer: st, Enricher: st, Evaluator: st, Scaffolder: st, Builder: st})
	store := artifacts.ZipStore{Dir: t.TempDir(), BaseURL: "http://factory.test"}
	runs := &sync.WaitGroup{}
	handler, err := New(Config{
		Engine:    e,
		Repo:      r,
		BasePath:  "/v0",
		Auth:      AuthConfig{JWTSecret: testSecret, AdminEmails: []string{"admin@example.com"}},
		Artifacts: store,
		Runs:      runs,
		Vetting:   &vetting.Service{LLM: cannedChat{}, Store: r, Ideas: e},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		runs.Wait()
		srv.Shutdown(context.Background())
		conn.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String(), Repo: r, Store: store, runs: runs, client: &http.Client{}}
}

func (s *testServer) token(t *testing.T, userID, email string) map[string]string {
	t.Helper()
	tok, err := SignToken(testSecret, userID, email, "", time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + tok}
}

// member returns auth headers for a user who accepted the terms.
func (s *testServer) member(t *testing.T, userID string) map[string]string {
	t.Helper()
	h := s.token(t, userID, userID+"@example.com")
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v0/me/accept-terms", nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept terms status %d: %s", res.StatusCode, data)
	}
	return h
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

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return out
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error %s: %v", data, err)
	}
	return env.Error.Code
}

func (s *testServer) submit(t *testing.T, h map[string]string, body map[string]any) domain.Idea {
	t.Helper()
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v0/ideas", body, h)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, data)
	}
	return decode[domain.Idea](t, data)
}

func TestHealthAndAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/ideas", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/ideas", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected invalid credentials, got %d: %s", res.StatusCode, data)
	}
}

func TestSubmitIdeaRequiresTerms(t *testing.T) {
	srv := newTestServer(t)
	h := srv.token(t, "alice", "alice@example.com")
	body := map[string]any{"title": "Pantry tracker", "content": "Track what is in the pantry"}
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/ideas", body, h)
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "terms_not_accepted" {
		t.Fatalf("expected terms error, got %d: %s", res.StatusCode, data)
	}

	h = srv.member(t, "alice")
	idea := srv.submit(t, h, body)
	if idea.CurrentStage != domain.StageInput || idea.SubmittedBy == nil || *idea.SubmittedBy != "alice" {
		t.Fatalf("unexpected idea: %+v", idea)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/ideas", map[string]any{
		"title": "Refactor", "content": "Clean up the old project", "mode": "existing_enhance",
	}, h)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("existing mode without source should be 400, got %d: %s", res.StatusCode, data)
	}
}

func TestPipelineThroughFirstGate(t *testing.T) {
	srv := newTestServer(t)
	h := srv.member(t, "alice")
	idea := srv.submit(t, h, map[string]any{"title": "Pantry tracker", "content": "Track what is in the pantry"})

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/ideas/"+idea.ID+"/run", nil, h)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("run status %d: %s", res.StatusCode, data)
	}
	if acc := decode[RunAccepted](t, data); acc.Action != "run" || acc.IdeaID != idea.ID {
		t.Fatalf("unexpected ack: %+v", acc)
	}
	srv.runs.Wait()

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/ideas/"+idea.ID+"/status", nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	st := decode[engine.PipelineStatus](t, data)
	if st.Gate != 1 || st.NextAction != engine.ActionReview || len(st.Transitions) != 5 {
		t.Fatalf("unexpected status: %+v", st)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/reviews/pending", nil, h)
	if res.StatusCode != http.StatusOK || len(decode[IdeaList](t, data).Items) != 1 {
		t.Fatalf("pending reviews %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/ideas/"+idea.ID+"/reviews", map[string]any{"decision": "approve", "rationale": "go"}, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("review status %d: %s", res.StatusCode, data)
	}
	out := decode[engine.PipelineResult](t, data)
	if !out.Success || out.Stage != domain.StageScaffolding {
		t.Fatalf("unexpected review result: %+v", out)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/ideas/"+idea.ID, nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get idea %d: %s", res.StatusCode, data)
	}
	detail := decode[IdeaDetail](t, data)
	if detail.Enrichment == nil || detail.Evaluation == nil || detail.Scaffolding == nil || detail.Build != nil || len(detail.Reviews) != 1 {
		t.Fatalf("unexpected detail: %+v", detail)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/stats", nil, h)
	if stats := decode[StatsResponse](t, data); res.StatusCode != http.StatusOK || stats.Total != 1 {
		t.Fatalf("stats %d: %s", res.StatusCode, data)
	}
}

func TestPipelineActionConflicts(t *testing.T) {
	srv := newTestServer(t)
	h := srv.member(t, "alice")
	idea := srv.submit(t, h, map[string]any{"title": "Pantry tracker", "content": "Track what is in the pantry"})

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/ideas/missing/start", nil, h)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/ideas/"+idea.ID+"/start", nil, h)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("start status %d", res.StatusCode)
	}
	srv.runs.Wait()
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/ideas/"+idea.ID+"/start", nil, h)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second start should conflict, got %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/ideas/"+idea.ID+"/run", nil, h)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("run past input should conflict, got %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/ideas/"+idea.ID+"/reviews", map[string]any{"decision": "approve"}, h)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "review_rejected" {
		t.Fatalf("review outside human review should be 400, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/ideas/"+idea.ID+"/analysis", nil, h)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("analysis of a new idea should be 400, got %d: %s", res.StatusCode, data)
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv := newTestServer(t)
	h := srv.member(t, "alice")
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/me/api-keys", map[string]any{"name": "ci"}, h)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key %d: %s", res.StatusCode, data)
	}
	created := decode[CreatedAPIKey](t, data)
	if created.Key == "" || created.UserID != "alice" {
		t.Fatalf("unexpected key: %+v", created)
	}

	keyHeader := map[string]string{"X-Api-Key": created.Key}
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, keyHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via key %d: %s", res.StatusCode, data)
	}
	if me := decode[MeResponse](t, data); me.User.ID != "alice" || me.Source != "api_key" {
		t.Fatalf("unexpected me: %+v", me)
	}

	res, _ = doJSON(t, srv.client, http.MethodDelete, srv.URL+"/v0/me/api-keys/"+created.ID, nil, h)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete key %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, keyHeader)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key should be rejected, got %d", res.StatusCode)
	}
}

func TestUsersRequireAdmin(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.member(t, "alice")
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/users", nil, alice)
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, data)
	}

	admin := srv.token(t, "root", "admin@example.com")
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/users", nil, admin)
	if res.StatusCode != http.StatusOK || len(decode[[]domain.User](t, data)) != 2 {
		t.Fatalf("list users %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.client, http.MethodPut, srv.URL+"/v0/users/alice/role", map[string]any{"role": "admin"}, admin)
	if res.StatusCode != http.StatusOK || decode[domain.User](t, data).Role != domain.RoleAdmin {
		t.Fatalf("set role %d: %s", res.StatusCode, data)
	}
}

func TestArtifactDownload(t *testing.T) {
	srv := newTestServer(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	up, err := srv.Store.UploadDirectoryAsZip(context.Background(), dir, "pantry")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/artifacts/"+up.Key+".zip", nil, nil)
	if res.StatusCode != http.StatusOK || res.Header.Get("Content-Type") != "application/zip" || len(data) == 0 {
		t.Fatalf("download %d %q", res.StatusCode, res.Header.Get("Content-Type"))
	}
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/artifacts/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing artifact should be 404, got %d", res.StatusCode)
	}
}

func TestWebhookDispatcherDeliversTransitions(t *testing.T) {
	srv := newTestServer(t)
	var (
		mu       sync.Mutex
		received []webhookEvent
		secrets  []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, evt)
		secrets = append(secrets, r.Header.Get("X-Factory-Secret"))
		mu.Unlock()
	}))
	defer hook.Close()

	d := NewWebhookDispatcher(srv.Repo, []config.WebhookConfig{{URL: hook.URL, Secret: "s3", Events: []string{"enrichment.completed"}}}, nil)
	ctx := context.Background()
	d.DispatchAll(ctx)

	h := srv.member(t, "alice")
	idea := srv.submit(t, h, map[string]any{"title": "Pantry tracker", "content": "Track what is in the pantry"})
	doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/ideas/"+idea.ID+"/start", nil, h)
	srv.runs.Wait()
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected one filtered delivery, got %d", len(received))
	}
	if received[0].Event != "enrichment.completed" || received[0].Transition.IdeaID != idea.ID || secrets[0] != "s3" {
		t.Fatalf("unexpected delivery: %+v %q", received[0], secrets[0])
	}
}

func TestDeferredReviewResumes(t *testing.T) {
	srv := newTestServer(t)
	h := srv.member(t, "alice")
	idea := srv.submit(t, h, map[string]any{"title": "Pantry tracker", "content": "Track what is in the pantry"})
	doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/ideas/"+idea.ID+"/run", nil, h)
	srv.runs.Wait()

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/ideas/"+idea.ID+"/reviews", map[string]any{"decision": "defer"}, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("defer %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/ideas/"+idea.ID+"/resume", nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resume %d: %s", res.StatusCode, data)
	}
	if out := decode[engine.PipelineResult](t, data); out.Status != domain.StatusAwaitingReview || !out.RequiresReview {
		t.Fatalf("unexpected resume result: %+v", out)
	}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/ideas/"+idea.ID+"/resume", nil, h)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second resume should conflict, got %d: %s", res.StatusCode, data)
	}
}

func TestApprovedStageOutlivesClientDisconnect(t *testing.T) {
	st := stubStages{scaffoldStarted: make(chan struct{}), releaseScaffold: make(chan struct{})}
	srv := newTestServerWith(t, st)
	h := srv.member(t, "alice")
	idea := srv.submit(t, h, map[string]any{"title": "Pantry tracker", "content": "Track what is in the pantry"})
	doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/ideas/"+idea.ID+"/run", nil, h)
	srv.runs.Wait()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/v0/ideas/"+idea.ID+"/reviews", bytes.NewReader([]byte(`{"decision":"approve"}`)))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h {
		req.Header.Set(k, v)
	}
	errc := make(chan error, 1)
	go func() {
		res, err := srv.client.Do(req)
		if err == nil {
			res.Body.Close()
		}
		errc <- err
	}()

	<-st.scaffoldStarted
	cancel()
	if err := <-errc; err == nil {
		t.Fatalf("expected the client request to be cancelled")
	}
	// give the server time to notice the closed connection
	time.Sleep(50 * time.Millisecond)
	close(st.releaseScaffold)

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := srv.Repo.GetIdea(context.Background(), idea.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.CurrentStage == domain.StageScaffolding && got.CurrentStatus == domain.StatusCompleted {
			break
		}
		if got.CurrentStatus == domain.StatusFailed || time.Now().After(deadline) {
			t.Fatalf("approved scaffolding did not complete: %s/%s", got.CurrentStage, got.CurrentStatus)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTermsArePublic(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/users/terms", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("terms %d: %s", res.StatusCode, data)
	}
	terms := decode[Terms](t, data)
	if terms.Version != "1.0" || !strings.Contains(terms.Content, "Terms of Use") {
		t.Fatalf("unexpected terms: %+v", terms)
	}
}

func TestVettingChatSubmitsIdea(t *testing.T) {
	srv := newTestServer(t)
	h := srv.member(t, "alice")

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/chat/vetting", map[string]any{"message": "a meal planner"}, srv.token(t, "bob", "bob@example.com"))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "terms_not_accepted" {
		t.Fatalf("chat without terms should be 403, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/chat/vetting", map[string]any{"message": ""}, h)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty message should be 400, got %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/chat/vetting", map[string]any{"message": "a meal planner"}, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("chat %d: %s", res.StatusCode, data)
	}
	first := decode[vetting.Reply](t, data)
	if first.ConversationID == "" || first.IdeaSubmitted {
		t.Fatalf("unexpected first reply: %+v", first)
	}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/chat/vetting", map[string]any{"message": "ready, busy parents", "conversation_id": first.ConversationID}, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("chat %d: %s", res.StatusCode, data)
	}
	second := decode[vetting.Reply](t, data)
	if !second.IdeaSubmitted || second.IdeaID == nil || second.Message != "Submitting it now." {
		t.Fatalf("unexpected second reply: %+v", second)
	}

	convURL := srv.URL + "/v0/chat/vetting/" + first.ConversationID
	res, data = doJSON(t, srv.client, http.MethodGet, convURL, nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get conversation %d: %s", res.StatusCode, data)
	}
	if conv := decode[domain.VettingConversation](t, data); !conv.Submitted || len(conv.Messages) != 4 {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
	res, data = doJSON(t, srv.client, http.MethodGet, convURL, nil, srv.member(t, "carol"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign conversation should be 403, got %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/ideas/rate-limit", nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rate limit %d: %s", res.StatusCode, data)
	}
	if q := decode[engine.Quota](t, data); q.Limit != 10 || q.Used != 1 || q.Remaining != 9 || q.ResetAt == nil {
		t.Fatalf("unexpected quota: %+v", q)
	}

	res, data = doJSON(t, srv.client, http.MethodDelete, convURL, nil, h)
	if res.StatusCode != http.StatusOK || !decode[DeletedResponse](t, data).Deleted {
		t.Fatalf("delete %d: %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, srv.client, http.MethodGet, convURL, nil, h)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted conversation should be 404, got %d", res.StatusCode)
	}
}
