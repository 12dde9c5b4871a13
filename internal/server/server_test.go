package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/philippgille/chromem-go"

	"rolegate/internal/config"
	"rolegate/internal/db"
	"rolegate/internal/domain"
	"rolegate/internal/engine"
	"rolegate/internal/events"
	"rolegate/internal/metrics"
	"rolegate/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("rolegate")
	cfg.Memory.SummaryTurns = 1000
	conn, err := db.Open(db.Config{StateDir: cfg.StateDir(workspace)})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	m := metrics.New()
	e, err := engine.New(context.Background(), conn, cfg, engine.Options{Workspace: workspace, VectorDB: chromem.NewDB(), Metrics: m})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}, Metrics: m})
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
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func authHeader(t *testing.T, roles, perms []string) map[string]string {
	t.Helper()
	token, err := IssueToken(testSecret, "operator-1", roles, perms, 0)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
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
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", string(data), err)
	}
	return v
}

func startRun(t *testing.T, srv *testServer, headers map[string]string, title string) domain.Run {
	t.Helper()
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/runs", CreateRunRequest{Title: title}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start run: %d %s", res.StatusCode, string(body))
	}
	return decode[domain.Run](t, body)
}

var plannerScript = map[string]any{
	"queries": []map[string]any{{"query": "login context"}},
	"outcome": map[string]any{"artifact_status": "draft", "requested_handoff": "critic", "body": "plan for login"},
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d %s", res.StatusCode, string(body))
	}
	bad, err := IssueToken("other-secret", "mallory", nil, nil, 0)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs", nil, map[string]string{"Authorization": "Bearer " + bad})
	if res.StatusCode != http.StatusUnauthorized || !strings.Contains(string(body), "invalid_credentials") {
		t.Fatalf("expected invalid_credentials, got %d %s", res.StatusCode, string(body))
	}
	readOnly := authHeader(t, nil, []string{"runs.read"})
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/runs", CreateRunRequest{Title: "Login"}, readOnly)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for read-only token, got %d %s", res.StatusCode, string(body))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs", nil, readOnly)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("read-only token should list runs, got %d", res.StatusCode)
	}
}

func TestAdvanceWithRecordedInvocation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := authHeader(t, nil, nil)
	run := startRun(t, srv, headers, "Login")
	if run.CurrentRole != "planner" || run.SequenceID != "001" {
		t.Fatalf("unexpected run %+v", run)
	}

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/runs/"+run.ID+"/advance", plannerScript, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance: %d %s", res.StatusCode, string(body))
	}
	tr := decode[TransitionResponse](t, body)
	if tr.Result != engine.ResultAdvanced || tr.ExitCode != engine.ExitOK {
		t.Fatalf("expected advanced, got %+v", tr)
	}
	if tr.Run.CurrentRole != "critic" || tr.Transition == nil || tr.Transition.From != "planner" {
		t.Fatalf("expected handoff to critic, got %+v", tr)
	}
	if calls := tr.Transition.MemoryCalls; len(calls) == 0 || calls[0].Op != "retrieve" {
		t.Fatalf("expected retrieve call on transition, got %+v", calls)
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs/"+run.ID, nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get run: %d %s", res.StatusCode, string(body))
	}
	if got := decode[domain.Run](t, body); len(got.History) != 1 {
		t.Fatalf("expected one transition in history, got %d", len(got.History))
	}

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/runs/"+run.ID+"/advance", map[string]any{"bogus": true}, headers)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown script fields should be rejected, got %d %s", res.StatusCode, string(body))
	}
}

func TestAdvanceWithoutRetrievalIsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := authHeader(t, nil, nil)
	run := startRun(t, srv, headers, "Billing")
	script := map[string]any{"outcome": map[string]any{"artifact_status": "draft", "requested_handoff": "critic", "body": "plan"}}
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/runs/"+run.ID+"/advance", script, headers)
	if res.StatusCode == http.StatusOK {
		tr := decode[TransitionResponse](t, body)
		if tr.Result == engine.ResultAdvanced {
			t.Fatalf("planner without retrieval must not advance: %+v", tr)
		}
		return
	}
	if res.StatusCode != http.StatusConflict || !strings.Contains(string(body), "contract_violation") {
		t.Fatalf("expected contract violation, got %d %s", res.StatusCode, string(body))
	}
}

func TestGateWrites(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := authHeader(t, nil, nil)
	run := startRun(t, srv, headers, "Search")
	url := srv.URL + "/v0/runs/" + run.ID + "/gates"

	res, body := doJSON(t, srv.Client(), http.MethodPut, url, GateUpdateRequest{By: "planner", Technical: "in_progress"}, headers)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("planner lacks gate.technical, got %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, srv.Client(), http.MethodPut, url, GateUpdateRequest{By: "uat", Value: "passed"}, headers)
	if res.StatusCode != http.StatusConflict || !strings.Contains(string(body), "contract_violation") {
		t.Fatalf("value before technical should violate the contract, got %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, srv.Client(), http.MethodPut, url, GateUpdateRequest{By: "qa", Technical: "in_progress"}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("qa gate write: %d %s", res.StatusCode, string(body))
	}
	if g := decode[domain.GateState](t, body); g.Technical != domain.TechInProgress {
		t.Fatalf("unexpected gates %+v", g)
	}
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs/"+run.ID+"/release-ready", nil, headers)
	if res.StatusCode != http.StatusOK || decode[ReleaseReadyResponse](t, body).Ready {
		t.Fatalf("run should not be release ready: %d %s", res.StatusCode, string(body))
	}

	qaOnly := authHeader(t, []string{"uat"}, nil)
	res, body = doJSON(t, srv.Client(), http.MethodPut, url, GateUpdateRequest{By: "qa", Technical: "passed"}, qaOnly)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("token scoped to uat may not write as qa, got %d %s", res.StatusCode, string(body))
	}
}

func TestAbortAndResolveConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := authHeader(t, nil, nil)
	run := startRun(t, srv, headers, "Export")

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/runs/"+run.ID+"/resolve", map[string]any{"decision": "retry", "next_role": "planner"}, headers)
	if res.StatusCode != http.StatusConflict || !strings.Contains(string(body), "no_pending_escalation") {
		t.Fatalf("expected no_pending_escalation, got %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/runs/"+run.ID+"/abort", AbortRequest{Reason: "scope cut"}, headers)
	if res.StatusCode != http.StatusOK || decode[domain.Run](t, body).Status != domain.RunAborted {
		t.Fatalf("abort: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/runs/"+run.ID+"/abort", nil, headers)
	if res.StatusCode != http.StatusConflict || !strings.Contains(string(body), "run_not_active") {
		t.Fatalf("second abort: %d %s", res.StatusCode, string(body))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs/missing", nil, headers)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown run, got %d", res.StatusCode)
	}
}

func TestEscalateRunsArbiter(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := authHeader(t, nil, nil)
	run := startRun(t, srv, headers, "Audit")
	req := engine.EscalateRequest{Issue: "requirements disagree", Against: "critic"}
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/runs/"+run.ID+"/escalate", req, headers)
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusConflict {
		t.Fatalf("escalate: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/escalations?run_id="+run.ID, nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list escalations: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?run_id="+run.ID+"&type=run.escalated", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list events: %d %s", res.StatusCode, string(body))
	}
	if evts := decode[paginatedEvents](t, body); len(evts.Items) != 1 || evts.Items[0].Payload["issue"] != "requirements disagree" {
		t.Fatalf("expected one run.escalated event, got %+v", evts)
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := authHeader(t, nil, nil)
	for _, title := range []string{"One", "Two", "Three"} {
		startRun(t, srv, headers, title)
	}
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?type=run.started&limit=2", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(body))
	}
	first := decode[paginatedEvents](t, body)
	if len(first.Items) != 2 || first.NextCursor == "" {
		t.Fatalf("expected a full page with cursor, got %+v", first)
	}
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?type=run.started&limit=2&cursor="+first.NextCursor, nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2: %d %s", res.StatusCode, string(body))
	}
	second := decode[paginatedEvents](t, body)
	if len(second.Items) != 1 || second.NextCursor != "" || second.Items[0].ID >= first.Items[1].ID {
		t.Fatalf("unexpected second page %+v", second)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil, headers)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d", res.StatusCode)
	}
}

func TestMemoryRoutes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := authHeader(t, nil, nil)
	ctx := context.Background()
	if _, err := srv.Engine.Memory.Insert(ctx, domain.MemoryEntry{
		Kind: domain.MemorySummary, Topic: "auth", Goal: "pick session storage",
		ContextText: "sessions for login", Decisions: []string{"use signed cookies"}, CurrentStatus: "planning",
	}); err != nil {
		t.Fatalf("insert memory: %v", err)
	}
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/memory/search", MemorySearchRequest{Query: "session storage"}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("search: %d %s", res.StatusCode, string(body))
	}
	if got := decode[paginatedMemory](t, body); len(got.Items) != 1 || got.Items[0].Topic != "auth" {
		t.Fatalf("unexpected search results %+v", got)
	}
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/memory/search", MemorySearchRequest{Query: " "}, headers)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank query should be rejected, got %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/memory/compact", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("compact: %d %s", res.StatusCode, string(body))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics should be open, got %d", res.StatusCode)
	}
}

func TestRolesAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := authHeader(t, nil, nil)
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/roles", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("roles: %d %s", res.StatusCode, string(body))
	}
	roles := decode[paginatedRoles](t, body)
	if roles.Entry != "planner" || len(roles.Items) == 0 {
		t.Fatalf("unexpected roles %+v", roles)
	}
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(body), "bearerAuth") {
		t.Fatalf("openapi: %d", res.StatusCode)
	}
}

func TestWebhookDelivery(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	var (
		mu       sync.Mutex
		received []string
		secret   string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, r.Header.Get("X-Rolegate-Event"))
		secret = r.Header.Get("X-Rolegate-Secret")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	cfg := *srv.Engine.Config
	cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{"run.*"}, Secret: "s3cret"}}
	d := newWebhookDispatcher(srv.Engine.Repo, &cfg, nil)
	ctx := context.Background()
	d.cursorFor(ctx, 0)
	if _, err := srv.Engine.Start(ctx, engine.StartOptions{Title: "Hooks"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := srv.Engine.Events.Append(ctx, nil, events.Event{Type: events.MemoryStore, EntityKind: "memory", EntityID: "m1"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0] != events.RunStarted || secret != "s3cret" {
		t.Fatalf("unexpected deliveries %v secret %q", received, secret)
	}
	latest, _ := srv.Engine.Repo.LatestEventID(ctx)
	if d.cursors[0] != latest {
		t.Fatalf("cursor should pass filtered events, got %d want %d", d.cursors[0], latest)
	}
}

func TestEventFilter(t *testing.T) {
	cases := []struct {
		events []string
		typ    string
		want   bool
	}{
		{nil, "run.started", true},
		{[]string{" "}, "gate.updated", true},
		{[]string{"run.completed"}, "run.completed", true},
		{[]string{"run.completed"}, "run.started", false},
		{[]string{"escalation.*"}, "escalation.deadlock", true},
		{[]string{"escalation.*"}, "run.escalated", false},
	}
	for _, c := range cases {
		if got := newEventFilter(c.events).match(c.typ); got != c.want {
			t.Fatalf("filter %v match %s = %v, want %v", c.events, c.typ, got, c.want)
		}
	}
}

func TestHasPermission(t *testing.T) {
	if !hasPermission([]string{"runs.*"}, "runs.write") {
		t.Fatal("wildcard should grant runs.write")
	}
	if hasPermission([]string{"runs.*"}, "memory.read") {
		t.Fatal("runs wildcard must not grant memory.read")
	}
	if !hasPermission([]string{"*"}, "memory.compact") {
		t.Fatal("star grants everything")
	}
	if hasPermission(nil, "runs.read") {
		t.Fatal("no permissions grants nothing")
	}
}

func TestStartRunOnHeldSequenceConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := authHeader(t, nil, nil)
	req := CreateRunRequest{Title: "Login", Sequence: "007"}
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/runs", req, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first start: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/runs", req, headers)
	if res.StatusCode != http.StatusConflict || !strings.Contains(string(body), "sequence_taken") {
		t.Fatalf("second start: %d %s", res.StatusCode, string(body))
	}
}

func TestOpenAPIServedConcurrently(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	var wg sync.WaitGroup
	bodies := make([]string, 8)
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			defer res.Body.Close()
			b, _ := io.ReadAll(res.Body)
			bodies[i] = string(b)
		}(i)
	}
	wg.Wait()
	for i, b := range bodies {
		if !strings.Contains(b, "bearerAuth") || b != bodies[0] {
			t.Fatalf("response %d differs or lacks security scheme", i)
		}
	}
}
