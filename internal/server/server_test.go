package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raidline/internal/config"
	"raidline/internal/db"
	"raidline/internal/engine"
	"raidline/internal/events"
	"raidline/internal/migrate"
)

func newTestEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err, "open db")
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn), "migrate")
	return engine.New(conn, config.Default("test"))
}

func newTestServer(t *testing.T, auth AuthConfig) (*httptest.Server, engine.Engine) {
	t.Helper()
	e := newTestEngine(t)
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth, Logger: zerolog.Nop(), Metrics: true})
	require.NoError(t, err, "build handler")
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, e
}

type call struct {
	method string
	path   string
	agent  string
	token  string
	body   any
}

func do(t *testing.T, srv *httptest.Server, c call) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if c.body != nil {
		data, err := json.Marshal(c.body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(c.method, srv.URL+c.path, reader)
	require.NoError(t, err)
	if c.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.agent != "" {
		req.Header.Set(AgentHeader, c.agent)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out), "decode %s", raw)
	}
	return res.StatusCode, out
}

func errorOf(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	env, ok := body["error"].(map[string]any)
	require.True(t, ok, "error envelope missing in %v", body)
	return env
}

func joinHTTP(t *testing.T, srv *httptest.Server, name, class, model string) {
	t.Helper()
	status, body := do(t, srv, call{method: http.MethodPost, path: "/v0/agents", body: RegisterRequest{Name: name, Class: class, Model: model}})
	require.Equal(t, http.StatusCreated, status, "register %s: %v", name, body)
	status, body = do(t, srv, call{method: http.MethodPut, path: "/v0/agents/" + name + "/context", agent: name,
		body: ReportUsageRequest{Used: 1000, Limit: 200000}})
	require.Equal(t, http.StatusOK, status, "report %s: %v", name, body)
}

func TestHealthAndOpenAPI(t *testing.T) {
	srv, _ := newTestServer(t, AuthConfig{JWTSecret: "s3cret"})

	status, body := do(t, srv, call{method: http.MethodGet, path: "/v0/health"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	latest, err := migrate.Latest()
	require.NoError(t, err)
	assert.EqualValues(t, latest, body["schema_version"])
	assert.EqualValues(t, 2, body["schema_latest"])

	status, body = do(t, srv, call{method: http.MethodGet, path: "/v0/openapi.json"})
	require.Equal(t, http.StatusOK, status)
	paths, ok := body["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/v0/claims")
	assert.Contains(t, paths, "/v0/agents/{name}/inbox/check")
}

func TestRegisterAndWho(t *testing.T) {
	srv, _ := newTestServer(t, AuthConfig{})
	joinHTTP(t, srv, "lead", "coordinator", "claude-opus")

	status, body := do(t, srv, call{method: http.MethodPost, path: "/v0/agents", body: RegisterRequest{Name: "lead", Class: "editor", Model: "m"}})
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, engine.CodeDuplicateIdentity, errorOf(t, body)["code"])

	status, body = do(t, srv, call{method: http.MethodPost, path: "/v0/agents", body: RegisterRequest{Name: "x", Class: "coordinator", Model: "tiny"}})
	require.Equal(t, http.StatusPreconditionFailed, status)
	assert.Equal(t, engine.CodeModelNotAllowed, errorOf(t, body)["code"])

	status, body = do(t, srv, call{method: http.MethodGet, path: "/v0/agents/lead"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "lead", body["name"])
	assert.Equal(t, false, body["stale"])

	status, body = do(t, srv, call{method: http.MethodGet, path: "/v0/agents/ghost"})
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, engine.CodeUnknownAgent, errorOf(t, body)["code"])
}

func TestSendGateOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t, AuthConfig{})
	joinHTTP(t, srv, "lead", "coordinator", "claude-opus")
	joinHTTP(t, srv, "ed", "editor", "m")

	status, body := do(t, srv, call{method: http.MethodPost, path: "/v0/messages", body: SendRequest{To: "ed", Body: "hi"}})
	require.Equal(t, http.StatusUnauthorized, status, "%v", body)

	status, body = do(t, srv, call{method: http.MethodPost, path: "/v0/messages", agent: "lead", body: SendRequest{To: "ed", Body: "take T1"}})
	require.Equal(t, http.StatusCreated, status, "%v", body)

	status, body = do(t, srv, call{method: http.MethodPost, path: "/v0/messages", agent: "ed", body: SendRequest{To: "lead", Body: "ack"}})
	require.Equal(t, http.StatusPreconditionFailed, status)
	env := errorOf(t, body)
	assert.Equal(t, engine.CodeInboxNotClear, env["code"])
	details := env["details"].(map[string]any)
	assert.EqualValues(t, 1, details["unread"])
	assert.Equal(t, string(engine.KindPreconditionFailed), details["kind"])

	status, _ = do(t, srv, call{method: http.MethodPost, path: "/v0/agents/ed/inbox/check", agent: "lead"})
	require.Equal(t, http.StatusForbidden, status, "inboxes are read by their owner")

	status, body = do(t, srv, call{method: http.MethodPost, path: "/v0/agents/ed/inbox/check", agent: "ed"})
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["messages"], 1)

	status, body = do(t, srv, call{method: http.MethodPost, path: "/v0/messages", agent: "ed", body: SendRequest{To: "lead", Body: "ack"}})
	require.Equal(t, http.StatusCreated, status, "%v", body)
}

func TestClaimConflictOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t, AuthConfig{})
	joinHTTP(t, srv, "c1", "editor", "m")
	joinHTTP(t, srv, "c2", "editor", "m")

	status, body := do(t, srv, call{method: http.MethodPost, path: "/v0/claims", agent: "c1", body: PathRequest{Path: "src/a.go"}})
	require.Equal(t, http.StatusOK, status, "%v", body)

	status, body = do(t, srv, call{method: http.MethodPost, path: "/v0/claims", agent: "c2", body: PathRequest{Path: "./src/a.go"}})
	require.Equal(t, http.StatusConflict, status)
	env := errorOf(t, body)
	assert.Equal(t, engine.CodeAlreadyClaimed, env["code"])
	assert.Equal(t, "c1", env["details"].(map[string]any)["holder"])

	status, body = do(t, srv, call{method: http.MethodPost, path: "/v0/claims/release", agent: "c1", body: PathRequest{Path: "src/a.go"}})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "c2", body["notified"])
}

func TestTaskLifecycleRejectionsOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t, AuthConfig{})
	joinHTTP(t, srv, "lead", "coordinator", "claude-opus")
	joinHTTP(t, srv, "ed", "editor", "m")

	status, body := do(t, srv, call{method: http.MethodPost, path: "/v0/plans", agent: "ed", body: SetPlanRequest{Body: "x"}})
	require.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, engine.CodePermissionDenied, errorOf(t, body)["code"])

	status, body = do(t, srv, call{method: http.MethodPost, path: "/v0/plans", agent: "lead", body: SetPlanRequest{Body: "ship"}})
	require.Equal(t, http.StatusCreated, status, "%v", body)

	status, body = do(t, srv, call{method: http.MethodPatch, path: "/v0/tasks/nope", agent: "ed", body: UpdateTaskRequest{Progress: "x"}})
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, engine.CodeUnknownTask, errorOf(t, body)["code"])

	status, body = do(t, srv, call{method: http.MethodGet, path: "/v0/tasks?status=done"})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, engine.CodeInvalidArgument, errorOf(t, body)["code"])

	status, body = do(t, srv, call{method: http.MethodPost, path: "/v0/session/end", agent: "lead"})
	require.Equal(t, http.StatusPreconditionFailed, status)
	assert.Equal(t, engine.CodeDebriefMissing, errorOf(t, body)["code"])
}

func TestJWTGuard(t *testing.T) {
	srv, _ := newTestServer(t, AuthConfig{JWTSecret: "s3cret"})

	status, _ := do(t, srv, call{method: http.MethodGet, path: "/v0/agents"})
	assert.Equal(t, http.StatusUnauthorized, status)

	bad, err := IssueToken("other", "")
	require.NoError(t, err)
	status, _ = do(t, srv, call{method: http.MethodGet, path: "/v0/agents", token: bad})
	assert.Equal(t, http.StatusUnauthorized, status)

	open, err := IssueToken("s3cret", "")
	require.NoError(t, err)
	status, _ = do(t, srv, call{method: http.MethodGet, path: "/v0/agents", token: open})
	assert.Equal(t, http.StatusOK, status)

	bound, err := IssueToken("s3cret", "lead")
	require.NoError(t, err)
	status, body := do(t, srv, call{method: http.MethodGet, path: "/v0/agents", token: bound, agent: "ed"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "PermissionDenied", errorOf(t, body)["code"])
}

type recordedHook struct {
	eventType string
	body      webhookEvent
}

func TestRelayForwardsToBusAndWebhooks(t *testing.T) {
	e := newTestEngine(t)
	hooks := make(chan recordedHook, 8)
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		hooks <- recordedHook{eventType: r.Header.Get("X-Raidline-Event"), body: evt}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(hookSrv.Close)
	e.Config.Webhooks = []config.WebhookConfig{{URL: hookSrv.URL, Events: []string{"agent.*"}}}

	mr := miniredis.RunT(t)
	bus, err := events.NewBus(&redis.Options{Addr: mr.Addr()}, "test")
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	relay := NewRelay(e, bus, zerolog.Nop())
	require.NotNil(t, relay)
	relay.Poll(ctx)

	_, err = e.Register(ctx, engine.RegisterOptions{Name: "ed", Class: "editor", Model: "m"})
	require.NoError(t, err)
	_, err = e.LogRaid(ctx, "ed", "joined", "")
	require.NoError(t, err)
	relay.Poll(ctx)

	select {
	case evt := <-sub.Events():
		assert.Equal(t, "agent.registered", evt.Type)
		assert.Equal(t, "ed", evt.Actor)
	case <-ctx.Done():
		t.Fatal("no event on the bus")
	}

	select {
	case got := <-hooks:
		assert.Equal(t, "agent.registered", got.eventType)
		assert.Equal(t, "test", got.body.Instance)
	case <-ctx.Done():
		t.Fatal("webhook not called")
	}
	assert.Len(t, hooks, 1, "filtered hook only sees agent.* events")
}

func TestNewRelayWithoutSinks(t *testing.T) {
	e := newTestEngine(t)
	assert.Nil(t, NewRelay(e, nil, zerolog.Nop()))
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter([]string{"task.*", "claim.released"})
	assert.True(t, f.match("task.created"))
	assert.True(t, f.match("claim.released"))
	assert.False(t, f.match("claim.acquired"))
	assert.True(t, newEventFilter(nil).match("anything"))
}
