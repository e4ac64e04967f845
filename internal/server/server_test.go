package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ppscore/internal/config"
	"ppscore/internal/db"
	"ppscore/internal/domain"
	"ppscore/internal/engine"
	"ppscore/internal/gantt"
	"ppscore/internal/migrate"
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

func newTestEngine(t *testing.T, cfg *config.Config) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return engine.New(conn, cfg)
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	e := newTestEngine(t, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
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
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

var actor = map[string]string{"X-Actor-Id": "planner"}

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

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

func createTodo(t *testing.T, srv *testServer, body map[string]any) domain.Todo {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/todos", body, actor)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var td domain.Todo
	require.NoError(t, json.Unmarshal(data, &td))
	return td
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/todos", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/todos", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", errorCode(t, data))
}

func TestDevLoginBearerFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{"actor_id": "alice"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &login))
	require.NotEmpty(t, login.Token)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var who WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &who))
	assert.Equal(t, "alice", who.ActorID)
	assert.Equal(t, "jwt", who.Source)
}

func TestTodoLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	td := createTodo(t, srv, map[string]any{"name": "saw", "setup_time_minutes": 10, "run_time_minutes": 20})
	assert.Equal(t, 30, td.TotalDurationMinutes)
	assert.Equal(t, 1, td.Version)

	res, data := doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v1/todos/%d", srv.URL, td.ID), nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPatch, fmt.Sprintf("%s/v1/todos/%d", srv.URL, td.ID), map[string]any{"version": 1, "priority": 5}, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPatch, fmt.Sprintf("%s/v1/todos/%d", srv.URL, td.ID), map[string]any{"version": 1, "priority": 7}, actor)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "version_conflict", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodPatch, fmt.Sprintf("%s/v1/todos/%d", srv.URL, td.ID), map[string]any{"version": 2, "progress": 1.5}, actor)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	assert.Equal(t, "validation_error", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodDelete, fmt.Sprintf("%s/v1/todos/%d?version=2", srv.URL, td.ID), nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v1/todos/%d", srv.URL, td.ID), nil, actor)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, "not_found", errorCode(t, data))
}

func TestDependencyErrorsMapToStatus(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	a := createTodo(t, srv, map[string]any{"name": "A"})
	b := createTodo(t, srv, map[string]any{"name": "B"})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/dependencies", map[string]any{"predecessor_id": a.ID, "successor_id": b.ID}, actor)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/dependencies", map[string]any{"predecessor_id": b.ID, "successor_id": a.ID}, actor)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "cycle", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/dependencies", map[string]any{"predecessor_id": a.ID, "successor_id": a.ID}, actor)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "self_loop", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/autolink", map[string]any{"todo_ids": []int64{a.ID}}, actor)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "insufficient_selection", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/dependencies/selection", map[string]any{"todo_ids": []int64{a.ID, b.ID}}, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var edges dependencyList
	require.NoError(t, json.Unmarshal(data, &edges))
	assert.Len(t, edges.Items, 1)
}

func TestGanttSyncOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/gantt/sync", map[string]any{
		"created_tasks": []map[string]any{
			{"id": -1, "text": "cut", "start_date": "2024-01-10T08:00:00Z", "duration": 60},
			{"id": -2, "text": "weld", "start_date": "2024-01-10T09:00:00Z", "duration": 60},
		},
		"created_links": []map[string]any{{"id": -3, "source": -1, "target": -2, "type": "0"}},
	}, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var resp gantt.SyncResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Empty(t, resp.Errors)
	assert.Len(t, resp.CreatedTaskIDs, 2)
	assert.Equal(t, 1, resp.CreatedLinkCount)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/gantt", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var view gantt.View
	require.NoError(t, json.Unmarshal(data, &view))
	assert.Len(t, view.Tasks, 2)
	require.Len(t, view.Links, 1)
	assert.Equal(t, resp.CreatedTaskIDs["-1"], view.Links[0].Source)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/gantt/sync", map[string]any{"batch_id": "nope"}, actor)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
}

func TestConflictRoutes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v1/resources", map[string]any{"kind": "machine", "id": "M1"}, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	for _, name := range []string{"a", "b"} {
		createTodo(t, srv, map[string]any{
			"name": name, "assigned_machine_id": "M1",
			"planned_start": "2024-01-10T08:00:00Z", "planned_end": "2024-01-10T09:00:00Z",
		})
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/conflicts/detect", map[string]any{}, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var found conflictList
	require.NoError(t, json.Unmarshal(data, &found))
	require.Len(t, found.Items, 1)
	assert.Equal(t, domain.ConflictResourceOverlap, found.Items[0].Type)

	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v1/conflicts/%d/resolve", srv.URL, found.Items[0].ID), nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/conflicts?resolved=false", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var open conflictList
	require.NoError(t, json.Unmarshal(data, &open))
	assert.Empty(t, open.Items)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?type=conflict.resolved", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var events paginatedEvents
	require.NoError(t, json.Unmarshal(data, &events))
	require.Len(t, events.Items, 1)
	assert.Equal(t, "planner", events.Items[0].ActorID)
}

func TestWebhookDelivery(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookEvent
		headers  []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, evt)
		headers = append(headers, r.Header.Get("X-PPS-Secret"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	cfg := config.Default()
	cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{"todo.created"}, Secret: "s3"}}
	e := newTestEngine(t, cfg)
	ctx := context.Background()
	d := newWebhookDispatcher(e, nil)
	require.NotNil(t, d)

	// cursor starts at the end of the log
	d.dispatchAll(ctx)
	_, err := e.CreateTodo(ctx, engine.TodoCreateOptions{Name: "fresh"})
	require.NoError(t, err)
	_, err = e.UpsertCategory(ctx, domain.WorkCategory{Code: "weld", MinLevel: 1}, "")
	require.NoError(t, err)
	d.dispatchAll(ctx)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "todo.created", received[0].Type)
	assert.Equal(t, "s3", headers[0])
}

func TestOpenAPIDeclaresBearerSecurity(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var doc struct {
		Components struct {
			SecuritySchemes map[string]map[string]any `json:"securitySchemes"`
		} `json:"components"`
		Paths map[string]map[string]struct {
			Security  []map[string][]string `json:"security"`
			Responses map[string]any        `json:"responses"`
		} `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "bearer", doc.Components.SecuritySchemes["bearerAuth"]["scheme"])

	health := doc.Paths["/v1/health"]["get"]
	assert.Empty(t, health.Security)
	todos := doc.Paths["/v1/todos"]["post"]
	require.Len(t, todos.Security, 1)
	assert.Contains(t, todos.Security[0], "bearerAuth")
	assert.Contains(t, todos.Responses, "default")

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/docs", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestWebhookRetriesFailedDelivery(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts int
		got      []int64
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		got = append(got, evt.ID)
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	cfg := config.Default()
	cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL}}
	e := newTestEngine(t, cfg)
	ctx := context.Background()
	d := newWebhookDispatcher(e, nil)
	require.NotNil(t, d)
	d.dispatchAll(ctx)

	_, err := e.CreateTodo(ctx, engine.TodoCreateOptions{Name: "first"})
	require.NoError(t, err)
	d.dispatchAll(ctx)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
	require.Len(t, got, 1)
}
