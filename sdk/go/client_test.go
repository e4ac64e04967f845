package ppssdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSync struct {
	mu       sync.Mutex
	requests []SyncRequest
	reply    func(req SyncRequest) (int, any)
	// requests matching holdIf signal arrived and wait for release
	holdIf  func(req SyncRequest) bool
	arrived chan struct{}
	release chan struct{}
}

func (f *fakeSync) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/gantt/sync" {
		http.NotFound(w, r)
		return
	}
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.holdIf != nil && f.holdIf(req) {
		f.arrived <- struct{}{}
		<-f.release
	}
	status, body := http.StatusOK, any(SyncResponse{BatchID: req.BatchID, Errors: []ItemError{}})
	if f.reply != nil {
		status, body = f.reply(req)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (f *fakeSync) sent() []SyncRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SyncRequest(nil), f.requests...)
}

func newFake(t *testing.T, f *fakeSync) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c := New(srv.URL)
	c.ActorID = "planner"
	return c
}

func strPtr(s string) *string { return &s }

func TestSyncSessionRetriesOnlyFailedItems(t *testing.T) {
	calls := 0
	fake := &fakeSync{reply: func(req SyncRequest) (int, any) {
		calls++
		resp := SyncResponse{BatchID: req.BatchID, CreatedTaskIDs: map[string]int64{}, Errors: []ItemError{}}
		if len(req.CreatedTasks) > 0 {
			resp.CreatedTaskIDs["-1"] = 10
		}
		if calls == 1 {
			resp.Errors = append(resp.Errors, ItemError{Entity: "task", Op: "update", ID: 5, Code: "internal_error"})
		}
		return http.StatusOK, resp
	}}
	c := newFake(t, fake)
	session := c.NewSyncSession()
	ctx := context.Background()

	req := SyncRequest{
		CreatedTasks: []TaskInput{{ID: -1, Text: strPtr("new op")}},
		UpdatedTasks: []TaskInput{{ID: 5, Version: 1, Text: strPtr("renamed")}, {ID: 6, Version: 2}},
		CreatedLinks: []LinkInput{{ID: -1, Source: -1, Target: 6}},
	}
	resp, err := session.Submit(ctx, req)
	require.NoError(t, err)
	require.Len(t, resp.Errors, 1)
	assert.NotEmpty(t, resp.BatchID)

	pending, ok := session.Pending()
	require.True(t, ok)
	assert.Equal(t, resp.BatchID, pending.BatchID)
	assert.Empty(t, pending.CreatedTasks)
	assert.Empty(t, pending.CreatedLinks)
	require.Len(t, pending.UpdatedTasks, 1)
	assert.Equal(t, int64(5), pending.UpdatedTasks[0].ID)

	_, err = session.Retry(ctx)
	require.NoError(t, err)
	sent := fake.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, sent[0].BatchID, sent[1].BatchID)
	assert.Len(t, sent[1].UpdatedTasks, 1)

	_, ok = session.Pending()
	assert.False(t, ok)
	_, err = session.Retry(ctx)
	assert.ErrorIs(t, err, ErrNothingToRetry)
}

func TestSyncSessionDoesNotRetryStaleVersions(t *testing.T) {
	fake := &fakeSync{reply: func(req SyncRequest) (int, any) {
		return http.StatusOK, SyncResponse{BatchID: req.BatchID, Errors: []ItemError{
			{Entity: "task", Op: "update", ID: 5, Code: CodeVersionConflict},
			{Entity: "link", Op: "delete", ID: 9, Code: "transport_error"},
		}}
	}}
	session := newFake(t, fake).NewSyncSession()

	_, err := session.Submit(context.Background(), SyncRequest{
		UpdatedTasks:   []TaskInput{{ID: 5, Version: 1}},
		DeletedLinkIDs: []int64{9},
	})
	require.NoError(t, err)

	stale := session.Stale()
	require.Len(t, stale, 1)
	assert.Equal(t, int64(5), stale[0].ID)
	pending, ok := session.Pending()
	require.True(t, ok)
	assert.Empty(t, pending.UpdatedTasks)
	assert.Equal(t, []int64{9}, pending.DeletedLinkIDs)
}

func TestSyncSessionRefusesInFlightItems(t *testing.T) {
	fake := &fakeSync{
		holdIf: func(req SyncRequest) bool {
			return len(req.UpdatedTasks) > 0
		},
		arrived: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	c := newFake(t, fake)
	session := c.NewSyncSession()
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := session.Submit(ctx, SyncRequest{UpdatedTasks: []TaskInput{{ID: 7, Version: 1}}})
		done <- err
	}()
	<-fake.arrived

	_, err := session.Submit(ctx, SyncRequest{DeletedTaskIDs: []int64{7}})
	assert.ErrorIs(t, err, ErrInFlight)

	// a link with the same numeric id is a different item
	_, err = session.Submit(ctx, SyncRequest{DeletedLinkIDs: []int64{7}})
	require.NoError(t, err)

	close(fake.release)
	require.NoError(t, <-done)

	_, err = session.Submit(ctx, SyncRequest{DeletedTaskIDs: []int64{7}})
	require.NoError(t, err)
	assert.Len(t, fake.sent(), 3)
}

func TestSyncSessionKeepsWholeBatchOnTransportError(t *testing.T) {
	fake := &fakeSync{reply: func(SyncRequest) (int, any) {
		return http.StatusServiceUnavailable, map[string]any{"error": map[string]any{"code": "transport_error", "message": "begin tx"}}
	}}
	c := newFake(t, fake)
	session := c.NewSyncSession()

	req := SyncRequest{BatchID: "6f1c2a4e-8a3b-4c1d-9e2f-0a1b2c3d4e5f", DeletedTaskIDs: []int64{1, 2}}
	_, err := session.Submit(context.Background(), req)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "transport_error", apiErr.Code)

	pending, ok := session.Pending()
	require.True(t, ok)
	assert.Equal(t, req, pending)
}

func TestSyncSessionDropsRejectedBatch(t *testing.T) {
	fake := &fakeSync{reply: func(SyncRequest) (int, any) {
		return http.StatusUnprocessableEntity, map[string]any{"error": map[string]any{"code": "validation_error", "message": "batch_id must be a uuid"}}
	}}
	c := newFake(t, fake)
	session := c.NewSyncSession()
	_, err := session.Submit(context.Background(), SyncRequest{BatchID: "nope", DeletedTaskIDs: []int64{1}})
	require.Error(t, err)
	_, ok := session.Pending()
	assert.False(t, ok)
}

func TestAPIErrorParsesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/dependencies", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"cycle","message":"would create a cycle","details":{"path":[1,2,3]}}}`))
	}))
	defer srv.Close()
	c := New(srv.URL)
	c.BearerToken = "tok"

	_, err := c.AddDependency(context.Background(), 3, 1, "", 0)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "cycle", apiErr.Code)
	assert.Equal(t, []any{1.0, 2.0, 3.0}, apiErr.Details["path"])
}

func TestEventsPageQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/events", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "42", r.URL.Query().Get("cursor"))
		w.Write([]byte(`{"items":[{"id":41,"type":"todo.created"}],"next_cursor":"41"}`))
	}))
	defer srv.Close()
	page, err := New(srv.URL).EventsPage(context.Background(), 5, "42")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "todo.created", page.Items[0].Type)
	assert.Equal(t, "41", page.NextCursor)
}
