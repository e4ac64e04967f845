package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ppscore/internal/db"
	"ppscore/internal/domain"
	"ppscore/internal/migrate"
	"ppscore/internal/repo"
)

func newRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(ctx, conn))
	return repo.Repo{DB: conn}, ctx
}

var t0 = time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)

func insertTodo(t *testing.T, r repo.Repo, ctx context.Context, name string, priority int) domain.Todo {
	t.Helper()
	id, err := r.InsertTodo(ctx, domain.Todo{
		Name: name, Type: domain.TodoTask, Status: domain.StatusNew, Priority: priority,
		CreatedAt: t0, UpdatedAt: t0,
	})
	require.NoError(t, err)
	td, err := r.GetTodo(ctx, id)
	require.NoError(t, err)
	return td
}

func TestTodoCompareAndSwap(t *testing.T) {
	r, ctx := newRepo(t)
	td := insertTodo(t, r, ctx, "cut", 5)
	require.Equal(t, 1, td.Version)

	start := t0
	td.PlannedStart = &start
	td.UpdatedAt = t0.Add(time.Minute)
	require.NoError(t, r.UpdateTodo(ctx, td, 1))

	// same expected version again is stale
	err := r.UpdateTodo(ctx, td, 1)
	require.True(t, errors.Is(err, repo.ErrStaleVersion))

	got, err := r.GetTodo(ctx, td.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	require.NotNil(t, got.PlannedStart)
	assert.True(t, got.PlannedStart.Equal(t0))

	require.NoError(t, r.SoftDeleteTodo(ctx, td.ID, 2, t0.Format(time.RFC3339)))
	live, err := r.ListTodos(ctx, repo.TodoFilter{})
	require.NoError(t, err)
	assert.Empty(t, live)
	all, err := r.ListTodos(ctx, repo.TodoFilter{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 3, all[0].Version)
	assert.NotNil(t, all[0].DeletedAt)
}

func TestEdgesForSelection(t *testing.T) {
	r, ctx := newRepo(t)
	a := insertTodo(t, r, ctx, "a", 1)
	b := insertTodo(t, r, ctx, "b", 1)
	c := insertTodo(t, r, ctx, "c", 1)
	for _, pair := range [][2]int64{{a.ID, b.ID}, {b.ID, c.ID}} {
		_, err := r.InsertDependency(ctx, domain.Dependency{PredecessorID: pair[0], SuccessorID: pair[1], Type: domain.FinishToStart, Origin: domain.OriginManual, CreatedAt: t0})
		require.NoError(t, err)
	}
	edges, err := r.EdgesForSelection(ctx, []int64{a.ID, b.ID})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, b.ID, edges[0].SuccessorID)

	changed, err := r.DeactivateDependency(ctx, edges[0].ID, t0.Format(time.RFC3339))
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = r.DeactivateDependency(ctx, edges[0].ID, t0.Format(time.RFC3339))
	require.NoError(t, err)
	assert.False(t, changed)

	touching, err := r.EdgesTouching(ctx, []int64{b.ID})
	require.NoError(t, err)
	require.Len(t, touching, 1)
	assert.Equal(t, c.ID, touching[0].SuccessorID)
}

func TestLargeSelectionsBindAsOneVariable(t *testing.T) {
	r, ctx := newRepo(t)
	a := insertTodo(t, r, ctx, "a", 1)
	b := insertTodo(t, r, ctx, "b", 1)
	_, err := r.InsertDependency(ctx, domain.Dependency{PredecessorID: a.ID, SuccessorID: b.ID, Type: domain.FinishToStart, Origin: domain.OriginManual, CreatedAt: t0})
	require.NoError(t, err)
	related := b.ID
	_, err = r.InsertConflict(ctx, domain.Conflict{
		Type: domain.ConflictResourceOverlap, Severity: domain.SeverityError,
		TodoID: a.ID, RelatedTodoID: &related, Message: "overlap", DetectedAt: t0,
	})
	require.NoError(t, err)

	// well past SQLite's default host parameter limit of 32766
	ids := make([]int64, 0, 40000)
	for id := int64(1); id <= 40000; id++ {
		ids = append(ids, id)
	}

	edges, err := r.EdgesForSelection(ctx, ids)
	require.NoError(t, err)
	assert.Len(t, edges, 1)
	touching, err := r.EdgesTouching(ctx, ids)
	require.NoError(t, err)
	assert.Len(t, touching, 1)
	todos, err := r.ListTodos(ctx, repo.TodoFilter{IDs: ids})
	require.NoError(t, err)
	assert.Len(t, todos, 2)

	conflicts, err := r.ConflictsTouching(ctx, ids)
	require.NoError(t, err)
	assert.Len(t, conflicts, 1)
	require.NoError(t, r.DeleteConflictsTouching(ctx, ids))
	conflicts, err = r.ConflictsTouching(ctx, ids)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestCalendarRoundTripAndQualifications(t *testing.T) {
	r, ctx := newRepo(t)
	cal := domain.WorkCalendar{
		ID: "day", Name: "Day shift", Timezone: "Europe/Berlin",
		Windows:    []domain.CalendarWindow{{Weekday: time.Monday, StartMinute: 360, EndMinute: 840}},
		Exceptions: []domain.CalendarException{{Day: "2024-12-25", Reason: "holiday"}},
	}
	require.NoError(t, r.UpsertCalendar(ctx, cal))
	calID := "day"
	require.NoError(t, r.UpsertResource(ctx, domain.Resource{Kind: domain.ResourceMachine, ID: "M1", Name: "Mill", Capacity: 1, CalendarID: &calID}))
	require.NoError(t, r.UpsertCategory(ctx, domain.WorkCategory{Code: "weld", Name: "Welding", MinLevel: 2}))
	ref := domain.ResourceRef{Kind: domain.ResourceMachine, ID: "M1"}
	require.NoError(t, r.SetQualifications(ctx, ref, []domain.Qualification{{Category: "weld", Level: 3}}))

	got, err := r.GetCalendar(ctx, "day")
	require.NoError(t, err)
	assert.Equal(t, cal.Windows, got.Windows)
	assert.Equal(t, cal.Exceptions, got.Exceptions)

	_, err = r.GetCalendar(ctx, "night")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	quals, err := r.Qualifications(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, quals[ref]["weld"])
}

func TestSyncIDMap(t *testing.T) {
	r, ctx := newRepo(t)
	now := t0.Format(time.RFC3339)
	require.NoError(t, r.RecordSyncID(ctx, "batch-1", repo.SyncKindTask, -1, 42, now))
	require.Error(t, r.RecordSyncID(ctx, "batch-1", repo.SyncKindTask, -1, 43, now))
	ids, err := r.SyncIDs(ctx, "batch-1", repo.SyncKindTask)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int64{-1: 42}, ids)
	links, err := r.SyncIDs(ctx, "batch-1", repo.SyncKindLink)
	require.NoError(t, err)
	assert.Empty(t, links)
}
