package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ppscore/internal/config"
	"ppscore/internal/db"
	"ppscore/internal/domain"
	"ppscore/internal/engine"
	"ppscore/internal/gantt"
	"ppscore/internal/migrate"
	"ppscore/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

var day = time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

func at(hour, minute int) *time.Time {
	v := day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
	return &v
}

func ptr[T any](v T) *T { return &v }

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) todo(t *testing.T, name string, priority int) domain.Todo {
	t.Helper()
	td, err := env.Engine.CreateTodo(env.Ctx, engine.TodoCreateOptions{Name: name, Priority: &priority, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	return td
}

func (env testEnv) link(t *testing.T, pred, succ int64) domain.Dependency {
	t.Helper()
	dep, err := env.Engine.AddDependency(env.Ctx, engine.DependencyOptions{PredecessorID: pred, SuccessorID: succ, ActorID: "tester"})
	if err != nil {
		t.Fatalf("link %d -> %d: %v", pred, succ, err)
	}
	return dep
}

func activeEdges(t *testing.T, env testEnv) []domain.Dependency {
	t.Helper()
	deps, err := env.Engine.ListDependencies(env.Ctx, repo.DependencyFilter{})
	require.NoError(t, err)
	return deps
}

func TestAutoLinkOrdersByPriority(t *testing.T) {
	env := newTestEnv(t)
	a := env.todo(t, "A", 2)
	b := env.todo(t, "B", 1)
	c := env.todo(t, "C", 3)

	res, err := env.Engine.AutoLinkSelection(env.Ctx, []int64{a.ID, b.ID, c.ID}, "tester")
	require.NoError(t, err)
	assert.Equal(t, 3, res.LinkedCount)
	assert.Equal(t, 2, res.CreatedEdgeCount)
	assert.Equal(t, 0, res.DeactivatedEdgeCount)
	assert.Equal(t, []int64{b.ID, a.ID, c.ID}, res.Chain)
	require.Len(t, res.Edges, 2)
	assert.Equal(t, b.ID, res.Edges[0].PredecessorID)
	assert.Equal(t, a.ID, res.Edges[0].SuccessorID)
	assert.Equal(t, domain.OriginAutoLink, res.Edges[0].Origin)

	// a second run replaces the chain rather than stacking edges
	res, err = env.Engine.AutoLinkSelection(env.Ctx, []int64{c.ID, a.ID, b.ID}, "tester")
	require.NoError(t, err)
	assert.Equal(t, 2, res.DeactivatedEdgeCount)
	assert.Equal(t, 2, res.CreatedEdgeCount)
	assert.Len(t, activeEdges(t, env), 2)
}

func TestAutoLinkRejectsSmallSelection(t *testing.T) {
	env := newTestEnv(t)
	a := env.todo(t, "A", 1)
	res, err := env.Engine.AutoLinkSelection(env.Ctx, []int64{a.ID, a.ID}, "tester")
	var insuff domain.InsufficientSelectionError
	require.ErrorAs(t, err, &insuff)
	assert.Equal(t, 1, insuff.Size)
	assert.NotEmpty(t, res.Errors)
	assert.Empty(t, activeEdges(t, env))
}

func TestAutoLinkRollsBackOnCycle(t *testing.T) {
	env := newTestEnv(t)
	a := env.todo(t, "A", 1)
	b := env.todo(t, "B", 2)
	x := env.todo(t, "X", 5)
	// B -> X -> A exists outside the selection, so chaining A -> B closes a cycle
	env.link(t, b.ID, x.ID)
	env.link(t, x.ID, a.ID)

	_, err := env.Engine.AutoLinkSelection(env.Ctx, []int64{a.ID, b.ID}, "tester")
	var cycle domain.CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Len(t, activeEdges(t, env), 2)
}

func TestDependencyAcyclicity(t *testing.T) {
	env := newTestEnv(t)
	a := env.todo(t, "A", 1)
	b := env.todo(t, "B", 1)
	c := env.todo(t, "C", 1)
	env.link(t, a.ID, b.ID)
	env.link(t, b.ID, c.ID)

	_, err := env.Engine.AddDependency(env.Ctx, engine.DependencyOptions{PredecessorID: c.ID, SuccessorID: a.ID})
	var cycle domain.CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []int64{a.ID, b.ID, c.ID}, cycle.Path)

	_, err = env.Engine.AddDependency(env.Ctx, engine.DependencyOptions{PredecessorID: a.ID, SuccessorID: a.ID})
	var self domain.SelfLoopError
	require.ErrorAs(t, err, &self)

	_, err = env.Engine.AddDependency(env.Ctx, engine.DependencyOptions{PredecessorID: a.ID, SuccessorID: b.ID})
	var val domain.ValidationError
	require.ErrorAs(t, err, &val)

	assert.Len(t, activeEdges(t, env), 2)
}

func TestDeactivateDependencyIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	a := env.todo(t, "A", 1)
	b := env.todo(t, "B", 1)
	dep := env.link(t, a.ID, b.ID)

	got, err := env.Engine.DeactivateDependency(env.Ctx, dep.ID, "tester")
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	require.NotNil(t, got.DeactivatedAt)

	again, err := env.Engine.DeactivateDependency(env.Ctx, dep.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, got.DeactivatedAt, again.DeactivatedAt)

	// the same pair may be linked again once the old edge is inactive
	env.link(t, a.ID, b.ID)
}

func TestVersionGuard(t *testing.T) {
	env := newTestEnv(t)
	a := env.todo(t, "A", 1)

	updated, err := env.Engine.UpdateTodo(env.Ctx, engine.TodoPatch{ID: a.ID, Version: a.Version, Name: ptr("A1")})
	require.NoError(t, err)
	assert.Equal(t, a.Version+1, updated.Version)

	_, err = env.Engine.UpdateTodo(env.Ctx, engine.TodoPatch{ID: a.ID, Version: a.Version, Name: ptr("A2")})
	var vc domain.VersionConflictError
	require.ErrorAs(t, err, &vc)
	assert.Equal(t, updated.Version, vc.Actual)

	got, err := env.Engine.GetTodo(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "A1", got.Name)
}

func TestDurationAndPlannedEnd(t *testing.T) {
	env := newTestEnv(t)
	td, err := env.Engine.CreateTodo(env.Ctx, engine.TodoCreateOptions{
		Name: "mill", SetupTimeMinutes: 15, RunTimeMinutes: 45, PlannedStart: at(8, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, 60, td.TotalDurationMinutes)
	assert.False(t, td.IsDurationManual)
	require.NotNil(t, td.PlannedEnd)
	assert.True(t, td.PlannedEnd.Equal(*at(9, 0)))

	// moving the start keeps the span
	td, err = env.Engine.UpdateTodo(env.Ctx, engine.TodoPatch{ID: td.ID, Version: td.Version, PlannedStart: at(10, 0)})
	require.NoError(t, err)
	assert.True(t, td.PlannedEnd.Equal(*at(11, 0)))

	_, err = env.Engine.UpdateTodo(env.Ctx, engine.TodoPatch{ID: td.ID, Version: td.Version, PlannedEnd: at(9, 0)})
	var val domain.ValidationError
	require.ErrorAs(t, err, &val)
	assert.Equal(t, "planned_end", val.Field)
}

func TestStatusReopenRules(t *testing.T) {
	env := newTestEnv(t)
	td := env.todo(t, "A", 1)

	td, err := env.Engine.UpdateTodo(env.Ctx, engine.TodoPatch{ID: td.ID, Version: td.Version, Status: ptr(domain.StatusInProgress)})
	require.NoError(t, err)
	require.NotNil(t, td.ActualStart)

	td, err = env.Engine.UpdateTodo(env.Ctx, engine.TodoPatch{ID: td.ID, Version: td.Version, Status: ptr(domain.StatusCompleted)})
	require.NoError(t, err)
	assert.Equal(t, 1.0, td.Progress)
	require.NotNil(t, td.ActualEnd)

	_, err = env.Engine.UpdateTodo(env.Ctx, engine.TodoPatch{ID: td.ID, Version: td.Version, Status: ptr(domain.StatusPlanned)})
	var val domain.ValidationError
	require.ErrorAs(t, err, &val)

	td, err = env.Engine.UpdateTodo(env.Ctx, engine.TodoPatch{ID: td.ID, Version: td.Version, Status: ptr(domain.StatusPlanned), Progress: ptr(0.5), Reopen: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPlanned, td.Status)
	assert.Nil(t, td.ActualEnd)
	assert.Equal(t, 0.5, td.Progress)

	td, err = env.Engine.UpdateTodo(env.Ctx, engine.TodoPatch{ID: td.ID, Version: td.Version, Status: ptr(domain.StatusBlocked), BlockReason: ptr("no material")})
	require.NoError(t, err)
	require.NotNil(t, td.BlockReason)

	_, err = env.Engine.UpdateTodo(env.Ctx, engine.TodoPatch{ID: td.ID, Version: td.Version, Status: ptr(domain.StatusCompleted)})
	require.ErrorAs(t, err, &val)

	td, err = env.Engine.UpdateTodo(env.Ctx, engine.TodoPatch{ID: td.ID, Version: td.Version, Status: ptr(domain.StatusInProgress)})
	require.NoError(t, err)
	assert.Nil(t, td.BlockReason)
}

func TestDeleteSubtree(t *testing.T) {
	env := newTestEnv(t)
	order, err := env.Engine.CreateTodo(env.Ctx, engine.TodoCreateOptions{Name: "order", Type: domain.TodoContainerOrder})
	require.NoError(t, err)
	article, err := env.Engine.CreateTodo(env.Ctx, engine.TodoCreateOptions{Name: "article", Type: domain.TodoContainerArticle, ParentID: &order.ID})
	require.NoError(t, err)
	op, err := env.Engine.CreateTodo(env.Ctx, engine.TodoCreateOptions{Name: "op", Type: domain.TodoOperation, ParentID: &article.ID})
	require.NoError(t, err)
	other := env.todo(t, "other", 1)
	dep := env.link(t, op.ID, other.ID)

	_, err = env.Engine.DeleteTodo(env.Ctx, order.ID, order.Version+1, "tester")
	var vc domain.VersionConflictError
	require.ErrorAs(t, err, &vc)

	res, err := env.Engine.DeleteTodo(env.Ctx, order.ID, order.Version, "tester")
	require.NoError(t, err)
	assert.Equal(t, []int64{order.ID, article.ID, op.ID}, res.DeletedIDs)
	assert.Equal(t, []int64{dep.ID}, res.DeactivatedEdgeIDs)

	_, err = env.Engine.GetTodo(env.Ctx, op.ID)
	var nf domain.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Empty(t, activeEdges(t, env))

	live, err := env.Engine.ListTodos(env.Ctx, repo.TodoFilter{})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, other.ID, live[0].ID)
}

func TestParentContainmentCycle(t *testing.T) {
	env := newTestEnv(t)
	a := env.todo(t, "A", 1)
	b, err := env.Engine.CreateTodo(env.Ctx, engine.TodoCreateOptions{Name: "B", ParentID: &a.ID})
	require.NoError(t, err)

	_, err = env.Engine.UpdateTodo(env.Ctx, engine.TodoPatch{ID: a.ID, Version: a.Version, ParentID: &b.ID})
	var val domain.ValidationError
	require.ErrorAs(t, err, &val)
}

func seedMachine(t *testing.T, env testEnv, id string) {
	t.Helper()
	_, err := env.Engine.UpsertResource(env.Ctx, domain.Resource{Kind: domain.ResourceMachine, ID: id}, "tester")
	require.NoError(t, err)
}

func TestOverlapDetectedAndCleared(t *testing.T) {
	env := newTestEnv(t)
	seedMachine(t, env, "M")
	first, err := env.Engine.CreateTodo(env.Ctx, engine.TodoCreateOptions{
		Name: "first", MachineID: ptr("M"), PlannedStart: at(8, 0), PlannedEnd: at(10, 0),
	})
	require.NoError(t, err)
	second, err := env.Engine.CreateTodo(env.Ctx, engine.TodoCreateOptions{
		Name: "second", MachineID: ptr("M"), PlannedStart: at(9, 0), RunTimeMinutes: 60,
	})
	require.NoError(t, err)

	found, err := env.Engine.DetectConflicts(env.Ctx, nil, "tester")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, domain.ConflictResourceOverlap, found[0].Type)
	assert.Equal(t, first.ID, found[0].TodoID)
	require.NotNil(t, found[0].RelatedTodoID)
	assert.Equal(t, second.ID, *found[0].RelatedTodoID)

	second, err = env.Engine.UpdateTodo(env.Ctx, engine.TodoPatch{ID: second.ID, Version: second.Version, PlannedStart: at(10, 0)})
	require.NoError(t, err)
	found, err = env.Engine.DetectConflicts(env.Ctx, []int64{second.ID}, "tester")
	require.NoError(t, err)
	assert.Empty(t, found)

	stored, err := env.Engine.ListConflicts(env.Ctx, repo.ConflictFilter{})
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestResolvedFlagSurvivesRedetection(t *testing.T) {
	env := newTestEnv(t)
	seedMachine(t, env, "M")
	for _, name := range []string{"a", "b"} {
		_, err := env.Engine.CreateTodo(env.Ctx, engine.TodoCreateOptions{
			Name: name, MachineID: ptr("M"), PlannedStart: at(8, 0), PlannedEnd: at(9, 0),
		})
		require.NoError(t, err)
	}
	found, err := env.Engine.DetectConflicts(env.Ctx, nil, "tester")
	require.NoError(t, err)
	require.Len(t, found, 1)

	resolved, err := env.Engine.ResolveConflict(env.Ctx, found[0].ID, "tester")
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)

	found, err = env.Engine.DetectConflicts(env.Ctx, nil, "tester")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.True(t, found[0].Resolved)

	open, err := env.Engine.ListConflicts(env.Ctx, repo.ConflictFilter{Resolved: ptr(false)})
	require.NoError(t, err)
	assert.Empty(t, open)

	_, err = env.Engine.ResolveConflict(env.Ctx, 9999, "tester")
	var nf domain.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestDependencyViolation(t *testing.T) {
	env := newTestEnv(t)
	pred, err := env.Engine.CreateTodo(env.Ctx, engine.TodoCreateOptions{Name: "pred", PlannedStart: at(8, 0), PlannedEnd: at(10, 0)})
	require.NoError(t, err)
	succ, err := env.Engine.CreateTodo(env.Ctx, engine.TodoCreateOptions{Name: "succ", PlannedStart: at(9, 0), PlannedEnd: at(11, 0)})
	require.NoError(t, err)
	env.link(t, pred.ID, succ.ID)

	found, err := env.Engine.DetectConflicts(env.Ctx, []int64{pred.ID}, "tester")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, domain.ConflictDependency, found[0].Type)
	assert.Equal(t, succ.ID, found[0].TodoID)
}

func TestGroupsByParent(t *testing.T) {
	env := newTestEnv(t)
	order, err := env.Engine.CreateTodo(env.Ctx, engine.TodoCreateOptions{Name: "order", Type: domain.TodoContainerOrder})
	require.NoError(t, err)
	for _, name := range []string{"a", "b"} {
		_, err := env.Engine.CreateTodo(env.Ctx, engine.TodoCreateOptions{Name: name, ParentID: &order.ID})
		require.NoError(t, err)
	}
	groups, err := env.Engine.Groups(env.Ctx, "parent", repo.TodoFilter{ParentID: &order.ID})
	require.NoError(t, err)
	require.Len(t, groups, 1)

	_, err = env.Engine.Groups(env.Ctx, "colour", repo.TodoFilter{})
	require.Error(t, err)
}

func TestSegmentsValidated(t *testing.T) {
	env := newTestEnv(t)
	td := env.todo(t, "A", 1)
	segs, err := env.Engine.SetSegments(env.Ctx, td.ID, []domain.Segment{
		{SegmentIndex: 0, StartTime: *at(8, 0), EndTime: *at(9, 0)},
		{SegmentIndex: 1, StartTime: *at(10, 0), EndTime: *at(11, 0)},
	}, "tester")
	require.NoError(t, err)
	assert.Len(t, segs, 2)

	_, err = env.Engine.SetSegments(env.Ctx, td.ID, []domain.Segment{
		{SegmentIndex: 0, StartTime: *at(8, 0), EndTime: *at(9, 30)},
		{SegmentIndex: 1, StartTime: *at(9, 0), EndTime: *at(11, 0)},
	}, "tester")
	require.Error(t, err)

	got, err := env.Engine.ListSegments(env.Ctx, td.ID)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

const batch = "6f1c2a4e-8a3b-4c1d-9e2f-0a1b2c3d4e5f"

func TestSyncIsIdempotentPerBatch(t *testing.T) {
	env := newTestEnv(t)
	existing := env.todo(t, "existing", 1)
	req := gantt.SyncRequest{
		BatchID: batch,
		CreatedTasks: []gantt.TaskInput{
			{ID: -2, Text: ptr("child"), Parent: ptr(int64(-1)), StartDate: at(8, 0), Duration: ptr(30)},
			{ID: -1, Text: ptr("parent"), TodoType: ptr(string(domain.TodoContainerOrder))},
		},
		CreatedLinks: []gantt.LinkInput{{ID: -5, Source: existing.ID, Target: -2, Type: gantt.LinkFinishToStart}},
	}

	first, err := env.Engine.SyncGantt(env.Ctx, req, "tester")
	require.NoError(t, err)
	require.Empty(t, first.Errors)
	require.Len(t, first.CreatedTaskIDs, 2)
	assert.Equal(t, 1, first.CreatedLinkCount)

	child, err := env.Engine.GetTodo(env.Ctx, first.CreatedTaskIDs["-2"])
	require.NoError(t, err)
	require.NotNil(t, child.ParentID)
	assert.Equal(t, first.CreatedTaskIDs["-1"], *child.ParentID)
	assert.True(t, child.PlannedEnd.Equal(*at(8, 30)))

	second, err := env.Engine.SyncGantt(env.Ctx, req, "tester")
	require.NoError(t, err)
	assert.Equal(t, first.CreatedTaskIDs, second.CreatedTaskIDs)
	assert.Equal(t, first.CreatedLinkIDs, second.CreatedLinkIDs)
	assert.Equal(t, 0, second.CreatedLinkCount)

	todos, err := env.Engine.ListTodos(env.Ctx, repo.TodoFilter{})
	require.NoError(t, err)
	assert.Len(t, todos, 3)
	assert.Len(t, activeEdges(t, env), 1)
}

func TestSyncReportsItemErrors(t *testing.T) {
	env := newTestEnv(t)
	a := env.todo(t, "A", 1)
	b := env.todo(t, "B", 1)
	env.link(t, a.ID, b.ID)

	resp, err := env.Engine.SyncGantt(env.Ctx, gantt.SyncRequest{
		UpdatedTasks: []gantt.TaskInput{
			{ID: a.ID, Version: a.Version + 3, Text: ptr("stale")},
			{ID: b.ID, Version: b.Version, Text: ptr("B1")},
		},
		CreatedLinks: []gantt.LinkInput{{ID: -1, Source: b.ID, Target: a.ID}},
	}, "tester")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.BatchID)
	assert.Equal(t, 1, resp.UpdatedCount)
	require.Len(t, resp.Errors, 2)
	assert.Equal(t, "version_conflict", resp.Errors[0].Code)
	assert.Equal(t, a.ID, resp.Errors[0].ID)
	assert.Equal(t, "cycle", resp.Errors[1].Code)

	got, err := env.Engine.GetTodo(env.Ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "B1", got.Name)
	got, err = env.Engine.GetTodo(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", got.Name)
	assert.Len(t, activeEdges(t, env), 1)
}

func TestSyncRejectsBadBatchID(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SyncGantt(env.Ctx, gantt.SyncRequest{BatchID: "not-a-uuid"}, "tester")
	var val domain.ValidationError
	require.ErrorAs(t, err, &val)
}

func TestSyncLinkUpdateSupersedes(t *testing.T) {
	env := newTestEnv(t)
	a := env.todo(t, "A", 1)
	b := env.todo(t, "B", 1)
	c := env.todo(t, "C", 1)
	dep := env.link(t, a.ID, b.ID)

	resp, err := env.Engine.SyncGantt(env.Ctx, gantt.SyncRequest{
		UpdatedLinks: []gantt.LinkInput{{ID: dep.ID, Source: a.ID, Target: c.ID, Type: gantt.LinkStartToStart}},
	}, "tester")
	require.NoError(t, err)
	require.Empty(t, resp.Errors)
	replacement, ok := resp.ReplacedLinkIDs[gantt.IDKey(dep.ID)]
	require.True(t, ok)

	edges := activeEdges(t, env)
	require.Len(t, edges, 1)
	assert.Equal(t, replacement, edges[0].ID)
	assert.Equal(t, c.ID, edges[0].SuccessorID)
	assert.Equal(t, domain.StartToStart, edges[0].Type)
	assert.Equal(t, domain.OriginGantt, edges[0].Origin)

	// same endpoints edit the edge in place
	resp, err = env.Engine.SyncGantt(env.Ctx, gantt.SyncRequest{
		UpdatedLinks: []gantt.LinkInput{{ID: replacement, Source: a.ID, Target: c.ID, Type: gantt.LinkFinishToFinish, Lag: 15}},
	}, "tester")
	require.NoError(t, err)
	require.Empty(t, resp.Errors)
	assert.Empty(t, resp.ReplacedLinkIDs)
	edges = activeEdges(t, env)
	require.Len(t, edges, 1)
	assert.Equal(t, replacement, edges[0].ID)
	assert.Equal(t, domain.FinishToFinish, edges[0].Type)
	assert.Equal(t, 15, edges[0].LagMinutes)
}

func TestSyncDeletes(t *testing.T) {
	env := newTestEnv(t)
	a := env.todo(t, "A", 1)
	b := env.todo(t, "B", 1)
	c := env.todo(t, "C", 1)
	env.link(t, a.ID, b.ID)
	bc := env.link(t, b.ID, c.ID)

	resp, err := env.Engine.SyncGantt(env.Ctx, gantt.SyncRequest{
		DeletedTaskIDs: []int64{a.ID, a.ID},
		DeletedLinkIDs: []int64{bc.ID, 4242},
	}, "tester")
	require.NoError(t, err)
	assert.Equal(t, 1, resp.DeletedCount)
	assert.Equal(t, 1, resp.DeletedLinkCount)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "not_found", resp.Errors[0].Code)
	assert.Empty(t, activeEdges(t, env))
}

func TestGanttViewFlagsConflicts(t *testing.T) {
	env := newTestEnv(t)
	seedMachine(t, env, "M")
	var ids []int64
	for _, name := range []string{"a", "b"} {
		td, err := env.Engine.CreateTodo(env.Ctx, engine.TodoCreateOptions{
			Name: name, MachineID: ptr("M"), PlannedStart: at(8, 0), PlannedEnd: at(9, 0),
		})
		require.NoError(t, err)
		ids = append(ids, td.ID)
	}
	env.link(t, ids[0], ids[1])
	_, err := env.Engine.DetectConflicts(env.Ctx, nil, "tester")
	require.NoError(t, err)

	view, err := env.Engine.GanttView(env.Ctx, repo.TodoFilter{})
	require.NoError(t, err)
	require.Len(t, view.Tasks, 2)
	require.Len(t, view.Links, 1)
	for _, task := range view.Tasks {
		assert.True(t, task.HasConflict)
		assert.Contains(t, task.ConflictTypes, string(domain.ConflictResourceOverlap))
	}
}

func TestSyncRefreshesConflictFlags(t *testing.T) {
	env := newTestEnv(t)
	seedMachine(t, env, "M")
	fixed, err := env.Engine.CreateTodo(env.Ctx, engine.TodoCreateOptions{
		Name: "fixed", MachineID: ptr("M"), PlannedStart: at(8, 0), PlannedEnd: at(10, 0),
	})
	require.NoError(t, err)
	moved, err := env.Engine.CreateTodo(env.Ctx, engine.TodoCreateOptions{
		Name: "moved", MachineID: ptr("M"), PlannedStart: at(12, 0), PlannedEnd: at(13, 0),
	})
	require.NoError(t, err)

	flags := func() map[int64]bool {
		view, err := env.Engine.GanttView(env.Ctx, repo.TodoFilter{})
		require.NoError(t, err)
		out := make(map[int64]bool, len(view.Tasks))
		for _, task := range view.Tasks {
			out[task.ID] = task.HasConflict
		}
		return out
	}

	resp, err := env.Engine.SyncGantt(env.Ctx, gantt.SyncRequest{
		UpdatedTasks: []gantt.TaskInput{{ID: moved.ID, Version: moved.Version, StartDate: at(9, 0), EndDate: at(10, 0)}},
	}, "tester")
	require.NoError(t, err)
	require.Empty(t, resp.Errors)
	require.Len(t, resp.Conflicts, 1)
	assert.Equal(t, domain.ConflictResourceOverlap, resp.Conflicts[0].Type)
	assert.Equal(t, domain.SeverityError, resp.Conflicts[0].Severity)
	assert.Equal(t, map[int64]bool{fixed.ID: true, moved.ID: true}, flags())

	current, err := env.Engine.GetTodo(env.Ctx, moved.ID)
	require.NoError(t, err)
	resp, err = env.Engine.SyncGantt(env.Ctx, gantt.SyncRequest{
		UpdatedTasks: []gantt.TaskInput{{ID: moved.ID, Version: current.Version, StartDate: at(12, 0), EndDate: at(13, 0)}},
	}, "tester")
	require.NoError(t, err)
	require.Empty(t, resp.Errors)
	assert.Empty(t, resp.Conflicts)
	assert.Equal(t, map[int64]bool{fixed.ID: false, moved.ID: false}, flags())
}

func TestEventsUseEngineClock(t *testing.T) {
	env := newTestEnv(t)
	env.todo(t, "stamped", 1)
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "2024-01-01T00:00:00Z", evts[0].TS)
}

func TestSyncLinkCreateNeedsTempID(t *testing.T) {
	env := newTestEnv(t)
	a := env.todo(t, "A", 1)
	b := env.todo(t, "B", 1)
	c := env.todo(t, "C", 1)

	resp, err := env.Engine.SyncGantt(env.Ctx, gantt.SyncRequest{
		CreatedLinks: []gantt.LinkInput{
			{ID: 7, Source: a.ID, Target: b.ID},
			{ID: -1, Source: b.ID, Target: c.ID},
			{ID: -1, Source: a.ID, Target: c.ID},
		},
	}, "tester")
	require.NoError(t, err)
	require.Len(t, resp.Errors, 2)
	assert.Equal(t, int64(7), resp.Errors[0].ID)
	assert.Equal(t, "validation_error", resp.Errors[0].Code)
	assert.Equal(t, int64(-1), resp.Errors[1].ID)
	assert.Equal(t, 1, resp.CreatedLinkCount)
	assert.NotContains(t, resp.CreatedLinkIDs, "7")
	edges := activeEdges(t, env)
	require.Len(t, edges, 1)
	assert.Equal(t, b.ID, edges[0].PredecessorID)
}

func TestSyncEmptyDiffRecordsNothing(t *testing.T) {
	env := newTestEnv(t)
	before, err := env.Engine.Repo.LatestEventID(env.Ctx)
	require.NoError(t, err)
	resp, err := env.Engine.SyncGantt(env.Ctx, gantt.SyncRequest{BatchID: batch}, "tester")
	require.NoError(t, err)
	assert.Equal(t, batch, resp.BatchID)
	after, err := env.Engine.Repo.LatestEventID(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCheckGraphReportsStoredCycle(t *testing.T) {
	env := newTestEnv(t)
	a := env.todo(t, "A", 1)
	b := env.todo(t, "B", 1)
	c := env.todo(t, "C", 1)
	env.link(t, a.ID, b.ID)
	env.link(t, b.ID, c.ID)

	order, err := env.Engine.CheckGraph(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID, b.ID, c.ID}, order)

	// a row written around the engine closes the loop
	_, err = env.Engine.Repo.InsertDependency(env.Ctx, domain.Dependency{
		PredecessorID: c.ID, SuccessorID: a.ID, Type: domain.FinishToStart, Origin: domain.OriginManual, CreatedAt: day,
	})
	require.NoError(t, err)
	_, err = env.Engine.CheckGraph(env.Ctx)
	var cycle domain.CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []int64{a.ID, b.ID, c.ID, a.ID}, cycle.Path)
}
