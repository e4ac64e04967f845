package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"ppscore/internal/domain"
	"ppscore/internal/events"
	"ppscore/internal/graph"
	"ppscore/internal/repo"
)

type AutoLinkResult struct {
	LinkedCount          int                 `json:"linked_count"`
	CreatedEdgeCount     int                 `json:"created_edge_count"`
	DeactivatedEdgeCount int                 `json:"deactivated_edge_count"`
	Chain                []int64             `json:"chain"`
	Edges                []domain.Dependency `json:"edges"`
	Errors               []string            `json:"errors"`
}

// AutoLinkSelection replaces every active edge inside the selection with one
// finish-to-start chain ordered by (priority, id). Nothing is applied on error.
func (e Engine) AutoLinkSelection(ctx context.Context, ids []int64, actorID string) (AutoLinkResult, error) {
	res := AutoLinkResult{Chain: []int64{}, Edges: []domain.Dependency{}, Errors: []string{}}
	ids = dedupe(ids)
	if len(ids) < 2 {
		err := domain.InsufficientSelectionError{Size: len(ids)}
		res.Errors = append(res.Errors, err.Error())
		return res, err
	}
	defer e.lock()()
	var applied AutoLinkResult
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		var err error
		applied, err = e.autoLinkTx(ctx, r, ids, actorID)
		return err
	})
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res, err
	}
	return applied, nil
}

func (e Engine) autoLinkTx(ctx context.Context, r repo.Repo, ids []int64, actorID string) (AutoLinkResult, error) {
	res := AutoLinkResult{Chain: []int64{}, Edges: []domain.Dependency{}, Errors: []string{}}
	todos := make([]domain.Todo, 0, len(ids))
	for _, id := range ids {
		t, err := liveTodo(ctx, r, id)
		if err != nil {
			return res, err
		}
		todos = append(todos, t)
	}
	sort.Slice(todos, func(i, j int) bool {
		if todos[i].Priority != todos[j].Priority {
			return todos[i].Priority < todos[j].Priority
		}
		return todos[i].ID < todos[j].ID
	})

	edges, err := r.ActiveEdges(ctx)
	if err != nil {
		return res, err
	}
	g := graph.FromDependencies(edges)
	stale, err := r.EdgesForSelection(ctx, ids)
	if err != nil {
		return res, err
	}
	for _, d := range stale {
		if _, changed, err := e.deactivateDependencyTx(ctx, r, g, d.ID, actorID); err != nil {
			return res, err
		} else if changed {
			res.DeactivatedEdgeCount++
		}
	}
	for i := 0; i+1 < len(todos); i++ {
		dep, err := e.addDependencyTx(ctx, r, g, DependencyOptions{
			PredecessorID: todos[i].ID,
			SuccessorID:   todos[i+1].ID,
			Type:          domain.FinishToStart,
			Origin:        domain.OriginAutoLink,
			ActorID:       actorID,
		})
		if err != nil {
			return res, fmt.Errorf("link %d -> %d: %w", todos[i].ID, todos[i+1].ID, err)
		}
		res.Edges = append(res.Edges, dep)
		res.CreatedEdgeCount++
	}
	for _, t := range todos {
		res.Chain = append(res.Chain, t.ID)
	}
	res.LinkedCount = len(todos)
	if err := e.events().Append(ctx, r.DB, events.AutoLinkApplied, "selection", "", actorID, events.EventPayload{
		"chain": res.Chain, "created_edge_count": res.CreatedEdgeCount, "deactivated_edge_count": res.DeactivatedEdgeCount,
	}); err != nil {
		return res, err
	}
	return res, nil
}
