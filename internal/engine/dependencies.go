package engine

import (
	"context"
	"database/sql"
	"fmt"

	"ppscore/internal/domain"
	"ppscore/internal/events"
	"ppscore/internal/graph"
	"ppscore/internal/repo"
)

type DependencyOptions struct {
	PredecessorID int64
	SuccessorID   int64
	Type          domain.DependencyType
	LagMinutes    int
	Origin        string
	ActorID       string
}

// AddDependency inserts an active edge after checking self loops, endpoints,
// duplicates and reachability from the successor back to the predecessor.
func (e Engine) AddDependency(ctx context.Context, opts DependencyOptions) (domain.Dependency, error) {
	defer e.lock()()
	var dep domain.Dependency
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		edges, err := r.ActiveEdges(ctx)
		if err != nil {
			return err
		}
		dep, err = e.addDependencyTx(ctx, r, graph.FromDependencies(edges), opts)
		return err
	})
	return dep, err
}

func (e Engine) addDependencyTx(ctx context.Context, r repo.Repo, g *graph.Graph, opts DependencyOptions) (domain.Dependency, error) {
	if opts.Type == "" {
		opts.Type = domain.FinishToStart
	}
	if !opts.Type.Valid() {
		return domain.Dependency{}, domain.ValidationError{Field: "dependency_type", Reason: fmt.Sprintf("unknown type %q", opts.Type)}
	}
	if opts.Origin == "" {
		opts.Origin = domain.OriginManual
	}
	if opts.PredecessorID == opts.SuccessorID {
		return domain.Dependency{}, domain.SelfLoopError{TodoID: opts.PredecessorID}
	}
	for _, id := range []int64{opts.PredecessorID, opts.SuccessorID} {
		if _, err := liveTodo(ctx, r, id); err != nil {
			return domain.Dependency{}, err
		}
	}
	if g.HasEdge(opts.PredecessorID, opts.SuccessorID) {
		return domain.Dependency{}, domain.ValidationError{
			Field:  "dependency",
			Reason: fmt.Sprintf("active edge %d -> %d already exists", opts.PredecessorID, opts.SuccessorID),
		}
	}
	if err := g.CheckEdge(opts.PredecessorID, opts.SuccessorID); err != nil {
		return domain.Dependency{}, err
	}
	dep := domain.Dependency{
		PredecessorID: opts.PredecessorID,
		SuccessorID:   opts.SuccessorID,
		Type:          opts.Type,
		LagMinutes:    opts.LagMinutes,
		IsActive:      true,
		Origin:        opts.Origin,
		CreatedAt:     e.now(),
	}
	id, err := r.InsertDependency(ctx, dep)
	if err != nil {
		return domain.Dependency{}, err
	}
	dep.ID = id
	if err := e.events().Append(ctx, r.DB, events.DependencyAdded, "dependency", fmt.Sprint(id), opts.ActorID, events.EventPayload{
		"predecessor_id": dep.PredecessorID, "successor_id": dep.SuccessorID, "dependency_type": dep.Type,
		"lag_minutes": dep.LagMinutes, "origin": dep.Origin,
	}); err != nil {
		return domain.Dependency{}, err
	}
	g.Add(dep.PredecessorID, dep.SuccessorID)
	return dep, nil
}

// DeactivateDependency is idempotent: an inactive edge is returned unchanged.
func (e Engine) DeactivateDependency(ctx context.Context, id int64, actorID string) (domain.Dependency, error) {
	defer e.lock()()
	var dep domain.Dependency
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		var err error
		dep, _, err = e.deactivateDependencyTx(ctx, r, nil, id, actorID)
		return err
	})
	return dep, err
}

func (e Engine) deactivateDependencyTx(ctx context.Context, r repo.Repo, g *graph.Graph, id int64, actorID string) (domain.Dependency, bool, error) {
	dep, err := r.GetDependency(ctx, id)
	if err != nil {
		return dep, false, notFound(err, "dependency", id)
	}
	changed, err := r.DeactivateDependency(ctx, id, e.stamp())
	if err != nil {
		return dep, false, err
	}
	if changed {
		if err := e.events().Append(ctx, r.DB, events.DependencyDeactivated, "dependency", fmt.Sprint(id), actorID, events.EventPayload{
			"predecessor_id": dep.PredecessorID, "successor_id": dep.SuccessorID,
		}); err != nil {
			return dep, false, err
		}
		if g != nil {
			g.Remove(dep.PredecessorID, dep.SuccessorID)
		}
	}
	dep, err = r.GetDependency(ctx, id)
	return dep, changed, err
}

// EdgesForSelection returns active edges with both endpoints in ids.
func (e Engine) EdgesForSelection(ctx context.Context, ids []int64) ([]domain.Dependency, error) {
	return e.Repo.EdgesForSelection(ctx, dedupe(ids))
}

// CheckGraph verifies that the stored active edges form a DAG and returns
// the todo ids in dependency order. A cycle can only come from rows written
// around the engine.
func (e Engine) CheckGraph(ctx context.Context) ([]int64, error) {
	edges, err := e.Repo.ActiveEdges(ctx)
	if err != nil {
		return nil, err
	}
	return graph.FromDependencies(edges).TopoOrder()
}

func (e Engine) ListDependencies(ctx context.Context, f repo.DependencyFilter) ([]domain.Dependency, error) {
	return e.Repo.ListDependencies(ctx, f)
}
