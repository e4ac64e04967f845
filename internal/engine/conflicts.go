package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ppscore/internal/conflict"
	"ppscore/internal/domain"
	"ppscore/internal/events"
	"ppscore/internal/repo"
)

// DetectConflicts recomputes conflicts touching ids, or every live todo when ids is empty.
func (e Engine) DetectConflicts(ctx context.Context, ids []int64, actorID string) ([]domain.Conflict, error) {
	defer e.lock()()
	return e.detectLocked(ctx, ids, actorID)
}

func (e Engine) detectLocked(ctx context.Context, ids []int64, actorID string) ([]domain.Conflict, error) {
	var out []domain.Conflict
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		var err error
		out, err = e.detectTx(ctx, r, dedupe(ids), actorID)
		return err
	})
	return out, err
}

func (e Engine) loadDetectInput(ctx context.Context, r repo.Repo) (conflict.Input, error) {
	var in conflict.Input
	var err error
	if in.Todos, err = r.ListTodos(ctx, repo.TodoFilter{}); err != nil {
		return in, err
	}
	if in.Segments, err = r.SegmentsByTodo(ctx); err != nil {
		return in, err
	}
	if in.Dependencies, err = r.ActiveEdges(ctx); err != nil {
		return in, err
	}
	resources, err := r.ListResources(ctx, "")
	if err != nil {
		return in, err
	}
	in.Resources = make(map[domain.ResourceRef]domain.Resource, len(resources))
	for _, res := range resources {
		in.Resources[res.Ref()] = res
	}
	if in.Calendars, err = r.Calendars(ctx); err != nil {
		return in, err
	}
	if in.Categories, err = r.Categories(ctx); err != nil {
		return in, err
	}
	if in.Qualifications, err = r.Qualifications(ctx); err != nil {
		return in, err
	}
	in.Now = e.now()
	in.Logger = e.logger()
	return in, nil
}

func (e Engine) detectTx(ctx context.Context, r repo.Repo, ids []int64, actorID string) ([]domain.Conflict, error) {
	in, err := e.loadDetectInput(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("load detection input: %w", err)
	}
	scopeIDs := ids
	if len(ids) == 0 {
		scopeIDs = make([]int64, 0, len(in.Todos))
		for _, t := range in.Todos {
			scopeIDs = append(scopeIDs, t.ID)
		}
	} else {
		in.Scope = make(map[int64]bool, len(ids))
		for _, id := range ids {
			in.Scope[id] = true
		}
	}

	previous, err := r.ConflictsTouching(ctx, scopeIDs)
	if err != nil {
		return nil, err
	}
	acknowledged := make(map[string]*time.Time)
	for _, c := range previous {
		if c.Resolved {
			acknowledged[c.Key()] = c.ResolvedAt
		}
	}
	if err := r.DeleteConflictsTouching(ctx, scopeIDs); err != nil {
		return nil, err
	}
	fresh := conflict.Detect(in)
	for i := range fresh {
		if at, ok := acknowledged[fresh[i].Key()]; ok {
			fresh[i].Resolved = true
			fresh[i].ResolvedAt = at
		}
		id, err := r.InsertConflict(ctx, fresh[i])
		if err != nil {
			return nil, err
		}
		fresh[i].ID = id
	}
	if fresh == nil {
		fresh = []domain.Conflict{}
	}
	counts := map[string]int{}
	for _, c := range fresh {
		counts[string(c.Type)]++
	}
	if err := e.events().Append(ctx, r.DB, events.ConflictsDetected, "conflicts", "", actorID, events.EventPayload{
		"scope": ids, "count": len(fresh), "by_type": counts,
	}); err != nil {
		return nil, err
	}
	return fresh, nil
}

func (e Engine) ListConflicts(ctx context.Context, f repo.ConflictFilter) ([]domain.Conflict, error) {
	return e.Repo.ListConflicts(ctx, f)
}

// ResolveConflict acknowledges a conflict; the flag survives later detector runs while the conflict persists.
func (e Engine) ResolveConflict(ctx context.Context, id int64, actorID string) (domain.Conflict, error) {
	defer e.lock()()
	var c domain.Conflict
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		if err := r.ResolveConflict(ctx, id, e.stamp()); err != nil {
			return notFound(err, "conflict", id)
		}
		var err error
		if c, err = r.GetConflict(ctx, id); err != nil {
			return err
		}
		return e.events().Append(ctx, r.DB, events.ConflictResolved, "conflict", fmt.Sprint(id), actorID, events.EventPayload{
			"conflict_type": c.Type, "todo_id": c.TodoID,
		})
	})
	return c, err
}
