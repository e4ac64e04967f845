package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"ppscore/internal/domain"
	"ppscore/internal/events"
	"ppscore/internal/gantt"
	"ppscore/internal/graph"
	"ppscore/internal/repo"
)

// GanttView materializes the filtered todos, their active links and unresolved conflict flags.
func (e Engine) GanttView(ctx context.Context, f repo.TodoFilter) (gantt.View, error) {
	todos, err := e.Repo.ListTodos(ctx, f)
	if err != nil {
		return gantt.View{}, err
	}
	ids := make([]int64, 0, len(todos))
	for _, t := range todos {
		ids = append(ids, t.ID)
	}
	deps, err := e.Repo.EdgesForSelection(ctx, ids)
	if err != nil {
		return gantt.View{}, err
	}
	conflicts, err := e.Repo.ConflictsTouching(ctx, ids)
	if err != nil {
		return gantt.View{}, err
	}
	return gantt.Project(todos, deps, conflicts), nil
}

// syncRun carries the state of one batch while its transaction is open.
type syncRun struct {
	e        Engine
	ctx      context.Context
	tx       *sql.Tx
	r        repo.Repo
	g        *graph.Graph
	batchID  string
	actorID  string
	taskIDs  map[int64]int64
	linkIDs  map[int64]int64
	affected map[int64]bool
	resp     *gantt.SyncResponse
	seq      int
}

// SyncGantt applies a client diff in one transaction. Each item runs in its
// own savepoint so a failing item is reported and rolled back alone. Only a
// failure of the transaction itself is returned as TransportError.
func (e Engine) SyncGantt(ctx context.Context, req gantt.SyncRequest, actorID string) (gantt.SyncResponse, error) {
	batchID := req.BatchID
	if batchID == "" {
		batchID = uuid.NewString()
	} else if _, err := uuid.Parse(batchID); err != nil {
		return gantt.SyncResponse{}, domain.ValidationError{Field: "batch_id", Reason: "must be a uuid"}
	}
	resp := gantt.NewSyncResponse(batchID)
	if req.Empty() {
		return resp, nil
	}

	defer e.lock()()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return resp, domain.TransportError{Op: "begin sync", Err: err}
	}
	defer tx.Rollback()
	r := e.Repo.WithTx(tx)
	s := &syncRun{
		e:        e,
		ctx:      ctx,
		tx:       tx,
		r:        r,
		batchID:  batchID,
		actorID:  actorID,
		affected: make(map[int64]bool),
		resp:     &resp,
	}
	if s.taskIDs, err = r.SyncIDs(ctx, batchID, repo.SyncKindTask); err != nil {
		return resp, domain.TransportError{Op: "load sync map", Err: err}
	}
	if s.linkIDs, err = r.SyncIDs(ctx, batchID, repo.SyncKindLink); err != nil {
		return resp, domain.TransportError{Op: "load sync map", Err: err}
	}
	if err := s.reloadGraph(); err != nil {
		return resp, domain.TransportError{Op: "load graph", Err: err}
	}

	steps := []func() error{
		func() error { return s.createTasks(req.CreatedTasks) },
		func() error { return s.updateTasks(req.UpdatedTasks) },
		func() error { return s.deleteTasks(req.DeletedTaskIDs) },
		func() error { return s.createLinks(req.CreatedLinks) },
		func() error { return s.updateLinks(req.UpdatedLinks) },
		func() error { return s.deleteLinks(req.DeletedLinkIDs) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return gantt.NewSyncResponse(batchID), domain.TransportError{Op: "apply sync", Err: err}
		}
	}
	if err := e.events().Append(ctx, tx, events.GanttSynced, "gantt", batchID, actorID, events.EventPayload{
		"created_tasks": len(resp.CreatedTaskIDs), "updated": resp.UpdatedCount, "deleted": resp.DeletedCount,
		"created_links": resp.CreatedLinkCount, "updated_links": resp.UpdatedLinkCount, "deleted_links": resp.DeletedLinkCount,
		"errors": len(resp.Errors),
	}); err != nil {
		return gantt.NewSyncResponse(batchID), domain.TransportError{Op: "record sync", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return gantt.NewSyncResponse(batchID), domain.TransportError{Op: "commit sync", Err: err}
	}

	if len(s.affected) > 0 && (e.Config == nil || e.Config.DetectOnSync()) {
		ids := make([]int64, 0, len(s.affected))
		for id := range s.affected {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		conflicts, err := e.detectLocked(ctx, ids, actorID)
		if err != nil {
			e.logger().Error("conflict detection after sync failed", "batch_id", batchID, "err", err)
			resp.Errors = append(resp.Errors, gantt.ItemError{Entity: "conflicts", Op: "detect", Code: domain.ErrorCode(err), Message: err.Error()})
		} else {
			resp.Conflicts = conflicts
		}
	}
	return resp, nil
}

func (s *syncRun) reloadGraph() error {
	edges, err := s.r.ActiveEdges(s.ctx)
	if err != nil {
		return err
	}
	s.g = graph.FromDependencies(edges)
	return nil
}

// item runs fn inside a savepoint. A domain failure is recorded and rolled
// back; an error returned from item itself means the transaction is unusable.
func (s *syncRun) item(entity, op string, id int64, fn func() error) error {
	s.seq++
	name := fmt.Sprintf("sync_item_%d", s.seq)
	if _, err := s.tx.ExecContext(s.ctx, "SAVEPOINT "+name); err != nil {
		return err
	}
	ferr := fn()
	if ferr == nil {
		_, err := s.tx.ExecContext(s.ctx, "RELEASE "+name)
		return err
	}
	if _, err := s.tx.ExecContext(s.ctx, "ROLLBACK TO "+name); err != nil {
		return err
	}
	if _, err := s.tx.ExecContext(s.ctx, "RELEASE "+name); err != nil {
		return err
	}
	if err := s.reloadGraph(); err != nil {
		return err
	}
	s.fail(entity, op, id, ferr)
	return nil
}

func (s *syncRun) fail(entity, op string, id int64, err error) {
	s.resp.Errors = append(s.resp.Errors, gantt.ItemError{
		Entity: entity, Op: op, ID: id, Code: domain.ErrorCode(err), Message: err.Error(),
	})
}

// resolveTask maps a temp id to its real id. Positive ids pass through.
func (s *syncRun) resolveTask(id int64) (int64, error) {
	if id >= 0 {
		return id, nil
	}
	if real, ok := s.taskIDs[id]; ok {
		return real, nil
	}
	return 0, domain.NotFoundError{Kind: "task temp id", ID: fmt.Sprint(id)}
}

func (s *syncRun) resolveLink(id int64) (int64, error) {
	if id >= 0 {
		return id, nil
	}
	if real, ok := s.linkIDs[id]; ok {
		return real, nil
	}
	return 0, domain.NotFoundError{Kind: "link temp id", ID: fmt.Sprint(id)}
}

func taskCreateOptions(in gantt.TaskInput, parent *int64, actorID string) TodoCreateOptions {
	opts := TodoCreateOptions{
		PlannedStart: in.StartDate,
		PlannedEnd:   in.EndDate,
		ParentID:     parent,
		Priority:     in.Priority,
		DepartmentID: in.DepartmentID,
		MachineID:    in.MachineID,
		EmployeeID:   in.EmployeeID,
		ActorID:      actorID,
	}
	if in.Text != nil {
		opts.Name = *in.Text
	}
	if in.TodoType != nil {
		opts.Type = domain.TodoType(*in.TodoType)
	}
	if in.Status != nil {
		opts.Status = domain.TodoStatus(*in.Status)
	}
	if in.Duration != nil {
		d := *in.Duration
		opts.TotalDurationMinutes = &d
	}
	if in.Progress != nil {
		opts.Progress = *in.Progress
	}
	return opts
}

func (s *syncRun) createTasks(items []gantt.TaskInput) error {
	var pending []gantt.TaskInput
	seen := make(map[int64]bool)
	for _, in := range items {
		switch {
		case in.ID >= 0:
			s.fail(gantt.EntityTask, gantt.OpCreate, in.ID, domain.ValidationError{Field: "id", Reason: "created tasks must carry a negative temp id"})
		case seen[in.ID]:
			s.fail(gantt.EntityTask, gantt.OpCreate, in.ID, domain.ValidationError{Field: "id", Reason: "duplicate temp id in batch"})
		default:
			seen[in.ID] = true
			if real, ok := s.taskIDs[in.ID]; ok {
				// already applied by an earlier submission of this batch
				s.resp.CreatedTaskIDs[gantt.IDKey(in.ID)] = real
				continue
			}
			pending = append(pending, in)
		}
	}
	// children may reference temp parents created later in the list
	for len(pending) > 0 {
		var deferred []gantt.TaskInput
		progressed := false
		for _, in := range pending {
			var parent *int64
			if in.Parent != nil && *in.Parent != 0 {
				p := *in.Parent
				if p < 0 {
					real, ok := s.taskIDs[p]
					if !ok {
						if seen[p] && p != in.ID {
							deferred = append(deferred, in)
							continue
						}
						s.fail(gantt.EntityTask, gantt.OpCreate, in.ID, domain.NotFoundError{Kind: "parent temp id", ID: fmt.Sprint(p)})
						continue
					}
					p = real
				}
				parent = &p
			}
			progressed = true
			in := in
			if err := s.item(gantt.EntityTask, gantt.OpCreate, in.ID, func() error {
				t, err := s.e.createTodoTx(s.ctx, s.r, taskCreateOptions(in, parent, s.actorID))
				if err != nil {
					return err
				}
				if err := s.r.RecordSyncID(s.ctx, s.batchID, repo.SyncKindTask, in.ID, t.ID, s.e.stamp()); err != nil {
					return err
				}
				s.taskIDs[in.ID] = t.ID
				s.resp.CreatedTaskIDs[gantt.IDKey(in.ID)] = t.ID
				s.affected[t.ID] = true
				return nil
			}); err != nil {
				return err
			}
		}
		if !progressed {
			for _, in := range deferred {
				s.fail(gantt.EntityTask, gantt.OpCreate, in.ID, domain.NotFoundError{Kind: "parent temp id", ID: fmt.Sprint(*in.Parent)})
			}
			return nil
		}
		pending = deferred
	}
	return nil
}

func taskPatch(in gantt.TaskInput, id int64, actorID string) TodoPatch {
	p := TodoPatch{
		ID:           id,
		Version:      in.Version,
		Name:         in.Text,
		PlannedStart: in.StartDate,
		PlannedEnd:   in.EndDate,
		Progress:     in.Progress,
		Priority:     in.Priority,
		DepartmentID: in.DepartmentID,
		MachineID:    in.MachineID,
		EmployeeID:   in.EmployeeID,
		Reopen:       in.Reopen,
		ActorID:      actorID,
	}
	if in.Duration != nil {
		d := *in.Duration
		manual := true
		p.TotalDurationMinutes = &d
		p.IsDurationManual = &manual
		// the end follows the new duration unless sent explicitly
		if in.EndDate == nil {
			p.Clear = append(p.Clear, "planned_end")
		}
	}
	if in.Status != nil {
		st := domain.TodoStatus(*in.Status)
		p.Status = &st
	}
	if in.TodoType != nil {
		tt := domain.TodoType(*in.TodoType)
		p.Type = &tt
	}
	return p
}

func (s *syncRun) updateTasks(items []gantt.TaskInput) error {
	for _, in := range items {
		in := in
		if err := s.item(gantt.EntityTask, gantt.OpUpdate, in.ID, func() error {
			id, err := s.resolveTask(in.ID)
			if err != nil {
				return err
			}
			p := taskPatch(in, id, s.actorID)
			if in.Parent != nil {
				if *in.Parent == 0 {
					p.Clear = append(p.Clear, "parent")
				} else {
					parent, err := s.resolveTask(*in.Parent)
					if err != nil {
						return err
					}
					p.ParentID = &parent
				}
			}
			if _, err := s.e.updateTodoTx(s.ctx, s.r, p); err != nil {
				return err
			}
			s.affected[id] = true
			s.resp.UpdatedCount++
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *syncRun) deleteTasks(ids []int64) error {
	for _, raw := range ids {
		raw := raw
		if err := s.item(gantt.EntityTask, gantt.OpDelete, raw, func() error {
			id, err := s.resolveTask(raw)
			if err != nil {
				return err
			}
			t, err := s.r.GetTodo(s.ctx, id)
			if err != nil {
				return notFound(err, "todo", id)
			}
			if t.DeletedAt != nil {
				return nil
			}
			res, err := s.e.deleteTodoTx(s.ctx, s.r, s.g, id, nil, s.actorID)
			if err != nil {
				return err
			}
			deps, err := s.r.ListDependencies(s.ctx, repo.DependencyFilter{IDs: res.DeactivatedEdgeIDs, IncludeInactive: true})
			if err != nil {
				return err
			}
			for _, d := range deps {
				s.affected[d.PredecessorID] = true
				s.affected[d.SuccessorID] = true
			}
			for _, tid := range res.DeletedIDs {
				s.affected[tid] = true
			}
			s.resp.DeletedCount++
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *syncRun) createLinks(items []gantt.LinkInput) error {
	seen := make(map[int64]bool)
	for _, in := range items {
		in := in
		switch {
		case in.ID >= 0:
			s.fail(gantt.EntityLink, gantt.OpCreate, in.ID, domain.ValidationError{Field: "id", Reason: "created links must carry a negative temp id"})
			continue
		case seen[in.ID]:
			s.fail(gantt.EntityLink, gantt.OpCreate, in.ID, domain.ValidationError{Field: "id", Reason: "duplicate temp id in batch"})
			continue
		}
		seen[in.ID] = true
		if real, ok := s.linkIDs[in.ID]; ok {
			s.resp.CreatedLinkIDs[gantt.IDKey(in.ID)] = real
			continue
		}
		if err := s.item(gantt.EntityLink, gantt.OpCreate, in.ID, func() error {
			dep, err := s.addLink(in)
			if err != nil {
				return err
			}
			if err := s.r.RecordSyncID(s.ctx, s.batchID, repo.SyncKindLink, in.ID, dep.ID, s.e.stamp()); err != nil {
				return err
			}
			s.linkIDs[in.ID] = dep.ID
			s.resp.CreatedLinkIDs[gantt.IDKey(in.ID)] = dep.ID
			s.resp.CreatedLinkCount++
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *syncRun) addLink(in gantt.LinkInput) (domain.Dependency, error) {
	source, err := s.resolveTask(in.Source)
	if err != nil {
		return domain.Dependency{}, err
	}
	target, err := s.resolveTask(in.Target)
	if err != nil {
		return domain.Dependency{}, err
	}
	depType, err := gantt.DependencyType(in.Type)
	if err != nil {
		return domain.Dependency{}, err
	}
	dep, err := s.e.addDependencyTx(s.ctx, s.r, s.g, DependencyOptions{
		PredecessorID: source, SuccessorID: target, Type: depType, LagMinutes: in.Lag,
		Origin: domain.OriginGantt, ActorID: s.actorID,
	})
	if err != nil {
		return dep, err
	}
	s.affected[source] = true
	s.affected[target] = true
	return dep, nil
}

// updateLinks edits type and lag in place. Moving an endpoint supersedes the
// old edge with a new one, reported in replaced_link_ids.
func (s *syncRun) updateLinks(items []gantt.LinkInput) error {
	for _, in := range items {
		in := in
		if err := s.item(gantt.EntityLink, gantt.OpUpdate, in.ID, func() error {
			id, err := s.resolveLink(in.ID)
			if err != nil {
				return err
			}
			old, err := s.r.GetDependency(s.ctx, id)
			if err != nil {
				return notFound(err, "dependency", id)
			}
			if !old.IsActive {
				return domain.ValidationError{Field: "id", Reason: fmt.Sprintf("link %d is inactive", id)}
			}
			if in.Source == 0 {
				in.Source = old.PredecessorID
			}
			if in.Target == 0 {
				in.Target = old.SuccessorID
			}
			source, err := s.resolveTask(in.Source)
			if err != nil {
				return err
			}
			target, err := s.resolveTask(in.Target)
			if err != nil {
				return err
			}
			if source == old.PredecessorID && target == old.SuccessorID {
				depType, err := gantt.DependencyType(in.Type)
				if err != nil {
					return err
				}
				if err := s.r.UpdateDependency(s.ctx, id, depType, in.Lag); err != nil {
					return err
				}
				if err := s.e.events().Append(s.ctx, s.tx, events.DependencyUpdated, "dependency", fmt.Sprint(id), s.actorID, events.EventPayload{
					"dependency_type": depType, "lag_minutes": in.Lag,
				}); err != nil {
					return err
				}
			} else {
				if _, _, err := s.e.deactivateDependencyTx(s.ctx, s.r, s.g, id, s.actorID); err != nil {
					return err
				}
				dep, err := s.addLink(gantt.LinkInput{Source: source, Target: target, Type: in.Type, Lag: in.Lag})
				if err != nil {
					return err
				}
				s.resp.ReplacedLinkIDs[gantt.IDKey(id)] = dep.ID
			}
			s.affected[old.PredecessorID] = true
			s.affected[old.SuccessorID] = true
			s.affected[source] = true
			s.affected[target] = true
			s.resp.UpdatedLinkCount++
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *syncRun) deleteLinks(ids []int64) error {
	for _, raw := range ids {
		raw := raw
		if err := s.item(gantt.EntityLink, gantt.OpDelete, raw, func() error {
			id, err := s.resolveLink(raw)
			if err != nil {
				return err
			}
			dep, _, err := s.e.deactivateDependencyTx(s.ctx, s.r, s.g, id, s.actorID)
			if err != nil {
				return err
			}
			s.affected[dep.PredecessorID] = true
			s.affected[dep.SuccessorID] = true
			s.resp.DeletedLinkCount++
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}
