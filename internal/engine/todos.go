package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"ppscore/internal/domain"
	"ppscore/internal/events"
	"ppscore/internal/graph"
	"ppscore/internal/grouping"
	"ppscore/internal/repo"
)

// TodoCreateOptions are parameters for creating a todo.
type TodoCreateOptions struct {
	Name                 string
	Type                 domain.TodoType
	ParentID             *int64
	OrderID              *string
	OrderName            *string
	OrderArticleID       *string
	BOMItemID            *string
	WorkplanDetailID     *string
	PlannedStart         *time.Time
	PlannedEnd           *time.Time
	SetupTimeMinutes     int
	RunTimeMinutes       int
	TotalDurationMinutes *int
	DepartmentID         *string
	MachineID            *string
	EmployeeID           *string
	WorkCategory         *string
	Status               domain.TodoStatus
	BlockReason          *string
	Priority             *int
	DeliveryDate         *time.Time
	Progress             float64
	Quantity             float64
	ActorID              string
}

// TodoPatch carries a partial update. Nil fields are left untouched; Clear
// names nullable fields to reset (parent, planned_start, planned_end,
// actual_start, actual_end, delivery_date, department, machine, employee,
// work_category, order).
type TodoPatch struct {
	ID                   int64
	Version              int
	Name                 *string
	Type                 *domain.TodoType
	ParentID             *int64
	OrderID              *string
	OrderName            *string
	OrderArticleID       *string
	BOMItemID            *string
	WorkplanDetailID     *string
	PlannedStart         *time.Time
	PlannedEnd           *time.Time
	ActualStart          *time.Time
	ActualEnd            *time.Time
	SetupTimeMinutes     *int
	RunTimeMinutes       *int
	TotalDurationMinutes *int
	IsDurationManual     *bool
	DepartmentID         *string
	MachineID            *string
	EmployeeID           *string
	WorkCategory         *string
	Status               *domain.TodoStatus
	BlockReason          *string
	Priority             *int
	DeliveryDate         *time.Time
	Progress             *float64
	Quantity             *float64
	Reopen               bool
	Clear                []string
	ActorID              string
}

func (e Engine) GetTodo(ctx context.Context, id int64) (domain.Todo, error) {
	return liveTodo(ctx, e.Repo, id)
}

func (e Engine) ListTodos(ctx context.Context, f repo.TodoFilter) ([]domain.Todo, error) {
	return e.Repo.ListTodos(ctx, f)
}

// Groups aggregates the filtered todos with the configured urgency horizon.
func (e Engine) Groups(ctx context.Context, by string, f repo.TodoFilter) ([]grouping.Group, error) {
	mode, err := grouping.ParseBy(by)
	if err != nil {
		return nil, err
	}
	todos, err := e.Repo.ListTodos(ctx, f)
	if err != nil {
		return nil, err
	}
	return grouping.Aggregate(todos, mode, e.now(), e.Config.UrgentHorizon()), nil
}

func (e Engine) CreateTodo(ctx context.Context, opts TodoCreateOptions) (domain.Todo, error) {
	defer e.lock()()
	var created domain.Todo
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		t, err := e.createTodoTx(ctx, r, opts)
		created = t
		return err
	})
	return created, err
}

func (e Engine) createTodoTx(ctx context.Context, r repo.Repo, opts TodoCreateOptions) (domain.Todo, error) {
	now := e.now()
	t := domain.Todo{
		Name:             strings.TrimSpace(opts.Name),
		Type:             opts.Type,
		ParentID:         opts.ParentID,
		OrderID:          opts.OrderID,
		OrderName:        opts.OrderName,
		OrderArticleID:   opts.OrderArticleID,
		BOMItemID:        opts.BOMItemID,
		WorkplanDetailID: opts.WorkplanDetailID,
		PlannedStart:     opts.PlannedStart,
		PlannedEnd:       opts.PlannedEnd,
		SetupTimeMinutes: opts.SetupTimeMinutes,
		RunTimeMinutes:   opts.RunTimeMinutes,
		DepartmentID:     opts.DepartmentID,
		MachineID:        opts.MachineID,
		EmployeeID:       opts.EmployeeID,
		WorkCategory:     opts.WorkCategory,
		Status:           opts.Status,
		BlockReason:      opts.BlockReason,
		Priority:         e.defaultPriority(),
		DeliveryDate:     opts.DeliveryDate,
		Progress:         opts.Progress,
		Quantity:         opts.Quantity,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if t.Type == "" {
		t.Type = domain.TodoTask
	}
	if t.Status == "" {
		t.Status = domain.StatusNew
	}
	if opts.Priority != nil {
		t.Priority = *opts.Priority
	}
	if opts.TotalDurationMinutes != nil {
		t.TotalDurationMinutes = *opts.TotalDurationMinutes
		t.IsDurationManual = true
	}
	if err := normalize(&t, nil, false, now); err != nil {
		return domain.Todo{}, err
	}
	if err := e.checkReferences(ctx, r, t); err != nil {
		return domain.Todo{}, err
	}
	id, err := r.InsertTodo(ctx, t)
	if err != nil {
		return domain.Todo{}, err
	}
	t.ID = id
	if err := e.events().Append(ctx, r.DB, events.TodoCreated, "todo", fmt.Sprint(id), opts.ActorID, events.EventPayload{
		"name": t.Name, "todo_type": t.Type, "status": t.Status, "priority": t.Priority,
	}); err != nil {
		return domain.Todo{}, err
	}
	return r.GetTodo(ctx, id)
}

func (e Engine) UpdateTodo(ctx context.Context, p TodoPatch) (domain.Todo, error) {
	defer e.lock()()
	var updated domain.Todo
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		t, err := e.updateTodoTx(ctx, r, p)
		updated = t
		return err
	})
	return updated, err
}

func (e Engine) updateTodoTx(ctx context.Context, r repo.Repo, p TodoPatch) (domain.Todo, error) {
	cur, err := liveTodo(ctx, r, p.ID)
	if err != nil {
		return domain.Todo{}, err
	}
	if cur.Version != p.Version {
		return domain.Todo{}, domain.VersionConflictError{TodoID: p.ID, Expected: p.Version, Actual: cur.Version}
	}
	next, err := applyPatch(cur, p)
	if err != nil {
		return domain.Todo{}, err
	}
	now := e.now()
	next.UpdatedAt = now
	if err := normalize(&next, &cur, p.Reopen, now); err != nil {
		return domain.Todo{}, err
	}
	if err := e.checkReferences(ctx, r, next); err != nil {
		return domain.Todo{}, err
	}
	if err := r.UpdateTodo(ctx, next, p.Version); err != nil {
		if errors.Is(err, repo.ErrStaleVersion) {
			actual, gerr := r.GetTodo(ctx, p.ID)
			if gerr != nil {
				return domain.Todo{}, notFound(gerr, "todo", p.ID)
			}
			return domain.Todo{}, domain.VersionConflictError{TodoID: p.ID, Expected: p.Version, Actual: actual.Version}
		}
		return domain.Todo{}, err
	}
	if err := e.events().Append(ctx, r.DB, events.TodoUpdated, "todo", fmt.Sprint(p.ID), p.ActorID, events.EventPayload{
		"version": p.Version + 1, "fields": p.fields(), "status": next.Status, "reopen": p.Reopen,
	}); err != nil {
		return domain.Todo{}, err
	}
	return r.GetTodo(ctx, p.ID)
}

func (p TodoPatch) fields() []string {
	var res []string
	set := func(ok bool, name string) {
		if ok {
			res = append(res, name)
		}
	}
	set(p.Name != nil, "name")
	set(p.Type != nil, "todo_type")
	set(p.ParentID != nil, "parent_todo_id")
	set(p.OrderID != nil || p.OrderName != nil || p.OrderArticleID != nil || p.BOMItemID != nil || p.WorkplanDetailID != nil, "external_refs")
	set(p.PlannedStart != nil, "planned_start")
	set(p.PlannedEnd != nil, "planned_end")
	set(p.ActualStart != nil, "actual_start")
	set(p.ActualEnd != nil, "actual_end")
	set(p.SetupTimeMinutes != nil || p.RunTimeMinutes != nil || p.TotalDurationMinutes != nil || p.IsDurationManual != nil, "duration")
	set(p.DepartmentID != nil || p.MachineID != nil || p.EmployeeID != nil, "assignment")
	set(p.WorkCategory != nil, "work_category")
	set(p.Status != nil, "status")
	set(p.BlockReason != nil, "block_reason")
	set(p.Priority != nil, "priority")
	set(p.DeliveryDate != nil, "delivery_date")
	set(p.Progress != nil, "progress")
	set(p.Quantity != nil, "quantity")
	for _, c := range p.Clear {
		res = append(res, "-"+c)
	}
	return res
}

func applyPatch(t domain.Todo, p TodoPatch) (domain.Todo, error) {
	for _, field := range p.Clear {
		switch field {
		case "parent":
			t.ParentID = nil
		case "planned_start":
			t.PlannedStart = nil
		case "planned_end":
			t.PlannedEnd = nil
		case "actual_start":
			t.ActualStart = nil
		case "actual_end":
			t.ActualEnd = nil
		case "delivery_date":
			t.DeliveryDate = nil
		case "department":
			t.DepartmentID = nil
		case "machine":
			t.MachineID = nil
		case "employee":
			t.EmployeeID = nil
		case "work_category":
			t.WorkCategory = nil
		case "order":
			t.OrderID, t.OrderName, t.OrderArticleID, t.BOMItemID, t.WorkplanDetailID = nil, nil, nil, nil, nil
		default:
			return t, domain.ValidationError{Field: "clear", Reason: fmt.Sprintf("unknown field %q", field)}
		}
	}
	if p.Name != nil {
		t.Name = strings.TrimSpace(*p.Name)
	}
	if p.Type != nil {
		t.Type = *p.Type
	}
	if p.ParentID != nil {
		t.ParentID = p.ParentID
	}
	for _, ref := range []struct {
		src *string
		dst **string
	}{
		{p.OrderID, &t.OrderID}, {p.OrderName, &t.OrderName}, {p.OrderArticleID, &t.OrderArticleID},
		{p.BOMItemID, &t.BOMItemID}, {p.WorkplanDetailID, &t.WorkplanDetailID},
		{p.DepartmentID, &t.DepartmentID}, {p.MachineID, &t.MachineID}, {p.EmployeeID, &t.EmployeeID},
		{p.WorkCategory, &t.WorkCategory}, {p.BlockReason, &t.BlockReason},
	} {
		if ref.src != nil {
			v := *ref.src
			*ref.dst = &v
		}
	}
	if p.SetupTimeMinutes != nil {
		t.SetupTimeMinutes = *p.SetupTimeMinutes
	}
	if p.RunTimeMinutes != nil {
		t.RunTimeMinutes = *p.RunTimeMinutes
	}
	if p.IsDurationManual != nil {
		t.IsDurationManual = *p.IsDurationManual
	}
	if p.TotalDurationMinutes != nil {
		t.TotalDurationMinutes = *p.TotalDurationMinutes
		if p.IsDurationManual == nil {
			t.IsDurationManual = true
		}
	}
	if p.PlannedStart != nil {
		// moving the start alone shifts the end by the same amount
		if p.PlannedEnd == nil && t.PlannedStart != nil && t.PlannedEnd != nil {
			end := p.PlannedStart.Add(t.PlannedEnd.Sub(*t.PlannedStart))
			t.PlannedEnd = &end
		}
		t.PlannedStart = p.PlannedStart
	}
	if p.PlannedEnd != nil {
		t.PlannedEnd = p.PlannedEnd
	}
	if p.ActualStart != nil {
		t.ActualStart = p.ActualStart
	}
	if p.ActualEnd != nil {
		t.ActualEnd = p.ActualEnd
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.DeliveryDate != nil {
		t.DeliveryDate = p.DeliveryDate
	}
	if p.Progress != nil {
		t.Progress = *p.Progress
	}
	if p.Quantity != nil {
		t.Quantity = *p.Quantity
	}
	return t, nil
}

// normalize validates t and applies derived fields. prev is nil on create.
func normalize(t *domain.Todo, prev *domain.Todo, reopen bool, now time.Time) error {
	if t.Name == "" {
		return domain.ValidationError{Field: "name", Reason: "is required"}
	}
	if !t.Type.Valid() {
		return domain.ValidationError{Field: "todo_type", Reason: fmt.Sprintf("unknown type %q", t.Type)}
	}
	if !t.Status.Valid() {
		return domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", t.Status)}
	}
	if t.SetupTimeMinutes < 0 || t.RunTimeMinutes < 0 {
		return domain.ValidationError{Field: "duration", Reason: "setup and run time must be >= 0"}
	}
	t.TotalDurationMinutes = t.DerivedDuration()
	if t.TotalDurationMinutes < 0 {
		return domain.ValidationError{Field: "total_duration_minutes", Reason: "must be >= 0"}
	}
	if t.PlannedStart != nil && t.PlannedEnd == nil && t.TotalDurationMinutes > 0 {
		end := t.PlannedStart.Add(time.Duration(t.TotalDurationMinutes) * time.Minute)
		t.PlannedEnd = &end
	}
	if t.PlannedStart != nil && t.PlannedEnd != nil && t.PlannedEnd.Before(*t.PlannedStart) {
		return domain.ValidationError{Field: "planned_end", Reason: "must not be before planned_start"}
	}
	if t.Progress < 0 || t.Progress > 1 {
		return domain.ValidationError{Field: "progress", Reason: "must be within [0,1]"}
	}
	if t.Quantity < 0 {
		return domain.ValidationError{Field: "quantity", Reason: "must be >= 0"}
	}
	if t.ParentID != nil && *t.ParentID == t.ID && t.ID != 0 {
		return domain.ValidationError{Field: "parent_todo_id", Reason: "todo cannot contain itself"}
	}
	if prev != nil {
		if err := checkTransition(*prev, *t, reopen); err != nil {
			return err
		}
		if prev.Status == domain.StatusCompleted && t.Status != domain.StatusCompleted {
			t.ActualEnd = nil
		}
	}
	switch t.Status {
	case domain.StatusCompleted:
		t.Progress = 1
		if t.ActualEnd == nil {
			n := now
			t.ActualEnd = &n
		}
		if t.ActualStart == nil {
			t.ActualStart = t.ActualEnd
		}
	case domain.StatusInProgress:
		if t.ActualStart == nil {
			n := now
			t.ActualStart = &n
		}
	}
	if t.Status != domain.StatusBlocked {
		t.BlockReason = nil
	}
	if t.ActualStart != nil && t.ActualEnd != nil && t.ActualEnd.Before(*t.ActualStart) {
		return domain.ValidationError{Field: "actual_end", Reason: "must not be before actual_start"}
	}
	return nil
}

func checkTransition(prev, next domain.Todo, reopen bool) error {
	if prev.Status != next.Status {
		switch {
		case prev.Status == domain.StatusCompleted && !reopen:
			return domain.ValidationError{Field: "status", Reason: "leaving completed requires reopen"}
		case prev.Status == domain.StatusBlocked && next.Status == domain.StatusCompleted:
			return domain.ValidationError{Field: "status", Reason: "blocked todo must be unblocked before completion"}
		case prev.Status.Rank() >= 0 && next.Status.Rank() >= 0 && next.Status.Rank() < prev.Status.Rank() && !reopen:
			return domain.ValidationError{Field: "status", Reason: fmt.Sprintf("%s -> %s moves backwards; set reopen", prev.Status, next.Status)}
		}
	}
	if next.Progress < prev.Progress && !reopen && next.Status != domain.StatusCompleted {
		return domain.ValidationError{Field: "progress", Reason: "lowering progress requires reopen"}
	}
	return nil
}

// checkReferences verifies the parent chain and registry assignments.
func (e Engine) checkReferences(ctx context.Context, r repo.Repo, t domain.Todo) error {
	if t.ParentID != nil {
		seen := map[int64]bool{}
		cur := *t.ParentID
		for {
			if t.ID != 0 && cur == t.ID {
				return domain.ValidationError{Field: "parent_todo_id", Reason: fmt.Sprintf("parent %d would create a containment cycle", *t.ParentID)}
			}
			if seen[cur] {
				break
			}
			seen[cur] = true
			parent, err := liveTodo(ctx, r, cur)
			if err != nil {
				return err
			}
			if parent.ParentID == nil {
				break
			}
			cur = *parent.ParentID
		}
	}
	for _, ref := range []struct {
		kind domain.ResourceKind
		id   *string
	}{
		{domain.ResourceDepartment, t.DepartmentID},
		{domain.ResourceMachine, t.MachineID},
		{domain.ResourceEmployee, t.EmployeeID},
	} {
		if ref.id == nil || *ref.id == "" {
			continue
		}
		if _, err := r.GetResource(ctx, domain.ResourceRef{Kind: ref.kind, ID: *ref.id}); err != nil {
			return notFound(err, string(ref.kind), *ref.id)
		}
	}
	return nil
}

// DeleteResult lists what a todo delete removed.
type DeleteResult struct {
	DeletedIDs         []int64 `json:"deleted_ids"`
	DeactivatedEdgeIDs []int64 `json:"deactivated_edge_ids"`
}

// DeleteTodo soft deletes the todo and its subtree and deactivates every edge touching them.
func (e Engine) DeleteTodo(ctx context.Context, id int64, version int, actorID string) (DeleteResult, error) {
	defer e.lock()()
	var res DeleteResult
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		edges, err := r.ActiveEdges(ctx)
		if err != nil {
			return err
		}
		res, err = e.deleteTodoTx(ctx, r, graph.FromDependencies(edges), id, &version, actorID)
		return err
	})
	return res, err
}

func (e Engine) deleteTodoTx(ctx context.Context, r repo.Repo, g *graph.Graph, id int64, expected *int, actorID string) (DeleteResult, error) {
	root, err := liveTodo(ctx, r, id)
	if err != nil {
		return DeleteResult{}, err
	}
	if expected != nil && root.Version != *expected {
		return DeleteResult{}, domain.VersionConflictError{TodoID: id, Expected: *expected, Actual: root.Version}
	}
	subtree := []int64{id}
	for i := 0; i < len(subtree); i++ {
		children, err := r.ListChildren(ctx, subtree[i])
		if err != nil {
			return DeleteResult{}, err
		}
		subtree = append(subtree, children...)
	}
	now := e.stamp()
	for _, tid := range subtree {
		t, err := r.GetTodo(ctx, tid)
		if err != nil {
			return DeleteResult{}, notFound(err, "todo", tid)
		}
		if err := r.SoftDeleteTodo(ctx, tid, t.Version, now); err != nil {
			return DeleteResult{}, err
		}
	}
	edges, err := r.EdgesTouching(ctx, subtree)
	if err != nil {
		return DeleteResult{}, err
	}
	res := DeleteResult{DeletedIDs: subtree, DeactivatedEdgeIDs: []int64{}}
	for _, d := range edges {
		changed, err := r.DeactivateDependency(ctx, d.ID, now)
		if err != nil {
			return DeleteResult{}, err
		}
		if changed {
			res.DeactivatedEdgeIDs = append(res.DeactivatedEdgeIDs, d.ID)
		}
	}
	if err := r.DeleteConflictsTouching(ctx, subtree); err != nil {
		return DeleteResult{}, err
	}
	sort.Slice(res.DeletedIDs, func(i, j int) bool { return res.DeletedIDs[i] < res.DeletedIDs[j] })
	if err := e.events().Append(ctx, r.DB, events.TodoDeleted, "todo", fmt.Sprint(id), actorID, events.EventPayload{
		"subtree": res.DeletedIDs, "deactivated_edges": res.DeactivatedEdgeIDs,
	}); err != nil {
		return DeleteResult{}, err
	}
	for _, d := range edges {
		g.Remove(d.PredecessorID, d.SuccessorID)
	}
	return res, nil
}
