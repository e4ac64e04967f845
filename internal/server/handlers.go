package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"ppscore/internal/domain"
	"ppscore/internal/engine"
	"ppscore/internal/gantt"
	"ppscore/internal/grouping"
	"ppscore/internal/repo"
)

type bodyOut[T any] struct {
	Body T `json:"body"`
}

func out[T any](v T) *bodyOut[T] {
	return &bodyOut[T]{Body: v}
}

type todoQuery struct {
	Status       string `query:"status"`
	Type         string `query:"type"`
	ParentID     int64  `query:"parent_id"`
	MachineID    string `query:"machine_id"`
	EmployeeID   string `query:"employee_id"`
	DepartmentID string `query:"department_id"`
	OrderID      string `query:"order_id"`
	Limit        int    `query:"limit"`
}

func (q todoQuery) filter() repo.TodoFilter {
	f := repo.TodoFilter{
		Status:       q.Status,
		Type:         q.Type,
		MachineID:    q.MachineID,
		EmployeeID:   q.EmployeeID,
		DepartmentID: q.DepartmentID,
		OrderID:      q.OrderID,
		Limit:        q.Limit,
	}
	if q.ParentID > 0 {
		parent := q.ParentID
		f.ParentID = &parent
	}
	return f
}

func registerTodos(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-todos",
		Method:      http.MethodGet,
		Path:        "/todos",
		Summary:     "List todos",
	}, func(ctx context.Context, input *todoQuery) (*bodyOut[todoList], error) {
		todos, err := e.ListTodos(ctx, input.filter())
		if err != nil {
			return nil, handleError(err)
		}
		return out(todoList{Items: nonNilSlice(todos)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "todo-groups",
		Method:      http.MethodGet,
		Path:        "/todos/groups",
		Summary:     "Group todos by order, parent or department",
		Errors:      []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		todoQuery
		By string `query:"by" enum:"order,parent,department" default:"order"`
	}) (*bodyOut[[]grouping.Group], error) {
		groups, err := e.Groups(ctx, input.By, input.filter())
		if err != nil {
			return nil, handleError(err)
		}
		return out(nonNilSlice(groups)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-todo",
		Method:      http.MethodGet,
		Path:        "/todos/{id}",
		Summary:     "Get todo",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*bodyOut[domain.Todo], error) {
		t, err := e.GetTodo(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return out(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-todo",
		Method:        http.MethodPost,
		Path:          "/todos",
		Summary:       "Create todo",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTodoRequest `json:"body"`
	}) (*bodyOut[domain.Todo], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTodo(ctx, createOptions(input.Body, actorID))
		if err != nil {
			return nil, handleError(err)
		}
		return out(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-todo",
		Method:      http.MethodPatch,
		Path:        "/todos/{id}",
		Summary:     "Update todo (optimistic concurrency on version)",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64             `path:"id"`
		Body UpdateTodoRequest `json:"body"`
	}) (*bodyOut[domain.Todo], error) {
		raw := rawBodyMap(ctx)
		if v, ok := raw["version"]; !ok || isNullRaw(v) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "version is required", map[string]any{"field": "version"})
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.UpdateTodo(ctx, todoPatch(input.ID, input.Body, actorID))
		if err != nil {
			return nil, handleError(err)
		}
		return out(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-todo",
		Method:      http.MethodDelete,
		Path:        "/todos/{id}",
		Summary:     "Soft delete a todo with its subtree",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID      int64 `path:"id"`
		Version int   `query:"version" required:"true"`
	}) (*bodyOut[engine.DeleteResult], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.DeleteTodo(ctx, input.ID, input.Version, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return out(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-segments",
		Method:      http.MethodGet,
		Path:        "/todos/{id}/segments",
		Summary:     "List todo segments",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*bodyOut[segmentList], error) {
		segs, err := e.ListSegments(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return out(segmentList{Items: nonNilSlice(segs)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-segments",
		Method:      http.MethodPut,
		Path:        "/todos/{id}/segments",
		Summary:     "Replace todo segments",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64           `path:"id"`
		Body SegmentsRequest `json:"body"`
	}) (*bodyOut[segmentList], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		segs, err := e.SetSegments(ctx, input.ID, segments(input.ID, input.Body.Segments), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return out(segmentList{Items: nonNilSlice(segs)}), nil
	})
}

func registerDependencies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-dependency",
		Method:        http.MethodPost,
		Path:          "/dependencies",
		Summary:       "Add a dependency edge",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateDependencyRequest `json:"body"`
	}) (*bodyOut[domain.Dependency], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		dep, err := e.AddDependency(ctx, engine.DependencyOptions{
			PredecessorID: input.Body.PredecessorID,
			SuccessorID:   input.Body.SuccessorID,
			Type:          domain.DependencyType(input.Body.DependencyType),
			LagMinutes:    input.Body.LagMinutes,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return out(dep), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-dependencies",
		Method:      http.MethodGet,
		Path:        "/dependencies",
		Summary:     "List dependency edges",
	}, func(ctx context.Context, input *struct {
		TodoID          int64 `query:"todo_id"`
		IncludeInactive bool  `query:"include_inactive"`
	}) (*bodyOut[dependencyList], error) {
		f := repo.DependencyFilter{IncludeInactive: input.IncludeInactive}
		if input.TodoID > 0 {
			id := input.TodoID
			f.TodoID = &id
		}
		deps, err := e.ListDependencies(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return out(dependencyList{Items: nonNilSlice(deps)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deactivate-dependency",
		Method:      http.MethodDelete,
		Path:        "/dependencies/{id}",
		Summary:     "Deactivate a dependency edge",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*bodyOut[domain.Dependency], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		dep, err := e.DeactivateDependency(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return out(dep), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edges-for-selection",
		Method:      http.MethodPost,
		Path:        "/dependencies/selection",
		Summary:     "Active edges with both endpoints in the selection",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body SelectionRequest `json:"body"`
	}) (*bodyOut[dependencyList], error) {
		if isNullRaw(rawBodyMap(ctx)["todo_ids"]) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "todo_ids must be array", map[string]any{"field": "todo_ids"})
		}
		deps, err := e.EdgesForSelection(ctx, input.Body.TodoIDs)
		if err != nil {
			return nil, handleError(err)
		}
		return out(dependencyList{Items: nonNilSlice(deps)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "autolink-selection",
		Method:      http.MethodPost,
		Path:        "/autolink",
		Summary:     "Chain the selection finish-to-start by priority",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body SelectionRequest `json:"body"`
	}) (*bodyOut[engine.AutoLinkResult], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.AutoLinkSelection(ctx, input.Body.TodoIDs, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return out(res), nil
	})
}

func registerConflicts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "detect-conflicts",
		Method:      http.MethodPost,
		Path:        "/conflicts/detect",
		Summary:     "Recompute conflicts for the given todos, or all when empty",
	}, func(ctx context.Context, input *struct {
		Body DetectRequest `json:"body" required:"false"`
	}) (*bodyOut[conflictList], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		found, err := e.DetectConflicts(ctx, input.Body.TodoIDs, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return out(conflictList{Items: nonNilSlice(found)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-conflicts",
		Method:      http.MethodGet,
		Path:        "/conflicts",
		Summary:     "List stored conflicts",
	}, func(ctx context.Context, input *struct {
		TodoID   int64  `query:"todo_id"`
		Type     string `query:"type" enum:"resource_overlap,calendar,dependency,delivery_date,qualification"`
		Resolved string `query:"resolved" enum:"true,false"`
		Limit    int    `query:"limit"`
	}) (*bodyOut[conflictList], error) {
		f := repo.ConflictFilter{Type: input.Type, Limit: input.Limit}
		if input.TodoID > 0 {
			id := input.TodoID
			f.TodoID = &id
		}
		if input.Resolved != "" {
			v := input.Resolved == "true"
			f.Resolved = &v
		}
		items, err := e.ListConflicts(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return out(conflictList{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-conflict",
		Method:      http.MethodPost,
		Path:        "/conflicts/{id}/resolve",
		Summary:     "Acknowledge a conflict",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*bodyOut[domain.Conflict], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.ResolveConflict(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return out(c), nil
	})
}

func registerGantt(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "gantt-view",
		Method:      http.MethodGet,
		Path:        "/gantt",
		Summary:     "Chart projection of todos and active links",
	}, func(ctx context.Context, input *todoQuery) (*bodyOut[gantt.View], error) {
		view, err := e.GanttView(ctx, input.filter())
		if err != nil {
			return nil, handleError(err)
		}
		return out(view), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "gantt-sync",
		Method:      http.MethodPost,
		Path:        "/gantt/sync",
		Summary:     "Apply a chart diff; per-item failures are reported, not raised",
		Errors: []int{
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body gantt.SyncRequest `json:"body"`
	}) (*bodyOut[gantt.SyncResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		resp, err := e.SyncGantt(ctx, input.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return out(resp), nil
	})
}

func registerResources(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-resources",
		Method:      http.MethodGet,
		Path:        "/resources",
		Summary:     "List registry resources",
	}, func(ctx context.Context, input *struct {
		Kind string `query:"kind" enum:"department,machine,employee"`
	}) (*bodyOut[resourceList], error) {
		items, err := e.ListResources(ctx, domain.ResourceKind(input.Kind))
		if err != nil {
			return nil, handleError(err)
		}
		return out(resourceList{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upsert-resource",
		Method:      http.MethodPut,
		Path:        "/resources",
		Summary:     "Create or replace a resource",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body ResourceRequest `json:"body"`
	}) (*bodyOut[domain.Resource], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.UpsertResource(ctx, domain.Resource{
			Kind:         domain.ResourceKind(input.Body.Kind),
			ID:           input.Body.ID,
			Name:         input.Body.Name,
			DepartmentID: input.Body.DepartmentID,
			Capacity:     input.Body.Capacity,
			CalendarID:   input.Body.CalendarID,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return out(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-calendar",
		Method:      http.MethodGet,
		Path:        "/calendars/{id}",
		Summary:     "Get a work calendar",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*bodyOut[domain.WorkCalendar], error) {
		cal, err := e.GetCalendar(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return out(cal), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upsert-calendar",
		Method:      http.MethodPut,
		Path:        "/calendars/{id}",
		Summary:     "Create or replace a work calendar",
		Errors:      []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body CalendarRequest `json:"body"`
	}) (*bodyOut[domain.WorkCalendar], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cal, err := e.UpsertCalendar(ctx, domain.WorkCalendar{
			ID:         input.ID,
			Name:       input.Body.Name,
			Timezone:   input.Body.Timezone,
			Windows:    input.Body.Windows,
			Exceptions: input.Body.Exceptions,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return out(cal), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-categories",
		Method:      http.MethodGet,
		Path:        "/categories",
		Summary:     "List work categories",
	}, func(ctx context.Context, _ *struct{}) (*bodyOut[[]domain.WorkCategory], error) {
		items, err := e.ListCategories(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return out(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upsert-category",
		Method:      http.MethodPut,
		Path:        "/categories/{code}",
		Summary:     "Create or replace a work category",
		Errors:      []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Code string          `path:"code"`
		Body CategoryRequest `json:"body"`
	}) (*bodyOut[domain.WorkCategory], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.UpsertCategory(ctx, domain.WorkCategory{Code: input.Code, Name: input.Body.Name, MinLevel: input.Body.MinLevel}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return out(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-qualifications",
		Method:      http.MethodGet,
		Path:        "/resources/{kind}/{id}/qualifications",
		Summary:     "List qualifications of an employee or machine",
	}, func(ctx context.Context, input *struct {
		Kind string `path:"kind" enum:"machine,employee"`
		ID   string `path:"id"`
	}) (*bodyOut[[]domain.Qualification], error) {
		items, err := e.ListQualifications(ctx, domain.ResourceRef{Kind: domain.ResourceKind(input.Kind), ID: input.ID})
		if err != nil {
			return nil, handleError(err)
		}
		return out(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-qualifications",
		Method:      http.MethodPut,
		Path:        "/resources/{kind}/{id}/qualifications",
		Summary:     "Replace qualifications of an employee or machine",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Kind string                `path:"kind" enum:"machine,employee"`
		ID   string                `path:"id"`
		Body QualificationsRequest `json:"body"`
	}) (*bodyOut[[]domain.Qualification], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.SetQualifications(ctx, domain.ResourceRef{Kind: domain.ResourceKind(input.Kind), ID: input.ID}, input.Body.Qualifications, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return out(nonNilSlice(items)), nil
	})
}
