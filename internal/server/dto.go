package server

import (
	"encoding/json"
	"time"

	"ppscore/internal/domain"
	"ppscore/internal/engine"
)

// Request payloads

type CreateTodoRequest struct {
	Name                 string     `json:"name"`
	TodoType             string     `json:"todo_type,omitempty" enum:"container_order,container_article,bom_item,operation,eigene,task,project"`
	ParentTodoID         *int64     `json:"parent_todo_id,omitempty"`
	OrderID              *string    `json:"order_id,omitempty"`
	OrderName            *string    `json:"order_name,omitempty"`
	OrderArticleID       *string    `json:"order_article_id,omitempty"`
	BOMItemID            *string    `json:"bom_item_id,omitempty"`
	WorkplanDetailID     *string    `json:"workplan_detail_id,omitempty"`
	PlannedStart         *time.Time `json:"planned_start,omitempty"`
	PlannedEnd           *time.Time `json:"planned_end,omitempty"`
	SetupTimeMinutes     int        `json:"setup_time_minutes,omitempty" minimum:"0"`
	RunTimeMinutes       int        `json:"run_time_minutes,omitempty" minimum:"0"`
	TotalDurationMinutes *int       `json:"total_duration_minutes,omitempty"`
	DepartmentID         *string    `json:"assigned_department_id,omitempty"`
	MachineID            *string    `json:"assigned_machine_id,omitempty"`
	EmployeeID           *string    `json:"assigned_employee_id,omitempty"`
	WorkCategory         *string    `json:"work_category,omitempty"`
	Status               string     `json:"status,omitempty" enum:"new,pending,planned,in_progress,completed,blocked"`
	BlockReason          *string    `json:"block_reason,omitempty"`
	Priority             *int       `json:"priority,omitempty"`
	DeliveryDate         *time.Time `json:"delivery_date,omitempty"`
	Progress             float64    `json:"progress,omitempty"`
	Quantity             float64    `json:"quantity,omitempty"`
}

type UpdateTodoRequest struct {
	Version              int        `json:"version" minimum:"1"`
	Name                 *string    `json:"name,omitempty"`
	TodoType             *string    `json:"todo_type,omitempty" enum:"container_order,container_article,bom_item,operation,eigene,task,project"`
	ParentTodoID         *int64     `json:"parent_todo_id,omitempty"`
	OrderID              *string    `json:"order_id,omitempty"`
	OrderName            *string    `json:"order_name,omitempty"`
	OrderArticleID       *string    `json:"order_article_id,omitempty"`
	BOMItemID            *string    `json:"bom_item_id,omitempty"`
	WorkplanDetailID     *string    `json:"workplan_detail_id,omitempty"`
	PlannedStart         *time.Time `json:"planned_start,omitempty"`
	PlannedEnd           *time.Time `json:"planned_end,omitempty"`
	ActualStart          *time.Time `json:"actual_start,omitempty"`
	ActualEnd            *time.Time `json:"actual_end,omitempty"`
	SetupTimeMinutes     *int       `json:"setup_time_minutes,omitempty"`
	RunTimeMinutes       *int       `json:"run_time_minutes,omitempty"`
	TotalDurationMinutes *int       `json:"total_duration_minutes,omitempty"`
	IsDurationManual     *bool      `json:"is_duration_manual,omitempty"`
	DepartmentID         *string    `json:"assigned_department_id,omitempty"`
	MachineID            *string    `json:"assigned_machine_id,omitempty"`
	EmployeeID           *string    `json:"assigned_employee_id,omitempty"`
	WorkCategory         *string    `json:"work_category,omitempty"`
	Status               *string    `json:"status,omitempty" enum:"new,pending,planned,in_progress,completed,blocked"`
	BlockReason          *string    `json:"block_reason,omitempty"`
	Priority             *int       `json:"priority,omitempty"`
	DeliveryDate         *time.Time `json:"delivery_date,omitempty"`
	Progress             *float64   `json:"progress,omitempty"`
	Quantity             *float64   `json:"quantity,omitempty"`
	Reopen               bool       `json:"reopen,omitempty"`
	Clear                []string   `json:"clear,omitempty" doc:"Nullable fields to reset: parent, planned_start, planned_end, actual_start, actual_end, delivery_date, department, machine, employee, work_category, order"`
}

type CreateDependencyRequest struct {
	PredecessorID  int64  `json:"predecessor_id"`
	SuccessorID    int64  `json:"successor_id"`
	DependencyType string `json:"dependency_type,omitempty" enum:"finish_to_start,start_to_start,finish_to_finish"`
	LagMinutes     int    `json:"lag_minutes,omitempty"`
}

type SelectionRequest struct {
	TodoIDs []int64 `json:"todo_ids"`
}

type DetectRequest struct {
	TodoIDs []int64 `json:"todo_ids,omitempty"`
}

type SegmentInput struct {
	SegmentIndex int       `json:"segment_index"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	MachineID    *string   `json:"machine_id,omitempty"`
	EmployeeID   *string   `json:"employee_id,omitempty"`
}

type SegmentsRequest struct {
	Segments []SegmentInput `json:"segments"`
}

type ResourceRequest struct {
	Kind         string  `json:"kind" enum:"department,machine,employee"`
	ID           string  `json:"id"`
	Name         string  `json:"name,omitempty"`
	DepartmentID *string `json:"department_id,omitempty"`
	Capacity     float64 `json:"capacity,omitempty"`
	CalendarID   *string `json:"calendar_id,omitempty"`
}

type CalendarRequest struct {
	Name       string                     `json:"name,omitempty"`
	Timezone   string                     `json:"timezone,omitempty"`
	Windows    []domain.CalendarWindow    `json:"windows"`
	Exceptions []domain.CalendarException `json:"exceptions,omitempty"`
}

type CategoryRequest struct {
	Name     string `json:"name,omitempty"`
	MinLevel int    `json:"min_level" minimum:"0"`
}

type QualificationsRequest struct {
	Qualifications []domain.Qualification `json:"qualifications"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type todoList struct {
	Items []domain.Todo `json:"items"`
}

type dependencyList struct {
	Items []domain.Dependency `json:"items"`
}

type conflictList struct {
	Items []domain.Conflict `json:"items"`
}

type segmentList struct {
	Items []domain.Segment `json:"items"`
}

type resourceList struct {
	Items []domain.Resource `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func createOptions(req CreateTodoRequest, actorID string) engine.TodoCreateOptions {
	return engine.TodoCreateOptions{
		Name:                 req.Name,
		Type:                 domain.TodoType(req.TodoType),
		ParentID:             req.ParentTodoID,
		OrderID:              req.OrderID,
		OrderName:            req.OrderName,
		OrderArticleID:       req.OrderArticleID,
		BOMItemID:            req.BOMItemID,
		WorkplanDetailID:     req.WorkplanDetailID,
		PlannedStart:         req.PlannedStart,
		PlannedEnd:           req.PlannedEnd,
		SetupTimeMinutes:     req.SetupTimeMinutes,
		RunTimeMinutes:       req.RunTimeMinutes,
		TotalDurationMinutes: req.TotalDurationMinutes,
		DepartmentID:         req.DepartmentID,
		MachineID:            req.MachineID,
		EmployeeID:           req.EmployeeID,
		WorkCategory:         req.WorkCategory,
		Status:               domain.TodoStatus(req.Status),
		BlockReason:          req.BlockReason,
		Priority:             req.Priority,
		DeliveryDate:         req.DeliveryDate,
		Progress:             req.Progress,
		Quantity:             req.Quantity,
		ActorID:              actorID,
	}
}

func todoPatch(id int64, req UpdateTodoRequest, actorID string) engine.TodoPatch {
	p := engine.TodoPatch{
		ID:                   id,
		Version:              req.Version,
		Name:                 req.Name,
		ParentID:             req.ParentTodoID,
		OrderID:              req.OrderID,
		OrderName:            req.OrderName,
		OrderArticleID:       req.OrderArticleID,
		BOMItemID:            req.BOMItemID,
		WorkplanDetailID:     req.WorkplanDetailID,
		PlannedStart:         req.PlannedStart,
		PlannedEnd:           req.PlannedEnd,
		ActualStart:          req.ActualStart,
		ActualEnd:            req.ActualEnd,
		SetupTimeMinutes:     req.SetupTimeMinutes,
		RunTimeMinutes:       req.RunTimeMinutes,
		TotalDurationMinutes: req.TotalDurationMinutes,
		IsDurationManual:     req.IsDurationManual,
		DepartmentID:         req.DepartmentID,
		MachineID:            req.MachineID,
		EmployeeID:           req.EmployeeID,
		WorkCategory:         req.WorkCategory,
		BlockReason:          req.BlockReason,
		Priority:             req.Priority,
		DeliveryDate:         req.DeliveryDate,
		Progress:             req.Progress,
		Quantity:             req.Quantity,
		Reopen:               req.Reopen,
		Clear:                req.Clear,
		ActorID:              actorID,
	}
	if req.TodoType != nil {
		tt := domain.TodoType(*req.TodoType)
		p.Type = &tt
	}
	if req.Status != nil {
		st := domain.TodoStatus(*req.Status)
		p.Status = &st
	}
	return p
}

func segments(todoID int64, in []SegmentInput) []domain.Segment {
	out := make([]domain.Segment, 0, len(in))
	for _, s := range in {
		out = append(out, domain.Segment{
			TodoID:       todoID,
			SegmentIndex: s.SegmentIndex,
			StartTime:    s.StartTime,
			EndTime:      s.EndTime,
			MachineID:    s.MachineID,
			EmployeeID:   s.EmployeeID,
		})
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
