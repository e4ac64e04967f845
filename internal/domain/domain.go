package domain

import (
	"strconv"
	"time"
)

type TodoType string

const (
	TodoContainerOrder   TodoType = "container_order"
	TodoContainerArticle TodoType = "container_article"
	TodoBOMItem          TodoType = "bom_item"
	TodoOperation        TodoType = "operation"
	TodoEigene           TodoType = "eigene"
	TodoTask             TodoType = "task"
	TodoProject          TodoType = "project"
)

func (t TodoType) Valid() bool {
	switch t {
	case TodoContainerOrder, TodoContainerArticle, TodoBOMItem, TodoOperation, TodoEigene, TodoTask, TodoProject:
		return true
	}
	return false
}

type TodoStatus string

const (
	StatusNew        TodoStatus = "new"
	StatusPending    TodoStatus = "pending"
	StatusPlanned    TodoStatus = "planned"
	StatusInProgress TodoStatus = "in_progress"
	StatusCompleted  TodoStatus = "completed"
	StatusBlocked    TodoStatus = "blocked"
)

func (s TodoStatus) Valid() bool {
	switch s {
	case StatusNew, StatusPending, StatusPlanned, StatusInProgress, StatusCompleted, StatusBlocked:
		return true
	}
	return false
}

// Rank orders the forward lifecycle. Blocked sits outside the ladder and reports -1.
func (s TodoStatus) Rank() int {
	switch s {
	case StatusNew:
		return 0
	case StatusPending:
		return 1
	case StatusPlanned:
		return 2
	case StatusInProgress:
		return 3
	case StatusCompleted:
		return 4
	}
	return -1
}

type DependencyType string

const (
	FinishToStart  DependencyType = "finish_to_start"
	StartToStart   DependencyType = "start_to_start"
	FinishToFinish DependencyType = "finish_to_finish"
)

func (t DependencyType) Valid() bool {
	switch t {
	case FinishToStart, StartToStart, FinishToFinish:
		return true
	}
	return false
}

const (
	OriginManual   = "manual"
	OriginAutoLink = "auto_link"
	OriginGantt    = "gantt"
)

type ConflictType string

const (
	ConflictResourceOverlap ConflictType = "resource_overlap"
	ConflictCalendar        ConflictType = "calendar"
	ConflictDependency      ConflictType = "dependency"
	ConflictDeliveryDate    ConflictType = "delivery_date"
	ConflictQualification   ConflictType = "qualification"
)

type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type ResourceKind string

const (
	ResourceDepartment ResourceKind = "department"
	ResourceMachine    ResourceKind = "machine"
	ResourceEmployee   ResourceKind = "employee"
)

func (k ResourceKind) Valid() bool {
	return k == ResourceDepartment || k == ResourceMachine || k == ResourceEmployee
}

// ResourceRef names a concrete registry entry.
type ResourceRef struct {
	Kind ResourceKind `json:"kind"`
	ID   string       `json:"id"`
}

func (r ResourceRef) IsZero() bool { return r.ID == "" }

func (r ResourceRef) String() string {
	if r.ID == "" {
		return ""
	}
	return string(r.Kind) + ":" + r.ID
}

type Todo struct {
	ID                   int64      `json:"id"`
	Name                 string     `json:"name"`
	Type                 TodoType   `json:"todo_type"`
	ParentID             *int64     `json:"parent_todo_id,omitempty"`
	OrderID              *string    `json:"order_id,omitempty"`
	OrderName            *string    `json:"order_name,omitempty"`
	OrderArticleID       *string    `json:"order_article_id,omitempty"`
	BOMItemID            *string    `json:"bom_item_id,omitempty"`
	WorkplanDetailID     *string    `json:"workplan_detail_id,omitempty"`
	PlannedStart         *time.Time `json:"planned_start,omitempty"`
	PlannedEnd           *time.Time `json:"planned_end,omitempty"`
	ActualStart          *time.Time `json:"actual_start,omitempty"`
	ActualEnd            *time.Time `json:"actual_end,omitempty"`
	SetupTimeMinutes     int        `json:"setup_time_minutes"`
	RunTimeMinutes       int        `json:"run_time_minutes"`
	TotalDurationMinutes int        `json:"total_duration_minutes"`
	IsDurationManual     bool       `json:"is_duration_manual"`
	DepartmentID         *string    `json:"assigned_department_id,omitempty"`
	MachineID            *string    `json:"assigned_machine_id,omitempty"`
	EmployeeID           *string    `json:"assigned_employee_id,omitempty"`
	WorkCategory         *string    `json:"work_category,omitempty"`
	Status               TodoStatus `json:"status"`
	BlockReason          *string    `json:"block_reason,omitempty"`
	Priority             int        `json:"priority"`
	DeliveryDate         *time.Time `json:"delivery_date,omitempty"`
	Progress             float64    `json:"progress"`
	Quantity             float64    `json:"quantity"`
	Version              int        `json:"version"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	DeletedAt            *time.Time `json:"deleted_at,omitempty"`
}

// PrimaryResource resolves the assignment used for scheduling: machine, then employee, then department.
func (t Todo) PrimaryResource() ResourceRef {
	switch {
	case t.MachineID != nil && *t.MachineID != "":
		return ResourceRef{Kind: ResourceMachine, ID: *t.MachineID}
	case t.EmployeeID != nil && *t.EmployeeID != "":
		return ResourceRef{Kind: ResourceEmployee, ID: *t.EmployeeID}
	case t.DepartmentID != nil && *t.DepartmentID != "":
		return ResourceRef{Kind: ResourceDepartment, ID: *t.DepartmentID}
	}
	return ResourceRef{}
}

// DerivedDuration is the computed total unless the stored value was set manually.
func (t Todo) DerivedDuration() int {
	if t.IsDurationManual {
		return t.TotalDurationMinutes
	}
	return t.SetupTimeMinutes + t.RunTimeMinutes
}

func (t Todo) Scheduled() bool {
	return t.PlannedStart != nil && t.PlannedEnd != nil
}

type Dependency struct {
	ID            int64          `json:"id"`
	PredecessorID int64          `json:"predecessor_id"`
	SuccessorID   int64          `json:"successor_id"`
	Type          DependencyType `json:"dependency_type"`
	LagMinutes    int            `json:"lag_minutes"`
	IsActive      bool           `json:"is_active"`
	Origin        string         `json:"origin"`
	CreatedAt     time.Time      `json:"created_at"`
	DeactivatedAt *time.Time     `json:"deactivated_at,omitempty"`
}

type Segment struct {
	ID           int64     `json:"id"`
	TodoID       int64     `json:"todo_id"`
	SegmentIndex int       `json:"segment_index"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	MachineID    *string   `json:"machine_id,omitempty"`
	EmployeeID   *string   `json:"employee_id,omitempty"`
}

type Conflict struct {
	ID            int64        `json:"id"`
	Type          ConflictType `json:"conflict_type"`
	Severity      Severity     `json:"severity"`
	TodoID        int64        `json:"todo_id"`
	RelatedTodoID *int64       `json:"related_todo_id,omitempty"`
	Message       string       `json:"message"`
	Resolved      bool         `json:"resolved"`
	ResolvedAt    *time.Time   `json:"resolved_at,omitempty"`
	DetectedAt    time.Time    `json:"detected_at"`
}

// Key identifies a conflict across detector runs.
func (c Conflict) Key() string {
	related := int64(0)
	if c.RelatedTodoID != nil {
		related = *c.RelatedTodoID
	}
	return string(c.Type) + "|" + strconv.FormatInt(c.TodoID, 10) + "|" + strconv.FormatInt(related, 10)
}

type Resource struct {
	Kind         ResourceKind `json:"kind"`
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	DepartmentID *string      `json:"department_id,omitempty"`
	Capacity     float64      `json:"capacity"`
	CalendarID   *string      `json:"calendar_id,omitempty"`
}

func (r Resource) Ref() ResourceRef { return ResourceRef{Kind: r.Kind, ID: r.ID} }

type CalendarWindow struct {
	Weekday     time.Weekday `json:"weekday"`
	StartMinute int          `json:"start_minute"`
	EndMinute   int          `json:"end_minute"`
}

type CalendarException struct {
	Day    string `json:"day" format:"date"`
	Reason string `json:"reason,omitempty"`
}

type WorkCalendar struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Timezone   string              `json:"timezone"`
	Windows    []CalendarWindow    `json:"windows"`
	Exceptions []CalendarException `json:"exceptions,omitempty"`
}

type WorkCategory struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	MinLevel int    `json:"min_level"`
}

type Qualification struct {
	Category string `json:"category"`
	Level    int    `json:"level"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
