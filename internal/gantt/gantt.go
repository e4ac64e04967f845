// Package gantt defines the chart-shaped projection of todos and edges and
// the diff format clients send back.
package gantt

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"ppscore/internal/domain"
)

// Link type codes follow the DHTMLX convention.
const (
	LinkFinishToStart  = "0"
	LinkStartToStart   = "1"
	LinkFinishToFinish = "2"
)

func LinkType(t domain.DependencyType) string {
	switch t {
	case domain.StartToStart:
		return LinkStartToStart
	case domain.FinishToFinish:
		return LinkFinishToFinish
	}
	return LinkFinishToStart
}

// DependencyType accepts a link code or a dependency type name. Empty means finish to start.
func DependencyType(code string) (domain.DependencyType, error) {
	switch code {
	case "", LinkFinishToStart:
		return domain.FinishToStart, nil
	case LinkStartToStart:
		return domain.StartToStart, nil
	case LinkFinishToFinish:
		return domain.FinishToFinish, nil
	}
	if t := domain.DependencyType(code); t.Valid() {
		return t, nil
	}
	return "", domain.ValidationError{Field: "type", Reason: fmt.Sprintf("unsupported link type %q", code)}
}

type Task struct {
	ID            int64      `json:"id"`
	Text          string     `json:"text"`
	StartDate     *time.Time `json:"start_date,omitempty"`
	EndDate       *time.Time `json:"end_date,omitempty"`
	Duration      int        `json:"duration"`
	Progress      float64    `json:"progress"`
	Parent        int64      `json:"parent"`
	Type          string     `json:"type"`
	TodoType      string     `json:"todo_type"`
	Priority      int        `json:"priority"`
	Resource      string     `json:"resource,omitempty"`
	Status        string     `json:"status"`
	Version       int        `json:"version"`
	DeliveryDate  *time.Time `json:"delivery_date,omitempty"`
	HasConflict   bool       `json:"has_conflict"`
	ConflictTypes []string   `json:"conflict_types,omitempty"`
}

type Link struct {
	ID     int64  `json:"id"`
	Source int64  `json:"source"`
	Target int64  `json:"target"`
	Type   string `json:"type"`
	Lag    int    `json:"lag"`
}

type View struct {
	Tasks []Task `json:"data"`
	Links []Link `json:"links"`
}

func isContainer(t domain.TodoType) bool {
	switch t {
	case domain.TodoContainerOrder, domain.TodoContainerArticle, domain.TodoProject:
		return true
	}
	return false
}

// Project builds the view. Unresolved conflicts flag both todos they reference.
func Project(todos []domain.Todo, deps []domain.Dependency, conflicts []domain.Conflict) View {
	flags := make(map[int64]map[string]struct{})
	mark := func(id int64, typ domain.ConflictType) {
		if flags[id] == nil {
			flags[id] = make(map[string]struct{})
		}
		flags[id][string(typ)] = struct{}{}
	}
	for _, c := range conflicts {
		if c.Resolved {
			continue
		}
		mark(c.TodoID, c.Type)
		if c.RelatedTodoID != nil {
			mark(*c.RelatedTodoID, c.Type)
		}
	}
	visible := make(map[int64]bool, len(todos))
	for _, t := range todos {
		visible[t.ID] = true
	}
	view := View{Tasks: make([]Task, 0, len(todos)), Links: []Link{}}
	for _, t := range todos {
		task := Task{
			ID:           t.ID,
			Text:         t.Name,
			StartDate:    t.PlannedStart,
			EndDate:      t.PlannedEnd,
			Duration:     t.TotalDurationMinutes,
			Progress:     t.Progress,
			Type:         "task",
			TodoType:     string(t.Type),
			Priority:     t.Priority,
			Resource:     t.PrimaryResource().String(),
			Status:       string(t.Status),
			Version:      t.Version,
			DeliveryDate: t.DeliveryDate,
		}
		if isContainer(t.Type) {
			task.Type = "project"
		}
		if t.ParentID != nil && visible[*t.ParentID] {
			task.Parent = *t.ParentID
		}
		if set := flags[t.ID]; len(set) > 0 {
			task.HasConflict = true
			for typ := range set {
				task.ConflictTypes = append(task.ConflictTypes, typ)
			}
			sort.Strings(task.ConflictTypes)
		}
		view.Tasks = append(view.Tasks, task)
	}
	for _, d := range deps {
		if !d.IsActive || !visible[d.PredecessorID] || !visible[d.SuccessorID] {
			continue
		}
		view.Links = append(view.Links, Link{ID: d.ID, Source: d.PredecessorID, Target: d.SuccessorID, Type: LinkType(d.Type), Lag: d.LagMinutes})
	}
	return view
}

// TaskInput is one created or updated task in a sync diff. ID is a negative
// temp id on create and the server id on update.
type TaskInput struct {
	ID           int64      `json:"id"`
	Version      int        `json:"version,omitempty"`
	Text         *string    `json:"text,omitempty"`
	StartDate    *time.Time `json:"start_date,omitempty"`
	EndDate      *time.Time `json:"end_date,omitempty"`
	Duration     *int       `json:"duration,omitempty"`
	Progress     *float64   `json:"progress,omitempty"`
	Parent       *int64     `json:"parent,omitempty"`
	Priority     *int       `json:"priority,omitempty"`
	Status       *string    `json:"status,omitempty"`
	TodoType     *string    `json:"todo_type,omitempty"`
	MachineID    *string    `json:"machine_id,omitempty"`
	EmployeeID   *string    `json:"employee_id,omitempty"`
	DepartmentID *string    `json:"department_id,omitempty"`
	Reopen       bool       `json:"reopen,omitempty"`
}

// LinkInput is one created or updated link. Source and Target may be temp ids from the same batch.
type LinkInput struct {
	ID     int64  `json:"id"`
	Source int64  `json:"source"`
	Target int64  `json:"target"`
	Type   string `json:"type,omitempty"`
	Lag    int    `json:"lag,omitempty"`
}

type SyncRequest struct {
	BatchID        string      `json:"batch_id,omitempty"`
	CreatedTasks   []TaskInput `json:"created_tasks,omitempty"`
	UpdatedTasks   []TaskInput `json:"updated_tasks,omitempty"`
	DeletedTaskIDs []int64     `json:"deleted_task_ids,omitempty"`
	CreatedLinks   []LinkInput `json:"created_links,omitempty"`
	UpdatedLinks   []LinkInput `json:"updated_links,omitempty"`
	DeletedLinkIDs []int64     `json:"deleted_link_ids,omitempty"`
}

// Empty reports whether the diff carries no items.
func (r SyncRequest) Empty() bool {
	return len(r.CreatedTasks)+len(r.UpdatedTasks)+len(r.DeletedTaskIDs)+
		len(r.CreatedLinks)+len(r.UpdatedLinks)+len(r.DeletedLinkIDs) == 0
}

const (
	EntityTask = "task"
	EntityLink = "link"

	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

type ItemError struct {
	Entity  string `json:"entity"`
	Op      string `json:"op"`
	ID      int64  `json:"id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type SyncResponse struct {
	BatchID          string            `json:"batch_id"`
	CreatedTaskIDs   map[string]int64  `json:"created_task_ids"`
	CreatedLinkIDs   map[string]int64  `json:"created_link_ids"`
	ReplacedLinkIDs  map[string]int64  `json:"replaced_link_ids"`
	UpdatedCount     int               `json:"updated_count"`
	DeletedCount     int               `json:"deleted_count"`
	CreatedLinkCount int               `json:"created_link_count"`
	UpdatedLinkCount int               `json:"updated_link_count"`
	DeletedLinkCount int               `json:"deleted_link_count"`
	Errors           []ItemError       `json:"errors"`
	Conflicts        []domain.Conflict `json:"conflicts"`
}

func NewSyncResponse(batchID string) SyncResponse {
	return SyncResponse{
		BatchID:         batchID,
		CreatedTaskIDs:  map[string]int64{},
		CreatedLinkIDs:  map[string]int64{},
		ReplacedLinkIDs: map[string]int64{},
		Errors:          []ItemError{},
		Conflicts:       []domain.Conflict{},
	}
}

// IDKey formats an id as a map key of the response.
func IDKey(id int64) string {
	return strconv.FormatInt(id, 10)
}
