package grouping

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"ppscore/internal/domain"
)

type By string

const (
	ByOrder      By = "order"
	ByParent     By = "parent"
	ByDepartment By = "department"
)

func ParseBy(v string) (By, error) {
	switch By(v) {
	case "":
		return ByOrder, nil
	case ByOrder, ByParent, ByDepartment:
		return By(v), nil
	}
	return "", domain.ValidationError{Field: "by", Reason: fmt.Sprintf("unknown grouping %q (want order|parent|department)", v)}
}

type Group struct {
	Key                  string     `json:"key"`
	Label                string     `json:"label"`
	TodoIDs              []int64    `json:"todo_ids"`
	MinPriority          int        `json:"min_priority"`
	Priorities           []int      `json:"priorities"`
	TotalDurationMinutes int        `json:"total_duration_minutes"`
	NextStart            *time.Time `json:"next_start,omitempty"`
	EarliestDelivery     *time.Time `json:"earliest_delivery,omitempty"`
	CompletedCount       int        `json:"completed_count"`
	TotalCount           int        `json:"total_count"`
	ProgressPercent      float64    `json:"progress_percent"`
	Urgent               bool       `json:"urgent"`
}

// Aggregate groups todos by the requested label. Urgency holds when a group
// contains priority 1 or its earliest delivery falls before now+horizon.
func Aggregate(todos []domain.Todo, by By, now time.Time, horizon time.Duration) []Group {
	names := make(map[int64]string, len(todos))
	for _, t := range todos {
		names[t.ID] = t.Name
	}
	index := make(map[string]int)
	var groups []Group
	for _, t := range todos {
		key, label := keyFor(t, by, names)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group{Key: key, Label: label, MinPriority: t.Priority})
		}
		add(&groups[i], t)
	}
	cutoff := now.Add(horizon)
	for i := range groups {
		g := &groups[i]
		sort.Ints(g.Priorities)
		if g.TotalCount > 0 {
			g.ProgressPercent = float64(g.CompletedCount) * 100 / float64(g.TotalCount)
		}
		hasTop := len(g.Priorities) > 0 && g.Priorities[0] <= 1
		soon := g.EarliestDelivery != nil && !g.EarliestDelivery.After(cutoff)
		g.Urgent = hasTop || soon
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].MinPriority != groups[j].MinPriority {
			return groups[i].MinPriority < groups[j].MinPriority
		}
		return groups[i].Label < groups[j].Label
	})
	return groups
}

func add(g *Group, t domain.Todo) {
	g.TodoIDs = append(g.TodoIDs, t.ID)
	g.TotalCount++
	if t.Status == domain.StatusCompleted {
		g.CompletedCount++
	}
	if t.Priority < g.MinPriority {
		g.MinPriority = t.Priority
	}
	if !containsInt(g.Priorities, t.Priority) {
		g.Priorities = append(g.Priorities, t.Priority)
	}
	g.TotalDurationMinutes += t.TotalDurationMinutes
	if t.PlannedStart != nil && (g.NextStart == nil || t.PlannedStart.Before(*g.NextStart)) {
		v := *t.PlannedStart
		g.NextStart = &v
	}
	if t.DeliveryDate != nil && (g.EarliestDelivery == nil || t.DeliveryDate.Before(*g.EarliestDelivery)) {
		v := *t.DeliveryDate
		g.EarliestDelivery = &v
	}
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func keyFor(t domain.Todo, by By, names map[int64]string) (string, string) {
	switch by {
	case ByParent:
		if t.ParentID == nil {
			return "", "(no parent)"
		}
		id := strconv.FormatInt(*t.ParentID, 10)
		if name, ok := names[*t.ParentID]; ok && name != "" {
			return id, name
		}
		return id, "#" + id
	case ByDepartment:
		if t.DepartmentID == nil || *t.DepartmentID == "" {
			return "", "(unassigned)"
		}
		return *t.DepartmentID, *t.DepartmentID
	default:
		switch {
		case t.OrderName != nil && *t.OrderName != "":
			return *t.OrderName, *t.OrderName
		case t.OrderID != nil && *t.OrderID != "":
			return *t.OrderID, *t.OrderID
		}
		return "", "(no order)"
	}
}
