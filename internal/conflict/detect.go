// Package conflict derives scheduling violations from a snapshot of todos,
// edges and the resource registry. It never touches storage.
package conflict

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"ppscore/internal/calendar"
	"ppscore/internal/domain"
)

// Input is everything a detector pass reads.
type Input struct {
	// Todos holds every live todo so ancestors and overlap partners outside the scope are known.
	Todos          []domain.Todo
	Segments       map[int64][]domain.Segment
	Dependencies   []domain.Dependency
	Resources      map[domain.ResourceRef]domain.Resource
	Calendars      map[string]domain.WorkCalendar
	Categories     map[string]domain.WorkCategory
	Qualifications map[domain.ResourceRef]map[string]int
	// Scope limits output to conflicts touching these ids. Nil means every todo.
	Scope  map[int64]bool
	Now    time.Time
	Logger *slog.Logger
}

// Slot is one occupied interval of a todo on its resources.
type Slot struct {
	TodoID   int64
	Start    time.Time
	End      time.Time
	Machine  string
	Employee string
	// Primary is the resource whose calendar applies.
	Primary domain.ResourceRef
}

// Slots expands a todo into its segments, or its planned block when it has none.
func Slots(t domain.Todo, segs []domain.Segment) []Slot {
	machine, employee := deref(t.MachineID), deref(t.EmployeeID)
	if len(segs) > 0 {
		res := make([]Slot, 0, len(segs))
		for _, s := range segs {
			if !s.EndTime.After(s.StartTime) {
				continue
			}
			slot := Slot{TodoID: t.ID, Start: s.StartTime, End: s.EndTime, Machine: machine, Employee: employee}
			if s.MachineID != nil && *s.MachineID != "" {
				slot.Machine = *s.MachineID
			}
			if s.EmployeeID != nil && *s.EmployeeID != "" {
				slot.Employee = *s.EmployeeID
			}
			slot.Primary = primary(slot.Machine, slot.Employee, t)
			res = append(res, slot)
		}
		return res
	}
	if !t.Scheduled() || !t.PlannedEnd.After(*t.PlannedStart) {
		return nil
	}
	return []Slot{{
		TodoID: t.ID, Start: *t.PlannedStart, End: *t.PlannedEnd,
		Machine: machine, Employee: employee, Primary: t.PrimaryResource(),
	}}
}

func primary(machine, employee string, t domain.Todo) domain.ResourceRef {
	switch {
	case machine != "":
		return domain.ResourceRef{Kind: domain.ResourceMachine, ID: machine}
	case employee != "":
		return domain.ResourceRef{Kind: domain.ResourceEmployee, ID: employee}
	}
	return t.PrimaryResource()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type detector struct {
	in     Input
	log    *slog.Logger
	byID   map[int64]domain.Todo
	slots  map[int64][]Slot
	out    []domain.Conflict
	seen   map[string]struct{}
	cals   map[string]*calendar.Calendar
	badCal map[string]bool
}

// Detect runs every rule and returns conflicts sorted by type, todo and related todo.
func Detect(in Input) []domain.Conflict {
	d := &detector{
		in:     in,
		log:    in.Logger,
		byID:   make(map[int64]domain.Todo, len(in.Todos)),
		slots:  make(map[int64][]Slot, len(in.Todos)),
		seen:   make(map[string]struct{}),
		cals:   make(map[string]*calendar.Calendar),
		badCal: make(map[string]bool),
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	for _, t := range in.Todos {
		if t.DeletedAt != nil {
			continue
		}
		d.byID[t.ID] = t
		d.slots[t.ID] = Slots(t, in.Segments[t.ID])
	}
	d.resourceOverlap()
	d.calendarRule()
	d.dependencyRule()
	d.deliveryRule()
	d.qualificationRule()
	sort.SliceStable(d.out, func(i, j int) bool {
		a, b := d.out[i], d.out[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.TodoID != b.TodoID {
			return a.TodoID < b.TodoID
		}
		return related(a) < related(b)
	})
	return d.out
}

func related(c domain.Conflict) int64 {
	if c.RelatedTodoID == nil {
		return 0
	}
	return *c.RelatedTodoID
}

func (d *detector) inScope(ids ...int64) bool {
	if d.in.Scope == nil {
		return true
	}
	for _, id := range ids {
		if d.in.Scope[id] {
			return true
		}
	}
	return false
}

func (d *detector) emit(c domain.Conflict) {
	key := c.Key()
	if _, dup := d.seen[key]; dup {
		return
	}
	d.seen[key] = struct{}{}
	c.DetectedAt = d.in.Now
	d.out = append(d.out, c)
}

func (d *detector) ordered() []domain.Todo {
	res := make([]domain.Todo, 0, len(d.byID))
	for _, t := range d.byID {
		res = append(res, t)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

func (d *detector) resourceOverlap() {
	byResource := make(map[domain.ResourceRef][]Slot)
	for _, t := range d.ordered() {
		if t.Status == domain.StatusCompleted {
			continue
		}
		for _, s := range d.slots[t.ID] {
			if s.Machine != "" {
				ref := domain.ResourceRef{Kind: domain.ResourceMachine, ID: s.Machine}
				byResource[ref] = append(byResource[ref], s)
			}
			if s.Employee != "" {
				ref := domain.ResourceRef{Kind: domain.ResourceEmployee, ID: s.Employee}
				byResource[ref] = append(byResource[ref], s)
			}
		}
	}
	refs := make([]domain.ResourceRef, 0, len(byResource))
	for ref := range byResource {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	for _, ref := range refs {
		slots := byResource[ref]
		sort.SliceStable(slots, func(i, j int) bool { return slots[i].Start.Before(slots[j].Start) })
		for i := 0; i < len(slots); i++ {
			for j := i + 1; j < len(slots); j++ {
				a, b := slots[i], slots[j]
				if !b.Start.Before(a.End) {
					break
				}
				if a.TodoID == b.TodoID || !d.inScope(a.TodoID, b.TodoID) {
					continue
				}
				lo, hi := a.TodoID, b.TodoID
				if lo > hi {
					lo, hi = hi, lo
				}
				from, to := b.Start, a.End
				if b.End.Before(to) {
					to = b.End
				}
				d.emit(domain.Conflict{
					Type:          domain.ConflictResourceOverlap,
					Severity:      domain.SeverityError,
					TodoID:        lo,
					RelatedTodoID: &hi,
					Message: fmt.Sprintf("todos %d and %d overlap on %s from %s to %s",
						lo, hi, ref, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339)),
				})
			}
		}
	}
}

// calendarFor resolves the calendar of ref, falling back to its department's.
func (d *detector) calendarFor(todoID int64, ref domain.ResourceRef) (*calendar.Calendar, bool) {
	res, ok := d.in.Resources[ref]
	if !ok {
		d.log.Warn("conflict detection skipped calendar check", "todo_id", todoID, "resource", ref.String(), "reason", "unknown resource")
		return nil, false
	}
	calID := deref(res.CalendarID)
	if calID == "" && res.DepartmentID != nil {
		if dept, ok := d.in.Resources[domain.ResourceRef{Kind: domain.ResourceDepartment, ID: *res.DepartmentID}]; ok {
			calID = deref(dept.CalendarID)
		}
	}
	if calID == "" {
		return nil, false
	}
	if cal, ok := d.cals[calID]; ok {
		return cal, true
	}
	if d.badCal[calID] {
		return nil, false
	}
	raw, ok := d.in.Calendars[calID]
	if !ok {
		d.badCal[calID] = true
		d.log.Warn("conflict detection skipped calendar check", "todo_id", todoID, "calendar_id", calID, "reason", "calendar unavailable")
		return nil, false
	}
	cal, err := calendar.Compile(raw)
	if err != nil {
		d.badCal[calID] = true
		d.log.Warn("conflict detection skipped calendar check", "todo_id", todoID, "calendar_id", calID, "err", err)
		return nil, false
	}
	d.cals[calID] = cal
	return cal, true
}

func (d *detector) calendarRule() {
	for _, t := range d.ordered() {
		if t.Status == domain.StatusCompleted || !d.inScope(t.ID) {
			continue
		}
		for _, s := range d.slots[t.ID] {
			if s.Primary.IsZero() {
				continue
			}
			cal, ok := d.calendarFor(t.ID, s.Primary)
			if !ok {
				continue
			}
			if gap, outside := cal.FirstGap(s.Start, s.End); outside {
				d.emit(domain.Conflict{
					Type:     domain.ConflictCalendar,
					Severity: domain.SeverityWarning,
					TodoID:   t.ID,
					Message: fmt.Sprintf("todo %d is scheduled outside working time of %s at %s",
						t.ID, s.Primary, gap.In(cal.Location()).Format(time.RFC3339)),
				})
				break
			}
		}
	}
}

func (d *detector) dependencyRule() {
	for _, dep := range d.in.Dependencies {
		if !dep.IsActive || !d.inScope(dep.PredecessorID, dep.SuccessorID) {
			continue
		}
		pred, ok1 := d.byID[dep.PredecessorID]
		succ, ok2 := d.byID[dep.SuccessorID]
		if !ok1 || !ok2 {
			continue
		}
		lag := time.Duration(dep.LagMinutes) * time.Minute
		var (
			earliest, actual *time.Time
			what             string
		)
		switch dep.Type {
		case domain.FinishToStart:
			earliest, actual, what = shift(pred.PlannedEnd, lag), succ.PlannedStart, "start"
		case domain.StartToStart:
			earliest, actual, what = shift(pred.PlannedStart, lag), succ.PlannedStart, "start"
		case domain.FinishToFinish:
			earliest, actual, what = shift(pred.PlannedEnd, lag), succ.PlannedEnd, "end"
		default:
			continue
		}
		if earliest == nil || actual == nil || !actual.Before(*earliest) {
			continue
		}
		predID := pred.ID
		d.emit(domain.Conflict{
			Type:          domain.ConflictDependency,
			Severity:      domain.SeverityError,
			TodoID:        succ.ID,
			RelatedTodoID: &predID,
			Message: fmt.Sprintf("%s dependency %d -> %d violated: %s at %s, earliest allowed %s",
				dep.Type, pred.ID, succ.ID, what, actual.UTC().Format(time.RFC3339), earliest.UTC().Format(time.RFC3339)),
		})
	}
}

func shift(t *time.Time, d time.Duration) *time.Time {
	if t == nil {
		return nil
	}
	v := t.Add(d)
	return &v
}

// dueDate returns the todo's delivery date or the nearest ancestor's.
func (d *detector) dueDate(t domain.Todo) (*time.Time, int64) {
	visited := map[int64]bool{}
	cur := t
	for {
		if cur.DeliveryDate != nil {
			return cur.DeliveryDate, cur.ID
		}
		if cur.ParentID == nil || visited[cur.ID] {
			return nil, 0
		}
		visited[cur.ID] = true
		parent, ok := d.byID[*cur.ParentID]
		if !ok {
			return nil, 0
		}
		cur = parent
	}
}

func (d *detector) deliveryRule() {
	for _, t := range d.ordered() {
		if t.Status == domain.StatusCompleted || t.PlannedEnd == nil || !d.inScope(t.ID) {
			continue
		}
		due, owner := d.dueDate(t)
		if due == nil || !t.PlannedEnd.After(*due) {
			continue
		}
		source := "its"
		if owner != t.ID {
			source = fmt.Sprintf("todo %d", owner)
		}
		d.emit(domain.Conflict{
			Type:     domain.ConflictDeliveryDate,
			Severity: domain.SeverityWarning,
			TodoID:   t.ID,
			Message: fmt.Sprintf("todo %d ends %s after %s delivery date %s",
				t.ID, t.PlannedEnd.UTC().Format(time.RFC3339), source, due.UTC().Format(time.RFC3339)),
		})
	}
}

func (d *detector) qualificationRule() {
	for _, t := range d.ordered() {
		if t.WorkCategory == nil || *t.WorkCategory == "" || !d.inScope(t.ID) {
			continue
		}
		ref := t.PrimaryResource()
		if ref.IsZero() {
			continue
		}
		cat, ok := d.in.Categories[*t.WorkCategory]
		if !ok {
			d.log.Warn("conflict detection skipped qualification check", "todo_id", t.ID, "category", *t.WorkCategory, "reason", "unknown category")
			continue
		}
		level := d.in.Qualifications[ref][cat.Code]
		if level >= cat.MinLevel {
			continue
		}
		d.emit(domain.Conflict{
			Type:     domain.ConflictQualification,
			Severity: domain.SeverityError,
			TodoID:   t.ID,
			Message: fmt.Sprintf("%s has level %d for %s, todo %d requires %d",
				ref, level, cat.Code, t.ID, cat.MinLevel),
		})
	}
}
