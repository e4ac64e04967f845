package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ppscore/internal/domain"
)

var base = time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)

func at(h, m int) *time.Time {
	t := time.Date(2024, 1, 10, h, m, 0, 0, time.UTC)
	return &t
}

func str(s string) *string { return &s }

func todo(id int64, start, end *time.Time) domain.Todo {
	return domain.Todo{ID: id, Name: "t", Type: domain.TodoOperation, Status: domain.StatusPlanned, PlannedStart: start, PlannedEnd: end, Version: 1}
}

func onMachine(t domain.Todo, m string) domain.Todo {
	t.MachineID = str(m)
	return t
}

func ofType(cs []domain.Conflict, typ domain.ConflictType) []domain.Conflict {
	var res []domain.Conflict
	for _, c := range cs {
		if c.Type == typ {
			res = append(res, c)
		}
	}
	return res
}

func TestOverlapOnSameMachine(t *testing.T) {
	in := Input{Todos: []domain.Todo{
		onMachine(todo(1, at(8, 0), at(10, 0)), "M"),
		onMachine(todo(2, at(9, 0), at(11, 0)), "M"),
	}, Now: base}
	got := ofType(Detect(in), domain.ConflictResourceOverlap)
	require.Len(t, got, 1)
	assert.Equal(t, domain.SeverityError, got[0].Severity)
	assert.Equal(t, int64(1), got[0].TodoID)
	require.NotNil(t, got[0].RelatedTodoID)
	assert.Equal(t, int64(2), *got[0].RelatedTodoID)
}

func TestOverlapTouchingIntervalsAndDepartmentsDoNotConflict(t *testing.T) {
	a := todo(1, at(8, 0), at(10, 0))
	a.DepartmentID = str("D")
	b := todo(2, at(9, 0), at(11, 0))
	b.DepartmentID = str("D")
	in := Input{Todos: []domain.Todo{
		a, b,
		onMachine(todo(3, at(8, 0), at(10, 0)), "M"),
		onMachine(todo(4, at(10, 0), at(12, 0)), "M"),
	}}
	assert.Empty(t, ofType(Detect(in), domain.ConflictResourceOverlap))
}

func TestThreeWayOverlapIsPairwise(t *testing.T) {
	in := Input{Todos: []domain.Todo{
		onMachine(todo(1, at(8, 0), at(12, 0)), "M"),
		onMachine(todo(2, at(9, 0), at(11, 0)), "M"),
		onMachine(todo(3, at(10, 0), at(13, 0)), "M"),
	}}
	got := ofType(Detect(in), domain.ConflictResourceOverlap)
	require.Len(t, got, 3)
	keys := []string{got[0].Key(), got[1].Key(), got[2].Key()}
	assert.Equal(t, []string{"resource_overlap|1|2", "resource_overlap|1|3", "resource_overlap|2|3"}, keys)
}

func TestSegmentsReplacePlannedBlock(t *testing.T) {
	a := onMachine(todo(1, at(8, 0), at(16, 0)), "M")
	b := onMachine(todo(2, at(10, 0), at(11, 0)), "M")
	in := Input{
		Todos: []domain.Todo{a, b},
		Segments: map[int64][]domain.Segment{1: {
			{TodoID: 1, SegmentIndex: 0, StartTime: *at(8, 0), EndTime: *at(9, 0)},
			{TodoID: 1, SegmentIndex: 1, StartTime: *at(12, 0), EndTime: *at(13, 0), MachineID: str("N")},
		}},
	}
	assert.Empty(t, ofType(Detect(in), domain.ConflictResourceOverlap))
}

func TestCompletedTodosAreIgnoredForOverlap(t *testing.T) {
	a := onMachine(todo(1, at(8, 0), at(10, 0)), "M")
	a.Status = domain.StatusCompleted
	in := Input{Todos: []domain.Todo{a, onMachine(todo(2, at(9, 0), at(11, 0)), "M")}}
	assert.Empty(t, Detect(in))
}

func TestScopeFiltersOutput(t *testing.T) {
	in := Input{Todos: []domain.Todo{
		onMachine(todo(1, at(8, 0), at(10, 0)), "M"),
		onMachine(todo(2, at(9, 0), at(11, 0)), "M"),
		onMachine(todo(3, at(8, 0), at(10, 0)), "N"),
		onMachine(todo(4, at(9, 0), at(11, 0)), "N"),
	}, Scope: map[int64]bool{2: true}}
	got := Detect(in)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].TodoID)
}

func TestDependencyRules(t *testing.T) {
	pred := todo(1, at(8, 0), at(10, 0))
	cases := []struct {
		name     string
		typ      domain.DependencyType
		lag      int
		succ     domain.Todo
		violated bool
	}{
		{"fs ok", domain.FinishToStart, 0, todo(2, at(10, 0), at(11, 0)), false},
		{"fs early", domain.FinishToStart, 0, todo(2, at(9, 30), at(11, 0)), true},
		{"fs lag", domain.FinishToStart, 30, todo(2, at(10, 0), at(11, 0)), true},
		{"fs negative lag", domain.FinishToStart, -60, todo(2, at(9, 0), at(11, 0)), false},
		{"ss ok", domain.StartToStart, 0, todo(2, at(8, 0), at(9, 0)), false},
		{"ss early", domain.StartToStart, 60, todo(2, at(8, 30), at(12, 0)), true},
		{"ff ok", domain.FinishToFinish, 0, todo(2, at(7, 0), at(10, 0)), false},
		{"ff early", domain.FinishToFinish, 0, todo(2, at(7, 0), at(9, 0)), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := Input{
				Todos:        []domain.Todo{pred, tc.succ},
				Dependencies: []domain.Dependency{{ID: 1, PredecessorID: 1, SuccessorID: 2, Type: tc.typ, LagMinutes: tc.lag, IsActive: true}},
			}
			got := ofType(Detect(in), domain.ConflictDependency)
			if !tc.violated {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			assert.Equal(t, int64(2), got[0].TodoID)
			assert.Equal(t, int64(1), *got[0].RelatedTodoID)
			assert.Equal(t, domain.SeverityError, got[0].Severity)
		})
	}
}

func TestInactiveDependencyIgnored(t *testing.T) {
	in := Input{
		Todos:        []domain.Todo{todo(1, at(8, 0), at(10, 0)), todo(2, at(8, 0), at(9, 0))},
		Dependencies: []domain.Dependency{{PredecessorID: 1, SuccessorID: 2, Type: domain.FinishToStart}},
	}
	assert.Empty(t, Detect(in))
}

func TestDeliveryDateInheritedFromOrder(t *testing.T) {
	order := domain.Todo{ID: 1, Type: domain.TodoContainerOrder, Status: domain.StatusNew, DeliveryDate: at(9, 0)}
	parent := int64(1)
	op := todo(2, at(8, 0), at(10, 0))
	op.ParentID = &parent
	got := Detect(Input{Todos: []domain.Todo{order, op}})
	require.Len(t, got, 1)
	assert.Equal(t, domain.ConflictDeliveryDate, got[0].Type)
	assert.Equal(t, domain.SeverityWarning, got[0].Severity)
	assert.Equal(t, int64(2), got[0].TodoID)

	own := at(12, 0)
	op.DeliveryDate = own
	assert.Empty(t, Detect(Input{Todos: []domain.Todo{order, op}}))
}

func TestCalendarRule(t *testing.T) {
	calID := "day"
	windows := []domain.CalendarWindow{{Weekday: time.Wednesday, StartMinute: 6 * 60, EndMinute: 14 * 60}}
	in := Input{
		Todos: []domain.Todo{
			onMachine(todo(1, at(8, 0), at(10, 0)), "M"),
			onMachine(todo(2, at(13, 0), at(15, 0)), "M"),
			onMachine(todo(3, at(13, 0), at(15, 0)), "GHOST"),
		},
		Resources: map[domain.ResourceRef]domain.Resource{
			{Kind: domain.ResourceMachine, ID: "M"}: {Kind: domain.ResourceMachine, ID: "M", CalendarID: &calID},
		},
		Calendars: map[string]domain.WorkCalendar{calID: {ID: calID, Timezone: "UTC", Windows: windows}},
	}
	got := ofType(Detect(in), domain.ConflictCalendar)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].TodoID)
	assert.Equal(t, domain.SeverityWarning, got[0].Severity)
}

func TestQualificationRule(t *testing.T) {
	ref := domain.ResourceRef{Kind: domain.ResourceEmployee, ID: "E"}
	a := todo(1, nil, nil)
	a.EmployeeID = str("E")
	a.WorkCategory = str("weld")
	b := todo(2, nil, nil)
	b.EmployeeID = str("F")
	b.WorkCategory = str("weld")
	c := todo(3, nil, nil)
	c.EmployeeID = str("E")
	c.WorkCategory = str("unknown")
	in := Input{
		Todos:          []domain.Todo{a, b, c},
		Categories:     map[string]domain.WorkCategory{"weld": {Code: "weld", MinLevel: 2}},
		Qualifications: map[domain.ResourceRef]map[string]int{ref: {"weld": 2}},
	}
	got := Detect(in)
	require.Len(t, got, 1)
	assert.Equal(t, domain.ConflictQualification, got[0].Type)
	assert.Equal(t, int64(2), got[0].TodoID)
}
