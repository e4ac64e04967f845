package repo

import (
	"context"
	"database/sql"
	"fmt"

	"ppscore/internal/domain"
)

func (r Repo) ListSegments(ctx context.Context, todoID int64) ([]domain.Segment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,todo_id,segment_index,start_time,end_time,machine_id,employee_id FROM segments WHERE todo_id=? ORDER BY segment_index`, todoID)
	if err != nil {
		return nil, err
	}
	return collectSegments(rows)
}

// SegmentsByTodo groups the segments of live todos by todo id.
func (r Repo) SegmentsByTodo(ctx context.Context) (map[int64][]domain.Segment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT s.id,s.todo_id,s.segment_index,s.start_time,s.end_time,s.machine_id,s.employee_id
FROM segments s JOIN todos t ON t.id=s.todo_id WHERE t.deleted_at IS NULL ORDER BY s.todo_id, s.segment_index`)
	if err != nil {
		return nil, err
	}
	segs, err := collectSegments(rows)
	if err != nil {
		return nil, err
	}
	res := make(map[int64][]domain.Segment)
	for _, s := range segs {
		res[s.TodoID] = append(res[s.TodoID], s)
	}
	return res, nil
}

func collectSegments(rows *sql.Rows) ([]domain.Segment, error) {
	defer rows.Close()
	var res []domain.Segment
	for rows.Next() {
		var (
			s                 domain.Segment
			start, end        string
			machine, employee sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.TodoID, &s.SegmentIndex, &start, &end, &machine, &employee); err != nil {
			return nil, err
		}
		var err error
		if s.StartTime, err = parseTime(start); err != nil {
			return nil, err
		}
		if s.EndTime, err = parseTime(end); err != nil {
			return nil, err
		}
		s.MachineID = stringPtr(machine)
		s.EmployeeID = stringPtr(employee)
		res = append(res, s)
	}
	return res, rows.Err()
}

// ReplaceSegments drops every segment of todoID and inserts segs in order.
func (r Repo) ReplaceSegments(ctx context.Context, todoID int64, segs []domain.Segment) error {
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM segments WHERE todo_id=?`, todoID); err != nil {
		return fmt.Errorf("clear segments of %d: %w", todoID, err)
	}
	for _, s := range segs {
		if _, err := r.DB.ExecContext(ctx, `INSERT INTO segments(todo_id,segment_index,start_time,end_time,machine_id,employee_id) VALUES (?,?,?,?,?,?)`,
			todoID, s.SegmentIndex, formatTime(s.StartTime), formatTime(s.EndTime), nullableStringPtr(s.MachineID), nullableStringPtr(s.EmployeeID)); err != nil {
			return fmt.Errorf("insert segment %d of %d: %w", s.SegmentIndex, todoID, err)
		}
	}
	return nil
}
