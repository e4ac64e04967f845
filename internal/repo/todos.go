package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"ppscore/internal/domain"
)

const todoColumns = `id,name,todo_type,parent_todo_id,order_id,order_name,order_article_id,bom_item_id,workplan_detail_id,
planned_start,planned_end,actual_start,actual_end,setup_time_minutes,run_time_minutes,total_duration_minutes,is_duration_manual,
assigned_department_id,assigned_machine_id,assigned_employee_id,work_category,status,block_reason,priority,delivery_date,
progress,quantity,version,created_at,updated_at,deleted_at`

type TodoFilter struct {
	IDs            []int64
	Status         string
	Type           string
	ParentID       *int64
	MachineID      string
	EmployeeID     string
	DepartmentID   string
	OrderID        string
	IncludeDeleted bool
	Limit          int
}

func scanTodo(s scanner) (domain.Todo, error) {
	var t domain.Todo
	var (
		parent                                        sql.NullInt64
		orderID, orderName, articleID, bomID, wpID    sql.NullString
		plannedStart, plannedEnd, actualStart, actEnd sql.NullString
		dept, machine, employee, category, reason     sql.NullString
		delivery, deleted                             sql.NullString
		manual                                        int
		status, todoType, createdAt, updatedAt        string
	)
	err := s.Scan(&t.ID, &t.Name, &todoType, &parent, &orderID, &orderName, &articleID, &bomID, &wpID,
		&plannedStart, &plannedEnd, &actualStart, &actEnd, &t.SetupTimeMinutes, &t.RunTimeMinutes, &t.TotalDurationMinutes, &manual,
		&dept, &machine, &employee, &category, &status, &reason, &t.Priority, &delivery,
		&t.Progress, &t.Quantity, &t.Version, &createdAt, &updatedAt, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Type = domain.TodoType(todoType)
	t.Status = domain.TodoStatus(status)
	t.IsDurationManual = manual != 0
	t.ParentID = int64Ptr(parent)
	t.OrderID = stringPtr(orderID)
	t.OrderName = stringPtr(orderName)
	t.OrderArticleID = stringPtr(articleID)
	t.BOMItemID = stringPtr(bomID)
	t.WorkplanDetailID = stringPtr(wpID)
	t.DepartmentID = stringPtr(dept)
	t.MachineID = stringPtr(machine)
	t.EmployeeID = stringPtr(employee)
	t.WorkCategory = stringPtr(category)
	t.BlockReason = stringPtr(reason)
	if t.PlannedStart, err = parseNullTime(plannedStart); err != nil {
		return t, err
	}
	if t.PlannedEnd, err = parseNullTime(plannedEnd); err != nil {
		return t, err
	}
	if t.ActualStart, err = parseNullTime(actualStart); err != nil {
		return t, err
	}
	if t.ActualEnd, err = parseNullTime(actEnd); err != nil {
		return t, err
	}
	if t.DeliveryDate, err = parseNullTime(delivery); err != nil {
		return t, err
	}
	if t.DeletedAt, err = parseNullTime(deleted); err != nil {
		return t, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return t, err
	}
	return t, nil
}

func todoArgs(t domain.Todo) []any {
	return []any{
		t.Name, string(t.Type), nullableInt64Ptr(t.ParentID), nullableStringPtr(t.OrderID), nullableStringPtr(t.OrderName),
		nullableStringPtr(t.OrderArticleID), nullableStringPtr(t.BOMItemID), nullableStringPtr(t.WorkplanDetailID),
		nullableTime(t.PlannedStart), nullableTime(t.PlannedEnd), nullableTime(t.ActualStart), nullableTime(t.ActualEnd),
		t.SetupTimeMinutes, t.RunTimeMinutes, t.TotalDurationMinutes, boolInt(t.IsDurationManual),
		nullableStringPtr(t.DepartmentID), nullableStringPtr(t.MachineID), nullableStringPtr(t.EmployeeID), nullableStringPtr(t.WorkCategory),
		string(t.Status), nullableStringPtr(t.BlockReason), t.Priority, nullableTime(t.DeliveryDate),
		t.Progress, t.Quantity,
	}
}

// InsertTodo stores t with version 1 and returns the new id.
func (r Repo) InsertTodo(ctx context.Context, t domain.Todo) (int64, error) {
	args := todoArgs(t)
	args = append(args, formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	res, err := r.DB.ExecContext(ctx, `INSERT INTO todos(name,todo_type,parent_todo_id,order_id,order_name,order_article_id,bom_item_id,workplan_detail_id,
planned_start,planned_end,actual_start,actual_end,setup_time_minutes,run_time_minutes,total_duration_minutes,is_duration_manual,
assigned_department_id,assigned_machine_id,assigned_employee_id,work_category,status,block_reason,priority,delivery_date,
progress,quantity,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,1,?,?)`, args...)
	if err != nil {
		return 0, fmt.Errorf("insert todo: %w", err)
	}
	return res.LastInsertId()
}

// GetTodo returns the row even when soft deleted.
func (r Repo) GetTodo(ctx context.Context, id int64) (domain.Todo, error) {
	return scanTodo(r.DB.QueryRowContext(ctx, `SELECT `+todoColumns+` FROM todos WHERE id=?`, id))
}

// UpdateTodo writes every mutable column of t if the stored version still equals expected.
func (r Repo) UpdateTodo(ctx context.Context, t domain.Todo, expected int) error {
	args := todoArgs(t)
	args = append(args, formatTime(t.UpdatedAt), t.ID, expected)
	res, err := r.DB.ExecContext(ctx, `UPDATE todos SET name=?,todo_type=?,parent_todo_id=?,order_id=?,order_name=?,order_article_id=?,bom_item_id=?,workplan_detail_id=?,
planned_start=?,planned_end=?,actual_start=?,actual_end=?,setup_time_minutes=?,run_time_minutes=?,total_duration_minutes=?,is_duration_manual=?,
assigned_department_id=?,assigned_machine_id=?,assigned_employee_id=?,work_category=?,status=?,block_reason=?,priority=?,delivery_date=?,
progress=?,quantity=?,version=version+1,updated_at=? WHERE id=? AND version=? AND deleted_at IS NULL`, args...)
	if err != nil {
		return fmt.Errorf("update todo %d: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleVersion
	}
	return nil
}

// SoftDeleteTodo marks a live todo deleted if the stored version equals expected.
func (r Repo) SoftDeleteTodo(ctx context.Context, id int64, expected int, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE todos SET deleted_at=?,updated_at=?,version=version+1 WHERE id=? AND version=? AND deleted_at IS NULL`, now, now, id, expected)
	if err != nil {
		return fmt.Errorf("delete todo %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleVersion
	}
	return nil
}

func (r Repo) ListTodos(ctx context.Context, f TodoFilter) ([]domain.Todo, error) {
	var (
		clauses []string
		args    []any
	)
	if !f.IncludeDeleted {
		clauses = append(clauses, "deleted_at IS NULL")
	}
	if f.IDs != nil {
		if len(f.IDs) == 0 {
			return nil, nil
		}
		clauses = append(clauses, "id IN ("+idSetSQL+")")
		args = append(args, idSet(f.IDs))
	}
	add := func(col, v string) {
		if v != "" {
			clauses = append(clauses, col+"=?")
			args = append(args, v)
		}
	}
	add("status", f.Status)
	add("todo_type", f.Type)
	add("assigned_machine_id", f.MachineID)
	add("assigned_employee_id", f.EmployeeID)
	add("assigned_department_id", f.DepartmentID)
	add("order_id", f.OrderID)
	if f.ParentID != nil {
		clauses = append(clauses, "parent_todo_id=?")
		args = append(args, *f.ParentID)
	}
	query := `SELECT ` + todoColumns + ` FROM todos`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY priority ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Todo
	for rows.Next() {
		t, err := scanTodo(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListChildren returns ids of live direct children.
func (r Repo) ListChildren(ctx context.Context, parentID int64) ([]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM todos WHERE parent_todo_id=? AND deleted_at IS NULL ORDER BY id`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}
