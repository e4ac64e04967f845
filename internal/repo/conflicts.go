package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"ppscore/internal/domain"
)

const conflictColumns = `id,conflict_type,severity,todo_id,related_todo_id,message,resolved,resolved_at,detected_at`

type ConflictFilter struct {
	TodoID   *int64
	Type     string
	Resolved *bool
	Limit    int
}

func scanConflict(s scanner) (domain.Conflict, error) {
	var (
		c               domain.Conflict
		ctype, severity string
		related         sql.NullInt64
		resolved        int
		resolvedAt      sql.NullString
		detectedAt      string
	)
	err := s.Scan(&c.ID, &ctype, &severity, &c.TodoID, &related, &c.Message, &resolved, &resolvedAt, &detectedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Type = domain.ConflictType(ctype)
	c.Severity = domain.Severity(severity)
	c.RelatedTodoID = int64Ptr(related)
	c.Resolved = resolved != 0
	if c.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return c, err
	}
	if c.DetectedAt, err = parseTime(detectedAt); err != nil {
		return c, err
	}
	return c, nil
}

func collectConflicts(rows *sql.Rows) ([]domain.Conflict, error) {
	defer rows.Close()
	var res []domain.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) GetConflict(ctx context.Context, id int64) (domain.Conflict, error) {
	return scanConflict(r.DB.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id=?`, id))
}

func (r Repo) ListConflicts(ctx context.Context, f ConflictFilter) ([]domain.Conflict, error) {
	var (
		clauses []string
		args    []any
	)
	if f.TodoID != nil {
		clauses = append(clauses, "(todo_id=? OR related_todo_id=?)")
		args = append(args, *f.TodoID, *f.TodoID)
	}
	if f.Type != "" {
		clauses = append(clauses, "conflict_type=?")
		args = append(args, f.Type)
	}
	if f.Resolved != nil {
		clauses = append(clauses, "resolved=?")
		args = append(args, boolInt(*f.Resolved))
	}
	query := `SELECT ` + conflictColumns + ` FROM conflicts`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectConflicts(rows)
}

// ConflictsTouching returns rows whose todo or related todo is inside ids.
func (r Repo) ConflictsTouching(ctx context.Context, ids []int64) ([]domain.Conflict, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	set := idSet(ids)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE todo_id IN (`+idSetSQL+`) OR related_todo_id IN (`+idSetSQL+`) ORDER BY id`, set, set)
	if err != nil {
		return nil, err
	}
	return collectConflicts(rows)
}

func (r Repo) DeleteConflictsTouching(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	set := idSet(ids)
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM conflicts WHERE todo_id IN (`+idSetSQL+`) OR related_todo_id IN (`+idSetSQL+`)`, set, set); err != nil {
		return fmt.Errorf("delete conflicts: %w", err)
	}
	return nil
}

func (r Repo) InsertConflict(ctx context.Context, c domain.Conflict) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO conflicts(conflict_type,severity,todo_id,related_todo_id,message,resolved,resolved_at,detected_at) VALUES (?,?,?,?,?,?,?,?)`,
		string(c.Type), string(c.Severity), c.TodoID, nullableInt64Ptr(c.RelatedTodoID), c.Message, boolInt(c.Resolved), nullableTime(c.ResolvedAt), formatTime(c.DetectedAt))
	if err != nil {
		return 0, fmt.Errorf("insert conflict: %w", err)
	}
	return res.LastInsertId()
}

func (r Repo) ResolveConflict(ctx context.Context, id int64, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE conflicts SET resolved=1, resolved_at=COALESCE(resolved_at, ?) WHERE id=?`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
