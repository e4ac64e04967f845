package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"ppscore/internal/domain"
)

const dependencyColumns = `id,predecessor_id,successor_id,dependency_type,lag_minutes,is_active,origin,created_at,deactivated_at`

type DependencyFilter struct {
	TodoID          *int64
	IDs             []int64
	IncludeInactive bool
}

func scanDependency(s scanner) (domain.Dependency, error) {
	var (
		d          domain.Dependency
		depType    string
		active     int
		createdAt  string
		deactiveAt sql.NullString
	)
	err := s.Scan(&d.ID, &d.PredecessorID, &d.SuccessorID, &depType, &d.LagMinutes, &active, &d.Origin, &createdAt, &deactiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Type = domain.DependencyType(depType)
	d.IsActive = active != 0
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return d, err
	}
	if d.DeactivatedAt, err = parseNullTime(deactiveAt); err != nil {
		return d, err
	}
	return d, nil
}

func collectDependencies(rows *sql.Rows) ([]domain.Dependency, error) {
	defer rows.Close()
	var res []domain.Dependency
	for rows.Next() {
		d, err := scanDependency(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) InsertDependency(ctx context.Context, d domain.Dependency) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO dependencies(predecessor_id,successor_id,dependency_type,lag_minutes,is_active,origin,created_at) VALUES (?,?,?,?,1,?,?)`,
		d.PredecessorID, d.SuccessorID, string(d.Type), d.LagMinutes, d.Origin, formatTime(d.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert dependency %d->%d: %w", d.PredecessorID, d.SuccessorID, err)
	}
	return res.LastInsertId()
}

func (r Repo) GetDependency(ctx context.Context, id int64) (domain.Dependency, error) {
	return scanDependency(r.DB.QueryRowContext(ctx, `SELECT `+dependencyColumns+` FROM dependencies WHERE id=?`, id))
}

func (r Repo) ListDependencies(ctx context.Context, f DependencyFilter) ([]domain.Dependency, error) {
	var (
		clauses []string
		args    []any
	)
	if !f.IncludeInactive {
		clauses = append(clauses, "is_active=1")
	}
	if f.TodoID != nil {
		clauses = append(clauses, "(predecessor_id=? OR successor_id=?)")
		args = append(args, *f.TodoID, *f.TodoID)
	}
	if f.IDs != nil {
		if len(f.IDs) == 0 {
			return nil, nil
		}
		clauses = append(clauses, "id IN ("+idSetSQL+")")
		args = append(args, idSet(f.IDs))
	}
	query := `SELECT ` + dependencyColumns + ` FROM dependencies`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectDependencies(rows)
}

// ActiveEdges returns the whole active subgraph.
func (r Repo) ActiveEdges(ctx context.Context) ([]domain.Dependency, error) {
	return r.ListDependencies(ctx, DependencyFilter{})
}

// EdgesForSelection returns active edges with both endpoints inside ids.
func (r Repo) EdgesForSelection(ctx context.Context, ids []int64) ([]domain.Dependency, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	set := idSet(ids)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+dependencyColumns+` FROM dependencies
WHERE is_active=1 AND predecessor_id IN (`+idSetSQL+`) AND successor_id IN (`+idSetSQL+`) ORDER BY id`, set, set)
	if err != nil {
		return nil, err
	}
	return collectDependencies(rows)
}

// EdgesTouching returns active edges with at least one endpoint inside ids.
func (r Repo) EdgesTouching(ctx context.Context, ids []int64) ([]domain.Dependency, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	set := idSet(ids)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+dependencyColumns+` FROM dependencies
WHERE is_active=1 AND (predecessor_id IN (`+idSetSQL+`) OR successor_id IN (`+idSetSQL+`)) ORDER BY id`, set, set)
	if err != nil {
		return nil, err
	}
	return collectDependencies(rows)
}

// DeactivateDependency reports whether the edge was active before the call.
func (r Repo) DeactivateDependency(ctx context.Context, id int64, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE dependencies SET is_active=0, deactivated_at=? WHERE id=? AND is_active=1`, now, id)
	if err != nil {
		return false, fmt.Errorf("deactivate dependency %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateDependency changes type and lag of an active edge in place.
func (r Repo) UpdateDependency(ctx context.Context, id int64, depType domain.DependencyType, lag int) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE dependencies SET dependency_type=?, lag_minutes=? WHERE id=? AND is_active=1`, string(depType), lag, id)
	if err != nil {
		return fmt.Errorf("update dependency %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
