package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ppscore/internal/domain"
)

func (r Repo) UpsertResource(ctx context.Context, res domain.Resource) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO resources(kind,id,name,department_id,capacity,calendar_id) VALUES (?,?,?,?,?,?)
ON CONFLICT(kind,id) DO UPDATE SET name=excluded.name, department_id=excluded.department_id, capacity=excluded.capacity, calendar_id=excluded.calendar_id`,
		string(res.Kind), res.ID, res.Name, nullableStringPtr(res.DepartmentID), res.Capacity, nullableStringPtr(res.CalendarID))
	if err != nil {
		return fmt.Errorf("upsert resource %s: %w", res.Ref(), err)
	}
	return nil
}

func scanResource(s scanner) (domain.Resource, error) {
	var (
		res       domain.Resource
		kind      string
		dept, cal sql.NullString
	)
	err := s.Scan(&kind, &res.ID, &res.Name, &dept, &res.Capacity, &cal)
	if errors.Is(err, sql.ErrNoRows) {
		return res, ErrNotFound
	}
	if err != nil {
		return res, err
	}
	res.Kind = domain.ResourceKind(kind)
	res.DepartmentID = stringPtr(dept)
	res.CalendarID = stringPtr(cal)
	return res, nil
}

func (r Repo) GetResource(ctx context.Context, ref domain.ResourceRef) (domain.Resource, error) {
	return scanResource(r.DB.QueryRowContext(ctx, `SELECT kind,id,name,department_id,capacity,calendar_id FROM resources WHERE kind=? AND id=?`, string(ref.Kind), ref.ID))
}

// ListResources returns every resource, or only those of kind when set.
func (r Repo) ListResources(ctx context.Context, kind domain.ResourceKind) ([]domain.Resource, error) {
	query := `SELECT kind,id,name,department_id,capacity,calendar_id FROM resources`
	var args []any
	if kind != "" {
		query += ` WHERE kind=?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY kind, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Resource
	for rows.Next() {
		item, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

// UpsertCalendar replaces the calendar header, windows and exceptions.
func (r Repo) UpsertCalendar(ctx context.Context, cal domain.WorkCalendar) error {
	if _, err := r.DB.ExecContext(ctx, `INSERT INTO work_calendars(id,name,timezone) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, timezone=excluded.timezone`, cal.ID, cal.Name, cal.Timezone); err != nil {
		return fmt.Errorf("upsert calendar %s: %w", cal.ID, err)
	}
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM calendar_windows WHERE calendar_id=?`, cal.ID); err != nil {
		return err
	}
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM calendar_exceptions WHERE calendar_id=?`, cal.ID); err != nil {
		return err
	}
	for _, w := range cal.Windows {
		if _, err := r.DB.ExecContext(ctx, `INSERT INTO calendar_windows(calendar_id,weekday,start_minute,end_minute) VALUES (?,?,?,?)`,
			cal.ID, int(w.Weekday), w.StartMinute, w.EndMinute); err != nil {
			return fmt.Errorf("insert window for %s: %w", cal.ID, err)
		}
	}
	for _, ex := range cal.Exceptions {
		if _, err := r.DB.ExecContext(ctx, `INSERT INTO calendar_exceptions(calendar_id,day,reason) VALUES (?,?,?)`,
			cal.ID, ex.Day, nullable(ex.Reason)); err != nil {
			return fmt.Errorf("insert exception for %s: %w", cal.ID, err)
		}
	}
	return nil
}

func (r Repo) GetCalendar(ctx context.Context, id string) (domain.WorkCalendar, error) {
	cals, err := r.loadCalendars(ctx, id)
	if err != nil {
		return domain.WorkCalendar{}, err
	}
	cal, ok := cals[id]
	if !ok {
		return domain.WorkCalendar{}, ErrNotFound
	}
	return cal, nil
}

// Calendars returns every calendar keyed by id.
func (r Repo) Calendars(ctx context.Context) (map[string]domain.WorkCalendar, error) {
	return r.loadCalendars(ctx, "")
}

func (r Repo) loadCalendars(ctx context.Context, only string) (map[string]domain.WorkCalendar, error) {
	where, args := "", []any{}
	if only != "" {
		where, args = " WHERE id=?", []any{only}
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,timezone FROM work_calendars`+where, args...)
	if err != nil {
		return nil, err
	}
	res := make(map[string]domain.WorkCalendar)
	for rows.Next() {
		var c domain.WorkCalendar
		if err := rows.Scan(&c.ID, &c.Name, &c.Timezone); err != nil {
			rows.Close()
			return nil, err
		}
		res[c.ID] = c
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	where = ""
	if only != "" {
		where = " WHERE calendar_id=?"
	}
	wrows, err := r.DB.QueryContext(ctx, `SELECT calendar_id,weekday,start_minute,end_minute FROM calendar_windows`+where+` ORDER BY calendar_id, weekday, start_minute`, args...)
	if err != nil {
		return nil, err
	}
	for wrows.Next() {
		var (
			id      string
			weekday int
			w       domain.CalendarWindow
		)
		if err := wrows.Scan(&id, &weekday, &w.StartMinute, &w.EndMinute); err != nil {
			wrows.Close()
			return nil, err
		}
		w.Weekday = time.Weekday(weekday)
		c := res[id]
		c.Windows = append(c.Windows, w)
		res[id] = c
	}
	wrows.Close()
	if err := wrows.Err(); err != nil {
		return nil, err
	}

	erows, err := r.DB.QueryContext(ctx, `SELECT calendar_id,day,COALESCE(reason,'') FROM calendar_exceptions`+where+` ORDER BY calendar_id, day`, args...)
	if err != nil {
		return nil, err
	}
	defer erows.Close()
	for erows.Next() {
		var (
			id string
			ex domain.CalendarException
		)
		if err := erows.Scan(&id, &ex.Day, &ex.Reason); err != nil {
			return nil, err
		}
		c := res[id]
		c.Exceptions = append(c.Exceptions, ex)
		res[id] = c
	}
	return res, erows.Err()
}

func (r Repo) UpsertCategory(ctx context.Context, c domain.WorkCategory) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO work_categories(code,name,min_level) VALUES (?,?,?)
ON CONFLICT(code) DO UPDATE SET name=excluded.name, min_level=excluded.min_level`, c.Code, c.Name, c.MinLevel)
	if err != nil {
		return fmt.Errorf("upsert category %s: %w", c.Code, err)
	}
	return nil
}

func (r Repo) GetCategory(ctx context.Context, code string) (domain.WorkCategory, error) {
	var c domain.WorkCategory
	err := r.DB.QueryRowContext(ctx, `SELECT code,name,min_level FROM work_categories WHERE code=?`, code).Scan(&c.Code, &c.Name, &c.MinLevel)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) Categories(ctx context.Context) (map[string]domain.WorkCategory, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT code,name,min_level FROM work_categories ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make(map[string]domain.WorkCategory)
	for rows.Next() {
		var c domain.WorkCategory
		if err := rows.Scan(&c.Code, &c.Name, &c.MinLevel); err != nil {
			return nil, err
		}
		res[c.Code] = c
	}
	return res, rows.Err()
}

// SetQualifications replaces the qualification set of one resource.
func (r Repo) SetQualifications(ctx context.Context, ref domain.ResourceRef, quals []domain.Qualification) error {
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM resource_qualifications WHERE kind=? AND resource_id=?`, string(ref.Kind), ref.ID); err != nil {
		return err
	}
	for _, q := range quals {
		if _, err := r.DB.ExecContext(ctx, `INSERT INTO resource_qualifications(kind,resource_id,category,level) VALUES (?,?,?,?)`,
			string(ref.Kind), ref.ID, q.Category, q.Level); err != nil {
			return fmt.Errorf("insert qualification %s for %s: %w", q.Category, ref, err)
		}
	}
	return nil
}

func (r Repo) ListQualifications(ctx context.Context, ref domain.ResourceRef) ([]domain.Qualification, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT category, level FROM resource_qualifications WHERE kind=? AND resource_id=? ORDER BY category`, string(ref.Kind), ref.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Qualification
	for rows.Next() {
		var q domain.Qualification
		if err := rows.Scan(&q.Category, &q.Level); err != nil {
			return nil, err
		}
		res = append(res, q)
	}
	return res, rows.Err()
}

// Qualifications returns every level keyed by resource and category.
func (r Repo) Qualifications(ctx context.Context) (map[domain.ResourceRef]map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT kind, resource_id, category, level FROM resource_qualifications`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make(map[domain.ResourceRef]map[string]int)
	for rows.Next() {
		var (
			kind, id, category string
			level              int
		)
		if err := rows.Scan(&kind, &id, &category, &level); err != nil {
			return nil, err
		}
		ref := domain.ResourceRef{Kind: domain.ResourceKind(kind), ID: id}
		if res[ref] == nil {
			res[ref] = make(map[string]int)
		}
		res[ref][category] = level
	}
	return res, rows.Err()
}
