package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"ppscore/internal/calendar"
	"ppscore/internal/domain"
	"ppscore/internal/events"
	"ppscore/internal/repo"
)

func (e Engine) UpsertResource(ctx context.Context, res domain.Resource, actorID string) (domain.Resource, error) {
	res.ID = strings.TrimSpace(res.ID)
	if !res.Kind.Valid() {
		return res, domain.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown resource kind %q", res.Kind)}
	}
	if res.ID == "" {
		return res, domain.ValidationError{Field: "id", Reason: "is required"}
	}
	if res.Name == "" {
		res.Name = res.ID
	}
	if res.Capacity < 0 {
		return res, domain.ValidationError{Field: "capacity", Reason: "must be >= 0"}
	}
	if res.Capacity == 0 {
		res.Capacity = 1
	}
	defer e.lock()()
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		if res.CalendarID != nil && *res.CalendarID != "" {
			if _, err := r.GetCalendar(ctx, *res.CalendarID); err != nil {
				return notFound(err, "calendar", *res.CalendarID)
			}
		}
		if res.DepartmentID != nil && *res.DepartmentID != "" && res.Kind != domain.ResourceDepartment {
			if _, err := r.GetResource(ctx, domain.ResourceRef{Kind: domain.ResourceDepartment, ID: *res.DepartmentID}); err != nil {
				return notFound(err, "department", *res.DepartmentID)
			}
		}
		if err := r.UpsertResource(ctx, res); err != nil {
			return err
		}
		return e.events().Append(ctx, r.DB, events.ResourceUpserted, "resource", res.Ref().String(), actorID, events.EventPayload{
			"name": res.Name, "capacity": res.Capacity, "calendar_id": res.CalendarID,
		})
	})
	return res, err
}

func (e Engine) ListResources(ctx context.Context, kind domain.ResourceKind) ([]domain.Resource, error) {
	if kind != "" && !kind.Valid() {
		return nil, domain.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown resource kind %q", kind)}
	}
	return e.Repo.ListResources(ctx, kind)
}

// UpsertCalendar replaces a calendar after checking it compiles.
func (e Engine) UpsertCalendar(ctx context.Context, cal domain.WorkCalendar, actorID string) (domain.WorkCalendar, error) {
	if strings.TrimSpace(cal.ID) == "" {
		return cal, domain.ValidationError{Field: "id", Reason: "is required"}
	}
	if cal.Timezone == "" {
		cal.Timezone = "UTC"
		if e.Config != nil && e.Config.Planning.Timezone != "" {
			cal.Timezone = e.Config.Planning.Timezone
		}
	}
	if cal.Name == "" {
		cal.Name = cal.ID
	}
	if _, err := calendar.Compile(cal); err != nil {
		return cal, domain.ValidationError{Field: "calendar", Reason: err.Error()}
	}
	defer e.lock()()
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		if err := r.UpsertCalendar(ctx, cal); err != nil {
			return err
		}
		return e.events().Append(ctx, r.DB, events.CalendarUpserted, "calendar", cal.ID, actorID, events.EventPayload{
			"timezone": cal.Timezone, "windows": len(cal.Windows), "exceptions": len(cal.Exceptions),
		})
	})
	if err != nil {
		return cal, err
	}
	return e.Repo.GetCalendar(ctx, cal.ID)
}

func (e Engine) GetCalendar(ctx context.Context, id string) (domain.WorkCalendar, error) {
	cal, err := e.Repo.GetCalendar(ctx, id)
	return cal, notFound(err, "calendar", id)
}

func (e Engine) UpsertCategory(ctx context.Context, c domain.WorkCategory, actorID string) (domain.WorkCategory, error) {
	c.Code = strings.TrimSpace(c.Code)
	if c.Code == "" {
		return c, domain.ValidationError{Field: "code", Reason: "is required"}
	}
	if c.MinLevel < 0 {
		return c, domain.ValidationError{Field: "min_level", Reason: "must be >= 0"}
	}
	if c.Name == "" {
		c.Name = c.Code
	}
	defer e.lock()()
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		if err := r.UpsertCategory(ctx, c); err != nil {
			return err
		}
		return e.events().Append(ctx, r.DB, events.CategoryUpserted, "category", c.Code, actorID, events.EventPayload{"min_level": c.MinLevel})
	})
	return c, err
}

func (e Engine) ListCategories(ctx context.Context) ([]domain.WorkCategory, error) {
	cats, err := e.Repo.Categories(ctx)
	if err != nil {
		return nil, err
	}
	res := make([]domain.WorkCategory, 0, len(cats))
	for _, c := range cats {
		res = append(res, c)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Code < res[j].Code })
	return res, nil
}

// SetQualifications replaces the qualification levels of one resource.
func (e Engine) SetQualifications(ctx context.Context, ref domain.ResourceRef, quals []domain.Qualification, actorID string) ([]domain.Qualification, error) {
	defer e.lock()()
	var out []domain.Qualification
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		if _, err := r.GetResource(ctx, ref); err != nil {
			return notFound(err, string(ref.Kind), ref.ID)
		}
		seen := map[string]bool{}
		for _, q := range quals {
			if q.Level < 0 {
				return domain.ValidationError{Field: "level", Reason: fmt.Sprintf("%s level must be >= 0", q.Category)}
			}
			if seen[q.Category] {
				return domain.ValidationError{Field: "category", Reason: fmt.Sprintf("duplicate category %s", q.Category)}
			}
			seen[q.Category] = true
			if _, err := r.GetCategory(ctx, q.Category); err != nil {
				return notFound(err, "category", q.Category)
			}
		}
		if err := r.SetQualifications(ctx, ref, quals); err != nil {
			return err
		}
		if err := e.events().Append(ctx, r.DB, events.ResourceUpserted, "resource", ref.String(), actorID, events.EventPayload{
			"qualifications": quals,
		}); err != nil {
			return err
		}
		var err error
		out, err = r.ListQualifications(ctx, ref)
		return err
	})
	if out == nil && err == nil {
		out = []domain.Qualification{}
	}
	return out, err
}

func (e Engine) ListQualifications(ctx context.Context, ref domain.ResourceRef) ([]domain.Qualification, error) {
	return e.Repo.ListQualifications(ctx, ref)
}
