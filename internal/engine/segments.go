package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"ppscore/internal/domain"
	"ppscore/internal/events"
	"ppscore/internal/repo"
)

func (e Engine) ListSegments(ctx context.Context, todoID int64) ([]domain.Segment, error) {
	if _, err := liveTodo(ctx, e.Repo, todoID); err != nil {
		return nil, err
	}
	return e.Repo.ListSegments(ctx, todoID)
}

// SetSegments replaces all segments of a todo. An empty list returns the todo to one contiguous block.
func (e Engine) SetSegments(ctx context.Context, todoID int64, segs []domain.Segment, actorID string) ([]domain.Segment, error) {
	defer e.lock()()
	var out []domain.Segment
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		if _, err := liveTodo(ctx, r, todoID); err != nil {
			return err
		}
		ordered, err := validateSegments(segs)
		if err != nil {
			return err
		}
		for _, s := range ordered {
			for _, ref := range []struct {
				kind domain.ResourceKind
				id   *string
			}{{domain.ResourceMachine, s.MachineID}, {domain.ResourceEmployee, s.EmployeeID}} {
				if ref.id == nil || *ref.id == "" {
					continue
				}
				if _, err := r.GetResource(ctx, domain.ResourceRef{Kind: ref.kind, ID: *ref.id}); err != nil {
					return notFound(err, string(ref.kind), *ref.id)
				}
			}
		}
		if err := r.ReplaceSegments(ctx, todoID, ordered); err != nil {
			return err
		}
		if err := e.events().Append(ctx, r.DB, events.SegmentsReplaced, "todo", fmt.Sprint(todoID), actorID, events.EventPayload{
			"count": len(ordered),
		}); err != nil {
			return err
		}
		out, err = r.ListSegments(ctx, todoID)
		return err
	})
	if out == nil && err == nil {
		out = []domain.Segment{}
	}
	return out, err
}

// validateSegments orders segments by index and rejects empty or overlapping slices.
func validateSegments(segs []domain.Segment) ([]domain.Segment, error) {
	ordered := append([]domain.Segment(nil), segs...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].SegmentIndex < ordered[j].SegmentIndex })
	for i, s := range ordered {
		if !s.EndTime.After(s.StartTime) {
			return nil, domain.ValidationError{Field: fmt.Sprintf("segments[%d]", s.SegmentIndex), Reason: "end_time must be after start_time"}
		}
		if i > 0 && ordered[i-1].SegmentIndex == s.SegmentIndex {
			return nil, domain.ValidationError{Field: "segment_index", Reason: fmt.Sprintf("duplicate index %d", s.SegmentIndex)}
		}
	}
	byTime := append([]domain.Segment(nil), ordered...)
	sort.SliceStable(byTime, func(i, j int) bool { return byTime[i].StartTime.Before(byTime[j].StartTime) })
	for i := 1; i < len(byTime); i++ {
		if byTime[i].StartTime.Before(byTime[i-1].EndTime) {
			return nil, domain.ValidationError{
				Field:  "segments",
				Reason: fmt.Sprintf("segment %d overlaps segment %d", byTime[i].SegmentIndex, byTime[i-1].SegmentIndex),
			}
		}
	}
	return ordered, nil
}
