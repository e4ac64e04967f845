package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ppscore/internal/db"
)

const (
	TodoCreated           = "todo.created"
	TodoUpdated           = "todo.updated"
	TodoDeleted           = "todo.deleted"
	DependencyAdded       = "dependency.added"
	DependencyUpdated     = "dependency.updated"
	DependencyDeactivated = "dependency.deactivated"
	AutoLinkApplied       = "autolink.applied"
	ConflictsDetected     = "conflicts.detected"
	ConflictResolved      = "conflict.resolved"
	GanttSynced           = "gantt.synced"
	SegmentsReplaced      = "segments.replaced"
	ResourceUpserted      = "resource.upserted"
	CalendarUpserted      = "calendar.upserted"
	CategoryUpserted      = "category.upserted"
)

// Writer appends audit events. Callers pass the transaction that carries the change.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, q db.DBTX, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = q.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
