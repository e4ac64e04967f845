package ppssdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskInput is one created or updated task. ID is a negative temp id on create.
type TaskInput struct {
	ID           int64      `json:"id"`
	Version      int        `json:"version,omitempty"`
	Text         *string    `json:"text,omitempty"`
	StartDate    *time.Time `json:"start_date,omitempty"`
	EndDate      *time.Time `json:"end_date,omitempty"`
	Duration     *int       `json:"duration,omitempty"`
	Progress     *float64   `json:"progress,omitempty"`
	Parent       *int64     `json:"parent,omitempty"`
	Priority     *int       `json:"priority,omitempty"`
	Status       *string    `json:"status,omitempty"`
	TodoType     *string    `json:"todo_type,omitempty"`
	MachineID    *string    `json:"machine_id,omitempty"`
	EmployeeID   *string    `json:"employee_id,omitempty"`
	DepartmentID *string    `json:"department_id,omitempty"`
	Reopen       bool       `json:"reopen,omitempty"`
}

// LinkInput is one created or updated link; Source and Target may be temp ids.
type LinkInput struct {
	ID     int64  `json:"id"`
	Source int64  `json:"source"`
	Target int64  `json:"target"`
	Type   string `json:"type,omitempty"`
	Lag    int    `json:"lag,omitempty"`
}

type SyncRequest struct {
	BatchID        string      `json:"batch_id,omitempty"`
	CreatedTasks   []TaskInput `json:"created_tasks,omitempty"`
	UpdatedTasks   []TaskInput `json:"updated_tasks,omitempty"`
	DeletedTaskIDs []int64     `json:"deleted_task_ids,omitempty"`
	CreatedLinks   []LinkInput `json:"created_links,omitempty"`
	UpdatedLinks   []LinkInput `json:"updated_links,omitempty"`
	DeletedLinkIDs []int64     `json:"deleted_link_ids,omitempty"`
}

func (r SyncRequest) empty() bool {
	return len(r.CreatedTasks)+len(r.UpdatedTasks)+len(r.DeletedTaskIDs)+
		len(r.CreatedLinks)+len(r.UpdatedLinks)+len(r.DeletedLinkIDs) == 0
}

type ItemError struct {
	Entity  string `json:"entity"`
	Op      string `json:"op"`
	ID      int64  `json:"id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type SyncResponse struct {
	BatchID          string           `json:"batch_id"`
	CreatedTaskIDs   map[string]int64 `json:"created_task_ids"`
	CreatedLinkIDs   map[string]int64 `json:"created_link_ids"`
	ReplacedLinkIDs  map[string]int64 `json:"replaced_link_ids"`
	UpdatedCount     int              `json:"updated_count"`
	DeletedCount     int              `json:"deleted_count"`
	CreatedLinkCount int              `json:"created_link_count"`
	UpdatedLinkCount int              `json:"updated_link_count"`
	DeletedLinkCount int              `json:"deleted_link_count"`
	Errors           []ItemError      `json:"errors"`
	Conflicts        []Conflict       `json:"conflicts"`
}

// CodeVersionConflict marks an update sent with a stale version. Resending
// it unchanged cannot succeed, so Retry leaves it out.
const CodeVersionConflict = "version_conflict"

var (
	// ErrInFlight is returned when a diff touches an item whose previous sync has not returned.
	ErrInFlight = errors.New("item is still in flight")
	// ErrNothingToRetry is returned by Retry when the last batch fully succeeded.
	ErrNothingToRetry = errors.New("no failed items to retry")
)

// SyncSession serializes chart syncs from one editor. Items in a submitted
// diff stay locked until the response arrives; failed items are kept so
// Retry can resend exactly them under the original batch id, which lets the
// server resolve temp ids already created by that batch.
type SyncSession struct {
	client *Client

	mu       sync.Mutex
	inFlight map[itemKey]struct{}
	failed   *SyncRequest
	stale    []ItemError
}

type itemKey struct {
	entity string
	id     int64
}

func (c *Client) NewSyncSession() *SyncSession {
	return &SyncSession{client: c, inFlight: make(map[itemKey]struct{})}
}

// Submit sends req under a fresh batch id unless one is set.
func (s *SyncSession) Submit(ctx context.Context, req SyncRequest) (SyncResponse, error) {
	if req.BatchID == "" {
		req.BatchID = uuid.NewString()
	}
	return s.send(ctx, req)
}

// Retry resends only the items that failed in the last batch. A batch that
// failed at the transport level is resent whole.
func (s *SyncSession) Retry(ctx context.Context) (SyncResponse, error) {
	s.mu.Lock()
	failed := s.failed
	s.mu.Unlock()
	if failed == nil {
		return SyncResponse{}, ErrNothingToRetry
	}
	return s.send(ctx, *failed)
}

// Stale lists the version conflicts of the last batch. The caller must
// reload those todos and submit a fresh diff.
func (s *SyncSession) Stale() []ItemError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ItemError(nil), s.stale...)
}

// Pending reports the diff Retry would send, if any.
func (s *SyncSession) Pending() (SyncRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed == nil {
		return SyncRequest{}, false
	}
	return *s.failed, true
}

func (s *SyncSession) send(ctx context.Context, req SyncRequest) (SyncResponse, error) {
	keys := touchedItems(req)
	if err := s.acquire(keys); err != nil {
		return SyncResponse{}, err
	}
	defer s.release(keys)

	resp, err := s.client.SyncGantt(ctx, req)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stale = nil
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode != http.StatusServiceUnavailable {
			// rejected as a whole; resending it unchanged would fail the same way
			s.failed = nil
			return resp, err
		}
		kept := req
		s.failed = &kept
		return resp, err
	}
	for _, ie := range resp.Errors {
		if ie.Code == CodeVersionConflict {
			s.stale = append(s.stale, ie)
		}
	}
	retry := failedSubset(req, resp.Errors)
	if retry.empty() {
		s.failed = nil
	} else {
		s.failed = &retry
	}
	return resp, nil
}

func (s *SyncSession) acquire(keys []itemKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if _, busy := s.inFlight[k]; busy {
			return fmt.Errorf("%s %d: %w", k.entity, k.id, ErrInFlight)
		}
	}
	for _, k := range keys {
		s.inFlight[k] = struct{}{}
	}
	return nil
}

func (s *SyncSession) release(keys []itemKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.inFlight, k)
	}
}

func touchedItems(req SyncRequest) []itemKey {
	var keys []itemKey
	seen := make(map[itemKey]bool)
	add := func(entity string, id int64) {
		k := itemKey{entity: entity, id: id}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, t := range req.CreatedTasks {
		add("task", t.ID)
	}
	for _, t := range req.UpdatedTasks {
		add("task", t.ID)
	}
	for _, id := range req.DeletedTaskIDs {
		add("task", id)
	}
	for _, l := range req.CreatedLinks {
		add("link", l.ID)
	}
	for _, l := range req.UpdatedLinks {
		add("link", l.ID)
	}
	for _, id := range req.DeletedLinkIDs {
		add("link", id)
	}
	return keys
}

// failedSubset keeps the items of req named by retryable item errors, in
// their original order.
func failedSubset(req SyncRequest, errs []ItemError) SyncRequest {
	type opKey struct {
		entity, op string
		id         int64
	}
	bad := make(map[opKey]bool, len(errs))
	for _, ie := range errs {
		if ie.Code != CodeVersionConflict {
			bad[opKey{ie.Entity, ie.Op, ie.ID}] = true
		}
	}
	out := SyncRequest{BatchID: req.BatchID}
	for _, t := range req.CreatedTasks {
		if bad[opKey{"task", "create", t.ID}] {
			out.CreatedTasks = append(out.CreatedTasks, t)
		}
	}
	for _, t := range req.UpdatedTasks {
		if bad[opKey{"task", "update", t.ID}] {
			out.UpdatedTasks = append(out.UpdatedTasks, t)
		}
	}
	for _, id := range req.DeletedTaskIDs {
		if bad[opKey{"task", "delete", id}] {
			out.DeletedTaskIDs = append(out.DeletedTaskIDs, id)
		}
	}
	for _, l := range req.CreatedLinks {
		if bad[opKey{"link", "create", l.ID}] {
			out.CreatedLinks = append(out.CreatedLinks, l)
		}
	}
	for _, l := range req.UpdatedLinks {
		if bad[opKey{"link", "update", l.ID}] {
			out.UpdatedLinks = append(out.UpdatedLinks, l)
		}
	}
	for _, id := range req.DeletedLinkIDs {
		if bad[opKey{"link", "delete", id}] {
			out.DeletedLinkIDs = append(out.DeletedLinkIDs, id)
		}
	}
	return out
}
