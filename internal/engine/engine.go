package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ppscore/internal/config"
	"ppscore/internal/domain"
	"ppscore/internal/events"
	"ppscore/internal/repo"
)

// Engine owns every write to the planning store. Copies share one mutex so
// graph mutations, todo writes and conflict detection never interleave.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Logger *slog.Logger
	Now    func() time.Time

	mu *sync.Mutex
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Config: cfg,
		Logger: slog.Default(),
		Now:    time.Now,
		mu:     &sync.Mutex{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) stamp() string {
	return e.now().Format(time.RFC3339)
}

// events returns the writer stamped with the engine clock.
func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) lock() func() {
	if e.mu == nil {
		return func() {}
	}
	e.mu.Lock()
	return e.mu.Unlock
}

// inTx runs fn inside one transaction and commits when it returns nil.
func (e Engine) inTx(ctx context.Context, fn func(r repo.Repo, tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(e.Repo.WithTx(tx), tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) defaultPriority() int {
	if e.Config != nil && e.Config.Planning.DefaultPriority > 0 {
		return e.Config.Planning.DefaultPriority
	}
	return 100
}

// notFound converts repo.ErrNotFound into a typed NotFoundError.
func notFound(err error, kind string, id any) error {
	if errors.Is(err, repo.ErrNotFound) {
		return domain.NotFoundError{Kind: kind, ID: fmt.Sprint(id)}
	}
	return err
}

// liveTodo loads a todo and treats soft-deleted rows as missing.
func liveTodo(ctx context.Context, r repo.Repo, id int64) (domain.Todo, error) {
	t, err := r.GetTodo(ctx, id)
	if err != nil {
		return t, notFound(err, "todo", id)
	}
	if t.DeletedAt != nil {
		return t, domain.TodoNotFound(id)
	}
	return t, nil
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	res := make([]int64, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		res = append(res, id)
	}
	return res
}
