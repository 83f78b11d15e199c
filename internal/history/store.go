// internal/history/store.go
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Step is the stored outcome of one sequencer step.
type Step struct {
	Name       string `json:"name"`
	Action     string `json:"action"`
	Status     string `json:"status"`
	Strategy   string `json:"strategy,omitempty"`
	Attempts   int    `json:"attempts"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Artifact is a stored reference to a file written during a run.
type Artifact struct {
	Kind string
	Path string
	Step string
}

// Run is one pipeline execution.
type Run struct {
	ID        uuid.UUID
	Task      string
	Target    string
	AuthState string
	Started   time.Time
	Finished  time.Time
	Succeeded bool
	Cause     string
	Steps     []Step
	Artifacts []Artifact
}

// Recorder stores finished runs.
type Recorder interface {
	Record(ctx context.Context, run Run) error
	Close()
}

// Nop discards every run. It is used when no database is configured.
type Nop struct{}

func (Nop) Record(context.Context, Run) error { return nil }
func (Nop) Close()                            {}

// DBPool abstracts pgxpool.Pool so the store can be tested with pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
    id          UUID PRIMARY KEY,
    task        TEXT NOT NULL,
    target      TEXT NOT NULL,
    auth_state  TEXT NOT NULL,
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL,
    succeeded   BOOLEAN NOT NULL,
    cause       TEXT NOT NULL DEFAULT '',
    steps       JSONB NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS pipeline_artifacts (
    run_id UUID NOT NULL REFERENCES pipeline_runs (id) ON DELETE CASCADE,
    kind   TEXT NOT NULL,
    path   TEXT NOT NULL,
    step   TEXT NOT NULL
);`

const insertRunSQL = `
INSERT INTO pipeline_runs (id, task, target, auth_state, started_at, finished_at, succeeded, cause, steps)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);`

var artifactColumns = []string{"run_id", "kind", "path", "step"}

// Store is the PostgreSQL Recorder.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store over pool and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, log: logger.Named("history")}, nil
}

// Open connects to url and prepares the schema. An empty url yields Nop.
func Open(ctx context.Context, url string, logger *zap.Logger) (Recorder, error) {
	if url == "" {
		return Nop{}, nil
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	store, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// EnsureSchema creates the history tables when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create history schema: %w", err)
	}
	return nil
}

// Record stores run and its artifact references in one transaction.
func (s *Store) Record(ctx context.Context, run Run) error {
	if run.ID == uuid.Nil {
		return errors.New("run has no id")
	}
	steps := run.Steps
	if steps == nil {
		steps = []Step{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("failed to encode steps: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rbErr))
		}
	}()

	if _, err := tx.Exec(ctx, insertRunSQL,
		run.ID, run.Task, run.Target, run.AuthState,
		run.Started.UTC(), run.Finished.UTC(),
		run.Succeeded, run.Cause, stepsJSON,
	); err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	if len(run.Artifacts) > 0 {
		rows := make([][]interface{}, len(run.Artifacts))
		for i, a := range run.Artifacts {
			rows[i] = []interface{}{run.ID, a.Kind, a.Path, a.Step}
		}
		n, err := tx.CopyFrom(ctx, pgx.Identifier{"pipeline_artifacts"}, artifactColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("failed to copy artifacts: %w", err)
		}
		if int(n) != len(rows) {
			return fmt.Errorf("mismatch in copied artifacts count: expected %d, got %d", len(rows), n)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	s.log.Debug("Run recorded.", zap.String("run_id", run.ID.String()), zap.Int("steps", len(run.Steps)))
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}
