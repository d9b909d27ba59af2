// Package postgres provides a PostgreSQL-backed execution store for
// deployments that need execution history to survive restarts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/areahq/area-pipeline/internal/domain/execution"
	"github.com/areahq/area-pipeline/internal/infra/storage"
)

// NewPool creates a pgx connection pool with OpenTelemetry query tracing.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return pool, nil
}

var _ execution.Store = (*executionStore)(nil)

type executionStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewStore creates a PostgreSQL-backed execution store with tracing.
func NewStore(pool *pgxpool.Pool, tracer trace.Tracer) *executionStore {
	return &executionStore{db: pool, tracer: tracer}
}

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

type executionRow struct {
	id               string
	areaID           string
	actionInstanceID string
	status           string
	queuedAt         time.Time
	startedAt        *time.Time
	finishedAt       *time.Time
	cancelReason     *string
}

func toRow(exec *execution.Execution) executionRow {
	row := executionRow{
		id:               exec.ID().String(),
		areaID:           exec.AreaID().String(),
		actionInstanceID: exec.ActionInstanceID().String(),
		status:           exec.Status().String(),
		queuedAt:         exec.QueuedAt(),
	}
	if !exec.StartedAt().IsZero() {
		t := exec.StartedAt()
		row.startedAt = &t
	}
	if !exec.FinishedAt().IsZero() {
		t := exec.FinishedAt()
		row.finishedAt = &t
	}
	if exec.CancelReason() != "" {
		r := exec.CancelReason()
		row.cancelReason = &r
	}
	return row
}

func fromRow(row executionRow) (*execution.Execution, error) {
	id, err := uuid.Parse(row.id)
	if err != nil {
		return nil, fmt.Errorf("parsing execution id: %w", err)
	}
	areaID, err := uuid.Parse(row.areaID)
	if err != nil {
		return nil, fmt.Errorf("parsing area id: %w", err)
	}
	actionInstanceID, err := uuid.Parse(row.actionInstanceID)
	if err != nil {
		return nil, fmt.Errorf("parsing action instance id: %w", err)
	}
	status, err := execution.ParseStatus(row.status)
	if err != nil {
		return nil, fmt.Errorf("parsing execution status: %w", err)
	}

	var startedAt, finishedAt time.Time
	if row.startedAt != nil {
		startedAt = *row.startedAt
	}
	if row.finishedAt != nil {
		finishedAt = *row.finishedAt
	}
	var cancelReason string
	if row.cancelReason != nil {
		cancelReason = *row.cancelReason
	}

	return execution.Reconstruct(id, areaID, actionInstanceID, status, row.queuedAt, startedAt, finishedAt, cancelReason), nil
}

// Create persists a new execution.
func (r *executionStore) Create(ctx context.Context, exec *execution.Execution) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("execution_id", exec.ID().String()),
		attribute.String("status", exec.Status().String()),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.create_execution", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		row := toRow(exec)
		_, err := r.db.Exec(ctx, `
			INSERT INTO executions (id, area_id, action_instance_id, status, queued_at, started_at, finished_at, cancel_reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			row.id, row.areaID, row.actionInstanceID, row.status,
			row.queuedAt, row.startedAt, row.finishedAt, row.cancelReason,
		)
		if err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}
		return nil
	})
}

// Get loads an execution by id, returning execution.ErrNotFound when absent.
func (r *executionStore) Get(ctx context.Context, id uuid.UUID) (*execution.Execution, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("execution_id", id.String()))

	var exec *execution.Execution
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_execution", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		var row executionRow
		err := r.db.QueryRow(ctx, `
			SELECT id, area_id, action_instance_id, status, queued_at, started_at, finished_at, cancel_reason
			FROM executions WHERE id = $1`, id.String(),
		).Scan(&row.id, &row.areaID, &row.actionInstanceID, &row.status,
			&row.queuedAt, &row.startedAt, &row.finishedAt, &row.cancelReason)
		if errors.Is(err, pgx.ErrNoRows) {
			return execution.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select execution: %w", err)
		}

		exec, err = fromRow(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// Update overwrites the stored execution state.
func (r *executionStore) Update(ctx context.Context, exec *execution.Execution) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("execution_id", exec.ID().String()),
		attribute.String("status", exec.Status().String()),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.update_execution", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		row := toRow(exec)
		tag, err := r.db.Exec(ctx, `
			UPDATE executions
			SET status = $2, started_at = $3, finished_at = $4, cancel_reason = $5
			WHERE id = $1`,
			row.id, row.status, row.startedAt, row.finishedAt, row.cancelReason,
		)
		if err != nil {
			return fmt.Errorf("update execution: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return execution.ErrNotFound
		}
		return nil
	})
}

// UpdateIf overwrites the stored execution only while its status still
// equals expected. The status predicate rides in the WHERE clause so the
// check and the write are one statement.
func (r *executionStore) UpdateIf(ctx context.Context, exec *execution.Execution, expected execution.Status) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("execution_id", exec.ID().String()),
		attribute.String("status", exec.Status().String()),
		attribute.String("expected_status", expected.String()),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.update_execution_if", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		row := toRow(exec)
		tag, err := r.db.Exec(ctx, `
			UPDATE executions
			SET status = $2, started_at = $3, finished_at = $4, cancel_reason = $5
			WHERE id = $1 AND status = $6`,
			row.id, row.status, row.startedAt, row.finishedAt, row.cancelReason,
			expected.String(),
		)
		if err != nil {
			return fmt.Errorf("conditional update execution: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return execution.ErrStatusConflict
		}
		return nil
	})
}

// CountByStatus tallies executions per status.
func (r *executionStore) CountByStatus(ctx context.Context) (map[execution.Status]int64, error) {
	counts := make(map[execution.Status]int64)
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.count_executions", defaultDBAttributes, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM executions GROUP BY status`)
		if err != nil {
			return fmt.Errorf("count executions: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var status string
			var n int64
			if err := rows.Scan(&status, &n); err != nil {
				return fmt.Errorf("scan status count: %w", err)
			}
			parsed, err := execution.ParseStatus(status)
			if err != nil {
				return err
			}
			counts[parsed] = n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// ListRunningBefore returns RUNNING executions started before the cutoff.
func (r *executionStore) ListRunningBefore(ctx context.Context, cutoff time.Time) ([]*execution.Execution, error) {
	var stale []*execution.Execution
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_stale_executions", defaultDBAttributes, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		rows, err := r.db.Query(ctx, `
			SELECT id, area_id, action_instance_id, status, queued_at, started_at, finished_at, cancel_reason
			FROM executions
			WHERE status = $1 AND started_at < $2`,
			execution.StatusRunning.String(), cutoff,
		)
		if err != nil {
			return fmt.Errorf("list stale executions: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var row executionRow
			if err := rows.Scan(&row.id, &row.areaID, &row.actionInstanceID, &row.status,
				&row.queuedAt, &row.startedAt, &row.finishedAt, &row.cancelReason); err != nil {
				return fmt.Errorf("scan execution: %w", err)
			}
			exec, err := fromRow(row)
			if err != nil {
				return err
			}
			stale = append(stale, exec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return stale, nil
}
