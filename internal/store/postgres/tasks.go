package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/nimbusgpu/orchestrator/internal/store"
	"github.com/nimbusgpu/orchestrator/internal/telemetry"
	"github.com/nimbusgpu/orchestrator/model"
)

// withRetry wraps transient-pg-error operations with the adapter's capped
// backoff policy: 3 attempts, 100ms -> 1s.
func withRetry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 1 * time.Second
	boff := backoff.WithContext(backoff.WithMaxRetries(b, 2), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, boff)
}

func isTransient(err error) bool {
	var pgErr interface{ SQLState() string }
	if e, ok := asPgError(err); ok {
		pgErr = e
		state := pgErr.SQLState()
		// class 08 = connection exception, 57P03 = cannot connect now
		return len(state) >= 2 && (state[:2] == "08" || state == "57P03")
	}
	return err == context.DeadlineExceeded
}

func asPgError(err error) (interface{ SQLState() string }, bool) {
	type sqlStater interface{ SQLState() string }
	for err != nil {
		if s, ok := err.(sqlStater); ok {
			return s, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return nil, false
}

// CountAvailableTasks honours the tenancy-column filter documented in
// spec.md §9's Open Question: rows missing user_id are excluded and a
// WARNING is logged with the excluded count whenever it is non-zero, so
// the historical over-count defect is visible if it recurs.
func (s *Store) CountAvailableTasks(ctx context.Context, includeActiveClaims bool) (store.TaskCounts, error) {
	tracer := telemetry.Tracer()
	ctx, span := tracer.Start(ctx, "Postgres/CountAvailableTasks")
	defer span.End()

	var counts store.TaskCounts
	var excluded int

	err := withRetry(ctx, func() error {
		row := s.db.Pool.QueryRow(ctx, `
			SELECT
				COUNT(*) FILTER (WHERE status = 'Queued' AND user_id IS NOT NULL) AS queued_only,
				COUNT(*) FILTER (WHERE status = 'In Progress' AND user_id IS NOT NULL) AS active_only,
				COUNT(*) FILTER (WHERE status IN ('Queued', 'In Progress') AND user_id IS NOT NULL) AS total,
				COUNT(*) FILTER (WHERE user_id IS NULL AND status IN ('Queued', 'In Progress')) AS excluded
			FROM tasks
			WHERE task_type !~* 'orchestrator'
		`)
		return row.Scan(&counts.QueuedOnly, &counts.ActiveOnly, &counts.Total, &excluded)
	})
	if err != nil {
		telemetry.RecordSpanError(span, err)
		return store.TaskCounts{}, err
	}

	if excluded > 0 {
		telemetry.Log.Warn().
			Int("excluded_missing_tenancy", excluded).
			Msg("count_available_tasks excluded rows missing user_id")
	}
	if !includeActiveClaims {
		counts.Total = counts.QueuedOnly
	}
	return counts, nil
}

// ClaimTask atomically assigns one queued task to workerID, refusing to
// assign when the worker is terminating, matching the teacher's outbox
// skip-locked claim query shape.
func (s *Store) ClaimTask(ctx context.Context, workerID string) (*model.Task, error) {
	tracer := telemetry.Tracer()
	ctx, span := tracer.Start(ctx, "Postgres/ClaimTask")
	defer span.End()

	var task model.Task
	err := withRetry(ctx, func() error {
		row := s.db.Pool.QueryRow(ctx, `
			UPDATE tasks
			SET status = 'In Progress', worker_id = $1, generation_started_at = now(), updated_at = now()
			WHERE id = (
				SELECT t.id FROM tasks t
				JOIN workers w ON w.id = $1
				WHERE t.status = 'Queued' AND w.status <> 'terminating'
				ORDER BY t.created_at
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			RETURNING id, status, attempts, worker_id, generation_started_at, task_type, created_at, updated_at
		`, workerID)
		return row.Scan(&task.ID, &task.Status, &task.Attempts, &task.WorkerID,
			&task.GenerationStartedAt, &task.TaskType, &task.CreatedAt, &task.UpdatedAt)
	})
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		telemetry.RecordSpanError(span, err)
		return nil, err
	}
	return &task, nil
}

func (s *Store) MarkTaskComplete(ctx context.Context, taskID string, result map[string]any) error {
	ctx, span := telemetry.Tracer().Start(ctx, "Postgres/MarkTaskComplete")
	defer span.End()

	return withRetry(ctx, func() error {
		_, err := s.db.Pool.Exec(ctx, `
			UPDATE tasks
			SET status = 'Complete', result_data = $2, updated_at = now()
			WHERE id = $1
		`, taskID, result)
		if err != nil {
			telemetry.RecordSpanError(span, err)
		}
		return err
	})
}

// MarkTaskFailed increments attempts and returns the task to the queue
// until attempts reach 3, after which it is moved to Failed.
func (s *Store) MarkTaskFailed(ctx context.Context, taskID string, errMsg string) error {
	ctx, span := telemetry.Tracer().Start(ctx, "Postgres/MarkTaskFailed")
	defer span.End()

	return withRetry(ctx, func() error {
		_, err := s.db.Pool.Exec(ctx, `
			UPDATE tasks
			SET
				attempts = attempts + 1,
				error_message = $2,
				worker_id = NULL,
				status = CASE WHEN attempts + 1 >= 3 THEN 'Failed' ELSE 'Queued' END,
				updated_at = now()
			WHERE id = $1
		`, taskID, errMsg)
		if err != nil {
			telemetry.RecordSpanError(span, err)
		}
		return err
	})
}

// ResetOrphanedTasks flips In Progress tasks assigned to the given workers
// back to Queued, excluding parent (orchestrator-typed) tasks and tasks
// that have already exhausted their attempt budget.
func (s *Store) ResetOrphanedTasks(ctx context.Context, workerIDs []string) (int, error) {
	if len(workerIDs) == 0 {
		return 0, nil
	}
	ctx, span := telemetry.Tracer().Start(ctx, "Postgres/ResetOrphanedTasks")
	defer span.End()

	var count int
	err := withRetry(ctx, func() error {
		tag, err := s.db.Pool.Exec(ctx, `
			UPDATE tasks
			SET status = 'Queued', worker_id = NULL, generation_started_at = NULL, updated_at = now()
			WHERE worker_id = ANY($1)
				AND status = 'In Progress'
				AND attempts < 3
				AND task_type !~* 'orchestrator'
		`, workerIDs)
		if err != nil {
			return err
		}
		count = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		telemetry.RecordSpanError(span, err)
		return 0, err
	}
	return count, nil
}

// InProgressTasksByWorker loads every In Progress task currently assigned
// to one of workerIDs, grouped by worker, matching the original's
// get_running_tasks_for_worker query fanned out across a worker batch in
// one round trip instead of one query per worker.
func (s *Store) InProgressTasksByWorker(ctx context.Context, workerIDs []string) (map[string][]model.Task, error) {
	out := map[string][]model.Task{}
	if len(workerIDs) == 0 {
		return out, nil
	}
	ctx, span := telemetry.Tracer().Start(ctx, "Postgres/InProgressTasksByWorker")
	defer span.End()

	err := withRetry(ctx, func() error {
		rows, err := s.db.Pool.Query(ctx, `
			SELECT id, status, attempts, worker_id, generation_started_at, task_type, created_at, updated_at
			FROM tasks
			WHERE worker_id = ANY($1) AND status = 'In Progress'
		`, workerIDs)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var t model.Task
			if err := rows.Scan(&t.ID, &t.Status, &t.Attempts, &t.WorkerID,
				&t.GenerationStartedAt, &t.TaskType, &t.CreatedAt, &t.UpdatedAt); err != nil {
				return err
			}
			if t.WorkerID != nil {
				out[*t.WorkerID] = append(out[*t.WorkerID], t)
			}
		}
		return rows.Err()
	})
	if err != nil {
		telemetry.RecordSpanError(span, err)
		return nil, err
	}
	return out, nil
}

func (s *Store) CleanupOldLogs(ctx context.Context, retention time.Duration) (int, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "Postgres/CleanupOldLogs")
	defer span.End()

	var count int
	err := withRetry(ctx, func() error {
		tag, err := s.db.Pool.Exec(ctx, `
			DELETE FROM system_logs WHERE timestamp < now() - $1::interval
		`, fmt.Sprintf("%d seconds", int(retention.Seconds())))
		if err != nil {
			return err
		}
		count = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		telemetry.RecordSpanError(span, err)
		return 0, err
	}
	return count, nil
}
