package postgres

import (
	"encoding/json"

	"context"

	"github.com/nimbusgpu/orchestrator/internal/store"
	"github.com/nimbusgpu/orchestrator/internal/telemetry"
	"github.com/nimbusgpu/orchestrator/model"
)

func (s *Store) RegisterWorker(ctx context.Context, id string, initial model.WorkerMetadata) error {
	ctx, span := telemetry.Tracer().Start(ctx, "Postgres/RegisterWorker")
	defer span.End()

	metaJSON, err := json.Marshal(initial)
	if err != nil {
		telemetry.RecordSpanError(span, err)
		return err
	}

	return withRetry(ctx, func() error {
		_, err := s.db.Pool.Exec(ctx, `
			INSERT INTO workers (id, status, metadata, created_at)
			VALUES ($1, $2, $3, now())
		`, id, model.WorkerSpawning, metaJSON)
		if err != nil {
			telemetry.RecordSpanError(span, err)
		}
		return err
	})
}

func (s *Store) UpdateWorker(ctx context.Context, id string, patch store.WorkerPatch) error {
	ctx, span := telemetry.Tracer().Start(ctx, "Postgres/UpdateWorker")
	defer span.End()

	if patch.Status == nil && patch.Metadata == nil {
		return nil
	}

	return withRetry(ctx, func() error {
		if patch.Status != nil && patch.Metadata != nil {
			metaJSON, err := json.Marshal(*patch.Metadata)
			if err != nil {
				return err
			}
			_, err = s.db.Pool.Exec(ctx, `
				UPDATE workers SET status = $2, metadata = $3 WHERE id = $1
			`, id, *patch.Status, metaJSON)
			return err
		}
		if patch.Status != nil {
			_, err := s.db.Pool.Exec(ctx, `UPDATE workers SET status = $2 WHERE id = $1`, id, *patch.Status)
			return err
		}
		metaJSON, err := json.Marshal(*patch.Metadata)
		if err != nil {
			return err
		}
		_, err = s.db.Pool.Exec(ctx, `UPDATE workers SET metadata = $2 WHERE id = $1`, id, metaJSON)
		return err
	})
}

func (s *Store) ListWorkers(ctx context.Context, statuses []model.WorkerStatus) ([]model.Worker, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "Postgres/ListWorkers")
	defer span.End()

	var workers []model.Worker
	err := withRetry(ctx, func() error {
		workers = nil

		query := `SELECT id, status, created_at, last_heartbeat, metadata FROM workers`
		args := []any{}
		if len(statuses) > 0 {
			query += ` WHERE status = ANY($1)`
			args = append(args, statuses)
		}

		rows, err := s.db.Pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var w model.Worker
			var metaJSON []byte
			if err := rows.Scan(&w.ID, &w.Status, &w.CreatedAt, &w.LastHeartbeat, &metaJSON); err != nil {
				return err
			}
			if len(metaJSON) > 0 {
				if err := json.Unmarshal(metaJSON, &w.Metadata); err != nil {
					return err
				}
			}
			workers = append(workers, w)
		}
		return rows.Err()
	})
	if err != nil {
		telemetry.RecordSpanError(span, err)
		return nil, err
	}
	return workers, nil
}

func (s *Store) GetWorker(ctx context.Context, id string) (*model.Worker, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "Postgres/GetWorker")
	defer span.End()

	var w model.Worker
	var metaJSON []byte
	err := withRetry(ctx, func() error {
		row := s.db.Pool.QueryRow(ctx, `SELECT id, status, created_at, last_heartbeat, metadata FROM workers WHERE id = $1`, id)
		return row.Scan(&w.ID, &w.Status, &w.CreatedAt, &w.LastHeartbeat, &metaJSON)
	})
	if err != nil {
		telemetry.RecordSpanError(span, err)
		return nil, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &w.Metadata); err != nil {
			return nil, err
		}
	}
	return &w, nil
}

func (s *Store) UpdateWorkerHeartbeat(ctx context.Context, id string, vramTotalMB, vramUsedMB *int) error {
	ctx, span := telemetry.Tracer().Start(ctx, "Postgres/UpdateWorkerHeartbeat")
	defer span.End()

	return withRetry(ctx, func() error {
		_, err := s.db.Pool.Exec(ctx, `
			UPDATE workers
			SET last_heartbeat = now(),
				metadata = jsonb_set(jsonb_set(metadata, '{vram_total_mb}', to_jsonb($2::int), true), '{vram_used_mb}', to_jsonb($3::int), true)
			WHERE id = $1
		`, id, vramTotalMB, vramUsedMB)
		if err != nil {
			telemetry.RecordSpanError(span, err)
		}
		return err
	})
}

func (s *Store) ListOrphanPods(ctx context.Context, cloudIDs []string) ([]model.OrphanPod, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "Postgres/ListOrphanPods")
	defer span.End()

	var orphans []model.OrphanPod
	err := withRetry(ctx, func() error {
		orphans = nil
		rows, err := s.db.Pool.Query(ctx, `
			SELECT id, metadata->>'runpod_id'
			FROM workers
			WHERE NOT (metadata->>'runpod_id' = ANY($1))
				AND status NOT IN ('terminated')
		`, cloudIDs)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var workerID, runpodID string
			if err := rows.Scan(&workerID, &runpodID); err != nil {
				return err
			}
			orphans = append(orphans, model.OrphanPod{
				CloudID:  runpodID,
				WorkerID: workerID,
				Reason:   "worker row has no matching cloud pod",
			})
		}
		return rows.Err()
	})
	if err != nil {
		telemetry.RecordSpanError(span, err)
		return nil, err
	}
	return orphans, nil
}
