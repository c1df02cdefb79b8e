package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/nimbusgpu/orchestrator/internal/telemetry"
	"github.com/nimbusgpu/orchestrator/model"
)

// InsertLogsBatch flushes a batch of log records via pgx.CopyFrom, the
// same batch-insert shape the teacher uses for CreateJobs.
func (s *Store) InsertLogsBatch(ctx context.Context, records []model.LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	ctx, span := telemetry.Tracer().Start(ctx, "Postgres/InsertLogsBatch")
	defer span.End()

	return withRetry(ctx, func() error {
		tx, err := s.db.Pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		rows := make([][]any, 0, len(records))
		for _, r := range records {
			metaJSON, err := json.Marshal(r.Metadata)
			if err != nil {
				return err
			}
			rows = append(rows, []any{
				r.Timestamp, r.SourceType, r.SourceID, r.Level, r.Message,
				r.TaskID, r.WorkerID, r.CycleNumber, metaJSON,
			})
		}

		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"system_logs"},
			[]string{"timestamp", "source_type", "source_id", "log_level", "message", "task_id", "worker_id", "cycle_number", "metadata"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			telemetry.RecordSpanError(span, err)
			return err
		}
		return tx.Commit(ctx)
	})
}
