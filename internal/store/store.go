// Package store abstracts the task/worker persistence boundary (C2): the
// store is the single source of truth the control loop reads and mutates
// through, never caching worker or task lists across cycles.
package store

import (
	"context"
	"time"

	"github.com/nimbusgpu/orchestrator/model"
)

// TaskCounts is the pre-filtered counter result consumed by the planner.
type TaskCounts struct {
	QueuedOnly int
	ActiveOnly int
	Total      int
}

// WorkerPatch is a partial update applied to a worker row.
type WorkerPatch struct {
	Status   *model.WorkerStatus
	Metadata *model.WorkerMetadata
}

// Store is the interface the rest of the orchestrator depends on; the
// concrete implementation lives in internal/store/postgres.
type Store interface {
	CountAvailableTasks(ctx context.Context, includeActiveClaims bool) (TaskCounts, error)
	ClaimTask(ctx context.Context, workerID string) (*model.Task, error)
	MarkTaskComplete(ctx context.Context, taskID string, result map[string]any) error
	MarkTaskFailed(ctx context.Context, taskID string, errMsg string) error
	ResetOrphanedTasks(ctx context.Context, workerIDs []string) (int, error)
	InProgressTasksByWorker(ctx context.Context, workerIDs []string) (map[string][]model.Task, error)

	RegisterWorker(ctx context.Context, id string, initial model.WorkerMetadata) error
	UpdateWorker(ctx context.Context, id string, patch WorkerPatch) error
	ListWorkers(ctx context.Context, statuses []model.WorkerStatus) ([]model.Worker, error)
	GetWorker(ctx context.Context, id string) (*model.Worker, error)
	UpdateWorkerHeartbeat(ctx context.Context, id string, vramTotalMB, vramUsedMB *int) error

	InsertLogsBatch(ctx context.Context, records []model.LogRecord) error
	CleanupOldLogs(ctx context.Context, retention time.Duration) (int, error)
	ListOrphanPods(ctx context.Context, cloudIDs []string) ([]model.OrphanPod, error)
}
