package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nimbusgpu/orchestrator/internal/clock"
	"github.com/nimbusgpu/orchestrator/internal/cloud"
	"github.com/nimbusgpu/orchestrator/internal/lifecycle"
	"github.com/nimbusgpu/orchestrator/internal/planner"
	"github.com/nimbusgpu/orchestrator/internal/safetyvalve"
	"github.com/nimbusgpu/orchestrator/internal/store"
	"github.com/nimbusgpu/orchestrator/model"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct{}

func (fakeProvider) CreatePod(ctx context.Context, workerID string, spec cloud.Spec) (cloud.CreateResult, error) {
	return cloud.CreateResult{CloudID: "cloud-" + workerID}, nil
}
func (fakeProvider) TerminatePod(ctx context.Context, cloudID string) error { return nil }
func (fakeProvider) GetPodState(ctx context.Context, cloudID string) (cloud.PodState, error) {
	return cloud.PodState{DesiredStatus: cloud.StatusRunning, IP: "1.1.1.1"}, nil
}
func (fakeProvider) ListPods(ctx context.Context) ([]cloud.PodSummary, error) { return nil, nil }
func (fakeProvider) InitializePod(ctx context.Context, cloudID string) (cloud.InitResult, string, error) {
	return cloud.InitReady, "", nil
}

type fakeStore struct {
	mu            sync.Mutex
	counts        store.TaskCounts
	workers       map[string]model.Worker
	resetIDs      []string
	tasksByWorker map[string][]model.Task
}

func newFakeStore() *fakeStore { return &fakeStore{workers: map[string]model.Worker{}} }

func (f *fakeStore) CountAvailableTasks(ctx context.Context, includeActiveClaims bool) (store.TaskCounts, error) {
	return f.counts, nil
}
func (f *fakeStore) ClaimTask(ctx context.Context, workerID string) (*model.Task, error) { return nil, nil }
func (f *fakeStore) MarkTaskComplete(ctx context.Context, taskID string, result map[string]any) error {
	return nil
}
func (f *fakeStore) MarkTaskFailed(ctx context.Context, taskID string, errMsg string) error { return nil }
func (f *fakeStore) ResetOrphanedTasks(ctx context.Context, workerIDs []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetIDs = append(f.resetIDs, workerIDs...)
	return len(workerIDs), nil
}

func (f *fakeStore) RegisterWorker(ctx context.Context, id string, initial model.WorkerMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workers[id] = model.Worker{ID: id, Status: model.WorkerSpawning, Metadata: initial}
	return nil
}

func (f *fakeStore) UpdateWorker(ctx context.Context, id string, patch store.WorkerPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := f.workers[id]
	if patch.Status != nil {
		w.Status = *patch.Status
	}
	if patch.Metadata != nil {
		w.Metadata = *patch.Metadata
	}
	f.workers[id] = w
	return nil
}

func (f *fakeStore) ListWorkers(ctx context.Context, statuses []model.WorkerStatus) ([]model.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Worker
	for _, w := range f.workers {
		out = append(out, w)
	}
	return out, nil
}

func (f *fakeStore) GetWorker(ctx context.Context, id string) (*model.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[id]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (f *fakeStore) UpdateWorkerHeartbeat(ctx context.Context, id string, vramTotalMB, vramUsedMB *int) error {
	return nil
}
func (f *fakeStore) InsertLogsBatch(ctx context.Context, records []model.LogRecord) error { return nil }
func (f *fakeStore) CleanupOldLogs(ctx context.Context, retention time.Duration) (int, error) {
	return 0, nil
}
func (f *fakeStore) ListOrphanPods(ctx context.Context, cloudIDs []string) ([]model.OrphanPod, error) {
	return nil, nil
}

func (f *fakeStore) InProgressTasksByWorker(ctx context.Context, workerIDs []string) (map[string][]model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string][]model.Task{}
	for _, id := range workerIDs {
		if tasks, ok := f.tasksByWorker[id]; ok {
			out[id] = tasks
		}
	}
	return out, nil
}

func newTestLoop(st *fakeStore, fc clock.Clock) *Loop {
	lm := lifecycle.NewManager(lifecycle.Config{
		SpawningTimeout:         10 * time.Minute,
		WorkerGracePeriod:       2 * time.Minute,
		GPUIdleTimeout:          5 * time.Minute,
		TaskStuckTimeout:        30 * time.Minute,
		FailsafeStaleThreshold:  time.Hour,
		GracefulShutdownTimeout: 5 * time.Minute,
	}, fakeProvider{}, st, fc)
	valve := safetyvalve.NewGate(safetyvalve.Config{Window: 30 * time.Minute, MinSample: 5, FailureRateThresh: 0.8})
	cfg := Config{
		PollInterval:      time.Second,
		HealthProbeEveryN: 10,
		WorkerGracePeriod: 2 * time.Minute,
		PlannerConfig:     planner.Config{MinFleet: 0, MaxFleet: 5, TasksPerWorker: 2, MachinesToKeepIdle: 0},
		SpawnSpecFactory:  func() lifecycle.SpawnSpec { return lifecycle.SpawnSpec{} },
	}
	return NewLoop(cfg, st, lm, valve, nil, fc)
}

func TestRunOnce_ScalesUpWhenQueueExceedsCapacity(t *testing.T) {
	st := newFakeStore()
	st.counts = store.TaskCounts{QueuedOnly: 6}
	fc := clock.NewFake(time.Now())
	l := newTestLoop(st, fc)

	summary := l.RunOnce(context.Background())

	require.NoError(t, summary.Err)
	require.Equal(t, model.DecisionScaleUp, summary.Decision)
	require.Equal(t, 3, summary.Actions.WorkersSpawned)
	require.Len(t, st.workers, 3)
}

func TestRunOnce_IncrementsCycleNumberAcrossRuns(t *testing.T) {
	st := newFakeStore()
	fc := clock.NewFake(time.Now())
	l := newTestLoop(st, fc)

	first := l.RunOnce(context.Background())
	second := l.RunOnce(context.Background())

	require.Equal(t, int64(1), first.CycleNumber)
	require.Equal(t, int64(2), second.CycleNumber)
}

func TestRunOnce_OrphanRecoveryRunsForTerminalWorkers(t *testing.T) {
	st := newFakeStore()
	errStatus := model.WorkerError
	st.workers["w1"] = model.Worker{ID: "w1", Status: errStatus}
	fc := clock.NewFake(time.Now())
	l := newTestLoop(st, fc)

	l.RunOnce(context.Background())

	require.Contains(t, st.resetIDs, "w1")
}

func TestRunOnce_DoesNotDrainWorkerStillWithinGracePeriod(t *testing.T) {
	st := newFakeStore()
	now := time.Now()
	promotedAt := now // just promoted, well inside the 2-minute grace period
	st.workers["w1"] = model.Worker{
		ID:        "w1",
		Status:    model.WorkerActive,
		CreatedAt: now,
		Metadata:  model.WorkerMetadata{PromotedToActiveAt: &promotedAt},
	}
	fc := clock.NewFake(now)
	l := newTestLoop(st, fc)

	summary := l.RunOnce(context.Background())

	require.NoError(t, summary.Err)
	require.Equal(t, model.WorkerActive, st.workers["w1"].Status)
}

func TestRunOnce_DrainsIdleWorkerPastGracePeriod(t *testing.T) {
	st := newFakeStore()
	now := time.Now()
	promotedAt := now.Add(-10 * time.Minute) // well past the 2-minute grace period
	st.workers["w1"] = model.Worker{
		ID:        "w1",
		Status:    model.WorkerActive,
		CreatedAt: now.Add(-15 * time.Minute),
		Metadata:  model.WorkerMetadata{PromotedToActiveAt: &promotedAt},
	}
	fc := clock.NewFake(now)
	l := newTestLoop(st, fc)

	summary := l.RunOnce(context.Background())

	require.NoError(t, summary.Err)
	require.Equal(t, model.WorkerTerminating, st.workers["w1"].Status)
}

func TestRunOnce_RecoversOrphansForWorkersThatTurnErrorThisCycle(t *testing.T) {
	st := newFakeStore()
	now := time.Now()
	promotedAt := now.Add(-10 * time.Minute)
	staleHeartbeat := now.Add(-10 * time.Minute)
	st.workers["w1"] = model.Worker{
		ID:            "w1",
		Status:        model.WorkerActive,
		CreatedAt:     now.Add(-20 * time.Minute),
		LastHeartbeat: &staleHeartbeat,
		Metadata:      model.WorkerMetadata{PromotedToActiveAt: &promotedAt},
	}
	st.counts = store.TaskCounts{QueuedOnly: 1}
	fc := clock.NewFake(now)
	l := newTestLoop(st, fc)

	summary := l.RunOnce(context.Background())

	require.NoError(t, summary.Err)
	require.Equal(t, model.WorkerTerminated, st.workers["w1"].Status)
	require.Contains(t, st.resetIDs, "w1")
}

func TestRunOnce_SafetyValveBlocksSpawnsUnderHighFailureRate(t *testing.T) {
	st := newFakeStore()
	st.counts = store.TaskCounts{QueuedOnly: 6}
	now := time.Now()
	for i := 0; i < 5; i++ {
		st.workers[string(rune('a'+i))] = model.Worker{
			ID: string(rune('a' + i)), Status: model.WorkerError, CreatedAt: now,
			Metadata: model.WorkerMetadata{ErrorReason: "boom"},
		}
	}
	fc := clock.NewFake(now)
	l := newTestLoop(st, fc)

	summary := l.RunOnce(context.Background())

	require.Equal(t, model.DecisionValveClosed, summary.Decision)
	require.Equal(t, 0, summary.Actions.WorkersSpawned)
}
