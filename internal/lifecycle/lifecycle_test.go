package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nimbusgpu/orchestrator/internal/clock"
	"github.com/nimbusgpu/orchestrator/internal/cloud"
	"github.com/nimbusgpu/orchestrator/internal/store"
	"github.com/nimbusgpu/orchestrator/model"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu          sync.Mutex
	createErr   error
	podState    cloud.PodState
	initResult  cloud.InitResult
	initReason  string
	terminated  []string
	terminateErr error
}

func (f *fakeProvider) CreatePod(ctx context.Context, workerID string, spec cloud.Spec) (cloud.CreateResult, error) {
	if f.createErr != nil {
		return cloud.CreateResult{}, f.createErr
	}
	return cloud.CreateResult{CloudID: "cloud-" + workerID, InitialState: cloud.StatusProvisioning}, nil
}

func (f *fakeProvider) TerminatePod(ctx context.Context, cloudID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, cloudID)
	return f.terminateErr
}

func (f *fakeProvider) GetPodState(ctx context.Context, cloudID string) (cloud.PodState, error) {
	return f.podState, nil
}

func (f *fakeProvider) ListPods(ctx context.Context) ([]cloud.PodSummary, error) { return nil, nil }

func (f *fakeProvider) InitializePod(ctx context.Context, cloudID string) (cloud.InitResult, string, error) {
	return f.initResult, f.initReason, nil
}

type fakeStore struct {
	mu      sync.Mutex
	workers map[string]model.Worker
}

func newFakeStore() *fakeStore { return &fakeStore{workers: map[string]model.Worker{}} }

func (f *fakeStore) CountAvailableTasks(ctx context.Context, includeActiveClaims bool) (store.TaskCounts, error) {
	return store.TaskCounts{}, nil
}
func (f *fakeStore) ClaimTask(ctx context.Context, workerID string) (*model.Task, error) { return nil, nil }
func (f *fakeStore) MarkTaskComplete(ctx context.Context, taskID string, result map[string]any) error {
	return nil
}
func (f *fakeStore) MarkTaskFailed(ctx context.Context, taskID string, errMsg string) error { return nil }
func (f *fakeStore) ResetOrphanedTasks(ctx context.Context, workerIDs []string) (int, error) {
	return 0, nil
}

func (f *fakeStore) RegisterWorker(ctx context.Context, id string, initial model.WorkerMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workers[id] = model.Worker{ID: id, Status: model.WorkerSpawning, CreatedAt: time.Now(), Metadata: initial}
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
	return nil, nil
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
	return nil, nil
}

func baseManagerCfg() Config {
	return Config{
		SpawningTimeout:         10 * time.Minute,
		WorkerGracePeriod:       2 * time.Minute,
		GPUIdleTimeout:          5 * time.Minute,
		TaskStuckTimeout:        30 * time.Minute,
		FailsafeStaleThreshold:  time.Hour,
		GracefulShutdownTimeout: 5 * time.Minute,
	}
}

func TestSpawn_RegistersThenCreatesPod(t *testing.T) {
	st := newFakeStore()
	prov := &fakeProvider{}
	m := NewManager(baseManagerCfg(), prov, st, clock.NewFake(time.Now()))

	id, err := m.Spawn(context.Background(), SpawnSpec{})
	require.NoError(t, err)

	w, err := st.GetWorker(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, model.WorkerSpawning, w.Status)
	require.Equal(t, "cloud-"+id, w.Metadata.RunpodID)
}

func TestSpawn_GeneratesGPUPrefixedIDAndPersistsStorageVolume(t *testing.T) {
	st := newFakeStore()
	prov := &fakeProvider{}
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	m := NewManager(baseManagerCfg(), prov, st, clock.NewFake(now))

	id, err := m.Spawn(context.Background(), SpawnSpec{StorageVolume: "vol-1"})
	require.NoError(t, err)
	require.Equal(t, "gpu-20260806_120000-", id[:20])

	w, err := st.GetWorker(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "vol-1", w.Metadata.StorageVolume)
}

func TestPromoteSpawning_TimesOutToError(t *testing.T) {
	st := newFakeStore()
	prov := &fakeProvider{podState: cloud.PodState{DesiredStatus: cloud.StatusProvisioning}}
	fc := clock.NewFake(time.Now())
	m := NewManager(baseManagerCfg(), prov, st, fc)

	id, err := m.Spawn(context.Background(), SpawnSpec{})
	require.NoError(t, err)
	w, _ := st.GetWorker(context.Background(), id)

	fc.Advance(11 * time.Minute)
	require.NoError(t, m.PromoteSpawning(context.Background(), *w))

	w, _ = st.GetWorker(context.Background(), id)
	require.Equal(t, model.WorkerTerminated, w.Status)
	require.Contains(t, w.Metadata.ErrorReason, "Spawning timeout")
}

func TestPromoteSpawning_PromotesToActiveWhenReady(t *testing.T) {
	st := newFakeStore()
	prov := &fakeProvider{
		podState:   cloud.PodState{DesiredStatus: cloud.StatusRunning, IP: "1.2.3.4", SSHPort: 22},
		initResult: cloud.InitReady,
	}
	fc := clock.NewFake(time.Now())
	m := NewManager(baseManagerCfg(), prov, st, fc)

	id, err := m.Spawn(context.Background(), SpawnSpec{})
	require.NoError(t, err)
	w, _ := st.GetWorker(context.Background(), id)

	require.NoError(t, m.PromoteSpawning(context.Background(), *w))

	w, _ = st.GetWorker(context.Background(), id)
	require.Equal(t, model.WorkerActive, w.Status)
	require.True(t, w.Metadata.Ready)
	require.NotNil(t, w.Metadata.PromotedToActiveAt)
}

func TestPromoteSpawning_InitFailureMarksError(t *testing.T) {
	st := newFakeStore()
	prov := &fakeProvider{
		podState:   cloud.PodState{DesiredStatus: cloud.StatusRunning, IP: "1.2.3.4"},
		initResult: cloud.InitFailed,
		initReason: "nvidia-smi not found",
	}
	fc := clock.NewFake(time.Now())
	m := NewManager(baseManagerCfg(), prov, st, fc)

	id, err := m.Spawn(context.Background(), SpawnSpec{})
	require.NoError(t, err)
	w, _ := st.GetWorker(context.Background(), id)

	require.NoError(t, m.PromoteSpawning(context.Background(), *w))

	w, _ = st.GetWorker(context.Background(), id)
	require.Equal(t, model.WorkerTerminated, w.Status)
	require.Contains(t, w.Metadata.ErrorReason, "nvidia-smi not found")
}

func TestHealthCheck_StaleHeartbeatWithQueuedWorkMarksError(t *testing.T) {
	st := newFakeStore()
	prov := &fakeProvider{}
	fc := clock.NewFake(time.Now())
	m := NewManager(baseManagerCfg(), prov, st, fc)

	promotedAt := fc.Now()
	lastBeat := fc.Now()
	worker := model.Worker{
		ID:            "w1",
		Status:        model.WorkerActive,
		LastHeartbeat: &lastBeat,
		Metadata:      model.WorkerMetadata{PromotedToActiveAt: &promotedAt},
	}
	require.NoError(t, st.RegisterWorker(context.Background(), "w1", worker.Metadata))
	active := model.WorkerActive
	require.NoError(t, st.UpdateWorker(context.Background(), "w1", store.WorkerPatch{Status: &active, Metadata: &worker.Metadata}))

	fc.Advance(10 * time.Minute)
	require.NoError(t, m.HealthCheck(context.Background(), worker, true, nil))

	w, _ := st.GetWorker(context.Background(), "w1")
	require.Equal(t, model.WorkerTerminated, w.Status)
}

func TestHealthCheck_WithinGracePeriodSkipsChecks(t *testing.T) {
	st := newFakeStore()
	prov := &fakeProvider{}
	fc := clock.NewFake(time.Now())
	m := NewManager(baseManagerCfg(), prov, st, fc)

	promotedAt := fc.Now()
	worker := model.Worker{
		ID:       "w1",
		Status:   model.WorkerActive,
		Metadata: model.WorkerMetadata{PromotedToActiveAt: &promotedAt},
	}
	require.NoError(t, st.RegisterWorker(context.Background(), "w1", worker.Metadata))

	require.NoError(t, m.HealthCheck(context.Background(), worker, true, nil))

	w, _ := st.GetWorker(context.Background(), "w1")
	require.Equal(t, model.WorkerSpawning, w.Status) // untouched
}

func TestHealthCheck_StuckTaskMarksError(t *testing.T) {
	st := newFakeStore()
	prov := &fakeProvider{}
	fc := clock.NewFake(time.Now())
	m := NewManager(baseManagerCfg(), prov, st, fc)

	promotedAt := fc.Now().Add(-time.Hour)
	lastBeat := fc.Now()
	started := fc.Now().Add(-time.Hour)
	worker := model.Worker{
		ID:            "w1",
		Status:        model.WorkerActive,
		LastHeartbeat: &lastBeat,
		Metadata:      model.WorkerMetadata{PromotedToActiveAt: &promotedAt},
	}
	require.NoError(t, st.RegisterWorker(context.Background(), "w1", worker.Metadata))
	active := model.WorkerActive
	require.NoError(t, st.UpdateWorker(context.Background(), "w1", store.WorkerPatch{Status: &active, Metadata: &worker.Metadata}))

	task := model.Task{ID: "t1", GenerationStartedAt: &started}
	require.NoError(t, m.HealthCheck(context.Background(), worker, false, []model.Task{task}))

	w, _ := st.GetWorker(context.Background(), "w1")
	require.Equal(t, model.WorkerTerminated, w.Status)
	require.Contains(t, w.Metadata.ErrorReason, "Stuck task")
}

func TestFailsafe_TerminatesOnHardStaleThreshold(t *testing.T) {
	st := newFakeStore()
	prov := &fakeProvider{}
	fc := clock.NewFake(time.Now())
	m := NewManager(baseManagerCfg(), prov, st, fc)

	lastBeat := fc.Now()
	worker := model.Worker{ID: "w1", Status: model.WorkerActive, LastHeartbeat: &lastBeat}
	require.NoError(t, st.RegisterWorker(context.Background(), "w1", worker.Metadata))

	fc.Advance(2 * time.Hour)
	require.NoError(t, m.Failsafe(context.Background(), worker))

	w, _ := st.GetWorker(context.Background(), "w1")
	require.Equal(t, model.WorkerTerminated, w.Status)
}

func TestAdvanceDrain_WaitsForInProgressTasksUnlessExpired(t *testing.T) {
	st := newFakeStore()
	prov := &fakeProvider{}
	fc := clock.NewFake(time.Now())
	m := NewManager(baseManagerCfg(), prov, st, fc)

	since := fc.Now()
	worker := model.Worker{ID: "w1", Status: model.WorkerTerminating, Metadata: model.WorkerMetadata{RunpodID: "cloud-1", TerminatingSince: &since}}
	require.NoError(t, st.RegisterWorker(context.Background(), "w1", worker.Metadata))

	require.NoError(t, m.AdvanceDrain(context.Background(), worker, 1))
	w, _ := st.GetWorker(context.Background(), "w1")
	require.Equal(t, model.WorkerSpawning, w.Status) // untouched, still waiting

	fc.Advance(6 * time.Minute)
	require.NoError(t, m.AdvanceDrain(context.Background(), worker, 1))
	w, _ = st.GetWorker(context.Background(), "w1")
	require.Equal(t, model.WorkerTerminated, w.Status)
	require.Contains(t, prov.terminated, "cloud-1")
}

func TestAdvanceDrain_TerminatesImmediatelyWhenNoInProgressTasks(t *testing.T) {
	st := newFakeStore()
	prov := &fakeProvider{}
	fc := clock.NewFake(time.Now())
	m := NewManager(baseManagerCfg(), prov, st, fc)

	since := fc.Now()
	worker := model.Worker{ID: "w1", Status: model.WorkerTerminating, Metadata: model.WorkerMetadata{RunpodID: "cloud-1", TerminatingSince: &since}}
	require.NoError(t, st.RegisterWorker(context.Background(), "w1", worker.Metadata))

	require.NoError(t, m.AdvanceDrain(context.Background(), worker, 0))
	w, _ := st.GetWorker(context.Background(), "w1")
	require.Equal(t, model.WorkerTerminated, w.Status)
}
