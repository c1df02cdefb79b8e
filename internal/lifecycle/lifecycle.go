// Package lifecycle implements the worker state machine (C4): spawning,
// promotion, health checks, graceful drain and the error path, as pure
// functions over model.Worker plus the injected cloud.Provider,
// store.Store and clock.Clock, so cycle behaviour is deterministic under
// clock.Fake in tests. Grounded on the teacher's docker/containerd
// launcher pair, generalised from local containers to remote cloud pods.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nimbusgpu/orchestrator/internal/clock"
	"github.com/nimbusgpu/orchestrator/internal/cloud"
	"github.com/nimbusgpu/orchestrator/internal/gputype"
	"github.com/nimbusgpu/orchestrator/internal/store"
	"github.com/nimbusgpu/orchestrator/internal/telemetry"
	"github.com/nimbusgpu/orchestrator/model"
)

// Config carries the timing constants the lifecycle manager needs.
type Config struct {
	SpawningTimeout         time.Duration
	WorkerGracePeriod       time.Duration
	GPUIdleTimeout          time.Duration
	TaskStuckTimeout        time.Duration
	FailsafeStaleThreshold  time.Duration
	GracefulShutdownTimeout time.Duration
}

// Manager drives worker state transitions.
type Manager struct {
	cfg         Config
	provider    cloud.Provider
	store       store.Store
	clock       clock.Clock
	gpuTypes    *gputype.Resolver
	cacheTTLSec int
}

func NewManager(cfg Config, provider cloud.Provider, st store.Store, clk clock.Clock) *Manager {
	return &Manager{cfg: cfg, provider: provider, store: st, clock: clk}
}

// WithGPUTypeResolver enables the spawn path's quota/fatal-rejection
// memoisation: a GPU type RunPod just rejected is skipped on subsequent
// spawns for ttlSeconds instead of being retried every cycle.
func (m *Manager) WithGPUTypeResolver(r *gputype.Resolver, ttlSeconds int) *Manager {
	m.gpuTypes = r
	m.cacheTTLSec = ttlSeconds
	return m
}

// SpawnSpec is the cloud pod spec plus the initial worker metadata a spawn
// intent supplies.
type SpawnSpec struct {
	Spec          cloud.Spec
	RAMTier       string
	StorageVolume string
	Injection     cloud.EnvInjection
}

// newWorkerID mints an id in the gpu-<UTC timestamp>-<random suffix> form
// the original's zombie-pod scanner depends on via a startswith('gpu-')
// check, matching its f"gpu-{timestamp}-{uuid4()[:8]}" construction.
func newWorkerID(now time.Time) string {
	return fmt.Sprintf("gpu-%s-%s", now.UTC().Format("20060102_150405"), uuid.NewString()[:8])
}

// Spawn generates a worker id, registers it, then creates the cloud pod.
// If registration fails, no cloud call is made at all, per spec.md §4.4.
func (m *Manager) Spawn(ctx context.Context, spec SpawnSpec) (string, error) {
	if m.gpuTypes != nil && !m.gpuTypes.Available(ctx, spec.Spec.GPUTypeDisplayName) {
		return "", fmt.Errorf("gpu type %s recently rejected, skipping spawn this cycle", spec.Spec.GPUTypeDisplayName)
	}

	workerID := newWorkerID(m.clock.Now())

	initial := model.WorkerMetadata{
		OrchestratorStatus: string(model.WorkerSpawning),
		RAMTier:            spec.RAMTier,
		StorageVolume:      spec.StorageVolume,
		Ready:              false,
	}
	if err := m.store.RegisterWorker(ctx, workerID, initial); err != nil {
		return "", fmt.Errorf("register worker: %w", err)
	}

	spec.Injection.WorkerID = workerID
	podSpec := cloud.ApplyEnvInjection(spec.Spec, spec.Injection)

	result, err := m.provider.CreatePod(ctx, workerID, podSpec)
	if err != nil {
		if m.gpuTypes != nil {
			if cerr, ok := err.(*cloud.Error); ok && (cerr.Kind == cloud.ErrQuota || cerr.Kind == cloud.ErrFatal) {
				m.gpuTypes.MarkUnavailable(ctx, spec.Spec.GPUTypeDisplayName, m.cacheTTLSec)
			}
		}
		m.markError(ctx, workerID, "create_pod failed: "+err.Error())
		return "", err
	}

	meta := initial
	meta.RunpodID = result.CloudID
	meta.Ready = false
	status := model.WorkerSpawning
	if uerr := m.store.UpdateWorker(ctx, workerID, store.WorkerPatch{Status: &status, Metadata: &meta}); uerr != nil {
		return workerID, uerr
	}
	return workerID, nil
}

// PromoteSpawning advances one spawning worker toward active, or to error
// on timeout/failure, per spec.md §4.4's promotion rules.
func (m *Manager) PromoteSpawning(ctx context.Context, w model.Worker) error {
	if w.Metadata.RunpodID == "" {
		return nil // create_pod itself already failed; nothing to promote
	}

	state, err := m.provider.GetPodState(ctx, w.Metadata.RunpodID)
	if err != nil {
		return err
	}

	age := m.clock.Now().Sub(w.CreatedAt)
	if state.DesiredStatus == cloud.StatusFailed || state.DesiredStatus == cloud.StatusTerminated {
		m.markError(ctx, w.ID, "Pod failed to provision")
		return nil
	}
	if age > m.cfg.SpawningTimeout {
		m.markError(ctx, w.ID, "Spawning timeout")
		return nil
	}
	if state.DesiredStatus != cloud.StatusRunning || state.IP == "" {
		return nil // still provisioning
	}

	result, reason, err := m.provider.InitializePod(ctx, w.Metadata.RunpodID)
	if err != nil {
		return err
	}
	switch result {
	case cloud.InitNotReady:
		return nil
	case cloud.InitFailed:
		m.markError(ctx, w.ID, "initialize_pod failed: "+reason)
		return nil
	}

	now := m.clock.Now()
	meta := w.Metadata
	meta.Ready = true
	meta.PromotedToActiveAt = &now
	meta.PodDetails = map[string]any{"ip": state.IP, "ssh_port": state.SSHPort}
	meta.SSHDetails = map[string]any{"ip": state.IP, "port": state.SSHPort}
	status := model.WorkerActive
	return m.store.UpdateWorker(ctx, w.ID, store.WorkerPatch{Status: &status, Metadata: &meta})
}

// HealthCheck evaluates one active worker's heartbeat and stuck-task
// state. Heartbeat freshness is the sole liveness signal; SSH/network
// probes must never be used here, per spec.md §4.4's historical
// false-positive note.
func (m *Manager) HealthCheck(ctx context.Context, w model.Worker, hasQueuedWork bool, inProgressTasks []model.Task) error {
	if w.Metadata.PromotedToActiveAt == nil {
		return nil
	}
	sinceGrace := m.clock.Now().Sub(*w.Metadata.PromotedToActiveAt)
	if sinceGrace < m.cfg.WorkerGracePeriod {
		return nil
	}

	now := m.clock.Now()

	if w.LastHeartbeat == nil {
		if len(inProgressTasks) > 0 && sinceGrace > m.cfg.GPUIdleTimeout {
			m.markError(ctx, w.ID, "no heartbeat received since promotion")
			return nil
		}
	} else {
		age := now.Sub(*w.LastHeartbeat)
		if age > m.cfg.GPUIdleTimeout && hasQueuedWork {
			m.markError(ctx, w.ID, fmt.Sprintf("heartbeat stale for %s", age))
			return nil
		}
	}

	for _, t := range inProgressTasks {
		if t.GenerationStartedAt == nil {
			continue
		}
		if now.Sub(*t.GenerationStartedAt) > m.cfg.TaskStuckTimeout {
			m.markError(ctx, w.ID, "Stuck task "+t.ID)
			return nil
		}
	}
	return nil
}

// Failsafe terminates any worker whose heartbeat is older than the hard
// failsafe threshold, regardless of status.
func (m *Manager) Failsafe(ctx context.Context, w model.Worker) error {
	if w.LastHeartbeat == nil {
		return nil
	}
	if m.clock.Now().Sub(*w.LastHeartbeat) > m.cfg.FailsafeStaleThreshold {
		m.markError(ctx, w.ID, "failsafe: heartbeat exceeded stale threshold")
	}
	return nil
}

// MarkTerminating moves a worker to terminating and stamps
// TerminatingSince; the store's ClaimTask refuses new claims for a
// terminating worker. AdvanceDrain later moves it on to terminated.
func (m *Manager) MarkTerminating(ctx context.Context, w model.Worker) error {
	now := m.clock.Now()
	meta := w.Metadata
	meta.TerminatingSince = &now
	meta.OrchestratorStatus = string(model.WorkerTerminating)
	status := model.WorkerTerminating
	return m.store.UpdateWorker(ctx, w.ID, store.WorkerPatch{Status: &status, Metadata: &meta})
}

// AdvanceDrain terminates the cloud pod and marks the worker terminated
// once it has no outstanding In Progress tasks or the drain deadline has
// elapsed.
func (m *Manager) AdvanceDrain(ctx context.Context, w model.Worker, inProgressCount int) error {
	expired := w.Metadata.TerminatingSince != nil && m.clock.Now().Sub(*w.Metadata.TerminatingSince) > m.cfg.GracefulShutdownTimeout
	if inProgressCount > 0 && !expired {
		return nil
	}

	if w.Metadata.RunpodID != "" {
		if err := m.provider.TerminatePod(ctx, w.Metadata.RunpodID); err != nil {
			telemetry.Log.Warn().Err(err).Str("worker_id", w.ID).Msg("terminate_pod failed during drain")
		}
	}

	now := m.clock.Now()
	meta := w.Metadata
	meta.TerminatedAt = &now
	status := model.WorkerTerminated
	return m.store.UpdateWorker(ctx, w.ID, store.WorkerPatch{Status: &status, Metadata: &meta})
}

// markError transitions a worker to error, best-effort terminates its
// cloud pod (not-found is fine), then immediately moves it to terminated
// with the reason preserved, per spec.md §4.4's error-path contract.
func (m *Manager) markError(ctx context.Context, workerID, reason string) {
	w, err := m.store.GetWorker(ctx, workerID)
	if err != nil {
		telemetry.Log.Error().Err(err).Str("worker_id", workerID).Msg("markError: failed to load worker")
		return
	}

	now := m.clock.Now()
	meta := w.Metadata
	meta.ErrorReason = reason
	errStatus := model.WorkerError
	if err := m.store.UpdateWorker(ctx, workerID, store.WorkerPatch{Status: &errStatus, Metadata: &meta}); err != nil {
		telemetry.Log.Error().Err(err).Str("worker_id", workerID).Msg("markError: failed to persist error status")
	}

	if meta.RunpodID != "" {
		if terr := m.provider.TerminatePod(ctx, meta.RunpodID); terr != nil {
			if cerr, ok := terr.(*cloud.Error); !ok || cerr.Kind != cloud.ErrNotFound {
				telemetry.Log.Warn().Err(terr).Str("worker_id", workerID).Msg("terminate_pod failed on error path")
			}
		}
	}

	meta.TerminatedAt = &now
	terminated := model.WorkerTerminated
	if err := m.store.UpdateWorker(ctx, workerID, store.WorkerPatch{Status: &terminated, Metadata: &meta}); err != nil {
		telemetry.Log.Error().Err(err).Str("worker_id", workerID).Msg("markError: failed to persist terminated status")
	}
}
