// Package control drives the single control loop (C8): the fixed
// 11-step cycle ordering of spec.md §4.8, run once (single) or on a
// fixed interval (continuous). Grounded on the teacher's
// cmd/sandbox_manager/main.go signal-handling and graceful-shutdown
// structure, generalised from a long-lived worker pool to a single
// cooperative loop that never overlaps cycles.
package control

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nimbusgpu/orchestrator/internal/clock"
	"github.com/nimbusgpu/orchestrator/internal/cyclectx"
	"github.com/nimbusgpu/orchestrator/internal/lifecycle"
	"github.com/nimbusgpu/orchestrator/internal/logsink"
	"github.com/nimbusgpu/orchestrator/internal/orphan"
	"github.com/nimbusgpu/orchestrator/internal/planner"
	"github.com/nimbusgpu/orchestrator/internal/safetyvalve"
	"github.com/nimbusgpu/orchestrator/internal/store"
	"github.com/nimbusgpu/orchestrator/internal/telemetry"
	"github.com/nimbusgpu/orchestrator/model"
	"golang.org/x/sync/errgroup"
)

// Config carries every tunable the loop needs beyond what its
// collaborators already own.
type Config struct {
	PollInterval         time.Duration
	HealthProbeEveryN    int64
	WorkerGracePeriod    time.Duration
	PlannerConfig        planner.Config
	SafetyValveConfig    safetyvalve.Config
	SpawnSpecFactory     func() lifecycle.SpawnSpec
	MaxConcurrentPerStep int
	OnCycle              func(model.CycleSummary)
}

// Loop owns the cycle counter and the previous-workload memory used by
// anomaly detection; both are allowed to reset on restart.
type Loop struct {
	cfg       Config
	store     store.Store
	lifecycle *lifecycle.Manager
	valve     *safetyvalve.Gate
	sink      *logsink.Sink
	clock     clock.Clock

	cycleNumber          int64
	previousWorkload     int
	consecutiveQueueZero int
	lastSinkSent         int64
}

func NewLoop(cfg Config, st store.Store, lm *lifecycle.Manager, valve *safetyvalve.Gate, sink *logsink.Sink, clk clock.Clock) *Loop {
	if cfg.MaxConcurrentPerStep <= 0 {
		cfg.MaxConcurrentPerStep = 8
	}
	if cfg.HealthProbeEveryN <= 0 {
		cfg.HealthProbeEveryN = 10
	}
	return &Loop{
		cfg:              cfg,
		store:            st,
		lifecycle:        lm,
		valve:            valve,
		sink:             sink,
		clock:            clk,
		previousWorkload: -1,
	}
}

// RunOnce executes exactly one cycle (the "single" run mode) and returns
// its summary, even when the cycle failed — the summary's Err field
// carries the failure so callers can decide exit status.
func (l *Loop) RunOnce(ctx context.Context) model.CycleSummary {
	return l.runCycle(ctx)
}

// RunContinuous loops on PollInterval until ctx is cancelled. On cycle
// failure it logs and waits one interval before continuing, per
// spec.md §4.8's failure semantics: no cross-cycle state is required for
// correctness beyond the counter and previous-workload memory.
func (l *Loop) RunContinuous(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		summary := l.runCycle(ctx)
		if summary.Err != nil {
			telemetry.Log.Error().Err(summary.Err).Int64("cycle", summary.CycleNumber).Msg("cycle failed, continuing after one interval")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runCycle implements the exact, non-reorderable 11 steps.
func (l *Loop) runCycle(ctx context.Context) (summary model.CycleSummary) {
	start := l.clock.Now()

	// Step 1: begin cycle.
	l.cycleNumber++
	ctx = cyclectx.With(ctx, l.cycleNumber)
	summary = model.CycleSummary{CycleNumber: l.cycleNumber, Timestamp: start}

	defer func() {
		// Step 11: clear cycle context happens implicitly — this ctx value
		// never escapes runCycle, so nothing downstream inherits it.
		summary.Duration = l.clock.Now().Sub(start)
	}()

	if err := l.runCycleSteps(ctx, &summary); err != nil {
		summary.Err = err
		telemetry.Log.Error().Err(err).Int64("cycle", l.cycleNumber).Msg("cycle step failed")
	}

	// Step 9 (logging half): emit the cycle summary regardless of partial
	// failure, so operators see the last-known state: on stderr at error
	// level, and as a CRITICAL record through the log sink when one is set.
	telemetry.Log.Error().
		Int64("cycle", summary.CycleNumber).
		Int("workload", summary.Workload).
		Int("capacity", summary.Capacity).
		Int("desired", summary.DesiredWorkers).
		Str("decision", string(summary.Decision)).
		Strs("anomalies", summary.Anomalies).
		Msg("cycle summary")

	if l.sink != nil {
		l.sink.Enqueue(model.LogRecord{
			Timestamp:   start,
			SourceType:  model.SourceOrchestratorGPU,
			Level:       model.LogCritical,
			Message:     "cycle summary",
			CycleNumber: &summary.CycleNumber,
			Metadata: map[string]any{
				"workload": summary.Workload, "capacity": summary.Capacity,
				"desired": summary.DesiredWorkers, "decision": string(summary.Decision),
				"anomalies": summary.Anomalies,
			},
		})
	}

	// Step 10: every K cycles, probe the log sink. When the sink never
	// started at all, report the degraded state itself on the same
	// cadence; stderr/file is the one channel guaranteed available even
	// when the store-backed sink is not.
	if l.cycleNumber%l.cfg.HealthProbeEveryN == 0 {
		if l.sink == nil {
			telemetry.Log.Error().Int64("cycle", l.cycleNumber).Msg("logging degraded")
		} else {
			current, healthy := l.sink.HealthCheck(ctx, l.lastSinkSent)
			l.lastSinkSent = current
			if !healthy {
				telemetry.Log.Warn().Int64("cycle", l.cycleNumber).Msg("log sink health probe failed")
			}
		}
	}

	if l.cfg.OnCycle != nil {
		l.cfg.OnCycle(summary)
	}

	return summary
}

func (l *Loop) runCycleSteps(ctx context.Context, summary *model.CycleSummary) error {
	// Step 2: sample task counts.
	counts, err := l.store.CountAvailableTasks(ctx, true)
	if err != nil {
		return model.NewError(model.ErrTransient, err)
	}
	summary.QueuedOnly = counts.QueuedOnly
	summary.ActiveOnly = counts.ActiveOnly

	// Step 3: fetch worker lists grouped by status.
	workers, err := l.store.ListWorkers(ctx, nil)
	if err != nil {
		return model.NewError(model.ErrTransient, err)
	}
	byStatus := groupByStatus(workers)
	summary.WorkersByStatus = countsByStatus(byStatus)

	// Step 4: promote spawning workers, bounded fan-out.
	var transitionedMu sync.Mutex
	var newlyTerminal []string
	markTerminal := func(id string) {
		transitionedMu.Lock()
		summary.Actions.WorkersFailed++
		newlyTerminal = append(newlyTerminal, id)
		transitionedMu.Unlock()
	}
	if err := l.forEachBounded(ctx, byStatus[model.WorkerSpawning], func(ctx context.Context, w model.Worker) error {
		before := w.Status
		if err := l.lifecycle.PromoteSpawning(ctx, w); err != nil {
			return err
		}
		if after, gerr := l.store.GetWorker(ctx, w.ID); gerr == nil && after != nil && before != after.Status {
			switch after.Status {
			case model.WorkerActive:
				transitionedMu.Lock()
				summary.Actions.WorkersPromoted++
				transitionedMu.Unlock()
			case model.WorkerError, model.WorkerTerminated:
				markTerminal(w.ID)
			}
		}
		return nil
	}); err != nil {
		return model.NewError(model.ErrTransient, err)
	}

	// Step 5: health checks on active workers.
	activeTasks, err := l.inProgressByWorker(ctx, byStatus)
	if err != nil {
		return model.NewError(model.ErrTransient, err)
	}
	if err := l.forEachBounded(ctx, byStatus[model.WorkerActive], func(ctx context.Context, w model.Worker) error {
		before := w.Status
		if err := l.lifecycle.HealthCheck(ctx, w, counts.QueuedOnly > 0, activeTasks[w.ID]); err != nil {
			return err
		}
		if after, gerr := l.store.GetWorker(ctx, w.ID); gerr == nil && after != nil && before != after.Status {
			markTerminal(w.ID)
		}
		return nil
	}); err != nil {
		return model.NewError(model.ErrTransient, err)
	}

	// Step 6: orphan recovery for workers already terminal at the start of
	// the cycle, plus whichever workers steps 4-5 just transitioned to
	// error/terminated — the latter must not wait a full extra cycle.
	terminal := dedupStrings(append(collectIDs(byStatus[model.WorkerError], byStatus[model.WorkerTerminated]), newlyTerminal...))
	if n, err := orphan.Recover(ctx, l.store, terminal); err != nil {
		telemetry.Log.Warn().Err(err).Msg("orphan recovery failed")
	} else {
		summary.Actions.OrphanTasksReset = n
	}

	// Step 7: scaling plan, gated by the safety valve.
	now := l.clock.Now()
	fleet := planner.Fleet{
		ActiveCount:     len(byStatus[model.WorkerActive]),
		SpawningCount:   len(byStatus[model.WorkerSpawning]),
		IdleActiveCount: countIdle(byStatus[model.WorkerActive], activeTasks, now, l.cfg.WorkerGracePeriod),
	}
	idleWorkers := idleWorkerList(byStatus[model.WorkerActive], activeTasks, now, l.cfg.WorkerGracePeriod)
	decision := planner.Plan(
		planner.Workload{QueuedOnly: counts.QueuedOnly, ActiveOnly: counts.ActiveOnly},
		fleet, l.cfg.PlannerConfig, idleWorkers, l.previousWorkload, l.consecutiveQueueZero,
	)
	summary.Workload = decision.Workload
	summary.Capacity = decision.Capacity
	summary.DesiredWorkers = decision.DesiredWorkers
	summary.Decision = decision.ScalingResult
	summary.Anomalies = decision.Anomalies
	l.previousWorkload = counts.QueuedOnly + counts.ActiveOnly
	if counts.QueuedOnly > 0 && fleet.ActiveCount == 0 {
		l.consecutiveQueueZero++
	} else {
		l.consecutiveQueueZero = 0
	}

	valveDecision := l.valve.Evaluate(workers, l.clock.Now())
	summary.SafetyValveOpen = valveDecision.Open
	summary.SafetyValveNote = valveDecision.Reason

	if decision.SpawnCount > 0 {
		if !valveDecision.Open {
			summary.Decision = model.DecisionValveClosed
			telemetry.Log.Warn().Str("reason", valveDecision.Reason).Msg("safety valve blocked spawns this cycle")
		} else if l.cfg.SpawnSpecFactory != nil {
			for i := 0; i < decision.SpawnCount; i++ {
				if _, err := l.lifecycle.Spawn(ctx, l.cfg.SpawnSpecFactory()); err != nil {
					telemetry.Log.Error().Err(err).Msg("spawn failed")
					continue
				}
				summary.Actions.WorkersSpawned++
			}
		}
	}
	if decision.DrainCount > 0 {
		for i := 0; i < decision.DrainCount && i < len(idleWorkers); i++ {
			w, gerr := l.store.GetWorker(ctx, idleWorkers[i].WorkerID)
			if gerr != nil || w == nil {
				continue
			}
			if err := l.lifecycle.MarkTerminating(ctx, *w); err != nil {
				telemetry.Log.Error().Err(err).Str("worker_id", w.ID).Msg("mark terminating failed")
				continue
			}
			summary.Actions.WorkersTerminated++
		}
	}

	// Step 8: drive terminating workers through drain.
	if err := l.forEachBounded(ctx, byStatus[model.WorkerTerminating], func(ctx context.Context, w model.Worker) error {
		return l.lifecycle.AdvanceDrain(ctx, w, len(activeTasks[w.ID]))
	}); err != nil {
		return model.NewError(model.ErrTransient, err)
	}

	return nil
}

func (l *Loop) forEachBounded(ctx context.Context, items []model.Worker, fn func(context.Context, model.Worker) error) error {
	if len(items) == 0 {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.MaxConcurrentPerStep)
	for _, w := range items {
		w := w
		g.Go(func() error { return fn(ctx, w) })
	}
	return g.Wait()
}

// inProgressByWorker loads the in-progress tasks for every worker that
// could need them this cycle (active and terminating), mirroring the
// original's get_running_tasks_for_worker call per worker in one batched
// query instead.
func (l *Loop) inProgressByWorker(ctx context.Context, byStatus map[model.WorkerStatus][]model.Worker) (map[string][]model.Task, error) {
	ids := collectIDs(byStatus[model.WorkerActive], byStatus[model.WorkerTerminating])
	if len(ids) == 0 {
		return map[string][]model.Task{}, nil
	}
	return l.store.InProgressTasksByWorker(ctx, ids)
}

func groupByStatus(workers []model.Worker) map[model.WorkerStatus][]model.Worker {
	out := map[model.WorkerStatus][]model.Worker{}
	for _, w := range workers {
		out[w.Status] = append(out[w.Status], w)
	}
	return out
}

func countsByStatus(byStatus map[model.WorkerStatus][]model.Worker) map[model.WorkerStatus]int {
	out := map[model.WorkerStatus]int{}
	for status, ws := range byStatus {
		out[status] = len(ws)
	}
	return out
}

func dedupStrings(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func collectIDs(groups ...[]model.Worker) []string {
	var ids []string
	for _, g := range groups {
		for _, w := range g {
			ids = append(ids, w.ID)
		}
	}
	return ids
}

// pastGracePeriod reports whether w was promoted to active long enough ago
// to be eligible for idle/health treatment at all, per spec.md §4.4's "only
// for workers past a worker_grace_period since promotion" rule. A worker
// that has not been promoted yet (PromotedToActiveAt nil) is never past it.
func pastGracePeriod(w model.Worker, now time.Time, gracePeriod time.Duration) bool {
	if w.Metadata.PromotedToActiveAt == nil {
		return false
	}
	return now.Sub(*w.Metadata.PromotedToActiveAt) >= gracePeriod
}

func countIdle(active []model.Worker, tasks map[string][]model.Task, now time.Time, gracePeriod time.Duration) int {
	n := 0
	for _, w := range active {
		if len(tasks[w.ID]) == 0 && pastGracePeriod(w, now, gracePeriod) {
			n++
		}
	}
	return n
}

// idleWorkerList orders candidates oldest-promoted-first, per
// planner.Plan's contract that idleWorkers arrive oldest-idle-first.
// Workers still inside their grace period are never idle candidates,
// matching spec.md §4.5's idle definition.
func idleWorkerList(active []model.Worker, tasks map[string][]model.Task, now time.Time, gracePeriod time.Duration) []planner.IdleWorker {
	type withTime struct {
		id   string
		time time.Time
	}
	var candidates []withTime
	for _, w := range active {
		if len(tasks[w.ID]) != 0 || !pastGracePeriod(w, now, gracePeriod) {
			continue
		}
		candidates = append(candidates, withTime{id: w.ID, time: *w.Metadata.PromotedToActiveAt})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].time.Before(candidates[j].time) })

	out := make([]planner.IdleWorker, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, planner.IdleWorker{WorkerID: c.id})
	}
	return out
}
