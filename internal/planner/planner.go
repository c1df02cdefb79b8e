// Package planner computes the desired fleet size and emits spawn/drain
// intents from a pure function of the current workload and fleet
// snapshot, plus the anti-thrash anomaly detectors of spec.md §4.5. Plan
// is deliberately side-effect free so it can be tested without a clock,
// store, or cloud provider.
package planner

import (
	"math"

	"github.com/nimbusgpu/orchestrator/model"
)

// Config carries the fleet-sizing constants the formula depends on.
type Config struct {
	MinFleet           int
	MaxFleet           int
	TasksPerWorker     int
	MachinesToKeepIdle int
}

// Workload is the per-cycle task-count input from the store adapter.
type Workload struct {
	QueuedOnly int
	ActiveOnly int
}

// Fleet is the per-cycle worker-count snapshot grouped by status.
type Fleet struct {
	SpawningCount    int
	ActiveCount      int
	TerminatingCount int
	IdleActiveCount  int // active, no In Progress task, past grace period
}

// IdleWorker identifies a candidate for scale-down, ordered oldest-idle
// first by the caller.
type IdleWorker struct {
	WorkerID string
}

// Decision is the full output of one Plan call.
type Decision struct {
	Workload       int
	Capacity       int
	DesiredWorkers int
	SpawnCount     int
	DrainCount     int
	ScalingResult  model.ScalingDecision
	Anomalies      []string
}

// Plan implements spec.md §4.5's desired-count formula and intent
// emission. idleWorkers must already be ordered oldest-idle-first;
// previousWorkload is the prior cycle's workload, used for the
// "workload spike" anomaly detector (pass -1 on the first cycle).
func Plan(w Workload, f Fleet, cfg Config, idleWorkers []IdleWorker, previousWorkload int, consecutiveQueueZeroWorkers int) Decision {
	workload := w.QueuedOnly + w.ActiveOnly

	ideal := 0
	if workload > 0 {
		ideal = int(math.Ceil(float64(workload) / float64(cfg.TasksPerWorker)))
	}
	desired := maxInt(cfg.MinFleet, ideal+cfg.MachinesToKeepIdle)
	desired = minInt(desired, cfg.MaxFleet)

	capacity := f.ActiveCount + f.SpawningCount

	d := Decision{
		Workload:       workload,
		Capacity:       capacity,
		DesiredWorkers: desired,
	}

	switch {
	case desired > capacity:
		d.SpawnCount = desired - capacity
		d.ScalingResult = model.DecisionScaleUp
	case desired < f.IdleActiveCount && f.ActiveCount > cfg.MinFleet:
		surplus := f.ActiveCount - desired
		maxDrain := f.ActiveCount - cfg.MinFleet
		if surplus > maxDrain {
			surplus = maxDrain
		}
		if surplus > len(idleWorkers) {
			surplus = len(idleWorkers)
		}
		d.DrainCount = surplus
		if surplus > 0 {
			d.ScalingResult = model.DecisionScaleDown
		} else {
			d.ScalingResult = model.DecisionMaintain
		}
	default:
		d.ScalingResult = model.DecisionMaintain
	}

	d.Anomalies = detectAnomalies(d.SpawnCount, workload, previousWorkload, w.QueuedOnly, f.ActiveCount, consecutiveQueueZeroWorkers)

	return d
}

func detectAnomalies(spawnCount, workload, previousWorkload, queuedOnly, activeCount, consecutiveQueueZeroWorkers int) []string {
	var anomalies []string

	if spawnCount >= 3 {
		anomalies = append(anomalies, "rapid scale-up")
	}

	if previousWorkload >= 0 {
		spike := (previousWorkload == 0 && workload >= 10) ||
			(previousWorkload > 0 && workload >= previousWorkload*10)
		if spike {
			anomalies = append(anomalies, "workload spike")
		}
	}

	if queuedOnly > 0 && activeCount == 0 && consecutiveQueueZeroWorkers >= 3 {
		anomalies = append(anomalies, "persistent-queue zero-workers")
	}

	return anomalies
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
