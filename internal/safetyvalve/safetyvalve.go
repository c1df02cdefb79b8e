// Package safetyvalve implements the failure-rate gate (C6) that blocks
// new spawns when too large a fraction of recently-created workers failed,
// without touching any worker already in flight.
package safetyvalve

import (
	"fmt"
	"time"

	"github.com/nimbusgpu/orchestrator/model"
)

// Config carries the window/threshold/sample-size constants.
type Config struct {
	Window            time.Duration
	MinSample         int
	FailureRateThresh float64
}

// Decision is the gate's verdict for the current cycle.
type Decision struct {
	Open   bool
	Reason string
}

// Gate evaluates the failure-rate safety valve over a set of workers.
type Gate struct {
	cfg Config
}

func NewGate(cfg Config) *Gate {
	if cfg.Window == 0 {
		cfg.Window = 30 * time.Minute
	}
	if cfg.MinSample == 0 {
		cfg.MinSample = 5
	}
	if cfg.FailureRateThresh == 0 {
		cfg.FailureRateThresh = 0.8
	}
	return &Gate{cfg: cfg}
}

// Evaluate computes recent/failed over all workers and decides whether
// new spawns may proceed this cycle. now is injected so callers can use
// clock.Clock for deterministic tests.
//
// Calibration note (spec.md §4.6): a termination is only excluded from the
// failure count when the worker was explicitly draining (IsGracefulDrain);
// everything else — including terminations whose drain intent was never
// recorded — counts as a failure. This is deliberately conservative.
func (g *Gate) Evaluate(workers []model.Worker, now time.Time) Decision {
	cutoff := now.Add(-g.cfg.Window)

	var recent, failed int
	for _, w := range workers {
		if w.CreatedAt.Before(cutoff) {
			continue
		}
		recent++
		if isFailure(w) {
			failed++
		}
	}

	if recent < g.cfg.MinSample {
		return Decision{Open: true, Reason: fmt.Sprintf("sample size %d below minimum %d", recent, g.cfg.MinSample)}
	}

	rate := float64(failed) / float64(recent)
	if rate >= g.cfg.FailureRateThresh {
		return Decision{
			Open:   false,
			Reason: fmt.Sprintf("failure rate %.2f over last %d workers is at or above threshold %.2f", rate, recent, g.cfg.FailureRateThresh),
		}
	}
	return Decision{Open: true, Reason: fmt.Sprintf("failure rate %.2f within threshold %.2f", rate, g.cfg.FailureRateThresh)}
}

func isFailure(w model.Worker) bool {
	if w.Status != model.WorkerError && w.Status != model.WorkerTerminated {
		return false
	}
	return !w.IsGracefulDrain()
}
