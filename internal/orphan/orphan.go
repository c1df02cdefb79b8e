// Package orphan returns tasks stranded on workers that just left service
// (C7), and cross-references the cloud provider's pod list against the
// store's worker rows for pods with no matching worker (domain expansion).
package orphan

import (
	"context"
	"time"

	"github.com/nimbusgpu/orchestrator/internal/cloud"
	"github.com/nimbusgpu/orchestrator/internal/store"
	"github.com/nimbusgpu/orchestrator/internal/telemetry"
	"github.com/nimbusgpu/orchestrator/model"
)

// Recover resets every In-Progress task owned by workerIDs back to Queued,
// excluding parent tasks, per spec.md §4.7. It is a thin wrapper: the
// actual exclusion rules live in the store adapter.
func Recover(ctx context.Context, st store.Store, workerIDs []string) (int, error) {
	if len(workerIDs) == 0 {
		return 0, nil
	}
	return st.ResetOrphanedTasks(ctx, workerIDs)
}

// ReconcilePods cross-references the cloud provider's pod list against the
// store's worker rows. It never mutates state — it only reports mismatches
// for operator follow-up, matching the original's standalone
// orphaned-pod monitor.
func ReconcilePods(ctx context.Context, provider cloud.Provider, st store.Store) ([]model.OrphanPod, error) {
	pods, err := provider.ListPods(ctx)
	if err != nil {
		return nil, err
	}

	cloudIDs := make([]string, 0, len(pods))
	for _, p := range pods {
		cloudIDs = append(cloudIDs, p.CloudID)
	}

	workerOrphans, err := st.ListOrphanPods(ctx, cloudIDs)
	if err != nil {
		return nil, err
	}

	workers, err := st.ListWorkers(ctx, nil)
	if err != nil {
		return nil, err
	}
	knownCloudIDs := make(map[string]bool, len(workers))
	for _, w := range workers {
		if w.Metadata.RunpodID != "" {
			knownCloudIDs[w.Metadata.RunpodID] = true
		}
	}

	now := time.Now()
	var orphans []model.OrphanPod
	for _, o := range workerOrphans {
		o.DetectedAt = now
		orphans = append(orphans, o)
		telemetry.Log.Warn().Str("worker_id", o.WorkerID).Str("cloud_id", o.CloudID).Msg("orphan: worker row has no matching cloud pod")
	}
	for _, p := range pods {
		if !knownCloudIDs[p.CloudID] {
			orphans = append(orphans, model.OrphanPod{
				CloudID:    p.CloudID,
				Reason:     "cloud pod has no matching worker row",
				DetectedAt: now,
			})
			telemetry.Log.Warn().Str("cloud_id", p.CloudID).Msg("orphan: cloud pod has no matching worker row")
		}
	}
	return orphans, nil
}
