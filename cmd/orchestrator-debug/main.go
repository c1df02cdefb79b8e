// Command orchestrator-debug is an operator tool for inspecting orchestrator
// state. fleet and tail-logs only read. dry-run never reaches the cloud
// provider, but it runs one full cycle against the live store and so does
// write worker and task rows: a spawn registers a worker row that the
// refused CreatePod then moves to error and terminated, orphan recovery
// requeues tasks, and drain decisions mark workers terminating.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/nimbusgpu/orchestrator/internal/archive"
	"github.com/nimbusgpu/orchestrator/internal/clock"
	"github.com/nimbusgpu/orchestrator/internal/cloud"
	"github.com/nimbusgpu/orchestrator/internal/config"
	"github.com/nimbusgpu/orchestrator/internal/control"
	"github.com/nimbusgpu/orchestrator/internal/lifecycle"
	"github.com/nimbusgpu/orchestrator/internal/planner"
	"github.com/nimbusgpu/orchestrator/internal/safetyvalve"
	"github.com/nimbusgpu/orchestrator/internal/store/postgres"
)

// noopProvider refuses every cloud call, so dry-run surfaces the planner's
// and safety valve's decisions without ever touching a real pod. A refused
// GetPodState during promotion fails the cycle at that step; a refused
// TerminatePod (error path, drain) is only logged as a warning, and the
// worker row still moves to terminated.
type noopProvider struct{}

func (noopProvider) CreatePod(ctx context.Context, workerID string, spec cloud.Spec) (cloud.CreateResult, error) {
	return cloud.CreateResult{}, cloud.NewError(cloud.ErrFatal, "dry-run: cloud calls disabled", nil)
}

func (noopProvider) TerminatePod(ctx context.Context, cloudID string) error {
	return cloud.NewError(cloud.ErrFatal, "dry-run: cloud calls disabled", nil)
}

func (noopProvider) GetPodState(ctx context.Context, cloudID string) (cloud.PodState, error) {
	return cloud.PodState{}, cloud.NewError(cloud.ErrFatal, "dry-run: cloud calls disabled", nil)
}

func (noopProvider) ListPods(ctx context.Context) ([]cloud.PodSummary, error) {
	return nil, cloud.NewError(cloud.ErrFatal, "dry-run: cloud calls disabled", nil)
}

func (noopProvider) InitializePod(ctx context.Context, cloudID string) (cloud.InitResult, string, error) {
	return cloud.InitFailed, "", cloud.NewError(cloud.ErrFatal, "dry-run: cloud calls disabled", nil)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := os.Args[1]
	os.Args = append(os.Args[:1], os.Args[2:]...)

	ctx := context.Background()
	switch cmd {
	case "fleet":
		fleet(ctx)
	case "dry-run":
		dryRun(ctx)
	case "tail-logs":
		tailLogs(ctx)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `orchestrator-debug <command> [flags]

Commands:
  fleet      print every worker row grouped by status
  dry-run    run a single control-loop cycle and print the resulting summary
  tail-logs  print the archived log batch named by -day and -cycle`)
}

func mustStore(ctx context.Context) (*postgres.Store, func()) {
	storeCfg, err := config.GetStoreConfig()
	if err != nil {
		log.Fatalf("store config error: %v", err)
	}
	db, err := postgres.New(ctx, storeCfg.SupabaseURL)
	if err != nil {
		log.Fatalf("store init error: %v", err)
	}
	return postgres.NewStore(db), func() { db.Close() }
}

func fleet(ctx context.Context) {
	st, closeStore := mustStore(ctx)
	defer closeStore()

	workers, err := st.ListWorkers(ctx, nil)
	if err != nil {
		log.Fatalf("list workers: %v", err)
	}

	byStatus := map[string]int{}
	for _, w := range workers {
		byStatus[string(w.Status)]++
	}
	fmt.Printf("%d workers\n", len(workers))
	for status, count := range byStatus {
		fmt.Printf("  %-12s %d\n", status, count)
	}
	for _, w := range workers {
		heartbeat := "never"
		if w.LastHeartbeat != nil {
			heartbeat = w.LastHeartbeat.Format(time.RFC3339)
		}
		fmt.Printf("%-36s %-12s created=%s heartbeat=%s runpod_id=%s\n",
			w.ID, w.Status, w.CreatedAt.Format(time.RFC3339), heartbeat, w.Metadata.RunpodID)
	}
}

// dryRun runs exactly one control-loop cycle against the live store but a
// cloud provider stub that refuses to spawn or terminate anything, so an
// operator can see what the planner and safety valve would decide without
// touching any real pod.
func dryRun(ctx context.Context) {
	st, closeStore := mustStore(ctx)
	defer closeStore()

	scalingCfg, err := config.GetScalingConfig()
	if err != nil {
		log.Fatalf("scaling config error: %v", err)
	}

	lm := lifecycle.NewManager(lifecycle.Config{
		SpawningTimeout:         time.Duration(scalingCfg.SpawningTimeoutSec) * time.Second,
		WorkerGracePeriod:       time.Duration(scalingCfg.WorkerGracePeriodSec) * time.Second,
		GPUIdleTimeout:          time.Duration(scalingCfg.GPUIdleTimeoutSec) * time.Second,
		TaskStuckTimeout:        time.Duration(scalingCfg.TaskStuckTimeoutSec) * time.Second,
		FailsafeStaleThreshold:  time.Duration(scalingCfg.FailsafeStaleThresholdSec) * time.Second,
		GracefulShutdownTimeout: time.Duration(scalingCfg.GracefulShutdownTimeoutSec) * time.Second,
	}, noopProvider{}, st, clock.NewReal())

	valve := safetyvalve.NewGate(safetyvalve.Config{
		Window:            time.Duration(scalingCfg.FailureWindowMinutes) * time.Minute,
		MinSample:         scalingCfg.MinWorkersForRateCheck,
		FailureRateThresh: scalingCfg.MaxWorkerFailureRate,
	})

	loop := control.NewLoop(control.Config{
		PollInterval:      scalingCfg.PollInterval(),
		HealthProbeEveryN: 10,
		PlannerConfig: planner.Config{
			MinFleet: scalingCfg.MinActiveGPUs, MaxFleet: scalingCfg.MaxActiveGPUs,
			TasksPerWorker: scalingCfg.TasksPerGPUThreshold, MachinesToKeepIdle: scalingCfg.MachinesToKeepIdle,
		},
		SpawnSpecFactory: func() lifecycle.SpawnSpec { return lifecycle.SpawnSpec{} },
	}, st, lm, valve, nil, clock.NewReal())

	summary := loop.RunOnce(ctx)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(summary)
}

func tailLogs(ctx context.Context) {
	fs := flag.NewFlagSet("tail-logs", flag.ExitOnError)
	day := fs.String("day", time.Now().UTC().Format("2006-01-02"), "archive day, YYYY-MM-DD")
	cycle := fs.Int64("cycle", 0, "cycle number")
	fs.Parse(os.Args[1:])

	archiveCfg, err := config.GetArchiveConfig()
	if err != nil {
		log.Fatalf("archive config error: %v", err)
	}
	if archiveCfg.Endpoint == "" {
		log.Fatalf("MINIO_ENDPOINT is not set, no archive to read from")
	}
	archiver, err := archive.New(archive.Config{
		Endpoint: archiveCfg.Endpoint, Bucket: archiveCfg.Bucket,
		AccessKey: archiveCfg.AccessKey, SecretKey: archiveCfg.SecretKey, UseSSL: archiveCfg.UseSSL,
	})
	if err != nil {
		log.Fatalf("archive init error: %v", err)
	}
	defer archiver.Close()

	objectPath := fmt.Sprintf("logs/%s/cycle-%d.jsonl", *day, *cycle)
	data, err := archiver.FetchBatch(ctx, objectPath)
	if err != nil {
		log.Fatalf("fetch %s: %v", objectPath, err)
	}
	os.Stdout.Write(data)
}
