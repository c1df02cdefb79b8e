package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nimbusgpu/orchestrator/internal/archive"
	"github.com/nimbusgpu/orchestrator/internal/clock"
	"github.com/nimbusgpu/orchestrator/internal/cloud"
	"github.com/nimbusgpu/orchestrator/internal/cloud/runpod"
	"github.com/nimbusgpu/orchestrator/internal/component"
	"github.com/nimbusgpu/orchestrator/internal/config"
	"github.com/nimbusgpu/orchestrator/internal/control"
	"github.com/nimbusgpu/orchestrator/internal/eventbus"
	"github.com/nimbusgpu/orchestrator/internal/eventbus/jetstream"
	"github.com/nimbusgpu/orchestrator/internal/gputype"
	"github.com/nimbusgpu/orchestrator/internal/lifecycle"
	"github.com/nimbusgpu/orchestrator/internal/logsink"
	"github.com/nimbusgpu/orchestrator/internal/orphan"
	"github.com/nimbusgpu/orchestrator/internal/planner"
	"github.com/nimbusgpu/orchestrator/internal/safetyvalve"
	"github.com/nimbusgpu/orchestrator/internal/statusapi"
	"github.com/nimbusgpu/orchestrator/internal/store/postgres"
	"github.com/nimbusgpu/orchestrator/internal/telemetry"
	"github.com/nimbusgpu/orchestrator/model"
)

func main() {
	mode := "continuous"
	if len(os.Args) > 1 && os.Args[1][0] != '-' {
		mode = os.Args[1]
		os.Args = append(os.Args[:1], os.Args[2:]...)
	}
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scalingCfg, err := config.GetScalingConfig()
	if err != nil {
		log.Fatalf("scaling config error: %v", err)
	}
	identityCfg, err := config.GetIdentityConfig()
	if err != nil {
		log.Fatalf("identity config error: %v", err)
	}
	telemetry.InitLogger("orchestrator")
	telemetry.Log.Info().Str("instance_id", identityCfg.InstanceID).Str("mode", mode).Msg("orchestrator starting")

	telemetryCfg, err := config.GetTelemetryConfig()
	if err != nil {
		log.Fatalf("telemetry config error: %v", err)
	}
	shutdownTracer, err := telemetry.InitTracer(ctx, "orchestrator", telemetryCfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("tracer init error: %v", err)
	}
	defer shutdownTracer(context.Background())

	storeCfg, err := config.GetStoreConfig()
	if err != nil {
		log.Fatalf("store config error: %v", err)
	}
	db, err := postgres.New(ctx, storeCfg.SupabaseURL)
	if err != nil {
		log.Fatalf("store init error: %v", err)
	}
	defer db.Close()
	st := postgres.NewStore(db)

	runpodCfg, err := config.GetRunpodConfig()
	if err != nil {
		log.Fatalf("runpod config error: %v", err)
	}
	var runpodOpts []runpod.Option
	if len(runpodCfg.SSHPrivateKey) > 0 {
		runpodOpts = append(runpodOpts, runpod.WithProbeConfig(runpod.ProbeConfig{
			User:       "root",
			PrivateKey: []byte(runpodCfg.SSHPrivateKey),
			MountPath:  runpodCfg.VolumeMountPath,
			Timeout:    15 * time.Second,
		}))
	}
	provider := runpod.New(runpodCfg.APIKey, runpodOpts...)

	cacheCfg, err := config.GetCacheConfig()
	if err != nil {
		log.Fatalf("cache config error: %v", err)
	}
	if err := component.ValidateCacheType(cacheCfg.Type); err != nil {
		log.Fatalf("cache config error: %v", err)
	}
	memCache, err := component.GetCache(ctx, cacheCfg.Type, cacheCfg.RedisAddr, cacheCfg.RedisPassword, telemetryCfg.CacheTTLSec)
	if err != nil {
		log.Fatalf("cache init error: %v", err)
	}
	gpuResolver := gputype.NewResolver(memCache)

	logSinkCfg, err := config.GetLogSinkConfig()
	if err != nil {
		log.Fatalf("log sink config error: %v", err)
	}

	var archiver *archive.Archiver
	archiveCfg, err := config.GetArchiveConfig()
	if err != nil {
		log.Fatalf("archive config error: %v", err)
	}
	var sinkArchiver logsink.Archiver
	if archiveCfg.Endpoint != "" {
		archiver, err = archive.New(archive.Config{
			Endpoint: archiveCfg.Endpoint, Bucket: archiveCfg.Bucket,
			AccessKey: archiveCfg.AccessKey, SecretKey: archiveCfg.SecretKey, UseSSL: archiveCfg.UseSSL,
		})
		if err != nil {
			log.Fatalf("archive init error: %v", err)
		}
		defer archiver.Close()
		sinkArchiver = archiver
	}

	sink, err := logsink.New(st, logsink.Config{
		BatchSize: logSinkCfg.BatchSize, FlushInterval: logSinkCfg.FlushInterval,
		LocalFilePath: logSinkCfg.LocalFilePath, Archiver: sinkArchiver,
	})
	if err != nil {
		if logSinkCfg.Required {
			log.Fatalf("log sink init error (DB_LOGGING_REQUIRED=true): %v", err)
		}
		telemetry.Log.Error().Err(err).Msg("log sink unavailable, continuing without centralized logging")
	}
	if sink != nil && logSinkCfg.Enabled {
		sink.Start(ctx)
		defer sink.Stop(context.Background())
	}

	eventBusCfg, err := config.GetEventBusConfig()
	if err != nil {
		log.Fatalf("eventbus config error: %v", err)
	}
	var bus eventbus.Bus
	if eventBusCfg.URL != "" {
		bus, err = jetstream.New(eventBusCfg.URL)
		if err != nil {
			log.Fatalf("eventbus init error: %v", err)
		}
		defer bus.Shutdown()
	}

	lm := lifecycle.NewManager(lifecycle.Config{
		SpawningTimeout:         time.Duration(scalingCfg.SpawningTimeoutSec) * time.Second,
		WorkerGracePeriod:       time.Duration(scalingCfg.WorkerGracePeriodSec) * time.Second,
		GPUIdleTimeout:          time.Duration(scalingCfg.GPUIdleTimeoutSec) * time.Second,
		TaskStuckTimeout:        time.Duration(scalingCfg.TaskStuckTimeoutSec) * time.Second,
		FailsafeStaleThreshold:  time.Duration(scalingCfg.FailsafeStaleThresholdSec) * time.Second,
		GracefulShutdownTimeout: time.Duration(scalingCfg.GracefulShutdownTimeoutSec) * time.Second,
	}, provider, st, clock.NewReal()).WithGPUTypeResolver(gpuResolver, telemetryCfg.CacheTTLSec)

	valve := safetyvalve.NewGate(safetyvalve.Config{
		Window:            time.Duration(scalingCfg.FailureWindowMinutes) * time.Minute,
		MinSample:         scalingCfg.MinWorkersForRateCheck,
		FailureRateThresh: scalingCfg.MaxWorkerFailureRate,
	})

	loopCfg := control.Config{
		PollInterval:      scalingCfg.PollInterval(),
		HealthProbeEveryN: 10,
		WorkerGracePeriod: time.Duration(scalingCfg.WorkerGracePeriodSec) * time.Second,
		PlannerConfig: planner.Config{
			MinFleet: scalingCfg.MinActiveGPUs, MaxFleet: scalingCfg.MaxActiveGPUs,
			TasksPerWorker: scalingCfg.TasksPerGPUThreshold, MachinesToKeepIdle: scalingCfg.MachinesToKeepIdle,
		},
		SpawnSpecFactory: func() lifecycle.SpawnSpec {
			return lifecycle.SpawnSpec{
				RAMTier:       "standard",
				StorageVolume: runpodCfg.StorageName,
				Spec: cloud.Spec{
					GPUTypeDisplayName: runpodCfg.GPUType,
					ContainerImage:     runpodCfg.WorkerImage,
					ContainerDiskGB:    runpodCfg.ContainerDiskGB,
					VolumeMountPath:    runpodCfg.VolumeMountPath,
					NetworkVolumeName:  runpodCfg.StorageName,
					SSHPublicKey:       runpodCfg.SSHPublicKey,
					Ports:              []string{"22/tcp"},
				},
				Injection: cloud.EnvInjection{
					StoreURL:               storeCfg.SupabaseURL,
					StoreServiceRoleKey:    storeCfg.SupabaseServiceRoleKey,
					TaskCompletionEndpoint: runpodCfg.TaskCompletionEndpoint,
				},
			}
		},
	}

	api := statusapi.NewServer(st)
	statusCfg, err := config.GetStatusAPIConfig()
	if err != nil {
		log.Fatalf("status api config error: %v", err)
	}
	loopCfg.OnCycle = func(summary model.CycleSummary) {
		api.RecordCycle(summary)
		if bus == nil {
			return
		}
		publishCycleEvents(ctx, bus, summary)
	}

	loop := control.NewLoop(loopCfg, st, lm, valve, sink, clock.NewReal())

	switch mode {
	case "single":
		summary := loop.RunOnce(ctx)
		if summary.Err != nil {
			os.Exit(1)
		}
		return
	case "reconcile":
		orphans, err := orphan.ReconcilePods(ctx, provider, st)
		if err != nil {
			log.Fatalf("reconcile failed: %v", err)
		}
		telemetry.Log.Info().Int("orphans", len(orphans)).Msg("reconcile complete")
		return
	case "continuous":
		httpServer := &http.Server{Addr: statusCfg.Addr, Handler: api.Router()}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				telemetry.Log.Error().Err(err).Msg("status api server error")
			}
		}()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

		done := make(chan struct{})
		go func() {
			defer close(done)
			loop.RunContinuous(ctx)
		}()

		<-stop
		telemetry.Log.Info().Msg("shutting down orchestrator gracefully")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)

		select {
		case <-done:
		case <-shutdownCtx.Done():
			telemetry.Log.Warn().Msg("graceful shutdown timed out")
		}
	default:
		log.Fatalf("unknown mode %q: expected single, continuous or reconcile", mode)
	}
}

// publishCycleEvents fans the cycle summary out to the event bus:
// always the summary itself, plus a dedicated event whenever the cycle
// surfaced anomalies or the safety valve closed.
func publishCycleEvents(ctx context.Context, bus eventbus.Bus, summary model.CycleSummary) {
	payload, err := json.Marshal(summary)
	if err != nil {
		telemetry.Log.Error().Err(err).Msg("failed to marshal cycle summary for event bus")
		return
	}
	if err := bus.Publish(ctx, eventbus.EventCycleSummary, payload); err != nil {
		telemetry.Log.Warn().Err(err).Msg("failed to publish cycle summary event")
	}
	if len(summary.Anomalies) > 0 {
		if err := bus.Publish(ctx, eventbus.EventAnomaly, payload); err != nil {
			telemetry.Log.Warn().Err(err).Msg("failed to publish anomaly event")
		}
	}
	if !summary.SafetyValveOpen {
		if err := bus.Publish(ctx, eventbus.EventSafetyValve, payload); err != nil {
			telemetry.Log.Warn().Err(err).Msg("failed to publish safety valve event")
		}
	}
}
