// Package config loads the orchestrator's environment-driven configuration,
// one Get<X>Config function per concern, in the style the rest of this
// codebase uses for its own component configs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ScalingConfig holds the fleet-sizing and timing knobs read by the
// planner, lifecycle manager and control loop.
type ScalingConfig struct {
	MinActiveGPUs              int
	MaxActiveGPUs              int
	TasksPerGPUThreshold       int
	MachinesToKeepIdle         int
	GPUIdleTimeoutSec          int
	TaskStuckTimeoutSec        int
	SpawningTimeoutSec         int
	GracefulShutdownTimeoutSec int
	FailsafeStaleThresholdSec  int
	WorkerGracePeriodSec       int
	OrchestratorPollSec        int
	MaxWorkerFailureRate       float64
	FailureWindowMinutes       int
	MinWorkersForRateCheck     int
}

func (c *ScalingConfig) PollInterval() time.Duration {
	return time.Duration(c.OrchestratorPollSec) * time.Second
}

// LogSinkConfig holds the knobs for the async log sink.
type LogSinkConfig struct {
	Enabled       bool
	MinLevel      string
	BatchSize     int
	FlushInterval time.Duration
	Required      bool
	LocalFilePath string
}

// IdentityConfig holds the instance identity used to stamp log records.
type IdentityConfig struct {
	InstanceID string
}

// RunpodConfig holds the RunPod cloud adapter's credentials and pod spec.
type RunpodConfig struct {
	APIKey                 string
	GPUType                string
	WorkerImage            string
	StorageName            string
	VolumeMountPath        string
	DiskSizeGB             int
	ContainerDiskGB        int
	SSHPublicKey           string
	SSHPrivateKey          string
	TaskCompletionEndpoint string
}

// StoreConfig holds the Supabase/Postgres store adapter's credentials.
type StoreConfig struct {
	SupabaseURL            string
	SupabaseServiceRoleKey string
}

// TelemetryConfig holds optional tracing/caching ambient knobs.
type TelemetryConfig struct {
	OTLPEndpoint string
	CacheTTLSec  int
}

// CacheConfig selects and configures the GPU-type memoisation cache.
type CacheConfig struct {
	Type          string
	RedisAddr     string
	RedisPassword string
}

// ArchiveConfig holds the optional MinIO log-archive mirror's settings.
// Archiving is skipped entirely when Endpoint is empty.
type ArchiveConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// EventBusConfig holds the optional NATS JetStream event publisher's
// settings. Publishing is skipped entirely when URL is empty.
type EventBusConfig struct {
	URL string
}

// StatusAPIConfig holds the read-only ops HTTP API's listen address.
type StatusAPIConfig struct {
	Addr string
}

func env(key string) string {
	return os.Getenv(key)
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func convertStringToInt(s string, key string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return -1, fmt.Errorf("error initializing config with key: %s, err: %v", key, err)
	}
	return v, nil
}

func convertStringToFloat(s string, key string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return -1, fmt.Errorf("error initializing config with key: %s, err: %v", key, err)
	}
	return v, nil
}

func intOr(key string, def int) (int, error) {
	v := env(key)
	if v == "" {
		return def, nil
	}
	return convertStringToInt(v, key)
}

func floatOr(key string, def float64) (float64, error) {
	v := env(key)
	if v == "" {
		return def, nil
	}
	return convertStringToFloat(v, key)
}

func boolOr(key string, def bool) bool {
	v := env(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1"
}

func GetScalingConfig() (*ScalingConfig, error) {
	minGPUs, err := intOr("MIN_ACTIVE_GPUS", 2)
	if err != nil {
		return nil, err
	}
	maxGPUs, err := intOr("MAX_ACTIVE_GPUS", 10)
	if err != nil {
		return nil, err
	}
	if maxGPUs < minGPUs {
		return nil, fmt.Errorf("KEY: MAX_ACTIVE_GPUS (%d) is below MIN_ACTIVE_GPUS (%d)", maxGPUs, minGPUs)
	}
	tasksPerGPU, err := intOr("TASKS_PER_GPU_THRESHOLD", 3)
	if err != nil {
		return nil, err
	}
	idleBuffer, err := intOr("MACHINES_TO_KEEP_IDLE", 0)
	if err != nil {
		return nil, err
	}
	idleTimeout, err := intOr("GPU_IDLE_TIMEOUT_SEC", 300)
	if err != nil {
		return nil, err
	}
	stuckTimeout, err := intOr("TASK_STUCK_TIMEOUT_SEC", 300)
	if err != nil {
		return nil, err
	}
	spawningTimeout, err := intOr("SPAWNING_TIMEOUT_SEC", 300)
	if err != nil {
		return nil, err
	}
	shutdownTimeout, err := intOr("GRACEFUL_SHUTDOWN_TIMEOUT_SEC", 600)
	if err != nil {
		return nil, err
	}
	failsafeThreshold, err := intOr("FAILSAFE_STALE_THRESHOLD_SEC", 900)
	if err != nil {
		return nil, err
	}
	graceSec, err := intOr("WORKER_GRACE_PERIOD_SEC", 120)
	if err != nil {
		return nil, err
	}
	pollSec, err := intOr("ORCHESTRATOR_POLL_SEC", 30)
	if err != nil {
		return nil, err
	}
	maxFailureRate, err := floatOr("MAX_WORKER_FAILURE_RATE", 0.8)
	if err != nil {
		return nil, err
	}
	failureWindow, err := intOr("FAILURE_WINDOW_MINUTES", 30)
	if err != nil {
		return nil, err
	}
	minSample, err := intOr("MIN_WORKERS_FOR_RATE_CHECK", 5)
	if err != nil {
		return nil, err
	}
	return &ScalingConfig{
		MinActiveGPUs:              minGPUs,
		MaxActiveGPUs:              maxGPUs,
		TasksPerGPUThreshold:       tasksPerGPU,
		MachinesToKeepIdle:         idleBuffer,
		GPUIdleTimeoutSec:          idleTimeout,
		TaskStuckTimeoutSec:        stuckTimeout,
		SpawningTimeoutSec:         spawningTimeout,
		GracefulShutdownTimeoutSec: shutdownTimeout,
		FailsafeStaleThresholdSec:  failsafeThreshold,
		WorkerGracePeriodSec:       graceSec,
		OrchestratorPollSec:        pollSec,
		MaxWorkerFailureRate:       maxFailureRate,
		FailureWindowMinutes:       failureWindow,
		MinWorkersForRateCheck:     minSample,
	}, nil
}

func GetLogSinkConfig() (*LogSinkConfig, error) {
	batchSize, err := intOr("DB_LOG_BATCH_SIZE", 50)
	if err != nil {
		return nil, err
	}
	flushSec, err := intOr("DB_LOG_FLUSH_INTERVAL", 5)
	if err != nil {
		return nil, err
	}
	return &LogSinkConfig{
		Enabled:       boolOr("ENABLE_DB_LOGGING", false),
		MinLevel:      envOr("DB_LOG_LEVEL", "INFO"),
		BatchSize:     batchSize,
		FlushInterval: time.Duration(flushSec) * time.Second,
		Required:      boolOr("DB_LOGGING_REQUIRED", false),
		LocalFilePath: envOr("LOG_LOCAL_FILE_PATH", "/var/log/orchestrator/init-failures.log"),
	}, nil
}

func GetIdentityConfig() (*IdentityConfig, error) {
	id := env("ORCHESTRATOR_INSTANCE_ID")
	if id == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "orchestrator"
		}
		id = host + "-" + strconv.FormatInt(int64(os.Getpid()), 10)
	}
	return &IdentityConfig{InstanceID: id}, nil
}

func GetRunpodConfig() (*RunpodConfig, error) {
	apiKey := env("RUNPOD_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("KEY: RUNPOD_API_KEY is empty")
	}
	gpuType := env("RUNPOD_GPU_TYPE")
	if gpuType == "" {
		return nil, fmt.Errorf("KEY: RUNPOD_GPU_TYPE is empty")
	}
	image := env("RUNPOD_WORKER_IMAGE")
	if image == "" {
		return nil, fmt.Errorf("KEY: RUNPOD_WORKER_IMAGE is empty")
	}
	diskSize, err := intOr("RUNPOD_DISK_SIZE_GB", 20)
	if err != nil {
		return nil, err
	}
	containerDisk, err := intOr("RUNPOD_CONTAINER_DISK_GB", 20)
	if err != nil {
		return nil, err
	}
	return &RunpodConfig{
		APIKey:                 apiKey,
		GPUType:                gpuType,
		WorkerImage:            image,
		StorageName:            env("RUNPOD_STORAGE_NAME"),
		VolumeMountPath:        envOr("RUNPOD_VOLUME_MOUNT_PATH", "/workspace"),
		DiskSizeGB:             diskSize,
		ContainerDiskGB:        containerDisk,
		SSHPublicKey:           env("RUNPOD_SSH_PUBLIC_KEY"),
		SSHPrivateKey:          env("RUNPOD_SSH_PRIVATE_KEY"),
		TaskCompletionEndpoint: env("TASK_COMPLETION_ENDPOINT"),
	}, nil
}

func GetStoreConfig() (*StoreConfig, error) {
	url := env("SUPABASE_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: SUPABASE_URL is empty")
	}
	key := env("SUPABASE_SERVICE_ROLE_KEY")
	if key == "" {
		return nil, fmt.Errorf("KEY: SUPABASE_SERVICE_ROLE_KEY is empty")
	}
	return &StoreConfig{
		SupabaseURL:            url,
		SupabaseServiceRoleKey: key,
	}, nil
}

func GetTelemetryConfig() (*TelemetryConfig, error) {
	ttl, err := intOr("ORCHESTRATOR_CACHE_TTL_SEC", 300)
	if err != nil {
		return nil, err
	}
	return &TelemetryConfig{
		OTLPEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT"),
		CacheTTLSec:  ttl,
	}, nil
}

func GetCacheConfig() (*CacheConfig, error) {
	return &CacheConfig{
		Type:          envOr("CACHE_TYPE", "freecache"),
		RedisAddr:     envOr("REDIS_URL", "localhost:6379"),
		RedisPassword: env("REDIS_PASSWORD"),
	}, nil
}

func GetArchiveConfig() (*ArchiveConfig, error) {
	return &ArchiveConfig{
		Endpoint:  env("MINIO_ENDPOINT"),
		Bucket:    envOr("MINIO_LOG_BUCKET", "orchestrator-logs"),
		AccessKey: env("MINIO_ACCESS_KEY"),
		SecretKey: env("MINIO_SECRET_KEY"),
		UseSSL:    boolOr("MINIO_USE_SSL", true),
	}, nil
}

func GetEventBusConfig() (*EventBusConfig, error) {
	return &EventBusConfig{URL: env("NATS_URL")}, nil
}

func GetStatusAPIConfig() (*StatusAPIConfig, error) {
	return &StatusAPIConfig{Addr: envOr("STATUS_API_ADDR", ":8090")}, nil
}
