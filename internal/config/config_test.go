package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetScalingConfig_Defaults(t *testing.T) {
	cfg, err := GetScalingConfig()
	require.NoError(t, err)
	require.Equal(t, 2, cfg.MinActiveGPUs)
	require.Equal(t, 10, cfg.MaxActiveGPUs)
	require.Equal(t, 30*time.Second, cfg.PollInterval())
}

func TestGetScalingConfig_RejectsMaxBelowMin(t *testing.T) {
	t.Setenv("MIN_ACTIVE_GPUS", "10")
	t.Setenv("MAX_ACTIVE_GPUS", "2")

	_, err := GetScalingConfig()
	require.Error(t, err)
}

func TestGetScalingConfig_HonorsOverrides(t *testing.T) {
	t.Setenv("MIN_ACTIVE_GPUS", "1")
	t.Setenv("MAX_ACTIVE_GPUS", "4")
	t.Setenv("MAX_WORKER_FAILURE_RATE", "0.5")

	cfg, err := GetScalingConfig()
	require.NoError(t, err)
	require.Equal(t, 1, cfg.MinActiveGPUs)
	require.Equal(t, 4, cfg.MaxActiveGPUs)
	require.InDelta(t, 0.5, cfg.MaxWorkerFailureRate, 0.0001)
}

func TestGetScalingConfig_RejectsNonIntegerOverride(t *testing.T) {
	t.Setenv("MIN_ACTIVE_GPUS", "not-a-number")
	_, err := GetScalingConfig()
	require.Error(t, err)
}

func TestGetRunpodConfig_RequiresAPIKey(t *testing.T) {
	t.Setenv("RUNPOD_API_KEY", "")
	t.Setenv("RUNPOD_GPU_TYPE", "A100")
	t.Setenv("RUNPOD_WORKER_IMAGE", "img")
	_, err := GetRunpodConfig()
	require.Error(t, err)
}

func TestGetRunpodConfig_Valid(t *testing.T) {
	t.Setenv("RUNPOD_API_KEY", "key")
	t.Setenv("RUNPOD_GPU_TYPE", "A100")
	t.Setenv("RUNPOD_WORKER_IMAGE", "img")

	cfg, err := GetRunpodConfig()
	require.NoError(t, err)
	require.Equal(t, "key", cfg.APIKey)
	require.Equal(t, "/workspace", cfg.VolumeMountPath)
}

func TestGetArchiveConfig_DefaultsBucketAndSSL(t *testing.T) {
	cfg, err := GetArchiveConfig()
	require.NoError(t, err)
	require.Equal(t, "orchestrator-logs", cfg.Bucket)
	require.True(t, cfg.UseSSL)
}

func TestGetStatusAPIConfig_Default(t *testing.T) {
	cfg, err := GetStatusAPIConfig()
	require.NoError(t, err)
	require.Equal(t, ":8090", cfg.Addr)
}

func TestGetIdentityConfig_FallsBackToHostnamePID(t *testing.T) {
	t.Setenv("ORCHESTRATOR_INSTANCE_ID", "")
	cfg, err := GetIdentityConfig()
	require.NoError(t, err)
	require.NotEmpty(t, cfg.InstanceID)
}

func TestGetIdentityConfig_UsesEnvOverride(t *testing.T) {
	t.Setenv("ORCHESTRATOR_INSTANCE_ID", "orchestrator-7")
	cfg, err := GetIdentityConfig()
	require.NoError(t, err)
	require.Equal(t, "orchestrator-7", cfg.InstanceID)
}
