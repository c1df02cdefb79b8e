// Package model holds the data-transfer types shared between the
// orchestrator's control-loop components and its store/cloud adapters.
package model

import (
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskQueued     TaskStatus = "Queued"
	TaskInProgress TaskStatus = "In Progress"
	TaskComplete   TaskStatus = "Complete"
	TaskFailed     TaskStatus = "Failed"
	TaskCancelled  TaskStatus = "Cancelled"
)

// Task mirrors the externally-owned tasks table. The orchestrator only
// reads counts and resets orphans; it never creates or completes tasks.
type Task struct {
	ID                  string
	Status              TaskStatus
	Attempts            int
	WorkerID            *string
	GenerationStartedAt *time.Time
	TaskType            string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsParent reports whether this task's type marks it as an orchestrator
// task; orphan recovery must never reset a parent task.
func (t Task) IsParent() bool {
	return strings.Contains(strings.ToLower(t.TaskType), "orchestrator")
}

type WorkerStatus string

const (
	WorkerSpawning    WorkerStatus = "spawning"
	WorkerActive      WorkerStatus = "active"
	WorkerTerminating WorkerStatus = "terminating"
	WorkerTerminated  WorkerStatus = "terminated"
	WorkerError       WorkerStatus = "error"
)

// WorkerMetadata is the tagged structure backing the worker's JSONB
// metadata column: a well-known core plus an open extension bag, which is
// the Go rendering of the "dynamic metadata bag" redesign note.
type WorkerMetadata struct {
	RunpodID           string         `json:"runpod_id,omitempty"`
	PodDetails         map[string]any `json:"pod_details,omitempty"`
	SSHDetails         map[string]any `json:"ssh_details,omitempty"`
	Ready              bool           `json:"ready"`
	OrchestratorStatus string         `json:"orchestrator_status,omitempty"`
	PromotedToActiveAt *time.Time     `json:"promoted_to_active_at,omitempty"`
	TerminatedAt       *time.Time     `json:"terminated_at,omitempty"`
	ErrorReason        string         `json:"error_reason,omitempty"`
	RAMTier            string         `json:"ram_tier,omitempty"`
	StorageVolume      string         `json:"storage_volume,omitempty"`
	VRAMTotalMB        int            `json:"vram_total_mb,omitempty"`
	VRAMUsedMB         int            `json:"vram_used_mb,omitempty"`
	VRAMTimestamp      *time.Time     `json:"vram_timestamp,omitempty"`
	TerminatingSince   *time.Time     `json:"terminating_since,omitempty"`
	Extra              map[string]any `json:"extra,omitempty"`
}

// Worker mirrors the externally-persisted workers row.
type Worker struct {
	ID            string
	Status        WorkerStatus
	CreatedAt     time.Time
	LastHeartbeat *time.Time
	Metadata      WorkerMetadata
}

// IsGracefulDrain reports whether a terminal worker got there via an
// orchestrator-initiated scale-down rather than a detected failure. Per
// spec.md §4.6's calibration note, the safety valve is conservative in the
// absence of this marker: anything not explicitly drained counts as failed.
func (w Worker) IsGracefulDrain() bool {
	return w.Metadata.OrchestratorStatus == string(WorkerTerminating) && w.Metadata.ErrorReason == ""
}

// CycleActionCounts tallies what a single control-loop cycle did.
type CycleActionCounts struct {
	WorkersPromoted   int
	WorkersFailed     int
	WorkersSpawned    int
	WorkersTerminated int
	OrphanTasksReset  int
}

// ScalingDecision is the observable outcome of one planner invocation.
type ScalingDecision string

const (
	DecisionMaintain    ScalingDecision = "MAINTAIN"
	DecisionScaleUp     ScalingDecision = "SCALE_UP"
	DecisionScaleDown   ScalingDecision = "SCALE_DOWN"
	DecisionValveClosed ScalingDecision = "VALVE_CLOSED"
)

// CycleSummary is the in-memory per-cycle artefact the driver produces and
// hands to the log sink; it is discarded at the end of the cycle.
type CycleSummary struct {
	CycleNumber     int64
	Timestamp       time.Time
	QueuedOnly      int
	ActiveOnly      int
	Workload        int
	Capacity        int
	DesiredWorkers  int
	Decision        ScalingDecision
	TasksByStatus   map[TaskStatus]int
	WorkersByStatus map[WorkerStatus]int
	Actions         CycleActionCounts
	Anomalies       []string
	SafetyValveOpen bool
	SafetyValveNote string
	Duration        time.Duration
	Err             error
}

type LogLevel string

const (
	LogDebug    LogLevel = "DEBUG"
	LogInfo     LogLevel = "INFO"
	LogWarning  LogLevel = "WARNING"
	LogError    LogLevel = "ERROR"
	LogCritical LogLevel = "CRITICAL"
)

type LogSourceType string

const (
	SourceOrchestratorGPU LogSourceType = "orchestrator_gpu"
	SourceOrchestratorAPI LogSourceType = "orchestrator_api"
	SourceWorker          LogSourceType = "worker"
)

// LogRecord is an immutable event row shipped to the shared log store.
type LogRecord struct {
	Timestamp   time.Time
	SourceType  LogSourceType
	SourceID    string
	Level       LogLevel
	Message     string
	TaskID      *string
	WorkerID    *string
	CycleNumber *int64
	Metadata    map[string]any
}

// OrphanPod describes a mismatch between the cloud provider's pod list and
// the store's worker rows, surfaced by the auxiliary reconciliation pass.
type OrphanPod struct {
	CloudID    string
	WorkerID   string // empty when the pod has no matching worker row
	Reason     string
	DetectedAt time.Time
}

// ErrorKind is the closed error taxonomy described by spec.md §7/§9.
// internal/control wraps each failed cycle step's error as ErrTransient
// and returns it on CycleSummary.Err; nothing in the repository switches
// on Kind, and the other kinds are not produced by any component.
type ErrorKind string

const (
	ErrTransient      ErrorKind = "transient"
	ErrFatal          ErrorKind = "fatal"
	ErrConfigInvalid  ErrorKind = "config_invalid"
	ErrCloudTransient ErrorKind = "cloud_transient"
	ErrCloudFatal     ErrorKind = "cloud_fatal"
	ErrLoggingFailure ErrorKind = "logging_failure"
)

// OrchestratorError wraps a cause with a taxonomy kind so callers can
// branch on Kind without type-asserting concrete adapter error types.
type OrchestratorError struct {
	Kind  ErrorKind
	Cause error
}

func (e *OrchestratorError) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Cause.Error()
}

func (e *OrchestratorError) Unwrap() error { return e.Cause }

func NewError(kind ErrorKind, cause error) *OrchestratorError {
	return &OrchestratorError{Kind: kind, Cause: cause}
}
