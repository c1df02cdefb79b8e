// Package logsink implements the orchestrator's centralized, non-blocking
// log shipping pipeline (C3): a single in-process instance batches records
// and flushes them through the store adapter, grounded on the teacher's
// background drain-then-shutdown pattern in its sandbox manager.
package logsink

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nimbusgpu/orchestrator/internal/store"
	"github.com/nimbusgpu/orchestrator/model"
	"github.com/rs/zerolog"
)

// Stats is the health snapshot exposed by Sink.Stats.
type Stats struct {
	Queued  int
	Sent    int64
	Dropped int64
	Errors  int64
	Batches int64
	Alive   bool
}

// InitError is returned by New when the sink cannot be constructed; the
// caller treats it as fatal iff DB_LOGGING_REQUIRED=true.
type InitError struct {
	Cause error
}

func (e *InitError) Error() string { return "logsink: initialization failed: " + e.Cause.Error() }
func (e *InitError) Unwrap() error { return e.Cause }

// Archiver mirrors a flushed batch to cold storage. Implemented by
// internal/archive.Archiver; kept as a narrow interface here so logsink
// never depends on MinIO directly.
type Archiver interface {
	ArchiveBatch(ctx context.Context, cycle int64, records []model.LogRecord) error
}

// Config configures a Sink.
type Config struct {
	MaxQueue      int
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	DrainTimeout  time.Duration
	LocalFilePath string
	Archiver      Archiver
}

func (c Config) withDefaults() Config {
	if c.MaxQueue == 0 {
		c.MaxQueue = 10000
	}
	if c.BatchSize == 0 {
		c.BatchSize = 50
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 10 * time.Second
	}
	if c.LocalFilePath == "" {
		c.LocalFilePath = "/var/log/orchestrator/init-failures.log"
	}
	return c
}

// stderrLog is always available, even when the store is degraded: the
// sink's own CRITICAL diagnostics never go through the pipeline it runs.
var stderrLog = zerolog.New(os.Stderr).With().Timestamp().Str("component", "logsink").Logger()

// Sink batches log records in memory and flushes them through a
// store.Store on an interval or batch-size trigger.
type Sink struct {
	cfg      Config
	store    store.Store
	archiver Archiver

	mu      sync.Mutex
	buffer  []model.LogRecord
	stats   Stats
	running bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Sink. It never returns a nil *Sink alongside a nil
// error; on failure to prepare the local failure-log file it returns an
// *InitError, writing the diagnosis both to stderr and, where possible, to
// the configured local file, per spec.md §4.3's "must fail loudly" rule.
func New(st store.Store, cfg Config) (*Sink, error) {
	cfg = cfg.withDefaults()

	if err := ensureLocalLogFile(cfg.LocalFilePath); err != nil {
		stderrLog.Error().Err(err).Str("path", cfg.LocalFilePath).Msg("CRITICAL: log sink cannot prepare local failure log")
		writeLocalFailure(cfg.LocalFilePath, err)
		return nil, &InitError{Cause: err}
	}

	return &Sink{
		cfg:      cfg,
		store:    st,
		archiver: cfg.Archiver,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

func ensureLocalLogFile(path string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

func writeLocalFailure(path string, cause error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s CRITICAL log sink init failure: %v\n", time.Now().UTC().Format(time.RFC3339), cause)
}

// Enqueue never blocks and never returns an error to the caller: if the
// buffer is full, the oldest record is dropped and the drop counter
// incremented.
func (s *Sink) Enqueue(rec model.LogRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buffer) >= s.cfg.MaxQueue {
		s.buffer = s.buffer[1:]
		s.stats.Dropped++
	}
	s.buffer = append(s.buffer, rec)
	s.stats.Queued = len(s.buffer)
}

// Start launches the background flush loop. It is idempotent.
func (s *Sink) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stats.Alive = true
	s.mu.Unlock()

	go s.run(ctx)
}

func (s *Sink) run(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flush(context.Background())
			s.setAlive(false)
			return
		case <-s.stopCh:
			s.flush(context.Background())
			s.setAlive(false)
			return
		case <-ticker.C:
			s.flush(ctx)
		default:
			s.mu.Lock()
			full := len(s.buffer) >= s.cfg.BatchSize
			s.mu.Unlock()
			if full {
				s.flush(ctx)
			}
			time.Sleep(50 * time.Millisecond)
		}
	}
}

func (s *Sink) setAlive(alive bool) {
	s.mu.Lock()
	s.stats.Alive = alive
	s.mu.Unlock()
}

func (s *Sink) flush(ctx context.Context) {
	batch := s.takeBatch()
	if len(batch) == 0 {
		return
	}

	var err error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		err = s.store.InsertLogsBatch(ctx, batch)
		if err == nil {
			break
		}
		if attempt < s.cfg.MaxRetries {
			time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
		}
	}

	s.mu.Lock()
	s.stats.Batches++
	if err != nil {
		s.stats.Errors++
		stderrLog.Error().Err(err).Int("batch_size", len(batch)).Msg("log batch discarded after retry exhaustion")
	} else {
		s.stats.Sent += int64(len(batch))
	}
	s.mu.Unlock()

	if err == nil && s.archiver != nil {
		var cycle int64
		if batch[0].CycleNumber != nil {
			cycle = *batch[0].CycleNumber
		}
		if aerr := s.archiver.ArchiveBatch(ctx, cycle, batch); aerr != nil {
			stderrLog.Warn().Err(aerr).Msg("log batch archive mirror failed")
		}
	}
}

func (s *Sink) takeBatch() []model.LogRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffer) == 0 {
		return nil
	}
	n := len(s.buffer)
	if n > s.cfg.BatchSize {
		n = s.cfg.BatchSize
	}
	batch := make([]model.LogRecord, n)
	copy(batch, s.buffer[:n])
	s.buffer = s.buffer[n:]
	s.stats.Queued = len(s.buffer)
	return batch
}

// Stop signals the flush loop to drain the queue and exit, waiting up to
// the configured drain timeout. Records still queued beyond that deadline
// are dropped and counted.
func (s *Sink) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)

	deadline := time.NewTimer(s.cfg.DrainTimeout)
	defer deadline.Stop()

	select {
	case <-s.doneCh:
	case <-deadline.C:
		s.mu.Lock()
		s.stats.Dropped += int64(len(s.buffer))
		s.buffer = nil
		s.mu.Unlock()
		stderrLog.Warn().Msg("log sink drain deadline exceeded; remaining records dropped")
	case <-ctx.Done():
	}
}

// Stats returns a snapshot of the sink's counters.
func (s *Sink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// HealthCheck verifies the sink is alive and that Sent has advanced since
// the last call, per spec.md §4.3's health-check contract. It restarts the
// flush loop once on failure before surfacing an error.
func (s *Sink) HealthCheck(ctx context.Context, lastSent int64) (currentSent int64, healthy bool) {
	stats := s.Stats()
	if !stats.Alive {
		stderrLog.Error().Msg("CRITICAL: log sink is not alive, attempting restart")
		s.mu.Lock()
		s.stopCh = make(chan struct{})
		s.doneCh = make(chan struct{})
		s.running = true
		s.stats.Alive = true
		s.mu.Unlock()
		go s.run(ctx)
		return stats.Sent, false
	}
	return stats.Sent, stats.Sent > lastSent || stats.Queued == 0
}
