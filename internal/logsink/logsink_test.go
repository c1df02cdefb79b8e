package logsink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nimbusgpu/orchestrator/internal/store"
	"github.com/nimbusgpu/orchestrator/model"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	store.Store
	mu       sync.Mutex
	received []model.LogRecord
	failN    int
}

func (f *fakeStore) InsertLogsBatch(ctx context.Context, records []model.LogRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return errors.New("transient insert failure")
	}
	f.received = append(f.received, records...)
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func TestSink_EnqueueDropsOldestWhenFull(t *testing.T) {
	fs := &fakeStore{}
	s, err := New(fs, Config{MaxQueue: 2, LocalFilePath: t.TempDir() + "/init.log"})
	require.NoError(t, err)

	s.Enqueue(model.LogRecord{Message: "one"})
	s.Enqueue(model.LogRecord{Message: "two"})
	s.Enqueue(model.LogRecord{Message: "three"})

	stats := s.Stats()
	require.Equal(t, int64(1), stats.Dropped)
	require.Equal(t, 2, stats.Queued)
}

func TestSink_FlushesOnBatchSize(t *testing.T) {
	fs := &fakeStore{}
	s, err := New(fs, Config{MaxQueue: 100, BatchSize: 2, FlushInterval: time.Hour, LocalFilePath: t.TempDir() + "/init.log"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	s.Enqueue(model.LogRecord{Message: "one"})
	s.Enqueue(model.LogRecord{Message: "two"})

	require.Eventually(t, func() bool { return fs.count() == 2 }, time.Second, 10*time.Millisecond)
	require.Equal(t, int64(2), s.Stats().Sent)
}

func TestSink_DiscardsAfterRetryExhaustion(t *testing.T) {
	fs := &fakeStore{failN: 10}
	s, err := New(fs, Config{MaxQueue: 100, BatchSize: 1, FlushInterval: time.Hour, MaxRetries: 1, LocalFilePath: t.TempDir() + "/init.log"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	s.Enqueue(model.LogRecord{Message: "one"})

	require.Eventually(t, func() bool { return s.Stats().Errors >= 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, 0, fs.count())
}

func TestSink_StopDrainsQueueBeforeExit(t *testing.T) {
	fs := &fakeStore{}
	s, err := New(fs, Config{MaxQueue: 100, BatchSize: 10, FlushInterval: time.Hour, DrainTimeout: time.Second, LocalFilePath: t.TempDir() + "/init.log"})
	require.NoError(t, err)

	ctx := context.Background()
	s.Start(ctx)

	s.Enqueue(model.LogRecord{Message: "pending"})
	s.Stop(ctx)

	require.Equal(t, 1, fs.count())
}
