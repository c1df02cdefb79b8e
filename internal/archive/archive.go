// Package archive mirrors log records to object storage ahead of the
// store's retention cleanup, a domain expansion grounded on the original's
// database retention policy and the teacher's MinIO storage adapter.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/nimbusgpu/orchestrator/internal/telemetry"
	"github.com/nimbusgpu/orchestrator/model"
)

// Archiver writes batches of log records to a bucket, keyed by day and
// cycle, so operators can inspect logs the retention cleanup has deleted
// from the store.
type Archiver struct {
	client    *minio.Client
	bucket    string
	transport *http.Transport
}

type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

func New(cfg Config) (*Archiver, error) {
	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   50,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       120 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}

	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Transport: transport,
	})
	if err != nil {
		return nil, err
	}

	return &Archiver{client: cli, bucket: cfg.Bucket, transport: transport}, nil
}

// ArchiveBatch writes records as a newline-delimited JSON object named by
// the first record's UTC day and the given cycle number.
func (a *Archiver) ArchiveBatch(ctx context.Context, cycle int64, records []model.LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	ctx, span := telemetry.Tracer().Start(ctx, "Archive/ArchiveBatch")
	defer span.End()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			telemetry.RecordSpanError(span, err)
			return err
		}
	}

	day := records[0].Timestamp.UTC().Format("2006-01-02")
	objectPath := fmt.Sprintf("logs/%s/cycle-%d.jsonl", day, cycle)

	_, err := a.client.PutObject(ctx, a.bucket, objectPath, bytes.NewReader(buf.Bytes()), int64(buf.Len()), minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
	})
	if err != nil {
		telemetry.RecordSpanError(span, err)
		return err
	}
	return nil
}

// FetchBatch reads back a previously archived batch, used by the debug CLI.
func (a *Archiver) FetchBatch(ctx context.Context, objectPath string) ([]byte, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "Archive/FetchBatch")
	defer span.End()

	obj, err := a.client.GetObject(ctx, a.bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		telemetry.RecordSpanError(span, err)
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		telemetry.RecordSpanError(span, err)
		return nil, err
	}
	return data, nil
}

func (a *Archiver) Close() {
	a.transport.CloseIdleConnections()
}
