// Package redis implements a cache.Cache backend over go-redis with
// msgpack-encoded values and otel span instrumentation, for deployments
// that run the orchestrator across multiple replicas sharing one cache.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/nimbusgpu/orchestrator/internal/cache"
	"github.com/nimbusgpu/orchestrator/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Client struct {
	client *redis.Client
	ttl    int
}

func New(ctx context.Context, addr, password string, ttlSeconds int) (cache.Cache, error) {
	rc := redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        password,
		DB:              0,
		PoolSize:        50,
		MinIdleConns:    10,
		PoolTimeout:     1 * time.Second,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 500 * time.Millisecond,
		ConnMaxIdleTime: 10 * time.Minute,
		ConnMaxLifetime: 30 * time.Minute,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{client: rc, ttl: ttlSeconds}, nil
}

func (r *Client) Put(ctx context.Context, key string, value interface{}, ttl int) error {
	ctx, span := telemetry.Tracer().Start(ctx, "Redis/Put")
	defer span.End()
	if key == "" {
		err := fmt.Errorf("key cannot be empty")
		telemetry.RecordSpanError(span, err)
		return err
	}
	span.AddEvent("redis.context", trace.WithAttributes(attribute.String("key", key)))
	if value == nil {
		err := fmt.Errorf("value cannot be nil")
		telemetry.RecordSpanError(span, err)
		return err
	}
	b, err := msgpack.Marshal(value)
	if err != nil {
		err = fmt.Errorf("failed to marshal value for key %s: %w", key, err)
		telemetry.RecordSpanError(span, err)
		return err
	}
	if err := r.client.Set(ctx, key, b, time.Duration(ttl)*time.Second).Err(); err != nil {
		telemetry.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (r *Client) Get(ctx context.Context, key string, value interface{}) error {
	ctx, span := telemetry.Tracer().Start(ctx, "Redis/Get")
	defer span.End()
	if key == "" {
		err := fmt.Errorf("key cannot be empty")
		telemetry.RecordSpanError(span, err)
		return err
	}
	span.AddEvent("redis.context", trace.WithAttributes(attribute.String("key", key)))

	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		err = fmt.Errorf("failed to retrieve value for key %s: %w", key, err)
		telemetry.RecordSpanError(span, err)
		return err
	}
	if err := msgpack.Unmarshal(val, value); err != nil {
		err = fmt.Errorf("failed to unmarshal value for key %s: %w", key, err)
		telemetry.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (r *Client) GetDefaultTTL() int {
	return r.ttl
}

func (r *Client) Close() error {
	return r.client.Close()
}
