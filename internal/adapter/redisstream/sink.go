// Package redisstream implements telemetry.Sink by appending commit events to
// a Redis stream for downstream analytics consumers.
package redisstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Strob0t/MeterForge/internal/config"
	"github.com/Strob0t/MeterForge/internal/port/telemetry"
)

const (
	defaultBuffer = 1024
	writeTimeout  = 2 * time.Second
)

// Sink buffers commit events and XADDs them from a single worker. When the
// buffer is full events are dropped; CommitObserved never blocks.
type Sink struct {
	client *redis.Client
	stream string
	maxLen int64

	events  chan telemetry.CommitEvent
	dropped atomic.Int64
	wg      sync.WaitGroup
	once    sync.Once
}

// NewClient opens a Redis client from configuration and verifies it with PING.
func NewClient(ctx context.Context, cfg config.Redis) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// New starts a sink writing to stream, trimmed approximately to maxLen
// entries (0 disables trimming).
func New(client *redis.Client, stream string, maxLen int64, buffer int) *Sink {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &Sink{
		client: client,
		stream: stream,
		maxLen: maxLen,
		events: make(chan telemetry.CommitEvent, buffer),
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

// CommitObserved implements telemetry.Sink.
func (s *Sink) CommitObserved(_ context.Context, ev telemetry.CommitEvent) {
	select {
	case s.events <- ev:
	default:
		if n := s.dropped.Add(1); n == 1 || n%1000 == 0 {
			slog.Warn("redis commit sink full, dropping events", "dropped", n)
		}
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Close flushes buffered events and stops the worker. CommitObserved must
// not be called after Close.
func (s *Sink) Close() {
	s.once.Do(func() { close(s.events) })
	s.wg.Wait()
}

func (s *Sink) worker() {
	defer s.wg.Done()
	for ev := range s.events {
		if err := s.write(ev); err != nil {
			slog.Warn("redis commit sink write failed", "stream", s.stream, "source_reference", ev.SourceReference, "error", err)
		}
	}
}

func (s *Sink) write(ev telemetry.CommitEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"run_id":           ev.RunID,
			"source_reference": ev.SourceReference,
			"was_new":          ev.WasNew,
			"data":             string(data),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	return s.client.XAdd(ctx, args).Err()
}
