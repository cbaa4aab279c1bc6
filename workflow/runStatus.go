package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/mmdatafocus/gstrecon_backend/config"
	"github.com/redis/go-redis/v9"
)

const lastRunKey = "recon:last_run"

// RunRecorder keeps the summary of the most recent run.
type RunRecorder interface {
	Record(ctx context.Context, s RunSummary) error
	Last(ctx context.Context) (*RunSummary, error)
}

// RedisRunRecorder shares the last run across instances.
type RedisRunRecorder struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisRunRecorder(rdb *redis.Client) *RedisRunRecorder {
	return &RedisRunRecorder{rdb: rdb, ttl: 7 * 24 * time.Hour}
}

func (r *RedisRunRecorder) Record(ctx context.Context, s RunSummary) error {
	return config.SetRedisObject(ctx, r.rdb, lastRunKey, s, r.ttl)
}

func (r *RedisRunRecorder) Last(ctx context.Context) (*RunSummary, error) {
	var s RunSummary
	found, err := config.GetRedisObject(ctx, r.rdb, lastRunKey, &s)
	if err != nil || !found {
		return nil, err
	}
	return &s, nil
}

// MemoryRunRecorder is used when redis is not configured.
type MemoryRunRecorder struct {
	mu   sync.Mutex
	last *RunSummary
}

func NewMemoryRunRecorder() *MemoryRunRecorder {
	return &MemoryRunRecorder{}
}

func (m *MemoryRunRecorder) Record(_ context.Context, s RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = &s
	return nil
}

func (m *MemoryRunRecorder) Last(context.Context) (*RunSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil, nil
	}
	s := *m.last
	return &s, nil
}
