package stats

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vipul43/revsync-worker/internal/models"
	"go.uber.org/zap"
)

const (
	jobStatsKey     = "revsync:stats:jobs"
	paymentStatsKey = "revsync:stats:payments"
)

// Snapshot is the counter state grouped by provider
type Snapshot struct {
	Jobs     map[string]map[string]int64 `json:"jobs"`
	Payments map[string]map[string]int64 `json:"payments"`
}

// Recorder counts finished jobs and synced payments in Redis hashes.
// Counter failures are logged and never reach the caller.
type Recorder struct {
	client *redis.Client
	logger *zap.Logger
}

// New connects to redisURL. An empty URL yields a recorder that counts nothing.
func New(ctx context.Context, redisURL string, logger *zap.Logger) (*Recorder, error) {
	if redisURL == "" {
		return &Recorder{logger: logger}, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewWithClient(client, logger), nil
}

func NewWithClient(client *redis.Client, logger *zap.Logger) *Recorder {
	return &Recorder{client: client, logger: logger}
}

// Enabled reports whether counters are backed by Redis
func (r *Recorder) Enabled() bool {
	return r.client != nil
}

func (r *Recorder) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *Recorder) JobFinished(ctx context.Context, provider models.Provider, status models.SyncJobStatus) {
	if r.client == nil {
		return
	}
	if err := r.client.HIncrBy(ctx, jobStatsKey, field(provider, string(status)), 1).Err(); err != nil {
		r.logger.Warn("failed to update job stats", zap.String("provider", string(provider)), zap.Error(err))
	}
}

func (r *Recorder) SyncFinished(ctx context.Context, provider models.Provider, res models.SyncResult) {
	if r.client == nil {
		return
	}
	pipe := r.client.Pipeline()
	for name, n := range map[string]int{
		"synced":  res.Synced,
		"updated": res.Updated,
		"skipped": res.Skipped,
		"ignored": res.Ignored,
		"errors":  res.Errors,
	} {
		if n > 0 {
			pipe.HIncrBy(ctx, paymentStatsKey, field(provider, name), int64(n))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("failed to update payment stats", zap.String("provider", string(provider)), zap.Error(err))
	}
}

// Snapshot reads every counter
func (r *Recorder) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Jobs:     map[string]map[string]int64{},
		Payments: map[string]map[string]int64{},
	}
	if r.client == nil {
		return snap, nil
	}

	jobs, err := r.client.HGetAll(ctx, jobStatsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job stats: %w", err)
	}
	payments, err := r.client.HGetAll(ctx, paymentStatsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read payment stats: %w", err)
	}
	group(snap.Jobs, jobs)
	group(snap.Payments, payments)
	return snap, nil
}

func field(provider models.Provider, name string) string {
	return string(provider) + ":" + name
}

func group(dst map[string]map[string]int64, raw map[string]string) {
	for f, v := range raw {
		provider, name, ok := strings.Cut(f, ":")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		if dst[provider] == nil {
			dst[provider] = map[string]int64{}
		}
		dst[provider][name] = n
	}
}
