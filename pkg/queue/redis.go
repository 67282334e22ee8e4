package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/talentbase/resumeflow/pkg/config"
)

// Redis key layout. Pending jobs sit on a list per lane; claimed jobs move
// to a per-pod processing list so a crashed pod's work can be recovered;
// retries wait in a sorted set scored by their ready time.
const (
	keyRetryPrefix   = "resumeflow:retry:"      // + lane
	keyProcPrefix    = "resumeflow:processing:" // + lane + ":" + podID
	keyHeartbeatPref = "resumeflow:heartbeat:"  // + jobID
)

// ErrNoJobs signals an empty queue poll.
var ErrNoJobs = errors.New("no jobs available")

// Broker wraps the shared redis connection with the queue operations.
type Broker struct {
	rdb    *redis.Client
	cfg    *config.QueueConfig
	podID  string
	logger *slog.Logger
}

// NewBroker creates a Broker over an existing redis client.
func NewBroker(rdb *redis.Client, cfg *config.QueueConfig, podID string, logger *slog.Logger) *Broker {
	return &Broker{rdb: rdb, cfg: cfg, podID: podID, logger: logger.With("component", "queue")}
}

// Client exposes the underlying redis client for health checks.
func (b *Broker) Client() *redis.Client { return b.rdb }

func (b *Broker) laneKey(lane Lane) string {
	if lane == LaneSlow {
		return b.cfg.SlowQueue
	}
	return b.cfg.FastQueue
}

func (b *Broker) processingKey(lane Lane) string {
	return keyProcPrefix + string(lane) + ":" + b.podID
}

// Enqueue pushes a job onto its lane.
func (b *Broker) Enqueue(ctx context.Context, job *Job) error {
	payload, err := job.encode()
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	if err := b.rdb.LPush(ctx, b.laneKey(job.Lane), payload).Err(); err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}
	b.logger.Info("job enqueued", "job_id", job.JobID, "lane", job.Lane, "filename", job.Filename)
	return nil
}

// Claim atomically moves the oldest pending job onto this pod's
// processing list and returns it.
func (b *Broker) Claim(ctx context.Context, lane Lane) (*Job, error) {
	raw, err := b.rdb.RPopLPush(ctx, b.laneKey(lane), b.processingKey(lane)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJobs
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	job, err := decodeJob(raw)
	if err != nil {
		// Undecodable payloads are dropped from the processing list so they
		// cannot wedge the worker.
		b.rdb.LRem(ctx, b.processingKey(lane), 1, raw)
		return nil, fmt.Errorf("decoding claimed job: %w", err)
	}
	return job, nil
}

// Ack removes a finished job from the processing list.
func (b *Broker) Ack(ctx context.Context, lane Lane, job *Job) error {
	payload, err := job.encode()
	if err != nil {
		return err
	}
	return b.rdb.LRem(ctx, b.processingKey(lane), 1, payload).Err()
}

// Heartbeat refreshes the liveness key for a claimed job. Expiry marks the
// job orphaned.
func (b *Broker) Heartbeat(ctx context.Context, jobID string) error {
	ttl := 3 * b.cfg.HeartbeatInterval
	return b.rdb.Set(ctx, keyHeartbeatPref+jobID, b.podID, ttl).Err()
}

// ClearHeartbeat drops the liveness key when a job finishes.
func (b *Broker) ClearHeartbeat(ctx context.Context, jobID string) {
	b.rdb.Del(ctx, keyHeartbeatPref+jobID)
}

// ScheduleRetry re-enqueues the job after its lane's back-off interval for
// the current attempt. Returns false when the retry budget is exhausted.
func (b *Broker) ScheduleRetry(ctx context.Context, job *Job) (bool, error) {
	intervals := b.cfg.FastRetryIntervals
	if job.Lane == LaneSlow {
		intervals = b.cfg.SlowRetryIntervals
	}
	if job.RetryCount >= len(intervals) {
		return false, nil
	}
	delay := intervals[job.RetryCount]
	job.RetryCount++

	payload, err := job.encode()
	if err != nil {
		return false, fmt.Errorf("encoding retry: %w", err)
	}
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	if err := b.rdb.ZAdd(ctx, keyRetryPrefix+string(job.Lane), redis.Z{Score: readyAt, Member: payload}).Err(); err != nil {
		return false, fmt.Errorf("scheduling retry: %w", err)
	}
	b.logger.Info("job retry scheduled",
		"job_id", job.JobID, "retry_count", job.RetryCount, "delay", delay)
	return true, nil
}

// PumpRetries moves due retries back onto their lane. Returns how many
// jobs were re-enqueued.
func (b *Broker) PumpRetries(ctx context.Context, lane Lane) (int, error) {
	key := keyRetryPrefix + string(lane)
	now := fmt.Sprintf("%d", time.Now().UnixMilli())

	due, err := b.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return 0, fmt.Errorf("reading due retries: %w", err)
	}
	moved := 0
	for _, payload := range due {
		removed, err := b.rdb.ZRem(ctx, key, payload).Result()
		if err != nil || removed == 0 {
			continue // another pod moved it first
		}
		if err := b.rdb.LPush(ctx, b.laneKey(lane), payload).Err(); err != nil {
			return moved, fmt.Errorf("re-enqueueing retry: %w", err)
		}
		moved++
	}
	return moved, nil
}

// Depth returns the number of pending jobs on a lane.
func (b *Broker) Depth(ctx context.Context, lane Lane) (int64, error) {
	return b.rdb.LLen(ctx, b.laneKey(lane)).Result()
}

// ShouldThrottle reports whether the API boundary must defer new slow-lane
// uploads.
func (b *Broker) ShouldThrottle(ctx context.Context) (bool, error) {
	depth, err := b.Depth(ctx, LaneSlow)
	if err != nil {
		return false, err
	}
	return depth > int64(b.cfg.BackpressureThreshold), nil
}

// RecoverOrphans scans this pod's processing lists for jobs whose
// heartbeat expired and re-enqueues them. Run at startup, before workers
// begin claiming.
func (b *Broker) RecoverOrphans(ctx context.Context) (int, error) {
	recovered := 0
	for _, lane := range []Lane{LaneFast, LaneSlow} {
		key := b.processingKey(lane)
		payloads, err := b.rdb.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return recovered, fmt.Errorf("scanning processing list: %w", err)
		}
		for _, payload := range payloads {
			job, err := decodeJob(payload)
			if err != nil {
				b.rdb.LRem(ctx, key, 1, payload)
				continue
			}
			alive, err := b.rdb.Exists(ctx, keyHeartbeatPref+job.JobID).Result()
			if err != nil {
				return recovered, err
			}
			if alive > 0 {
				continue
			}
			if err := b.rdb.LRem(ctx, key, 1, payload).Err(); err != nil {
				return recovered, err
			}
			if err := b.rdb.LPush(ctx, b.laneKey(lane), payload).Err(); err != nil {
				return recovered, err
			}
			b.logger.Warn("orphaned job recovered", "job_id", job.JobID, "lane", lane)
			recovered++
		}
	}
	return recovered, nil
}
