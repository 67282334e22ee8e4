package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyDLQEntry = "resumeflow:dlq:entry:" // + dlqID
	keyDLQIndex = "resumeflow:dlq:ids"
)

// ErrDLQNotFound signals a missing or expired entry.
var ErrDLQNotFound = errors.New("dlq entry not found")

// DLQEntry is one dead-lettered job with enough context to retry it.
type DLQEntry struct {
	DLQID      string         `json:"dlq_id"`
	JobID      string         `json:"job_id"`
	UserID     string         `json:"user_id"`
	JobType    string         `json:"job_type"`
	ErrorType  string         `json:"error_type"`
	RetryCount int            `json:"retry_count"`
	FailedAt   time.Time      `json:"failed_at"`
	JobKwargs  map[string]any `json:"job_kwargs,omitempty"`
	Traceback  string         `json:"traceback"`

	job *Job // original job, for retry
}

// DLQStats aggregates entry counts.
type DLQStats struct {
	Total       int            `json:"total"`
	ByJobType   map[string]int `json:"by_job_type"`
	ByErrorType map[string]int `json:"by_error_type"`
	ByUser      map[string]int `json:"by_user"`
}

// dlqRecord is the stored form: the entry plus the original job.
type dlqRecord struct {
	Entry DLQEntry `json:"entry"`
	Job   *Job     `json:"job"`
}

// DeadLetter writes a DLQ entry for a job whose retries are exhausted and
// indexes it, both under the retention TTL.
func (b *Broker) DeadLetter(ctx context.Context, job *Job, errorType, traceback string) (*DLQEntry, error) {
	entry := DLQEntry{
		DLQID:      uuid.NewString(),
		JobID:      job.JobID,
		UserID:     job.UserID,
		JobType:    job.JobType,
		ErrorType:  errorType,
		RetryCount: job.RetryCount,
		FailedAt:   time.Now(),
		JobKwargs:  job.Kwargs,
		Traceback:  traceback,
	}
	raw, err := json.Marshal(dlqRecord{Entry: entry, Job: job})
	if err != nil {
		return nil, fmt.Errorf("encoding dlq entry: %w", err)
	}

	if err := b.rdb.Set(ctx, keyDLQEntry+entry.DLQID, raw, b.cfg.DLQTTL).Err(); err != nil {
		return nil, fmt.Errorf("writing dlq entry: %w", err)
	}
	if err := b.rdb.LPush(ctx, keyDLQIndex, entry.DLQID).Err(); err != nil {
		return nil, fmt.Errorf("indexing dlq entry: %w", err)
	}
	b.logger.Error("job dead-lettered",
		"dlq_id", entry.DLQID, "job_id", job.JobID, "error_type", errorType, "retry_count", job.RetryCount)
	return &entry, nil
}

// DLQGet fetches one entry with its traceback.
func (b *Broker) DLQGet(ctx context.Context, dlqID string) (*DLQEntry, error) {
	raw, err := b.rdb.Get(ctx, keyDLQEntry+dlqID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrDLQNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading dlq entry: %w", err)
	}
	var rec dlqRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decoding dlq entry: %w", err)
	}
	rec.Entry.job = rec.Job
	return &rec.Entry, nil
}

// DLQFilter narrows DLQList results; zero values match everything.
type DLQFilter struct {
	JobType string
	UserID  string
}

// DLQList returns entries newest first, skipping ids whose payloads have
// expired (the index is lazily pruned as they are encountered).
func (b *Broker) DLQList(ctx context.Context, filter DLQFilter) ([]DLQEntry, error) {
	ids, err := b.rdb.LRange(ctx, keyDLQIndex, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing dlq index: %w", err)
	}
	entries := make([]DLQEntry, 0, len(ids))
	for _, id := range ids {
		entry, err := b.DLQGet(ctx, id)
		if errors.Is(err, ErrDLQNotFound) {
			b.rdb.LRem(ctx, keyDLQIndex, 1, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.JobType != "" && entry.JobType != filter.JobType {
			continue
		}
		if filter.UserID != "" && entry.UserID != filter.UserID {
			continue
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// DLQRetry re-enqueues the original job with its retry count reset and
// removes the entry once the enqueue succeeds.
func (b *Broker) DLQRetry(ctx context.Context, dlqID string) (*Job, error) {
	entry, err := b.DLQGet(ctx, dlqID)
	if err != nil {
		return nil, err
	}
	if entry.job == nil {
		return nil, fmt.Errorf("dlq entry %s carries no job payload", dlqID)
	}
	job := *entry.job
	job.RetryCount = 0
	job.EnqueuedAt = time.Now()

	if err := b.Enqueue(ctx, &job); err != nil {
		return nil, err
	}
	if err := b.DLQDelete(ctx, dlqID); err != nil {
		return nil, err
	}
	b.logger.Info("dlq entry retried", "dlq_id", dlqID, "job_id", job.JobID)
	return &job, nil
}

// DLQDelete removes an entry and its index reference.
func (b *Broker) DLQDelete(ctx context.Context, dlqID string) error {
	if err := b.rdb.Del(ctx, keyDLQEntry+dlqID).Err(); err != nil {
		return fmt.Errorf("deleting dlq entry: %w", err)
	}
	return b.rdb.LRem(ctx, keyDLQIndex, 1, dlqID).Err()
}

// DLQStats aggregates the retained entries.
func (b *Broker) DLQStats(ctx context.Context) (*DLQStats, error) {
	entries, err := b.DLQList(ctx, DLQFilter{})
	if err != nil {
		return nil, err
	}
	stats := &DLQStats{
		Total:       len(entries),
		ByJobType:   make(map[string]int),
		ByErrorType: make(map[string]int),
		ByUser:      make(map[string]int),
	}
	for _, e := range entries {
		stats.ByJobType[e.JobType]++
		stats.ByErrorType[e.ErrorType]++
		stats.ByUser[e.UserID]++
	}
	return stats, nil
}
