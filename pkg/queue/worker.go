package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/talentbase/resumeflow/pkg/config"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// JobExecutor runs one claimed job. Implementations are the pipeline
// orchestrator in production and stubs in tests.
type JobExecutor interface {
	Execute(ctx context.Context, job *Job) error
}

// PermanentClassifier reports whether a job error must skip the retry
// schedule and go straight to the DLQ.
type PermanentClassifier func(error) bool

// WorkerHealth is a snapshot of one worker's state.
type WorkerHealth struct {
	ID            string       `json:"id"`
	Lane          Lane         `json:"lane"`
	Status        WorkerStatus `json:"status"`
	CurrentJobID  string       `json:"current_job_id,omitempty"`
	JobsProcessed int          `json:"jobs_processed"`
	LastActivity  time.Time    `json:"last_activity"`
}

// Worker polls one lane and processes jobs one at a time.
type Worker struct {
	id          string
	lane        Lane
	broker      *Broker
	cfg         *config.QueueConfig
	executor    JobExecutor
	isPermanent PermanentClassifier
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	mu            sync.RWMutex
	status        WorkerStatus
	currentJobID  string
	jobsProcessed int
	lastActivity  time.Time
}

// NewWorker creates a worker for one lane.
func NewWorker(id string, lane Lane, broker *Broker, cfg *config.QueueConfig, executor JobExecutor, isPermanent PermanentClassifier) *Worker {
	return &Worker{
		id:           id,
		lane:         lane,
		broker:       broker,
		cfg:          cfg,
		executor:     executor,
		isPermanent:  isPermanent,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for the current job to finish.
// Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker snapshot.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Lane:          w.lane,
		Status:        w.status,
		CurrentJobID:  w.currentJobID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "lane", w.lane)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoJobs) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing job", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims one job, runs it under the lane timeout with a
// heartbeat, and routes failures to the retry schedule or the DLQ.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	job, err := w.broker.Claim(ctx, w.lane)
	if err != nil {
		return err
	}

	log := slog.With("job_id", job.JobID, "worker_id", w.id, "lane", w.lane)
	log.Info("Job claimed", "filename", job.Filename, "retry_count", job.RetryCount)

	w.setStatus(WorkerStatusWorking, job.JobID)
	defer w.setStatus(WorkerStatusIdle, "")

	timeout := w.cfg.FastJobTimeout
	if w.lane == LaneSlow {
		timeout = w.cfg.SlowJobTimeout
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	heartbeatCtx, stopHeartbeat := context.WithCancel(jobCtx)
	defer stopHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job.JobID)

	execErr := w.executor.Execute(jobCtx, job)
	if execErr == nil && jobCtx.Err() != nil {
		execErr = fmt.Errorf("job timed out after %v", timeout)
	}

	stopHeartbeat()
	w.broker.ClearHeartbeat(context.Background(), job.JobID)

	// Ack before any re-enqueue: retries and DLQ entries carry their own
	// copies, and the original must not be recovered as an orphan.
	if err := w.broker.Ack(context.Background(), w.lane, job); err != nil {
		log.Warn("Failed to ack job", "error", err)
	}

	if execErr != nil {
		w.handleFailure(context.Background(), log, job, execErr)
	} else {
		log.Info("Job completed")
	}

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()
	return nil
}

// handleFailure routes an error to the lane retry schedule, or to the DLQ
// when the error is permanent or the budget is spent.
func (w *Worker) handleFailure(ctx context.Context, log *slog.Logger, job *Job, execErr error) {
	if w.isPermanent != nil && w.isPermanent(execErr) {
		log.Warn("Job failed permanently", "error", execErr)
		if _, err := w.broker.DeadLetter(ctx, job, "permanent", execErr.Error()); err != nil {
			log.Error("Failed to dead-letter job", "error", err)
		}
		return
	}

	scheduled, err := w.broker.ScheduleRetry(ctx, job)
	if err != nil {
		log.Error("Failed to schedule retry", "error", err)
		return
	}
	if scheduled {
		log.Warn("Job failed, retry scheduled", "error", execErr, "retry_count", job.RetryCount)
		return
	}

	log.Error("Job failed after final retry", "error", execErr)
	if _, err := w.broker.DeadLetter(ctx, job, "retries_exhausted", execErr.Error()); err != nil {
		log.Error("Failed to dead-letter job", "error", err)
	}
}

// runHeartbeat refreshes the job's liveness key for orphan detection.
func (w *Worker) runHeartbeat(ctx context.Context, jobID string) {
	if err := w.broker.Heartbeat(ctx, jobID); err != nil {
		slog.Warn("Initial heartbeat failed", "job_id", jobID, "error", err)
	}
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.broker.Heartbeat(ctx, jobID); err != nil {
				slog.Warn("Heartbeat update failed", "job_id", jobID, "error", err)
			}
		}
	}
}

// pollInterval returns the poll duration with jitter in
// [base - jitter, base + jitter].
func (w *Worker) pollInterval() time.Duration {
	base := w.cfg.PollInterval
	jitter := w.cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

func (w *Worker) setStatus(status WorkerStatus, jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentJobID = jobID
	w.lastActivity = time.Now()
}
