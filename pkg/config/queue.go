package config

import (
	"fmt"
	"time"
)

// QueueConfig contains queue and worker pool configuration.
//
// Jobs are partitioned into two queues by expected work: PDF/DOCX parse fast
// and go to the fast queue; HWP/HWPX require external conversion and go to
// the slow queue so they cannot starve fast throughput.
type QueueConfig struct {
	// FastQueue / SlowQueue are the redis list keys for the two job queues.
	FastQueue string `yaml:"fast_queue"`
	SlowQueue string `yaml:"slow_queue"`

	// FastWorkers / SlowWorkers are the worker goroutine counts per pool.
	FastWorkers int `yaml:"fast_workers"`
	SlowWorkers int `yaml:"slow_workers"`

	// FastJobTimeout / SlowJobTimeout bound a single job execution.
	FastJobTimeout time.Duration `yaml:"fast_job_timeout"`
	SlowJobTimeout time.Duration `yaml:"slow_job_timeout"`

	// FastRetryIntervals / SlowRetryIntervals are the delays before each
	// re-enqueue attempt. Their length is the max retry count (2).
	FastRetryIntervals []time.Duration `yaml:"fast_retry_intervals"`
	SlowRetryIntervals []time.Duration `yaml:"slow_retry_intervals"`

	// PollInterval is the base interval for checking pending jobs.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter randomizes polling: actual interval is
	// PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// HeartbeatInterval is how often in-flight jobs refresh their claim.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// BackpressureThreshold is the slow-queue depth beyond which new HWP
	// uploads are rejected at the admission boundary.
	BackpressureThreshold int64 `yaml:"backpressure_threshold"`

	// DLQTTL is how long dead-letter entries are retained.
	DLQTTL time.Duration `yaml:"dlq_ttl"`

	// GracefulShutdownTimeout is the max time to wait for active jobs
	// to complete during shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		FastQueue:               "resumeflow:queue:fast",
		SlowQueue:               "resumeflow:queue:slow",
		FastWorkers:             4,
		SlowWorkers:             2,
		FastJobTimeout:          5 * time.Minute,
		SlowJobTimeout:          20 * time.Minute,
		FastRetryIntervals:      []time.Duration{30 * time.Second, 60 * time.Second},
		SlowRetryIntervals:      []time.Duration{60 * time.Second, 120 * time.Second},
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		HeartbeatInterval:       15 * time.Second,
		BackpressureThreshold:   50,
		DLQTTL:                  30 * 24 * time.Hour,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Validate checks queue configuration invariants.
func (q *QueueConfig) Validate() error {
	if q == nil {
		return fmt.Errorf("queue configuration is required")
	}
	if q.FastWorkers <= 0 || q.SlowWorkers <= 0 {
		return fmt.Errorf("worker counts must be positive")
	}
	if q.FastQueue == "" || q.SlowQueue == "" || q.FastQueue == q.SlowQueue {
		return fmt.Errorf("fast and slow queue keys must be distinct and non-empty")
	}
	if q.FastJobTimeout <= 0 || q.SlowJobTimeout <= 0 {
		return fmt.Errorf("job timeouts must be positive")
	}
	return nil
}
