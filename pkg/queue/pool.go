package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/talentbase/resumeflow/pkg/config"
)

// retryPumpInterval is how often due retries move back onto their lanes.
const retryPumpInterval = 5 * time.Second

// PoolHealth is the aggregate pool snapshot.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	RedisReachable   bool           `json:"redis_reachable"`
	RedisError       string         `json:"redis_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	FastDepth        int64          `json:"fast_depth"`
	SlowDepth        int64          `json:"slow_depth"`
	ShouldThrottle   bool           `json:"should_throttle"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerPool runs the fast and slow worker sets plus the retry pump. The
// lanes are sized separately so HWP conversions cannot starve PDF/DOCX
// throughput.
type WorkerPool struct {
	podID    string
	broker   *Broker
	cfg      *config.QueueConfig
	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu               sync.RWMutex
	started          bool
	orphansRecovered int
}

// NewWorkerPool creates the pool; Start spawns the workers.
func NewWorkerPool(podID string, broker *Broker, cfg *config.QueueConfig, executor JobExecutor, isPermanent PermanentClassifier) *WorkerPool {
	p := &WorkerPool{
		podID:  podID,
		broker: broker,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
	for i := 0; i < cfg.FastWorkers; i++ {
		id := fmt.Sprintf("%s-fast-%d", podID, i)
		p.workers = append(p.workers, NewWorker(id, LaneFast, broker, cfg, executor, isPermanent))
	}
	for i := 0; i < cfg.SlowWorkers; i++ {
		id := fmt.Sprintf("%s-slow-%d", podID, i)
		p.workers = append(p.workers, NewWorker(id, LaneSlow, broker, cfg, executor, isPermanent))
	}
	return p
}

// Start recovers orphans from a previous run of this pod, then spawns the
// worker goroutines and the retry pump. Duplicate calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true
	p.mu.Unlock()

	recovered, err := p.broker.RecoverOrphans(ctx)
	if err != nil {
		return fmt.Errorf("recovering orphaned jobs: %w", err)
	}
	p.mu.Lock()
	p.orphansRecovered = recovered
	p.mu.Unlock()

	slog.Info("Starting worker pool",
		"pod_id", p.podID,
		"fast_workers", p.cfg.FastWorkers,
		"slow_workers", p.cfg.SlowWorkers,
		"orphans_recovered", recovered)

	for _, worker := range p.workers {
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runRetryPump(ctx)
	}()

	slog.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for in-flight jobs, bounded
// by the graceful shutdown timeout.
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	done := make(chan struct{})
	go func() {
		for _, worker := range p.workers {
			worker.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.GracefulShutdownTimeout):
		slog.Warn("Graceful shutdown timeout reached, abandoning in-flight jobs",
			"timeout", p.cfg.GracefulShutdownTimeout)
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	slog.Info("Worker pool stopped")
}

// runRetryPump periodically moves due retries back onto their lanes.
func (p *WorkerPool) runRetryPump(ctx context.Context) {
	ticker := time.NewTicker(retryPumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, lane := range []Lane{LaneFast, LaneSlow} {
				if _, err := p.broker.PumpRetries(ctx, lane); err != nil {
					slog.Warn("Retry pump failed", "lane", lane, "error", err)
				}
			}
		}
	}
}

// Health returns the aggregate pool status.
func (p *WorkerPool) Health(ctx context.Context) *PoolHealth {
	fastDepth, errF := p.broker.Depth(ctx, LaneFast)
	slowDepth, errS := p.broker.Depth(ctx, LaneSlow)

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == WorkerStatusWorking {
			activeWorkers++
		}
	}

	redisHealthy := errF == nil && errS == nil
	var redisError string
	if errF != nil {
		redisError = errF.Error()
	} else if errS != nil {
		redisError = errS.Error()
	}

	p.mu.RLock()
	orphansRecovered := p.orphansRecovered
	p.mu.RUnlock()

	return &PoolHealth{
		IsHealthy:        len(p.workers) > 0 && redisHealthy,
		RedisReachable:   redisHealthy,
		RedisError:       redisError,
		PodID:            p.podID,
		ActiveWorkers:    activeWorkers,
		TotalWorkers:     len(p.workers),
		FastDepth:        fastDepth,
		SlowDepth:        slowDepth,
		ShouldThrottle:   slowDepth > p.cfg.BackpressureThreshold,
		WorkerStats:      workerStats,
		OrphansRecovered: orphansRecovered,
	}
}
