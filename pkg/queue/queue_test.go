package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talentbase/resumeflow/pkg/config"
)

func testBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.DefaultQueueConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.PollIntervalJitter = 0
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.FastRetryIntervals = []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	cfg.SlowRetryIntervals = []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	cfg.GracefulShutdownTimeout = time.Second

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewBroker(rdb, cfg, "pod-test", logger), mr
}

func TestLaneFor(t *testing.T) {
	assert.Equal(t, LaneFast, LaneFor("cv.pdf"))
	assert.Equal(t, LaneFast, LaneFor("cv.docx"))
	assert.Equal(t, LaneFast, LaneFor("cv.doc"))
	assert.Equal(t, LaneSlow, LaneFor("이력서.hwp"))
	assert.Equal(t, LaneSlow, LaneFor("resume.HWPX"))
	assert.Equal(t, LaneFast, LaneFor("no-extension"))
}

func TestNewJob_JobTypeFollowsLane(t *testing.T) {
	fast := NewJob("user-1", "uploads/cv.pdf", "cv.pdf")
	assert.Equal(t, LaneFast, fast.Lane)
	assert.Equal(t, "resume_processing", fast.JobType)

	slow := NewJob("user-1", "uploads/이력서.hwp", "이력서.hwp")
	assert.Equal(t, LaneSlow, slow.Lane)
	assert.Equal(t, "slow_pipeline", slow.JobType)
}

func TestEnqueueClaimAck(t *testing.T) {
	b, _ := testBroker(t)
	ctx := context.Background()

	job := NewJob("user-1", "uploads/cv.pdf", "cv.pdf")
	require.NoError(t, b.Enqueue(ctx, job))

	depth, err := b.Depth(ctx, LaneFast)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	claimed, err := b.Claim(ctx, LaneFast)
	require.NoError(t, err)
	assert.Equal(t, job.JobID, claimed.JobID)

	depth, _ = b.Depth(ctx, LaneFast)
	assert.Zero(t, depth, "claimed job left the pending list")

	require.NoError(t, b.Ack(ctx, LaneFast, claimed))

	_, err = b.Claim(ctx, LaneFast)
	assert.ErrorIs(t, err, ErrNoJobs)
}

func TestClaim_FIFO(t *testing.T) {
	b, _ := testBroker(t)
	ctx := context.Background()

	first := NewJob("user-1", "a.pdf", "a.pdf")
	second := NewJob("user-1", "b.pdf", "b.pdf")
	require.NoError(t, b.Enqueue(ctx, first))
	require.NoError(t, b.Enqueue(ctx, second))

	got, err := b.Claim(ctx, LaneFast)
	require.NoError(t, err)
	assert.Equal(t, first.JobID, got.JobID)
}

func TestScheduleRetry_BudgetAndPump(t *testing.T) {
	b, _ := testBroker(t)
	ctx := context.Background()

	job := NewJob("user-1", "cv.pdf", "cv.pdf")

	scheduled, err := b.ScheduleRetry(ctx, job)
	require.NoError(t, err)
	assert.True(t, scheduled)
	assert.Equal(t, 1, job.RetryCount)

	scheduled, err = b.ScheduleRetry(ctx, job)
	require.NoError(t, err)
	assert.True(t, scheduled)
	assert.Equal(t, 2, job.RetryCount)

	scheduled, err = b.ScheduleRetry(ctx, job)
	require.NoError(t, err)
	assert.False(t, scheduled, "two retries exhaust the budget")

	// Nothing is due until the delay elapses.
	moved, err := b.PumpRetries(ctx, LaneFast)
	require.NoError(t, err)
	assert.Zero(t, moved)

	time.Sleep(25 * time.Millisecond) // scores are wall-clock based

	moved, err = b.PumpRetries(ctx, LaneFast)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)
}

func TestShouldThrottle(t *testing.T) {
	b, _ := testBroker(t)
	ctx := context.Background()

	throttle, err := b.ShouldThrottle(ctx)
	require.NoError(t, err)
	assert.False(t, throttle)

	for i := 0; i <= int(b.cfg.BackpressureThreshold); i++ {
		require.NoError(t, b.Enqueue(ctx, NewJob("u", "cv.hwp", "cv.hwp")))
	}

	throttle, err = b.ShouldThrottle(ctx)
	require.NoError(t, err)
	assert.True(t, throttle, "slow depth above threshold must throttle")
}

func TestDLQ_RoundTrip(t *testing.T) {
	b, _ := testBroker(t)
	ctx := context.Background()

	job := NewJob("user-1", "cv.pdf", "cv.pdf")
	job.RetryCount = 2
	entry, err := b.DeadLetter(ctx, job, "retries_exhausted", "llm timeout at stage analysis")
	require.NoError(t, err)

	got, err := b.DLQGet(ctx, entry.DLQID)
	require.NoError(t, err)
	assert.Equal(t, job.JobID, got.JobID)
	assert.Equal(t, "retries_exhausted", got.ErrorType)
	assert.Equal(t, 2, got.RetryCount)
	assert.Contains(t, got.Traceback, "llm timeout")

	_, err = b.DLQGet(ctx, "missing")
	assert.ErrorIs(t, err, ErrDLQNotFound)
}

func TestDLQ_ListFiltersAndStats(t *testing.T) {
	b, _ := testBroker(t)
	ctx := context.Background()

	jobA := NewJob("user-a", "a.pdf", "a.pdf")
	jobB := NewJob("user-b", "b.pdf", "b.pdf")
	_, err := b.DeadLetter(ctx, jobA, "permanent", "encrypted file")
	require.NoError(t, err)
	_, err = b.DeadLetter(ctx, jobB, "retries_exhausted", "timeout")
	require.NoError(t, err)

	all, err := b.DLQList(ctx, DLQFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := b.DLQList(ctx, DLQFilter{UserID: "user-a"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, jobA.JobID, mine[0].JobID)

	stats, err := b.DLQStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByErrorType["permanent"])
	assert.Equal(t, 2, stats.ByJobType["resume_processing"])
}

func TestDLQ_RetryReenqueuesAndRemoves(t *testing.T) {
	b, _ := testBroker(t)
	ctx := context.Background()

	job := NewJob("user-1", "cv.pdf", "cv.pdf")
	job.RetryCount = 2
	entry, err := b.DeadLetter(ctx, job, "retries_exhausted", "timeout")
	require.NoError(t, err)

	requeued, err := b.DLQRetry(ctx, entry.DLQID)
	require.NoError(t, err)
	assert.Equal(t, job.JobID, requeued.JobID)
	assert.Zero(t, requeued.RetryCount, "retry count resets on DLQ retry")

	depth, _ := b.Depth(ctx, LaneFast)
	assert.Equal(t, int64(1), depth)

	_, err = b.DLQGet(ctx, entry.DLQID)
	assert.ErrorIs(t, err, ErrDLQNotFound)
}

func TestRecoverOrphans(t *testing.T) {
	b, _ := testBroker(t)
	ctx := context.Background()

	// A claimed job with no heartbeat is an orphan from a crashed run.
	job := NewJob("user-1", "cv.pdf", "cv.pdf")
	require.NoError(t, b.Enqueue(ctx, job))
	claimed, err := b.Claim(ctx, LaneFast)
	require.NoError(t, err)

	// A second claimed job with a live heartbeat must be left alone.
	live := NewJob("user-2", "b.pdf", "b.pdf")
	require.NoError(t, b.Enqueue(ctx, live))
	_, err = b.Claim(ctx, LaneFast)
	require.NoError(t, err)
	require.NoError(t, b.Heartbeat(ctx, live.JobID))

	recovered, err := b.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	requeued, err := b.Claim(ctx, LaneFast)
	require.NoError(t, err)
	assert.Equal(t, claimed.JobID, requeued.JobID)
}

// countingExecutor records executions and fails a scripted number of times.
type countingExecutor struct {
	calls    atomic.Int32
	failures int32
	err      error
}

func (e *countingExecutor) Execute(_ context.Context, _ *Job) error {
	n := e.calls.Add(1)
	if n <= e.failures {
		return e.err
	}
	return nil
}

func permanentByMessage(err error) bool {
	return err != nil && strings.Contains(err.Error(), "encrypted")
}

func TestWorker_ProcessesJob(t *testing.T) {
	b, _ := testBroker(t)
	ctx := context.Background()

	exec := &countingExecutor{}
	w := NewWorker("w-0", LaneFast, b, b.cfg, exec, permanentByMessage)

	require.NoError(t, b.Enqueue(ctx, NewJob("user-1", "cv.pdf", "cv.pdf")))

	w.Start(ctx)
	require.Eventually(t, func() bool { return exec.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	w.Stop()

	health := w.Health()
	assert.Equal(t, WorkerStatusIdle, health.Status)
	assert.Equal(t, 1, health.JobsProcessed)
}

func TestWorker_PermanentFailureGoesStraightToDLQ(t *testing.T) {
	b, _ := testBroker(t)
	ctx := context.Background()

	exec := &countingExecutor{failures: 10, err: errors.New("file is encrypted")}
	w := NewWorker("w-0", LaneFast, b, b.cfg, exec, permanentByMessage)

	require.NoError(t, b.Enqueue(ctx, NewJob("user-1", "cv.pdf", "cv.pdf")))

	w.Start(ctx)
	require.Eventually(t, func() bool { return exec.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	w.Stop()

	stats, err := b.DLQStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ByErrorType["permanent"])

	// No retry was scheduled.
	moved, _ := b.PumpRetries(ctx, LaneFast)
	assert.Zero(t, moved)
}

func TestWorker_TransientFailureSchedulesRetry(t *testing.T) {
	b, _ := testBroker(t)
	ctx := context.Background()

	exec := &countingExecutor{failures: 1, err: errors.New("llm timeout")}
	w := NewWorker("w-0", LaneFast, b, b.cfg, exec, permanentByMessage)

	require.NoError(t, b.Enqueue(ctx, NewJob("user-1", "cv.pdf", "cv.pdf")))

	w.Start(ctx)
	require.Eventually(t, func() bool { return exec.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	w.Stop()

	time.Sleep(15 * time.Millisecond)
	moved, err := b.PumpRetries(ctx, LaneFast)
	require.NoError(t, err)
	assert.Equal(t, 1, moved, "failed job waits on the retry schedule")
}

func TestWorkerPool_StartStop(t *testing.T) {
	b, _ := testBroker(t)
	ctx := context.Background()

	cfg := b.cfg
	cfg.FastWorkers = 2
	cfg.SlowWorkers = 1

	exec := &countingExecutor{}
	pool := NewWorkerPool("pod-test", b, cfg, exec, permanentByMessage)

	require.NoError(t, b.Enqueue(ctx, NewJob("user-1", "cv.pdf", "cv.pdf")))
	require.NoError(t, b.Enqueue(ctx, NewJob("user-2", "cv.hwp", "cv.hwp")))

	require.NoError(t, pool.Start(ctx))
	require.Eventually(t, func() bool { return exec.calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	health := pool.Health(ctx)
	assert.True(t, health.IsHealthy)
	assert.Equal(t, 3, health.TotalWorkers)
	assert.False(t, health.ShouldThrottle)

	pool.Stop()
}
