package researchx

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mohans/researchx/internal/logger"
)

func pollUntil(t *testing.T, timeout time.Duration, f func() (bool, error)) error {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		ok, err := f()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("timeout")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestProcessor_Integration_SuccessAndFailure(t *testing.T) {
	s := startMiniRedis(t)
	store := openTestStore(t)

	var calls atomic.Int64
	worker := RemoteWorkerFunc(func(_ context.Context, query string, _ Depth) (*WorkerOutput, error) {
		calls.Add(1)
		if strings.Contains(query, "fail") {
			return nil, ErrUpstreamRateLimited
		}
		time.Sleep(50 * time.Millisecond)
		return &WorkerOutput{Content: acmeReport}, nil
	})

	redisOpt := asynq.RedisClientOpt{Addr: s.Addr()}
	executor := NewExecutor(store, worker, ExecutorOptions{})
	processor := NewProcessor(redisOpt, executor, ProcessorConfig{Concurrency: 2, Queues: map[string]int{"research": 1}})
	if err := processor.Start(); err != nil {
		t.Fatalf("start processor: %v", err)
	}
	defer processor.Shutdown()

	client := NewClient(redisOpt, store, worker, ClientOptions{Queue: "research"})
	defer client.Close()

	ctx := context.Background()
	okJob, err := client.Submit(ctx, "owner-1", "Acme Corp market position", DepthDeep, nil)
	if err != nil {
		t.Fatalf("submit ok: %v", err)
	}
	failJob, err := client.Submit(ctx, "owner-1", "this one will fail", DepthDeep, nil)
	if err != nil {
		t.Fatalf("submit fail: %v", err)
	}
	if okJob.Status != StatusPending || failJob.Status != StatusPending {
		t.Fatalf("deep jobs should start pending, got %s and %s", okJob.Status, failJob.Status)
	}

	if err := pollUntil(t, 5*time.Second, func() (bool, error) {
		job, err := store.Get(ctx, "owner-1", okJob.ID)
		if err != nil {
			return false, err
		}
		return job.Status == StatusCompleted, nil
	}); err != nil {
		t.Fatalf("ok job did not complete: %v", err)
	}
	if err := pollUntil(t, 5*time.Second, func() (bool, error) {
		job, err := store.Get(ctx, "owner-1", failJob.ID)
		if err != nil {
			return false, err
		}
		return job.Status == StatusFailed, nil
	}); err != nil {
		t.Fatalf("failing job did not fail: %v", err)
	}

	// Failed deep jobs are not retried by the queue.
	time.Sleep(200 * time.Millisecond)
	if got := calls.Load(); got != 2 {
		t.Fatalf("worker calls = %d, want 2", got)
	}
	done, err := store.Get(ctx, "owner-1", okJob.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if done.Result == nil || done.Result.Summary == "" {
		t.Fatalf("completed job has no summary: %+v", done.Result)
	}
}

func TestProcessor_HandleExecute_SkipsRetry(t *testing.T) {
	store := openTestStore(t)
	p := &Processor{executor: NewExecutor(store, &countingWorker{}, ExecutorOptions{}), log: logger.NewNop()}

	err := p.handleExecute(context.Background(), asynq.NewTask(TaskExecute, []byte("{not json")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("bad payload: expected SkipRetry, got %v", err)
	}

	err = p.handleExecute(context.Background(), asynq.NewTask(TaskExecute, []byte(`{"job_id":"missing","owner_id":"owner-1"}`)))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("unknown job: expected SkipRetry, got %v", err)
	}
}

func TestProcessor_HandleExecute_AbandonsOnLastDelivery(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	job, err := store.Create(ctx, "owner-1", "q", DepthDeep, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	flaky := &countingStore{Store: store}
	flaky.failGets.Store(-1)
	p := &Processor{executor: NewExecutor(flaky, &countingWorker{}, ExecutorOptions{}), log: logger.NewNop()}

	// Outside a server there is no delivery left, so the job must not stay pending.
	err = p.handleExecute(ctx, asynq.NewTask(TaskExecute, []byte(`{"job_id":"`+job.ID+`","owner_id":"owner-1"}`)))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	got, err := store.Get(ctx, "owner-1", job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFailed || got.Error == nil || !strings.Contains(*got.Error, errFlaky.Error()) {
		t.Fatalf("job = %s %v, want failed with the store error", got.Status, got.Error)
	}
}

func TestProcessor_Integration_RedeliversAfterStoreError(t *testing.T) {
	s := startMiniRedis(t)
	store := openTestStore(t)
	flaky := &countingStore{Store: store}
	flaky.failGets.Store(1)
	worker := &countingWorker{out: &WorkerOutput{Content: acmeReport}}

	redisOpt := asynq.RedisClientOpt{Addr: s.Addr()}
	processor := NewProcessor(redisOpt, NewExecutor(flaky, worker, ExecutorOptions{}), ProcessorConfig{
		Concurrency: 1,
		Queues:      map[string]int{"research": 1},
		RetryDelay:  50 * time.Millisecond,
	})
	if err := processor.Start(); err != nil {
		t.Fatalf("start processor: %v", err)
	}
	defer processor.Shutdown()

	client := NewClient(redisOpt, store, worker, ClientOptions{Queue: "research"})
	defer client.Close()

	ctx := context.Background()
	job, err := client.Submit(ctx, "owner-1", "Acme Corp market position", DepthDeep, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := pollUntil(t, 5*time.Second, func() (bool, error) {
		got, err := store.Get(ctx, "owner-1", job.ID)
		if err != nil {
			return false, err
		}
		return got.Status == StatusCompleted, nil
	}); err != nil {
		t.Fatalf("job did not complete after redelivery: %v", err)
	}
	if got := worker.calls.Load(); got != 1 {
		t.Fatalf("worker calls = %d, want 1", got)
	}
	if got := flaky.gets.Load(); got < 2 {
		t.Fatalf("store gets = %d, want at least 2", got)
	}
}
