package researchx

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_Execute_Completes(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	job, err := store.Create(ctx, "owner-1", "Acme Corp market position", DepthDeep, nil)
	require.NoError(t, err)

	worker := &countingWorker{out: &WorkerOutput{Content: acmeReport, Citations: []string{"https://example.com/a"}}}
	done, err := NewExecutor(store, worker, ExecutorOptions{}).Execute(ctx, "owner-1", job.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.Result)
	assert.Nil(t, done.Error)
	assert.NotEmpty(t, done.Result.Summary)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.CompletedAt)
	assert.False(t, done.CompletedAt.Before(*done.StartedAt))
}

func TestExecutor_Execute_WorkerFailures(t *testing.T) {
	cases := []struct {
		name    string
		worker  RemoteWorker
		timeout time.Duration
		want    string
	}{
		{
			name:   "upstream error",
			worker: &countingWorker{err: ErrUpstreamRateLimited},
			want:   "rate limited",
		},
		{
			name:   "empty content",
			worker: &countingWorker{out: &WorkerOutput{Content: "  \n"}},
			want:   "empty result",
		},
		{
			name:   "nil output",
			worker: &countingWorker{},
			want:   "empty result",
		},
		{
			name: "panic",
			worker: RemoteWorkerFunc(func(context.Context, string, Depth) (*WorkerOutput, error) {
				panic("boom")
			}),
			want: "panicked",
		},
		{
			name: "timeout",
			worker: RemoteWorkerFunc(func(ctx context.Context, _ string, _ Depth) (*WorkerOutput, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}),
			timeout: 20 * time.Millisecond,
			want:    "deadline exceeded",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := openTestStore(t)
			ctx := context.Background()
			job, err := store.Create(ctx, "owner-1", "q", DepthDeep, nil)
			require.NoError(t, err)

			done, err := NewExecutor(store, tc.worker, ExecutorOptions{Timeout: tc.timeout}).Execute(ctx, "owner-1", job.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusFailed, done.Status)
			assert.Nil(t, done.Result)
			require.NotNil(t, done.Error)
			assert.Contains(t, *done.Error, tc.want)
		})
	}
}

func TestExecutor_Execute_SkipsNonPending(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	job, err := store.Create(ctx, "owner-1", "q", DepthDeep, nil)
	require.NoError(t, err)
	worker := &countingWorker{out: &WorkerOutput{Content: acmeReport}}
	exec := NewExecutor(store, worker, ExecutorOptions{})

	first, err := exec.Execute(ctx, "owner-1", job.ID)
	require.NoError(t, err)
	again, err := exec.Execute(ctx, "owner-1", job.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(1), worker.calls.Load())
	assert.Equal(t, StatusCompleted, again.Status)
	assert.Equal(t, first.Result.Summary, again.Result.Summary)
}

func TestExecutor_Execute_ConcurrentDeliveriesRunOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	job, err := store.Create(ctx, "owner-1", "q", DepthDeep, nil)
	require.NoError(t, err)
	worker := &countingWorker{out: &WorkerOutput{Content: acmeReport}}
	exec := NewExecutor(store, worker, ExecutorOptions{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := exec.Execute(ctx, "owner-1", job.ID); err != nil {
				t.Errorf("execute: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), worker.calls.Load())
	got, err := store.Get(ctx, "owner-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestExecutor_Execute_UnknownJob(t *testing.T) {
	store := openTestStore(t)
	_, err := NewExecutor(store, &countingWorker{}, ExecutorOptions{}).Execute(context.Background(), "owner-1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecutor_Execute_CancelledRunStillFinishes(t *testing.T) {
	store := openTestStore(t)
	job, err := store.Create(context.Background(), "owner-1", "q", DepthDeep, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	worker := RemoteWorkerFunc(func(wctx context.Context, _ string, _ Depth) (*WorkerOutput, error) {
		cancel()
		<-wctx.Done()
		return nil, wctx.Err()
	})
	done, err := NewExecutor(store, worker, ExecutorOptions{}).Execute(ctx, "owner-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	require.NotNil(t, done.Error)
	assert.Contains(t, *done.Error, "context canceled")

	redelivered := &countingWorker{out: &WorkerOutput{Content: acmeReport}}
	again, err := NewExecutor(store, redelivered, ExecutorOptions{}).Execute(context.Background(), "owner-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, again.Status)
	assert.Zero(t, redelivered.calls.Load())

	incomplete, err := store.FindLatestIncomplete(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Nil(t, incomplete)
}

func TestExecutor_Execute_LoadFailureLeavesJobPending(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	job, err := store.Create(ctx, "owner-1", "q", DepthDeep, nil)
	require.NoError(t, err)

	flaky := &countingStore{Store: store}
	flaky.failGets.Store(1)
	worker := &countingWorker{out: &WorkerOutput{Content: acmeReport}}
	exec := NewExecutor(flaky, worker, ExecutorOptions{})

	_, err = exec.Execute(ctx, "owner-1", job.ID)
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, err, errFlaky)
	got, err := store.Get(ctx, "owner-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	done, err := exec.Execute(ctx, "owner-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, int64(1), worker.calls.Load())
}

func TestExecutor_Abandon(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	exec := NewExecutor(store, &countingWorker{}, ExecutorOptions{})

	pending, err := store.Create(ctx, "owner-1", "q", DepthDeep, nil)
	require.NoError(t, err)
	failed, err := exec.Abandon(ctx, "owner-1", pending.ID, errFlaky)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Contains(t, *failed.Error, "could not be started")
	assert.Contains(t, *failed.Error, errFlaky.Error())

	running, err := store.Create(ctx, "owner-1", "q2", DepthDeep, nil)
	require.NoError(t, err)
	_, err = store.Update(ctx, "owner-1", running.ID, JobPatch{Status: StatusProcessing})
	require.NoError(t, err)
	got, err := exec.Abandon(ctx, "owner-1", running.ID, errFlaky)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Nil(t, got.Error)
}
