package researchx

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hibiken/asynq"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{Type: task.Type(), Queue: "default"}, nil
}

func (f *fakeEnqueuer) Close() error { return nil }

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingStore counts Get calls and can inject fetch failures.
type countingStore struct {
	Store
	gets     atomic.Int64
	failGets atomic.Int64 // number of upcoming Gets that fail; -1 fails forever
}

var errFlaky = errors.New("connection reset by peer")

func (s *countingStore) Get(ctx context.Context, ownerID, jobID string) (*Job, error) {
	s.gets.Add(1)
	if n := s.failGets.Load(); n != 0 {
		if n > 0 {
			s.failGets.Add(-1)
		}
		return nil, errFlaky
	}
	return s.Store.Get(ctx, ownerID, jobID)
}

// countingWorker returns a fixed output or error and counts calls.
type countingWorker struct {
	calls atomic.Int64
	out   *WorkerOutput
	err   error
}

func (w *countingWorker) Research(_ context.Context, _ string, _ Depth) (*WorkerOutput, error) {
	w.calls.Add(1)
	return w.out, w.err
}

const acmeReport = `## Summary
Acme Corp holds the second largest share of the regional widget market.

## Key Findings
- Market share is 23% and stable
- Two new entrants in the last year`
