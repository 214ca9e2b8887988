package researchx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mohans/researchx/internal/logger"
	"github.com/mohans/researchx/internal/metrics"
)

// DefaultFinishTimeout bounds the store write that records a job's outcome.
const DefaultFinishTimeout = 10 * time.Second

// ErrNotStarted marks an Execute failure that happened while the job was
// still pending. Delivering the job again is safe.
var ErrNotStarted = errors.New("job not started")

// Executor drives a job through pending -> processing -> completed|failed.
// It is the only writer of a deep job after creation.
type Executor struct {
	store         Store
	worker        RemoteWorker
	history       HistoryStore
	timeout       time.Duration
	finishTimeout time.Duration
	log           logger.Logger
	metrics       *metrics.Collector
}

type ExecutorOptions struct {
	// Timeout bounds a single RemoteWorker call. Zero means no deadline
	// beyond the caller's context.
	Timeout time.Duration
	// FinishTimeout bounds the outcome write, which ignores the caller's
	// cancellation. Zero means DefaultFinishTimeout.
	FinishTimeout time.Duration
	History       HistoryStore
	Logger        logger.Logger
	Metrics       *metrics.Collector
}

func NewExecutor(store Store, worker RemoteWorker, opts ExecutorOptions) *Executor {
	finish := opts.FinishTimeout
	if finish <= 0 {
		finish = DefaultFinishTimeout
	}
	return &Executor{
		store:         store,
		worker:        worker,
		history:       opts.History,
		timeout:       opts.Timeout,
		finishTimeout: finish,
		log:           logger.OrNop(opts.Logger),
		metrics:       opts.Metrics,
	}
}

// Execute runs the job once. A job that is already processing or finished
// is left untouched and returned as stored. Worker failures are recorded on
// the job, not returned; only store errors are. Errors wrapping
// ErrNotStarted left the job pending.
//
// Once the job is processing its outcome is written even if ctx ends, so a
// cancelled run finishes as failed instead of staying processing.
func (e *Executor) Execute(ctx context.Context, ownerID, jobID string) (*Job, error) {
	log := e.log.With(logger.String("job_id", jobID), logger.String("owner_id", ownerID))

	job, err := e.store.Get(ctx, ownerID, jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: load job %s: %w", ErrNotStarted, jobID, err)
	}
	if job.Status != StatusPending {
		log.Debug("job already claimed, skipping", logger.String("status", string(job.Status)))
		return job, nil
	}

	job, err = e.store.Update(ctx, ownerID, jobID, JobPatch{Status: StatusProcessing})
	if lostRace(err) {
		log.Debug("job claimed concurrently, skipping", logger.Error(err))
		return e.store.Get(ctx, ownerID, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: start job %s: %w", ErrNotStarted, jobID, err)
	}
	log.Info("research job started", logger.String("depth", string(job.Depth)))

	out, werr := runWorker(ctx, e.worker, job.Query, job.Depth, e.timeout)
	patch := outcomePatch(out, werr)

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.finishTimeout)
	defer cancel()
	done, err := e.store.Update(fctx, ownerID, jobID, patch)
	if lostRace(err) {
		log.Warn("job finished elsewhere, dropping outcome", logger.Error(err))
		return e.store.Get(fctx, ownerID, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("finish job %s: %w", jobID, err)
	}

	var took time.Duration
	if done.StartedAt != nil && done.CompletedAt != nil {
		took = done.CompletedAt.Sub(*done.StartedAt)
	}
	e.metrics.JobFinished(string(done.Depth), string(done.Status), took)

	if done.Status == StatusFailed {
		log.Warn("research job failed", logger.String("error", *done.Error), logger.Duration("took", took))
	} else {
		log.Info("research job completed", logger.Duration("took", took))
		appendHistory(fctx, e.history, done, log)
	}
	return done, nil
}

// Abandon fails a job that is still pending, recording cause. It is used when
// the job will not be delivered again. A job that already moved on is
// returned unchanged.
func (e *Executor) Abandon(ctx context.Context, ownerID, jobID string, cause error) (*Job, error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.finishTimeout)
	defer cancel()

	msg := fmt.Sprintf("research job could not be started: %v", cause)
	job, err := e.store.Update(fctx, ownerID, jobID, JobPatch{Status: StatusFailed, Error: &msg, From: StatusPending})
	if lostRace(err) {
		return e.store.Get(fctx, ownerID, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("abandon job %s: %w", jobID, err)
	}
	e.log.Warn("research job abandoned", logger.String("job_id", jobID), logger.Error(cause))
	e.metrics.JobFinished(string(job.Depth), string(job.Status), 0)
	return job, nil
}

// lostRace reports whether another executor moved the job first.
func lostRace(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrTerminal) || errors.Is(err, ErrInvalidTransition)
}

// runWorker calls w with an optional deadline and turns panics and empty
// output into errors.
func runWorker(ctx context.Context, w RemoteWorker, query string, depth Depth, timeout time.Duration) (out *WorkerOutput, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("%w: worker panicked: %v", ErrUpstream, r)
		}
	}()

	out, err = w.Research(ctx, query, depth)
	if err != nil {
		return nil, err
	}
	if out == nil || strings.TrimSpace(out.Content) == "" {
		return nil, fmt.Errorf("%w: worker returned an empty result", ErrUpstream)
	}
	return out, nil
}

func outcomePatch(out *WorkerOutput, err error) JobPatch {
	if err != nil {
		msg := err.Error()
		return JobPatch{Status: StatusFailed, Error: &msg}
	}
	return JobPatch{Status: StatusCompleted, Result: BuildResult(out)}
}

func appendHistory(ctx context.Context, h HistoryStore, job *Job, log logger.Logger) {
	if h == nil || job.OwnerID == "" {
		return
	}
	if err := h.Append(ctx, job); err != nil {
		log.Warn("history append failed", logger.Error(err))
	}
}
