package researchx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mohans/researchx/internal/logger"
	"github.com/mohans/researchx/internal/metrics"
)

const (
	DefaultPollInterval         = 3 * time.Second
	DefaultMaxConsecutiveErrors = 5
)

// Clock supplies wall-clock time to pollers.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Callbacks receive a poll sequence's observations. Any may be nil.
type Callbacks struct {
	// OnStatus fires on the first observation and on every status change.
	OnStatus func(job *Job)
	// OnComplete fires once when the job is observed completed.
	OnComplete func(job *Job)
	// OnError fires once when the job is observed failed (job set, err wraps
	// ErrJobFailed) or when polling gives up (job nil).
	OnError func(job *Job, err error)
}

// Poller watches jobs in a Store until they finish. It never writes.
type Poller struct {
	store     Store
	interval  time.Duration
	maxErrors int
	clock     Clock
	log       logger.Logger
	metrics   *metrics.Collector
}

type PollerOptions struct {
	Interval             time.Duration
	MaxConsecutiveErrors int
	Clock                Clock
	Logger               logger.Logger
	Metrics              *metrics.Collector
}

func NewPoller(store Store, opts PollerOptions) *Poller {
	p := &Poller{
		store:     store,
		interval:  opts.Interval,
		maxErrors: opts.MaxConsecutiveErrors,
		clock:     opts.Clock,
		log:       logger.OrNop(opts.Logger),
		metrics:   opts.Metrics,
	}
	if p.interval <= 0 {
		p.interval = DefaultPollInterval
	}
	if p.maxErrors <= 0 {
		p.maxErrors = DefaultMaxConsecutiveErrors
	}
	if p.clock == nil {
		p.clock = systemClock{}
	}
	return p
}

// PollHandle is one poll sequence.
type PollHandle struct {
	jobID  string
	clock  Clock
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	start     time.Time
	end       time.Time
	status    Status
	err       error
	cancelled bool
}

// Start fetches jobID right away and keeps polling on the interval until
// the job is terminal, the handle is cancelled, or ctx ends.
func (p *Poller) Start(ctx context.Context, ownerID, jobID string, cb Callbacks) *PollHandle {
	ctx, cancel := context.WithCancel(ctx)
	h := &PollHandle{
		jobID:  jobID,
		clock:  p.clock,
		cancel: cancel,
		done:   make(chan struct{}),
		start:  p.clock.Now(),
	}
	go p.run(ctx, h, ownerID, cb)
	return h
}

func (p *Poller) run(ctx context.Context, h *PollHandle, ownerID string, cb Callbacks) {
	defer close(h.done)
	defer h.finish()

	log := p.log.With(logger.String("job_id", h.jobID), logger.String("owner_id", ownerID))
	s := &pollState{}

	if p.observe(ctx, h, ownerID, cb, s, log) {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug("polling stopped", logger.Duration("elapsed", h.Elapsed()))
			return
		case <-ticker.C:
			if p.observe(ctx, h, ownerID, cb, s, log) {
				return
			}
		}
	}
}

type pollState struct {
	lastStatus Status
	errCount   int
}

// observe fetches the job once and reports whether the sequence is over.
func (p *Poller) observe(ctx context.Context, h *PollHandle, ownerID string, cb Callbacks, s *pollState, log logger.Logger) bool {
	p.metrics.Poll()
	job, err := p.store.Get(ctx, ownerID, h.jobID)
	if ctx.Err() != nil {
		return true
	}

	if err != nil {
		if !stopsPolling(err) {
			s.errCount++
			if s.errCount < p.maxErrors {
				log.Warn("job fetch failed, will retry", logger.Error(err), logger.Int("consecutive", s.errCount))
				return false
			}
			err = fmt.Errorf("giving up after %d consecutive fetch errors: %w", s.errCount, err)
		}
		log.Warn("polling aborted", logger.Error(err))
		h.setErr(err)
		if cb.OnError != nil && h.deliverable() {
			cb.OnError(nil, err)
		}
		return true
	}
	s.errCount = 0

	if job.Status != s.lastStatus {
		s.lastStatus = job.Status
		h.setStatus(job.Status)
		if cb.OnStatus != nil && h.deliverable() {
			cb.OnStatus(job)
		}
	}

	switch job.Status {
	case StatusCompleted:
		if cb.OnComplete != nil && h.deliverable() {
			cb.OnComplete(job)
		}
		return true
	case StatusFailed:
		msg := ""
		if job.Error != nil {
			msg = *job.Error
		}
		jerr := fmt.Errorf("%w: %s", ErrJobFailed, msg)
		h.setErr(jerr)
		if cb.OnError != nil && h.deliverable() {
			cb.OnError(job, jerr)
		}
		return true
	}
	return false
}

// Cancel stops local observation. The job itself keeps running remotely and
// no callback fires after Cancel returns, except one already in progress.
func (h *PollHandle) Cancel() {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()
	h.cancel()
}

// Done is closed when the sequence has ended for any reason.
func (h *PollHandle) Done() <-chan struct{} {
	return h.done
}

// Elapsed is the wall-clock time since Start. It stops advancing once the
// sequence ends.
func (h *PollHandle) Elapsed() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.end.IsZero() {
		return h.end.Sub(h.start)
	}
	return h.clock.Now().Sub(h.start)
}

// Status is the last status observed, empty before the first fetch.
func (h *PollHandle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Err is why the sequence ended unsuccessfully, if it did.
func (h *PollHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *PollHandle) JobID() string { return h.jobID }

func (h *PollHandle) Cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

func (h *PollHandle) deliverable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.cancelled
}

func (h *PollHandle) setStatus(s Status) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

func (h *PollHandle) setErr(err error) {
	h.mu.Lock()
	if h.err == nil {
		h.err = err
	}
	h.mu.Unlock()
}

func (h *PollHandle) finish() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.end.IsZero() {
		h.end = h.clock.Now()
	}
	if h.end.Before(h.start) {
		h.end = h.start
	}
}

// Wait blocks until the sequence ends and returns the job's final error,
// nil when it completed or was cancelled.
func (h *PollHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		err := h.Err()
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
