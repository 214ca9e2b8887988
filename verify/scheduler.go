package verify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mohans/researchx/internal/logger"
	"github.com/mohans/researchx/internal/metrics"
)

const (
	DefaultStagger        = 1500 * time.Millisecond
	DefaultBaseDelay      = time.Second
	DefaultMaxRetries     = 2
	DefaultAttemptTimeout = 60 * time.Second
)

type Options struct {
	// Stagger offsets the first attempt of the i-th scheduled claim by i*Stagger.
	Stagger time.Duration
	// BaseDelay is the wait before the first retry; it doubles per retry.
	BaseDelay time.Duration
	// MaxRetries is the number of extra attempts after the first. Zero means
	// DefaultMaxRetries, negative disables retries.
	MaxRetries     int
	AttemptTimeout time.Duration

	// Sleep waits d or until ctx ends. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time

	// OnUpdate receives a copy of a claim each time its verification changes.
	// Calls come from the claims' goroutines but never overlap, and one
	// claim's updates arrive in order. OnUpdate must not call ScheduleAll or
	// Retry.
	OnUpdate func(Claim)

	Logger  logger.Logger
	Metrics *metrics.Collector
}

// Scheduler owns every write to Claim.Verification for the claims handed
// to it.
type Scheduler struct {
	worker     Worker
	stagger    time.Duration
	baseDelay  time.Duration
	maxRetries int
	timeout    time.Duration
	sleep      func(context.Context, time.Duration) error
	now        func() time.Time
	onUpdate   func(Claim)
	log        logger.Logger
	metrics    *metrics.Collector

	// notifyMu serializes OnUpdate calls. It is never held with mu.
	notifyMu sync.Mutex

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	claims   map[string]*Claim
	order    []string
	closed   bool
	wg       sync.WaitGroup
}

func NewScheduler(worker Worker, opts Options) *Scheduler {
	s := &Scheduler{
		worker:     worker,
		stagger:    opts.Stagger,
		baseDelay:  opts.BaseDelay,
		maxRetries: opts.MaxRetries,
		timeout:    opts.AttemptTimeout,
		sleep:      opts.Sleep,
		now:        opts.Now,
		onUpdate:   opts.OnUpdate,
		log:        logger.OrNop(opts.Logger).With(logger.String("component", "verify")),
		metrics:    opts.Metrics,
		inflight:   make(map[string]context.CancelFunc),
		claims:     make(map[string]*Claim),
	}
	if s.stagger < 0 {
		s.stagger = 0
	}
	if s.baseDelay <= 0 {
		s.baseDelay = DefaultBaseDelay
	}
	switch {
	case s.maxRetries == 0:
		s.maxRetries = DefaultMaxRetries
	case s.maxRetries < 0:
		s.maxRetries = 0
	}
	if s.timeout <= 0 {
		s.timeout = DefaultAttemptTimeout
	}
	if s.sleep == nil {
		s.sleep = sleepContext
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// unit is one claim's attempt chain. Identity and inputs are captured when
// it is scheduled.
type unit struct {
	claim *Claim
	id    string
	title string
	text  string
	delay time.Duration
}

// ScheduleAll starts an attempt chain for every claim that has no
// verification yet and is not already in flight. The i-th claim actually
// scheduled waits i*Stagger before its first attempt. It returns how many
// claims were scheduled.
//
// Attempts outlive ctx's cancellation; only Close stops them.
func (s *Scheduler) ScheduleAll(ctx context.Context, claims []*Claim) int {
	var (
		updates []Claim
		starts  []func()
	)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	for _, c := range claims {
		if c == nil || c.ID == "" {
			continue
		}
		if c.Verification != nil {
			continue
		}
		if _, busy := s.inflight[c.ID]; busy {
			continue
		}
		s.track(c)
		c.Verification = &Verification{Status: StatusPending}
		updates = append(updates, c.clone())
		starts = append(starts, s.prepare(ctx, c, time.Duration(len(starts))*s.stagger))
	}
	s.mu.Unlock()

	s.notify(updates...)
	for _, start := range starts {
		start()
	}
	if len(starts) > 0 {
		s.log.Debug("claims scheduled", logger.Int("count", len(starts)), logger.Duration("stagger", s.stagger))
	}
	return len(starts)
}

// Retry clears a settled claim's verification and runs it again from the
// first attempt, without stagger.
func (s *Scheduler) Retry(ctx context.Context, c *Claim) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("retry: claim has no id")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, busy := s.inflight[c.ID]; busy {
		s.mu.Unlock()
		return fmt.Errorf("retry claim %s: %w", c.ID, ErrInFlight)
	}
	s.track(c)
	c.Verification = &Verification{Status: StatusPending}
	update := c.clone()
	start := s.prepare(ctx, c, 0)
	s.mu.Unlock()

	s.log.Info("claim retry requested", logger.String("claim_id", c.ID))
	s.notify(update)
	start()
	return nil
}

// Snapshot copies every claim the scheduler has seen, in first-seen order.
func (s *Scheduler) Snapshot() []Claim {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Claim, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.claims[id].clone())
	}
	return out
}

// InFlight reports whether claimID has an attempt chain running.
func (s *Scheduler) InFlight(claimID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[claimID]
	return ok
}

// Wait blocks until every scheduled chain has settled.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Close cancels all running chains and waits for them. Claims cut short are
// settled as unable_to_verify.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for _, cancel := range s.inflight {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// track must be called with s.mu held.
func (s *Scheduler) track(c *Claim) {
	if _, seen := s.claims[c.ID]; !seen {
		s.order = append(s.order, c.ID)
	}
	s.claims[c.ID] = c
}

// prepare registers c as in flight and returns the function that starts its
// chain. It must be called with s.mu held.
func (s *Scheduler) prepare(ctx context.Context, c *Claim, delay time.Duration) func() {
	uctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	uctx = context.WithValue(uctx, claimIDKey{}, c.ID)
	s.inflight[c.ID] = cancel
	s.wg.Add(1)
	u := unit{claim: c, id: c.ID, title: c.Title, text: c.Text, delay: delay}
	return func() { go s.run(uctx, u) }
}

func (s *Scheduler) run(ctx context.Context, u unit) {
	defer s.wg.Done()
	log := s.log.With(logger.String("claim_id", u.id))

	if err := s.sleep(ctx, u.delay); err != nil {
		s.settle(u, cancelled(0, s.now()))
		return
	}

	attempts := s.maxRetries + 1
	var lastErr error
	for k := 0; k < attempts; k++ {
		if k > 0 {
			wait := backoff(s.baseDelay, k)
			log.Debug("retrying claim", logger.Int("retry", k), logger.Duration("backoff", wait))
			if err := s.sleep(ctx, wait); err != nil {
				s.settle(u, cancelled(k, s.now()))
				return
			}
		}

		s.update(u, &Verification{Status: StatusChecking, Attempts: k + 1})
		s.metrics.VerificationAttempt(k)

		verdict, err := s.attempt(ctx, u)
		if err == nil {
			v := normalize(verdict, k+1, s.now())
			log.Info("claim verified", logger.String("status", string(v.Status)), logger.Int("attempts", k+1))
			s.settle(u, v)
			return
		}
		if ctx.Err() != nil {
			s.settle(u, cancelled(k+1, s.now()))
			return
		}
		lastErr = err
		log.Warn("claim verification attempt failed", logger.Int("attempt", k+1), logger.Error(err))
	}

	log.Warn("claim verification gave up", logger.Int("attempts", attempts), logger.Error(lastErr))
	s.settle(u, exhausted(attempts, lastErr, s.now()))
}

func (s *Scheduler) attempt(ctx context.Context, u unit) (v *Verdict, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, fmt.Errorf("verification worker panicked: %v", r)
		}
	}()

	v, err = s.worker.Verify(ctx, u.text, u.title)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrNoVerdict
	}
	return v, nil
}

func (s *Scheduler) update(u unit, v *Verification) {
	s.mu.Lock()
	u.claim.Verification = v
	cp := u.claim.clone()
	s.mu.Unlock()
	s.notify(cp)
}

// settle writes the final verification and releases the claim in one step,
// so a settled claim is immediately retryable.
func (s *Scheduler) settle(u unit, v *Verification) {
	s.mu.Lock()
	u.claim.Verification = v
	cp := u.claim.clone()
	if cancel, ok := s.inflight[u.id]; ok {
		cancel()
		delete(s.inflight, u.id)
	}
	s.mu.Unlock()

	s.metrics.VerificationOutcome(string(v.Status))
	s.notify(cp)
}

func (s *Scheduler) notify(claims ...Claim) {
	if s.onUpdate == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	for _, c := range claims {
		s.onUpdate(c)
	}
}

// backoff is the wait before retry k (k >= 1): 2^(k-1) * base.
func backoff(base time.Duration, k int) time.Duration {
	return base << (k - 1)
}

func exhausted(attempts int, err error, now time.Time) *Verification {
	return &Verification{
		Status:     StatusUnableToVerify,
		Confidence: 0,
		Summary:    fmt.Sprintf("Could not verify this claim after %d attempts (%v). Review it manually or retry.", attempts, err),
		CheckedAt:  &now,
		Attempts:   attempts,
	}
}

func cancelled(attempts int, now time.Time) *Verification {
	return &Verification{
		Status:     StatusUnableToVerify,
		Confidence: 0,
		Summary:    "Verification was stopped before it finished. Retry to check this claim.",
		CheckedAt:  &now,
		Attempts:   attempts,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
