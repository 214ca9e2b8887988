package researchx

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a research job.
// Valid values: pending, processing, completed, failed.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether s -> next is a legal forward move.
// pending -> failed covers a job whose execution could never be handed off.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Depth selects the worker profile and whether execution is inline.
type Depth string

const (
	DepthQuick Depth = "quick"
	DepthDeep  Depth = "deep"
)

func (d Depth) Valid() bool {
	return d == DepthQuick || d == DepthDeep
}

// Citation is one source returned by the worker.
type Citation struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Result is the normalized output of a completed job.
type Result struct {
	Summary     string     `json:"summary"`
	KeyFindings []string   `json:"key_findings"`
	Citations   []Citation `json:"citations"`
	RawContent  string     `json:"raw_content"`
}

// Job is the durable record of one research request.
type Job struct {
	ID          string         `json:"id"`
	OwnerID     string         `json:"owner_id"`
	Query       string         `json:"query"`
	Depth       Depth          `json:"depth"`
	Status      Status         `json:"status"`
	Result      *Result        `json:"result,omitempty"`
	Error       *string        `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// JobPatch is a status transition plus the fields that go with it.
type JobPatch struct {
	Status      Status
	Result      *Result
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time

	// From, when set, applies the patch only if the job is currently in
	// that status; otherwise Update fails with ErrConflict.
	From Status
}

// WorkerOutput is what a RemoteWorker hands back before aggregation.
type WorkerOutput struct {
	Content   string
	Citations []string
}

// RemoteWorker runs one research query. Implementations should wrap
// throttling as ErrUpstreamRateLimited and other failures as ErrUpstream.
type RemoteWorker interface {
	Research(ctx context.Context, query string, depth Depth) (*WorkerOutput, error)
}

// RemoteWorkerFunc adapts a function to RemoteWorker.
type RemoteWorkerFunc func(ctx context.Context, query string, depth Depth) (*WorkerOutput, error)

func (f RemoteWorkerFunc) Research(ctx context.Context, query string, depth Depth) (*WorkerOutput, error) {
	return f(ctx, query, depth)
}

var (
	// Rejected before any job is created.
	ErrInvalidQuery = errors.New("research query is empty")
	ErrInvalidDepth = errors.New("research depth must be quick or deep")
	ErrAuthRequired = errors.New("deep research requires an authenticated owner")

	// Upstream failures.
	ErrUpstreamRateLimited = errors.New("upstream rate limited")
	ErrUpstream            = errors.New("upstream error")

	// Store access.
	ErrNotFound          = errors.New("job not found")
	ErrForbidden         = errors.New("job belongs to another owner")
	ErrTerminal          = errors.New("job already in a terminal state")
	ErrConflict          = errors.New("job status changed concurrently")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrInvalidPatch      = errors.New("terminal patch must carry exactly one of result or error")

	// ErrJobFailed wraps the stored message of a failed job for pollers.
	ErrJobFailed = errors.New("research job failed")
)

// stopsPolling reports whether a poller should give up on err instead of
// trying again on the next tick.
func stopsPolling(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden)
}
