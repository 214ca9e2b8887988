package researchx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/mohans/researchx/internal/logger"
	"github.com/mohans/researchx/internal/metrics"
)

// TaskExecute is the asynq task type that runs a deep job.
const TaskExecute = "research:execute"

// DeliveryRetries is how many extra times asynq may deliver a deep job that
// could not be started. Jobs that ran are never delivered again.
const DeliveryRetries = 3

type executePayload struct {
	JobID   string `json:"job_id"`
	OwnerID string `json:"owner_id"`
}

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Client validates research requests, records them and triggers execution.
type Client struct {
	client  enqueuer
	store   Store
	worker  RemoteWorker
	history HistoryStore
	queue   string
	timeout time.Duration
	log     logger.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

type ClientOptions struct {
	Queue string
	// QuickTimeout bounds the inline worker call of a quick job.
	QuickTimeout time.Duration
	History      HistoryStore
	Logger       logger.Logger
	Metrics      *metrics.Collector
}

func NewClient(redisOpt asynq.RedisConnOpt, store Store, worker RemoteWorker, opts ClientOptions) *Client {
	return newClient(asynq.NewClient(redisOpt), store, worker, opts)
}

func newClient(q enqueuer, store Store, worker RemoteWorker, opts ClientOptions) *Client {
	queue := opts.Queue
	if queue == "" {
		queue = "default"
	}
	return &Client{
		client:  q,
		store:   store,
		worker:  worker,
		history: opts.History,
		queue:   queue,
		timeout: opts.QuickTimeout,
		log:     logger.OrNop(opts.Logger),
		metrics: opts.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Submit accepts a research request. Quick requests run inline and come back
// completed or failed. Deep requests come back pending and run on the queue.
func (c *Client) Submit(ctx context.Context, ownerID, query string, depth Depth, metadata map[string]any) (*Job, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrInvalidQuery
	}
	if !depth.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDepth, depth)
	}
	if depth == DepthQuick {
		return c.submitQuick(ctx, ownerID, query, metadata)
	}
	return c.submitDeep(ctx, ownerID, query, metadata)
}

func (c *Client) submitQuick(ctx context.Context, ownerID, query string, metadata map[string]any) (*Job, error) {
	c.metrics.JobSubmitted(string(DepthQuick))
	log := c.log.With(logger.String("owner_id", ownerID), logger.String("depth", string(DepthQuick)))

	started := c.now()
	out, err := runWorker(ctx, c.worker, query, DepthQuick, c.timeout)
	finished := c.now()

	patch := outcomePatch(out, err)
	job := &Job{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Query:       query,
		Depth:       DepthQuick,
		Status:      patch.Status,
		Result:      patch.Result,
		Error:       patch.Error,
		Metadata:    metadata,
		CreatedAt:   started,
		StartedAt:   &started,
		CompletedAt: &finished,
	}
	log = log.With(logger.String("job_id", job.ID))

	// Anonymous quick jobs cannot be read back, so they are not stored.
	if ownerID != "" {
		if err := c.store.CreateTerminal(ctx, job); err != nil {
			return nil, fmt.Errorf("persist quick job: %w", err)
		}
	}
	c.metrics.JobFinished(string(DepthQuick), string(job.Status), finished.Sub(started))

	if job.Status == StatusFailed {
		log.Warn("quick research failed", logger.String("error", *job.Error))
		return job, nil
	}
	log.Info("quick research completed", logger.Duration("took", finished.Sub(started)))
	appendHistory(ctx, c.history, job, log)
	return job, nil
}

func (c *Client) submitDeep(ctx context.Context, ownerID, query string, metadata map[string]any) (*Job, error) {
	if ownerID == "" {
		return nil, ErrAuthRequired
	}

	job, err := c.store.Create(ctx, ownerID, query, DepthDeep, metadata)
	if err != nil {
		return nil, fmt.Errorf("create deep job: %w", err)
	}
	c.metrics.JobSubmitted(string(DepthDeep))
	log := c.log.With(logger.String("job_id", job.ID), logger.String("owner_id", ownerID))

	if err := c.enqueue(ctx, job); err != nil {
		// Without a handoff nothing would ever pick the job up.
		log.Error("deep research handoff failed", logger.Error(err))
		msg := err.Error()
		failed, uerr := c.store.Update(ctx, ownerID, job.ID, JobPatch{Status: StatusFailed, Error: &msg})
		if uerr != nil {
			return nil, fmt.Errorf("mark job %s failed after %v: %w", job.ID, err, uerr)
		}
		c.metrics.JobFinished(string(DepthDeep), string(StatusFailed), 0)
		return failed, nil
	}

	log.Info("deep research enqueued", logger.String("queue", c.queue))
	return job, nil
}

func (c *Client) enqueue(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(executePayload{JobID: job.ID, OwnerID: job.OwnerID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskExecute, payload)
	_, err = c.client.EnqueueContext(ctx, task,
		asynq.Queue(c.queue),
		asynq.TaskID(job.ID),
		asynq.MaxRetry(DeliveryRetries),
	)
	if err != nil {
		return fmt.Errorf("enqueue research job: %w", err)
	}
	return nil
}

// Resume returns the owner's newest unfinished deep job, or nil.
func (c *Client) Resume(ctx context.Context, ownerID string) (*Job, error) {
	if ownerID == "" {
		return nil, ErrAuthRequired
	}
	return c.store.FindLatestIncomplete(ctx, ownerID)
}

// Get reads one job for its owner.
func (c *Client) Get(ctx context.Context, ownerID, jobID string) (*Job, error) {
	return c.store.Get(ctx, ownerID, jobID)
}

func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
