package researchx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mohans/researchx/internal/logger"
)

// Processor runs queued deep jobs through an Executor.
type Processor struct {
	server   *asynq.Server
	executor *Executor
	log      logger.Logger
}

type ProcessorConfig struct {
	Concurrency int
	Queues      map[string]int
	// RetryDelay, when set, replaces asynq's backoff between deliveries of a
	// job that could not be started.
	RetryDelay time.Duration
	Logger     logger.Logger
}

func NewProcessor(redisOpt asynq.RedisConnOpt, executor *Executor, cfg ProcessorConfig) *Processor {
	con := cfg.Concurrency
	if con <= 0 {
		con = 10
	}
	qs := cfg.Queues
	if qs == nil {
		qs = map[string]int{"default": 1}
	}
	log := logger.OrNop(cfg.Logger).With(logger.String("component", "processor"))

	acfg := asynq.Config{
		Concurrency: con,
		Queues:      qs,
		Logger:      asynqLogger{log},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			id, _ := asynq.GetTaskID(ctx)
			log.Error("task failed", logger.String("task_id", id), logger.String("type", t.Type()), logger.Error(err))
		}),
	}
	if d := cfg.RetryDelay; d > 0 {
		acfg.RetryDelayFunc = func(int, error, *asynq.Task) time.Duration { return d }
		acfg.DelayedTaskCheckInterval = d
	}
	server := asynq.NewServer(redisOpt, acfg)
	return &Processor{server: server, executor: executor, log: log}
}

// Handler returns the task handler, wrapped with lifecycle logging.
func (p *Processor) Handler() asynq.Handler {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskExecute, p.handleExecute)
	return p.lifecycleMiddleware(mux)
}

func (p *Processor) lifecycleMiddleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		id, _ := asynq.GetTaskID(ctx)
		log := p.log.With(logger.String("task_id", id), logger.String("type", t.Type()))
		start := time.Now()
		log.Debug("task started")

		err := next.ProcessTask(ctx, t)
		if err != nil {
			log.Warn("task returned error", logger.Error(err), logger.Duration("took", time.Since(start)))
			return err
		}
		log.Debug("task finished", logger.Duration("took", time.Since(start)))
		return nil
	})
}

// handleExecute lets asynq deliver a job again only while it is still
// pending, for example after a store outage. A job that ran is never
// retried: a failed deep job is terminal and must be resubmitted by its owner.
// On the last delivery a job that could not be started is failed.
func (p *Processor) handleExecute(ctx context.Context, t *asynq.Task) error {
	var payload executePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", TaskExecute, err, asynq.SkipRetry)
	}
	_, err := p.executor.Execute(ctx, payload.OwnerID, payload.JobID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotStarted) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if deliveriesLeft(ctx) {
		return err
	}
	if _, aerr := p.executor.Abandon(ctx, payload.OwnerID, payload.JobID, err); aerr != nil {
		p.log.Error("could not fail undeliverable job", logger.String("job_id", payload.JobID), logger.Error(aerr))
	}
	return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
}

// deliveriesLeft reports whether asynq will deliver the current task again
// after an error.
func deliveriesLeft(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return false
	}
	limit, ok := asynq.GetMaxRetry(ctx)
	return ok && retried < limit
}

// Start runs the server in the background.
func (p *Processor) Start() error {
	return p.server.Start(p.Handler())
}

// Run blocks until the process receives a termination signal.
func (p *Processor) Run() error {
	return p.server.Run(p.Handler())
}

func (p *Processor) Shutdown() { p.server.Shutdown() }

// asynqLogger routes asynq's own logs into the structured logger.
type asynqLogger struct {
	log logger.Logger
}

func (l asynqLogger) Debug(args ...any) { l.log.Debug(fmt.Sprint(args...)) }

func (l asynqLogger) Info(args ...any) { l.log.Info(fmt.Sprint(args...)) }

func (l asynqLogger) Warn(args ...any) { l.log.Warn(fmt.Sprint(args...)) }

func (l asynqLogger) Error(args ...any) { l.log.Error(fmt.Sprint(args...)) }

func (l asynqLogger) Fatal(args ...any) {
	l.log.Error(fmt.Sprint(args...))
	_ = l.log.Sync()
	os.Exit(1)
}
