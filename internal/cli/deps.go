package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/mohans/researchx/internal/config"
	"github.com/mohans/researchx/internal/logger"
	"github.com/mohans/researchx/internal/metrics"
	"github.com/mohans/researchx/researchx"
	"github.com/mohans/researchx/worker"
)

// deps holds what a command needs. Heavy resources are opened on demand
// and released by close.
type deps struct {
	cfg      *config.Config
	log      logger.Logger
	registry *prometheus.Registry
	metrics  *metrics.Collector

	db      *sql.DB
	store   *researchx.SQLStore
	jobs    researchx.Store
	rdb     redis.UniversalClient
	closers []func() error
}

func loadDeps(opts *rootOptions) (*deps, error) {
	cfg, err := config.LoadApp(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	reg := prometheus.NewRegistry()
	return &deps{
		cfg:      cfg,
		log:      log,
		registry: reg,
		metrics:  metrics.NewCollector(reg),
		// Sync on a terminal stderr fails harmlessly, so its error is dropped.
		closers: []func() error{func() error { _ = log.Sync(); return nil }},
	}, nil
}

func (d *deps) openStore(ctx context.Context) (*researchx.SQLStore, error) {
	if d.store != nil {
		return d.store, nil
	}
	db, err := sql.Open(d.cfg.Database.Driver, d.cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", d.cfg.Database.Driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", d.cfg.Database.Driver, err)
	}
	if d.cfg.Database.Driver == "sqlite" {
		// sqlite allows one writer; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	d.closers = append(d.closers, db.Close)
	store := researchx.NewSQLStore(db, d.cfg.Database.Driver)
	cached, err := researchx.NewCachedStore(store, d.cfg.Database.CacheSize)
	if err != nil {
		return nil, err
	}
	d.db, d.store, d.jobs = db, store, cached
	return d.store, nil
}

func (d *deps) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     d.cfg.Redis.Addr,
		Password: d.cfg.Redis.Password,
		DB:       d.cfg.Redis.DB,
	}
}

func (d *deps) history() *researchx.RedisHistory {
	if d.rdb == nil {
		d.rdb = redis.NewClient(&redis.Options{
			Addr:     d.cfg.Redis.Addr,
			Password: d.cfg.Redis.Password,
			DB:       d.cfg.Redis.DB,
		})
		d.closers = append(d.closers, d.rdb.Close)
	}
	return researchx.NewRedisHistory(d.rdb, d.cfg.History.MaxEntries)
}

func (d *deps) workerConfig() worker.Config {
	w := d.cfg.Worker
	return worker.Config{
		APIKey:      w.APIKey,
		BaseURL:     w.BaseURL,
		QuickModel:  w.QuickModel,
		DeepModel:   w.DeepModel,
		VerifyModel: w.VerifyModel,
		Timeout:     w.Timeout,
		DeepTimeout: w.DeepTimeout,

		RequestsPerSecond: w.RequestsPerSecond,
	}
}

func (d *deps) researchClient() (*worker.ResearchClient, error) {
	return worker.NewResearchClient(d.workerConfig(), d.log)
}

// client builds a submitter wired to the store, queue and history.
func (d *deps) client(ctx context.Context) (*researchx.Client, error) {
	if _, err := d.openStore(ctx); err != nil {
		return nil, err
	}
	rw, err := d.researchClient()
	if err != nil {
		return nil, err
	}
	c := researchx.NewClient(d.redisOpt(), d.jobs, rw, researchx.ClientOptions{
		Queue:        d.cfg.Queue.Name,
		QuickTimeout: d.cfg.Worker.Timeout,
		History:      d.history(),
		Logger:       d.log,
		Metrics:      d.metrics,
	})
	d.closers = append(d.closers, c.Close)
	return c, nil
}

func (d *deps) poller() *researchx.Poller {
	return researchx.NewPoller(d.jobs, researchx.PollerOptions{
		Interval:             d.cfg.Poller.Interval,
		MaxConsecutiveErrors: d.cfg.Poller.MaxConsecutiveErrors,
		Logger:               d.log,
		Metrics:              d.metrics,
	})
}

func (d *deps) close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
