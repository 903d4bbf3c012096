package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/carbontrack/docpipeline/internal/config"
	"github.com/carbontrack/docpipeline/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"go.uber.org/zap"
)

type Client struct {
	*river.Client[pgx.Tx]
}

func NewClient(pool *pgxpool.Pool, s store.Store, cfg *config.QueueConfig) (*Client, error) {
	workers := river.NewWorkers()
	river.AddWorker(workers, NewPruneWorker(s, Retention{Completed: cfg.CompletedTTL, Failed: cfg.FailedTTL}))

	interval := cfg.PruneInterval
	if interval <= 0 {
		interval = time.Hour
	}

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			QueueName: {MaxWorkers: 1},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(interval),
				func() (river.JobArgs, *river.InsertOpts) {
					return PruneArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
		// river's own rows for these jobs are short lived
		CompletedJobRetentionPeriod: 24 * time.Hour,
		DiscardedJobRetentionPeriod: 7 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create river client: %w", err)
	}

	return &Client{Client: riverClient}, nil
}

// Run starts the client and blocks until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("failed to start river: %w", err)
	}
	zap.S().Named("maintenance").Info("job maintenance started")

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.Stop(stopCtx); err != nil {
		zap.S().Named("maintenance").Warnw("failed to stop river client", "error", err)
		return err
	}
	return nil
}

// NewPool builds the pgx pool river runs on.
func NewPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s port=%s dbname=%s",
		cfg.Database.Hostname,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Port,
		cfg.Database.Name,
	)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pgx config: %w", err)
	}
	poolCfg.MaxConns = 4
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	return pool, nil
}
