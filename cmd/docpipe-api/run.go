package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	apiserver "github.com/carbontrack/docpipeline/internal/api_server"
	"github.com/carbontrack/docpipeline/internal/config"
	"github.com/carbontrack/docpipeline/internal/filestore"
	"github.com/carbontrack/docpipeline/internal/queue/maintenance"
	"github.com/carbontrack/docpipeline/internal/service"
	"github.com/carbontrack/docpipeline/internal/store"
	"github.com/carbontrack/docpipeline/internal/stream"
	"github.com/carbontrack/docpipeline/pkg/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

var noWorkers bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the document API together with the OCR workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, flush, err := setup()
		if err != nil {
			return err
		}
		defer flush()

		zap.S().Info("Starting API service")
		defer zap.S().Info("API service stopped")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
		defer cancel()

		s, err := openStore(ctx, cfg)
		if err != nil {
			zap.S().Fatalw("opening store", "error", err)
		}
		defer s.Close()

		files, err := filestore.New(cfg.Storage)
		if err != nil {
			zap.S().Fatalw("initializing file storage", "error", err)
		}

		hub := stream.NewHub()
		writer, err := newEventWriter(cfg, hub)
		if err != nil {
			zap.S().Fatalw("initializing event writer", "error", err)
		}
		producer := newProducer(cfg, writer)
		defer func() {
			if err := producer.Close(); err != nil {
				zap.S().Warnw("closing event producer", "error", err)
			}
		}()

		q := newQueue(cfg, s, files, producer, !noWorkers)
		if err := q.Open(ctx); err != nil {
			zap.S().Fatalw("opening queue", "error", err)
		}
		defer func() {
			closeCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			if err := q.Close(closeCtx); err != nil {
				zap.S().Warnw("closing queue", "error", err)
			}
		}()

		docSrv := service.NewDocumentService(s, files, q,
			service.WithPublisher(producer),
			service.WithMaxFileSize(cfg.Ocr.MaxFileSize),
		)
		streamSrv := stream.NewService(s, hub, cfg.Stream)

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			listener, err := newListener(cfg.Service.Address)
			if err != nil {
				return err
			}
			return apiserver.New(cfg, listener, docSrv, q, streamSrv).Run(gctx)
		})

		g.Go(func() error {
			return runMetrics(gctx, cfg.Service.MetricsAddress, s)
		})

		if isPostgres(cfg) && !cfg.Queue.MaintenanceOff {
			g.Go(func() error {
				return runMaintenance(gctx, cfg, s)
			})
		}

		if err := g.Wait(); err != nil {
			zap.S().Errorw("service terminated", "error", err)
			return err
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&noWorkers, "no-workers", false, "Serve the API without processing jobs")
}

func runMetrics(ctx context.Context, address string, stats metrics.QueueStatsSource) error {
	listener, err := newListener(address)
	if err != nil {
		return err
	}
	srv, err := apiserver.NewMetricServer(address, listener, stats)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

func runMaintenance(ctx context.Context, cfg *config.Config, s store.Store) error {
	pool, err := maintenance.NewPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	client, err := maintenance.NewClient(pool, s, cfg.Queue)
	if err != nil {
		return err
	}
	return client.Run(ctx)
}
