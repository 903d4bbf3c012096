package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/carbontrack/docpipeline/internal/filestore"
	"github.com/carbontrack/docpipeline/internal/stream"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var workerOwner string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued OCR jobs without serving the API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, flush, err := setup()
		if err != nil {
			return err
		}
		defer flush()

		zap.S().Infow("Starting OCR worker", "workers", cfg.Queue.Workers)
		defer zap.S().Info("OCR worker stopped")

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

		// stream clients live on the API process; the hub here only drains events
		writer, err := newEventWriter(cfg, stream.NewHub())
		if err != nil {
			zap.S().Fatalw("initializing event writer", "error", err)
		}
		producer := newProducer(cfg, writer)
		defer func() {
			if err := producer.Close(); err != nil {
				zap.S().Warnw("closing event producer", "error", err)
			}
		}()

		q := newQueue(cfg, s, files, producer, true)
		if err := q.Open(ctx); err != nil {
			zap.S().Fatalw("opening queue", "error", err)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return runMetrics(gctx, cfg.Service.MetricsAddress, s)
		})
		g.Go(func() error {
			<-gctx.Done()
			closeCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			return q.Close(closeCtx)
		})

		return g.Wait()
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerOwner, "owner", "", "Lease owner name written on claimed jobs (defaults to hostname and a random suffix)")
}
