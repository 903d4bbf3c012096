package main

import (
	"context"
	"fmt"
	"net"

	"github.com/IBM/sarama"
	"github.com/carbontrack/docpipeline/internal/config"
	"github.com/carbontrack/docpipeline/internal/events"
	"github.com/carbontrack/docpipeline/internal/filestore"
	"github.com/carbontrack/docpipeline/internal/pipeline"
	"github.com/carbontrack/docpipeline/internal/queue"
	"github.com/carbontrack/docpipeline/internal/store"
	"github.com/carbontrack/docpipeline/internal/stream"
	"go.uber.org/zap"
)

func isPostgres(cfg *config.Config) bool {
	return cfg.Database.Type == "pgsql"
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	zap.S().Info("Initializing data store")
	db, err := store.InitDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing data store: %w", err)
	}

	s := store.NewStore(db)
	// sqlite deployments are not migrated by goose outside of the migrate command
	if !isPostgres(cfg) {
		if err := s.InitialMigration(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("running initial migration: %w", err)
		}
	}
	return s, nil
}

// newEventWriter always logs events and fans them out to the stream hub. Kafka
// is added when brokers are configured.
func newEventWriter(cfg *config.Config, hub *stream.Hub) (events.Writer, error) {
	writers := []events.Writer{&events.StdoutWriter{}, hub}

	kafka := cfg.Service.Kafka
	if len(kafka.Brokers) > 0 {
		sc := kafka.SaramaConfig
		if sc == nil {
			sc = sarama.NewConfig()
		}
		if kafka.ClientID != "" {
			sc.ClientID = kafka.ClientID
		}
		if kafka.Version.IsAtLeast(sarama.MinVersion) {
			sc.Version = kafka.Version
		}

		w, err := events.NewKafkaWriter(kafka.Brokers, sc)
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
		zap.S().Infow("publishing events to kafka", "brokers", kafka.Brokers, "topic", kafka.Topic)
	}

	return events.NewMultiWriter(writers...), nil
}

func newProducer(cfg *config.Config, w events.Writer) *events.EventProducer {
	var opts []events.ProducerOptions
	if cfg.Service.Kafka.Topic != "" {
		opts = append(opts, events.WithOutputTopic(cfg.Service.Kafka.Topic))
	}
	return events.NewEventProducer(w, opts...)
}

// newQueue builds the manager. With dispatch set the manager also runs the
// OCR workers.
func newQueue(cfg *config.Config, s store.Store, files filestore.FileStore, producer *events.EventProducer, dispatch bool) *queue.Manager {
	opts := []queue.Option{queue.WithPublisher(producer)}
	if workerOwner != "" {
		opts = append(opts, queue.WithOwner(workerOwner))
	}
	if dispatch {
		processor := pipeline.NewProcessor(s, files, pipeline.NewOrchestrator(cfg.Ocr), pipeline.WithPublisher(producer))
		opts = append(opts, queue.WithHandler(processor))
	}
	return queue.NewManager(s, cfg.Queue, opts...)
}

func newListener(address string) (net.Listener, error) {
	if address == "" {
		address = "localhost:0"
	}
	return net.Listen("tcp", address)
}
