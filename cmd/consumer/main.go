package main

import (
	"context"
	"flag"
	"os"

	"github.com/aanthord/ingest-amqp/internal/amqp"
	"github.com/aanthord/ingest-amqp/internal/app"
	"github.com/aanthord/ingest-amqp/internal/business"
	"github.com/aanthord/ingest-amqp/internal/config"
	"github.com/aanthord/ingest-amqp/internal/consumer"
	"github.com/aanthord/ingest-amqp/internal/models"
	"github.com/aanthord/ingest-amqp/internal/storage"
	"go.uber.org/zap"
)

func main() {
	port := flag.String("port", "", `ops server port, or "off" (overrides HTTP_PORT, default 3002)`)
	flag.Parse()

	os.Exit(app.Main("ingest-consumer", "3002", func(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (app.Agent, func(), error) {
		if *port != "" {
			cfg.Ops.Port = *port
		}

		store, err := storage.Open(ctx, cfg.Store, logger)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() {
			if err := store.Close(context.Background()); err != nil {
				logger.Warnw("Failed to close store", "error", err)
			}
		}

		processor, err := business.NewMessageProcessor(store, models.Metadata{
			Source:   cfg.Consumer.MetadataSource,
			Priority: cfg.Consumer.MetadataPriority,
		}, cfg.Store.Timeout, logger)
		if err != nil {
			cleanup()
			return nil, nil, err
		}

		session := amqp.NewSession(amqp.Config{
			URL:             cfg.Broker.URL,
			Queue:           cfg.Broker.Queue,
			QueueType:       cfg.Broker.QueueType,
			DeadLetterQueue: cfg.Broker.DeadLetterQueue,
			Prefetch:        cfg.Consumer.PrefetchLimit,
			ConnectRetries:  cfg.Broker.ConnectRetries,
		}, amqp.Dial, logger)

		c := consumer.New(consumer.Config{
			Prefetch:        cfg.Consumer.PrefetchLimit,
			MaxDeliveries:   cfg.Consumer.MaxDeliveries,
			DeadLetter:      cfg.Broker.DeadLetterQueue != "",
			ShutdownTimeout: cfg.Consumer.ShutdownTimeout,
			RequeueDelay:    cfg.Consumer.RequeueDelay,
		}, session, processor, logger)
		return c, cleanup, nil
	}))
}
