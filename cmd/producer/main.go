package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/aanthord/ingest-amqp/internal/amqp"
	"github.com/aanthord/ingest-amqp/internal/app"
	"github.com/aanthord/ingest-amqp/internal/config"
	"github.com/aanthord/ingest-amqp/internal/generator"
	"github.com/aanthord/ingest-amqp/internal/producer"
	"github.com/aanthord/ingest-amqp/internal/uuid"
	"go.uber.org/zap"
)

func main() {
	tag := flag.String("tag", "", "producer tag stamped on every message (overrides PRODUCER_TAG)")
	interval := flag.Duration("interval", 0, "publish interval, e.g. 9s (overrides PRODUCER_INTERVAL_MS)")
	content := flag.String("content", "", "content style: sentence or paragraph (overrides PRODUCER_CONTENT)")
	port := flag.String("port", "", `ops server port, or "off" (overrides HTTP_PORT, default 3000)`)
	flag.Parse()

	os.Exit(app.Main("ingest-producer", "3000", func(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (app.Agent, func(), error) {
		if *tag != "" {
			cfg.Producer.Tag = *tag
		}
		if *interval > 0 {
			cfg.Producer.Interval = *interval
		}
		if *content != "" {
			cfg.Producer.ContentStyle = *content
		}
		if *port != "" {
			cfg.Ops.Port = *port
		}

		gen, err := generator.NewFakeGenerator(cfg.Producer.ContentStyle, time.Now().UnixNano())
		if err != nil {
			return nil, nil, err
		}

		session := amqp.NewSession(amqp.Config{
			URL:             cfg.Broker.URL,
			Queue:           cfg.Broker.Queue,
			QueueType:       cfg.Broker.QueueType,
			DeadLetterQueue: cfg.Broker.DeadLetterQueue,
			Confirms:        cfg.Producer.Confirms,
			ConnectRetries:  cfg.Broker.ConnectRetries,
		}, amqp.Dial, logger)

		p := producer.New(producer.Config{
			Tag:            cfg.Producer.Tag,
			Interval:       cfg.Producer.Interval,
			PublishTimeout: cfg.Producer.PublishTimeout,
		}, session, gen, uuid.NewUUIDService(logger), logger)
		return p, nil, nil
	}))
}
