package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aanthord/ingest-amqp/internal/config"
	"github.com/aanthord/ingest-amqp/internal/metrics"
	"github.com/aanthord/ingest-amqp/internal/models"
	"github.com/aanthord/ingest-amqp/internal/types"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ErrNotFound is returned by Get when no record has the requested id.
var ErrNotFound = errors.New("message not found")

// Store is the document store the consumer persists into. Save is
// insert-or-ignore keyed by message id: it reports whether this call created
// the record, and a repeated Save of the same id succeeds without a write.
type Store interface {
	Save(ctx context.Context, msg *models.EnrichedMessage) (bool, error)
	Get(ctx context.Context, id string) (*models.EnrichedMessage, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// checkID rejects ids that would step outside a key prefix or directory.
func checkID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("message id %q cannot be used as a storage key", id)
	}
	return nil
}

// Open picks a backend from the URI scheme and waits for it to answer a ping,
// retrying with backoff. Any failure is a ConnectionError.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.SugaredLogger) (Store, error) {
	store, backend, err := open(ctx, cfg, logger)
	if err != nil {
		return nil, types.E(types.KindConnection, "open store", err)
	}

	attempt := 0
	ping := func() error {
		attempt++
		pingCtx := ctx
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			pingCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}
		if err := store.Ping(pingCtx); err != nil {
			logger.Warnw("Store not reachable", "backend", backend, "attempt", attempt, "error", err)
			return err
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(cfg.ConnectRetries)), ctx)
	if err := backoff.Retry(ping, policy); err != nil {
		_ = store.Close(context.Background())
		return nil, types.E(types.KindConnection, "ping store", err)
	}

	logger.Infow("Connected to store", "backend", backend, "collection", cfg.Collection)
	return &instrumentedStore{Store: store, backend: backend}, nil
}

func open(ctx context.Context, cfg config.StoreConfig, logger *zap.SugaredLogger) (Store, string, error) {
	// SQLite paths such as "sqlite://:memory:" are not valid URLs.
	if strings.HasPrefix(cfg.URI, "sqlite:") {
		path := strings.TrimPrefix(strings.TrimPrefix(cfg.URI, "sqlite:"), "//")
		store, err := NewSQLiteStore(ctx, path, cfg.Collection, logger)
		return store, "sqlite", err
	}

	u, err := url.Parse(cfg.URI)
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse store uri: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "mongodb", "mongodb+srv":
		store, err := NewMongoStore(ctx, cfg.URI, cfg.Collection, logger)
		return store, "mongodb", err
	case "postgres", "postgresql":
		store, err := NewPostgresStore(ctx, cfg.URI, cfg.Collection, logger)
		return store, "postgres", err
	case "neo4j", "neo4j+s", "bolt", "bolt+s":
		store, err := NewNeo4jStore(cfg.URI, cfg.Neo4jUsername, cfg.Neo4jPassword, cfg.Timeout, logger)
		return store, "neo4j", err
	case "s3":
		client, err := NewS3Client(cfg.AWSRegion, cfg.S3Endpoint)
		if err != nil {
			return nil, "s3", err
		}
		return NewS3Store(client, u.Host, strings.Trim(u.Path, "/"), logger), "s3", nil
	case "file":
		store, err := NewFileStore(u.Path, logger, DefaultShardDepth)
		return store, "file", err
	default:
		return nil, "", fmt.Errorf("unsupported store scheme %q", u.Scheme)
	}
}

type instrumentedStore struct {
	Store
	backend string
}

func (s *instrumentedStore) Save(ctx context.Context, msg *models.EnrichedMessage) (bool, error) {
	start := time.Now()
	defer func() {
		metrics.StoreWriteDuration.WithLabelValues(s.backend).Observe(time.Since(start).Seconds())
	}()
	return s.Store.Save(ctx, msg)
}
