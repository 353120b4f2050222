package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aanthord/ingest-amqp/internal/models"
	"github.com/aanthord/ingest-amqp/internal/tracing"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const defaultMongoDatabase = "rabbitmq_example"

type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *zap.SugaredLogger
}

// NewMongoStore connects lazily; the database comes from the URI path.
func NewMongoStore(ctx context.Context, uri, collection string, logger *zap.SugaredLogger) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to create MongoDB client: %w", err)
	}

	return &MongoStore{
		client:     client,
		collection: client.Database(mongoDatabase(uri)).Collection(collection),
		logger:     logger,
	}, nil
}

func mongoDatabase(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return defaultMongoDatabase
	}
	if db := strings.Trim(u.Path, "/"); db != "" {
		return db
	}
	return defaultMongoDatabase
}

func idFilter(id string) bson.D {
	return bson.D{{Key: "id", Value: id}}
}

// insertOnly writes the document only when the upsert creates it.
func insertOnly(msg *models.EnrichedMessage) bson.D {
	return bson.D{{Key: "$setOnInsert", Value: msg}}
}

func (s *MongoStore) Save(ctx context.Context, msg *models.EnrichedMessage) (bool, error) {
	span, ctx := tracing.StartSpanFromContext(ctx, "MongoSave", msg.ID)
	defer span.Finish()

	res, err := s.collection.UpdateOne(ctx, idFilter(msg.ID), insertOnly(msg), options.Update().SetUpsert(true))
	if err != nil {
		// Two concurrent upserts of one id: the loser hits the unique index.
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		tracing.MarkError(span, "mongo_save_error", err)
		return false, fmt.Errorf("failed to save message to MongoDB: %w", err)
	}
	return res.UpsertedCount == 1, nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*models.EnrichedMessage, error) {
	var msg models.EnrichedMessage
	err := s.collection.FindOne(ctx, idFilter(id)).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message from MongoDB: %w", err)
	}
	return &msg, nil
}

// Ping also makes sure the unique index on id exists.
func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create id index: %w", err)
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
