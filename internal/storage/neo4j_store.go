package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aanthord/ingest-amqp/internal/models"
	"github.com/aanthord/ingest-amqp/internal/tracing"
	"github.com/neo4j/neo4j-go-driver/v4/neo4j"
	"go.uber.org/zap"
)

const (
	mergeMessageCypher = `MERGE (m:Message {id: $id})
ON CREATE SET m.name = $name, m.email = $email, m.content = $content,
	m.timestamp = $timestamp, m.producer = $producer,
	m.source = $source, m.priority = $priority,
	m.receivedAt = $receivedAt, m.document = $document`

	getMessageCypher = `MATCH (m:Message {id: $id}) RETURN m.document AS document`
)

// Neo4jStore keeps each message as a :Message node, created once by MERGE.
type Neo4jStore struct {
	driver  neo4j.Driver
	timeout time.Duration
	logger  *zap.SugaredLogger
}

func NewNeo4jStore(uri, username, password string, timeout time.Duration, logger *zap.SugaredLogger) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriver(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Neo4j: %w", err)
	}
	return &Neo4jStore{driver: driver, timeout: timeout, logger: logger}, nil
}

func mergeParams(msg *models.EnrichedMessage) (map[string]interface{}, error) {
	doc, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return map[string]interface{}{
		"id":         msg.ID,
		"name":       msg.Name,
		"email":      msg.Email,
		"content":    msg.Content,
		"timestamp":  msg.Timestamp,
		"producer":   msg.Producer,
		"source":     msg.Metadata.Source,
		"priority":   msg.Metadata.Priority,
		"receivedAt": msg.ReceivedAt.Format(time.RFC3339Nano),
		"document":   string(doc),
	}, nil
}

// The v4 driver takes no context; the store timeout bounds each transaction.
func (s *Neo4jStore) txConfig() []func(*neo4j.TransactionConfig) {
	if s.timeout <= 0 {
		return nil
	}
	return []func(*neo4j.TransactionConfig){neo4j.WithTxTimeout(s.timeout)}
}

func (s *Neo4jStore) Save(ctx context.Context, msg *models.EnrichedMessage) (bool, error) {
	span, _ := tracing.StartSpanFromContext(ctx, "Neo4jSave", msg.ID)
	defer span.Finish()

	params, err := mergeParams(msg)
	if err != nil {
		return false, err
	}

	session := s.driver.NewSession(neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close()

	created, err := session.WriteTransaction(func(tx neo4j.Transaction) (interface{}, error) {
		result, err := tx.Run(mergeMessageCypher, params)
		if err != nil {
			return false, err
		}
		summary, err := result.Consume()
		if err != nil {
			return false, err
		}
		return summary.Counters().NodesCreated() > 0, nil
	}, s.txConfig()...)
	if err != nil {
		tracing.MarkError(span, "neo4j_merge_error", err)
		return false, fmt.Errorf("failed to execute Neo4j query: %w", err)
	}
	return created.(bool), nil
}

func (s *Neo4jStore) Get(ctx context.Context, id string) (*models.EnrichedMessage, error) {
	session := s.driver.NewSession(neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close()

	doc, err := session.ReadTransaction(func(tx neo4j.Transaction) (interface{}, error) {
		result, err := tx.Run(getMessageCypher, map[string]interface{}{"id": id})
		if err != nil {
			return nil, err
		}
		if !result.Next() {
			return nil, result.Err()
		}
		value, _ := result.Record().Get("document")
		return value, nil
	}, s.txConfig()...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute Neo4j query: %w", err)
	}

	raw, ok := doc.(string)
	if !ok {
		return nil, ErrNotFound
	}
	var msg models.EnrichedMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored message: %w", err)
	}
	return &msg, nil
}

func (s *Neo4jStore) Ping(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(); err != nil {
		return fmt.Errorf("failed to reach Neo4j: %w", err)
	}
	return nil
}

func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close()
}
