package business

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aanthord/ingest-amqp/internal/metrics"
	"github.com/aanthord/ingest-amqp/internal/models"
	"github.com/aanthord/ingest-amqp/internal/storage"
	"github.com/aanthord/ingest-amqp/internal/tracing"
	"github.com/aanthord/ingest-amqp/internal/types"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
)

const messageSchemaURI = "urn:ingest:schema:message"

// MessageSchema is the contract a delivery body must meet before it is
// decoded. Only id is mandatory since it is the idempotency key.
const MessageSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id"],
	"properties": {
		"id":        {"type": "string", "minLength": 1},
		"name":      {"type": "string"},
		"email":     {"type": "string"},
		"content":   {"type": "string"},
		"timestamp": {"type": "string"},
		"producer":  {"type": "string"}
	}
}`

// Result describes a successfully handled delivery.
type Result struct {
	ID       string
	Inserted bool
}

type MessageProcessor struct {
	store    storage.Store
	schema   *jschema.Schema
	metadata models.Metadata
	timeout  time.Duration
	logger   *zap.SugaredLogger
	now      func() time.Time
}

func NewMessageProcessor(store storage.Store, metadata models.Metadata, timeout time.Duration, logger *zap.SugaredLogger) (*MessageProcessor, error) {
	schema, err := compileSchema(MessageSchema)
	if err != nil {
		return nil, err
	}
	return &MessageProcessor{
		store:    store,
		schema:   schema,
		metadata: metadata,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}, nil
}

func compileSchema(schemaJSON string) (*jschema.Schema, error) {
	doc, err := jschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message schema: %w", err)
	}
	compiler := jschema.NewCompiler()
	if err := compiler.AddResource(messageSchemaURI, doc); err != nil {
		return nil, fmt.Errorf("failed to add message schema: %w", err)
	}
	schema, err := compiler.Compile(messageSchemaURI)
	if err != nil {
		return nil, fmt.Errorf("failed to compile message schema: %w", err)
	}
	return schema, nil
}

// Process decodes body, enriches it and writes it to the store. A body that
// cannot be decoded yields a ParseError; a failed write yields a
// PersistenceError. A message already stored under its id is a success with
// Inserted false.
func (mp *MessageProcessor) Process(ctx context.Context, body []byte) (Result, error) {
	msg, err := mp.decode(body)
	if err != nil {
		metrics.ParseFailures.Inc()
		return Result{}, err
	}

	enriched := msg.Enrich(mp.metadata, mp.now())

	inserted, err := mp.persist(ctx, enriched)
	if err != nil {
		metrics.PersistenceFailures.Inc()
		return Result{ID: msg.ID}, err
	}

	if inserted {
		metrics.MessagesPersisted.Inc()
		mp.logger.Infow("Message saved", "message_id", msg.ID, "producer", msg.Producer)
	} else {
		metrics.DuplicateDeliveries.Inc()
		mp.logger.Infow("Message already stored, skipping write", "message_id", msg.ID)
	}
	return Result{ID: msg.ID, Inserted: inserted}, nil
}

func (mp *MessageProcessor) decode(body []byte) (*models.Message, error) {
	inst, err := jschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, types.E(types.KindParse, "decode message", err)
	}
	if err := mp.schema.Validate(inst); err != nil {
		return nil, types.E(types.KindParse, "validate message", err)
	}

	var msg models.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, types.E(types.KindParse, "decode message", err)
	}
	// encoding/json folds key case, so {"id":..,"ID":..} decodes the last one.
	if id, _ := inst.(map[string]any)["id"].(string); msg.ID != id {
		return nil, types.E(types.KindParse, "decode message", fmt.Errorf("ambiguous message id: validated %q, decoded %q", id, msg.ID))
	}
	return &msg, nil
}

func (mp *MessageProcessor) persist(ctx context.Context, msg *models.EnrichedMessage) (bool, error) {
	span, ctx := tracing.StartSpanFromContext(ctx, "Persist", msg.ID)
	defer span.Finish()

	if mp.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, mp.timeout)
		defer cancel()
	}

	inserted, err := mp.store.Save(ctx, msg)
	if err != nil {
		tracing.MarkError(span, "store_error", err)
		return false, types.E(types.KindPersistence, "save message", err)
	}
	return inserted, nil
}
