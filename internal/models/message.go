package models

import (
	"time"
)

// TimestampLayout is the ISO-8601 form producers stamp on messages.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Message is the unit producers publish. It is not modified after NewMessage.
type Message struct {
	ID        string `json:"id" bson:"id"`
	Name      string `json:"name" bson:"name"`
	Email     string `json:"email" bson:"email"`
	Content   string `json:"content" bson:"content"`
	Timestamp string `json:"timestamp" bson:"timestamp"`
	Producer  string `json:"producer,omitempty" bson:"producer,omitempty"`
}

// Payload is the opaque domain part of a message, supplied by a generator.
type Payload struct {
	Name    string
	Email   string
	Content string
}

// Metadata is attached by the consumer to every message it persists.
type Metadata struct {
	Source   string `json:"source" bson:"source"`
	Priority string `json:"priority" bson:"priority"`
}

// EnrichedMessage is the document shape written to the store.
type EnrichedMessage struct {
	Message    `bson:",inline"`
	Metadata   Metadata  `json:"metadata" bson:"metadata"`
	ReceivedAt time.Time `json:"receivedAt" bson:"receivedAt"`
}

func NewMessage(id, producer string, payload Payload, now time.Time) *Message {
	return &Message{
		ID:        id,
		Name:      payload.Name,
		Email:     payload.Email,
		Content:   payload.Content,
		Timestamp: now.UTC().Format(TimestampLayout),
		Producer:  producer,
	}
}

// Enrich copies the message and attaches metadata unconditionally.
func (m Message) Enrich(meta Metadata, receivedAt time.Time) *EnrichedMessage {
	return &EnrichedMessage{
		Message:    m,
		Metadata:   meta,
		ReceivedAt: receivedAt.UTC(),
	}
}
