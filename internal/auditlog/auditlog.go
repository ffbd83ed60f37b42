// Package auditlog records data frames exchanged with WebSocket peers.
//
// Storage is pluggable: ConsoleLogger writes events to zerolog and keeps
// nothing, SQLiteLogger persists them with a per-connection cap. The channel
// core only emits events; it never reads them back.
package auditlog

import (
	"time"

	"github.com/rs/zerolog/log"
)

// EventType says which direction a recorded frame travelled.
type EventType string

const (
	DataSent     EventType = "sent"
	DataReceived EventType = "received"
)

// ObjectTypeWSX is the container type used for WebSocket connections.
const ObjectTypeWSX = "wsx"

// DataEvent is a single recorded frame.
type DataEvent struct {
	Type       EventType `json:"type"`
	ObjectType string    `json:"object_type"`
	ObjectID   string    `json:"object_id"` // pub_client_id
	Data       string    `json:"data"`
	Timestamp  time.Time `json:"timestamp"`
	MsgID      string    `json:"msg_id"`
	InReplyTo  string    `json:"in_reply_to,omitempty"`
}

// Logger is the interface audit backends implement. Implementations must be
// safe for concurrent use.
type Logger interface {
	// Store records a single event.
	Store(event DataEvent) error

	// DeleteContainer drops all events recorded for one object, e.g. when
	// its connection goes away.
	DeleteContainer(objectType, objectID string) error

	// Close releases any resources held by the logger.
	Close() error
}

// ConsoleLogger implements Logger by writing to zerolog.
type ConsoleLogger struct{}

// NewConsoleLogger creates a new console-based audit logger.
func NewConsoleLogger() *ConsoleLogger {
	return &ConsoleLogger{}
}

// Store writes an audit event to zerolog.
func (c *ConsoleLogger) Store(event DataEvent) error {
	log.Info().
		Str("audit_type", string(event.Type)).
		Str("object_type", event.ObjectType).
		Str("object_id", event.ObjectID).
		Str("msg_id", event.MsgID).
		Str("in_reply_to", event.InReplyTo).
		Str("data", event.Data).
		Msg("Audit event")
	return nil
}

// DeleteContainer is a no-op for the console logger.
func (c *ConsoleLogger) DeleteContainer(objectType, objectID string) error {
	return nil
}

// Close is a no-op for the console logger.
func (c *ConsoleLogger) Close() error {
	return nil
}
