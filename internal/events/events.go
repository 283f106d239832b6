// Package events publishes sync lifecycle notifications so downstream
// consumers can react to runs without polling the state store. Emission is
// best-effort: a broker outage must never fail a sync.
package events

import (
	"context"
	"time"

	"github.com/syncline-io/syncline/internal/config"
)

// EventType names one lifecycle notification.
type EventType string

// Lifecycle event types.
const (
	RunStarted   EventType = "run_started"
	TableSynced  EventType = "table_synced"
	RunCompleted EventType = "run_completed"
)

// Event is one lifecycle notification. Counter fields are populated for
// table_synced and run_completed; Table only for table_synced.
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	Table     string    `json:"table,omitempty"`
	Status    string    `json:"status,omitempty"`
	Tables    int       `json:"tables,omitempty"`
	Extracted int64     `json:"extracted,omitempty"`
	Loaded    int64     `json:"loaded,omitempty"`
	Failed    int64     `json:"failed,omitempty"`
	Deleted   int64     `json:"deleted,omitempty"`
	At        time.Time `json:"at"`
}

// Emitter publishes lifecycle events.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
	Close() error
}

// NopEmitter drops every event. Used when no brokers are configured.
type NopEmitter struct{}

var _ Emitter = NopEmitter{}

// Emit discards the event.
func (NopEmitter) Emit(context.Context, Event) error { return nil }

// Close is a no-op.
func (NopEmitter) Close() error { return nil }

// New picks the emitter for the given configuration: Kafka when brokers are
// listed, otherwise the no-op emitter.
func New(cfg config.EventsConfig) Emitter {
	if len(cfg.Brokers) == 0 {
		return NopEmitter{}
	}

	return NewKafka(cfg)
}
