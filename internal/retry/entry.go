// Package retry keeps at most one pending re-send per entity and fires it
// when due, through NSQ deferred messages with a database poller behind them.
package retry

import (
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/bus_relay/internal/bus"
)

// ErrSchedule wraps every failure to persist or arm a retry. Callers treat
// it as a configuration problem of the relay itself.
var ErrSchedule = errors.New("retry: schedule failed")

type Key struct {
	Kind     bus.Kind `json:"kind"`
	EntityID int64    `json:"entity_id"`
}

func (k Key) String() string {
	return string(k.Kind) + ":" + strconv.FormatInt(k.EntityID, 10)
}

// Entry is the pending re-send for one entity. Generation changes on every
// reschedule so a timer armed for an older version can tell it is stale.
type Entry struct {
	Kind          bus.Kind      `json:"kind"`
	EntityID      int64         `json:"entity_id"`
	EventType     bus.EventType `json:"event_type"`
	Attempt       int           `json:"attempt"`
	Generation    int64         `json:"generation"`
	NextAttemptAt time.Time     `json:"next_attempt_at"`
	Snapshot      []byte        `json:"snapshot,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

func (e Entry) Key() Key { return Key{Kind: e.Kind, EntityID: e.EntityID} }

// Upsert is one request to (re)schedule an entity.
type Upsert struct {
	Kind         bus.Kind
	EntityID     int64
	EventType    bus.EventType
	At           time.Time
	CountFailure bool
	Snapshot     []byte
	LastError    string
}

// apply folds u into the existing entry (nil when there is none) and
// returns the replacement. Stores call it under their own lock or
// transaction.
func apply(prev *Entry, u Upsert, now time.Time) Entry {
	next := Entry{
		Kind:          u.Kind,
		EntityID:      u.EntityID,
		EventType:     u.EventType,
		Generation:    1,
		NextAttemptAt: u.At,
		Snapshot:      u.Snapshot,
		LastError:     u.LastError,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if prev != nil {
		next.EventType = bus.Merge(prev.EventType, u.EventType)
		next.Attempt = prev.Attempt
		next.Generation = prev.Generation + 1
		next.CreatedAt = prev.CreatedAt
		if next.Snapshot == nil {
			next.Snapshot = prev.Snapshot
		}
		if next.LastError == "" && !u.CountFailure {
			next.LastError = prev.LastError
		}
	}
	if u.CountFailure {
		next.Attempt++
	}
	return next
}

// Message is the body of a deferred NSQ retry message.
type Message struct {
	Kind         bus.Kind          `json:"kind"`
	EntityID     int64             `json:"entity_id"`
	EventType    bus.EventType     `json:"event_type"`
	Attempt      int               `json:"attempt"`
	Generation   int64             `json:"generation"`
	PublishedAt  string            `json:"published_at"`            // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

func (m Message) Key() Key { return Key{Kind: m.Kind, EntityID: m.EntityID} }

func NewMessage(e Entry, now time.Time, traceHeaders map[string]string) Message {
	return Message{
		Kind:         e.Kind,
		EntityID:     e.EntityID,
		EventType:    e.EventType,
		Attempt:      e.Attempt,
		Generation:   e.Generation,
		PublishedAt:  now.UTC().Format(time.RFC3339),
		TraceHeaders: traceHeaders,
	}
}

const DeadLetterType = "bus.retry.dlq"

type DeadLetter struct {
	ID        string `json:"id"`
	Type      string `json:"type"`    // "bus.retry.dlq"
	Version   string `json:"version"` // schema version
	At        string `json:"at"`      // RFC3339 time the entry was given up on
	Reason    string `json:"reason"`
	Attempt   int    `json:"attempt"`
	LastError string `json:"last_error,omitempty"`
	Entry     Entry  `json:"entry"` // full retry snapshot
}

func NewDeadLetter(e Entry, reason string, now time.Time) DeadLetter {
	return DeadLetter{
		ID:        uuid.NewString(),
		Type:      DeadLetterType,
		Version:   "v1",
		At:        now.UTC().Format(time.RFC3339Nano),
		Reason:    reason,
		Attempt:   e.Attempt,
		LastError: e.LastError,
		Entry:     e,
	}
}
