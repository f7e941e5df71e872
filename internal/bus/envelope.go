package bus

import (
	"time"

	"github.com/goccy/go-json"
)

// CreatedAtLayout is RFC 3339 with milliseconds and a numeric offset.
const CreatedAtLayout = "2006-01-02T15:04:05.000-07:00"

// Envelope is one BUS event. It is built fresh for every attempt.
type Envelope struct {
	Events    []EventType  `json:"events"`
	From      string       `json:"from"`
	Reference string       `json:"reference"`
	CreatedAt string       `json:"created_at"`
	Version   string       `json:"version"`
	Payload   map[Kind]any `json:"payload"`
}

// NewEnvelope wraps payload under the kind key of eventType.
func NewEnvelope(eventType EventType, from, reference, version string, now time.Time, payload any) Envelope {
	return Envelope{
		Events:    []EventType{eventType},
		From:      from,
		Reference: reference,
		CreatedAt: now.Format(CreatedAtLayout),
		Version:   version,
		Payload:   map[Kind]any{eventType.Kind(): payload},
	}
}

func (e Envelope) EventType() EventType {
	if len(e.Events) == 0 {
		return ""
	}
	return e.Events[0]
}

// Body is the request body for POST /events: a JSON array holding exactly
// this envelope.
func (e Envelope) Body() ([]byte, error) {
	return json.Marshal([]Envelope{e})
}
