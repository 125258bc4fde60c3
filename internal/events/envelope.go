package events

import (
	"encoding/json"
	"fmt"
	"time"
)

type Envelope struct {
	EventType     string          `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
}

func NewEnvelope(eventType, aggregateType string, aggregateID uint, payload interface{}, at time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	id := ""
	if aggregateID != 0 {
		id = fmt.Sprint(aggregateID)
	}
	return Envelope{
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   id,
		OccurredAt:    at.UTC(),
		Payload:       raw,
	}, nil
}

// Channel routes an envelope to its pub/sub channel.
func (e Envelope) Channel() string {
	switch e.AggregateType {
	case AggregateServer:
		return "channel:fleet:server:" + e.AggregateID
	case AggregateUser:
		return "channel:fleet:user:" + e.AggregateID
	default:
		return "channel:fleet:system"
	}
}
