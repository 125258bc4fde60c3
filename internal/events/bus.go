package events

import (
	"context"
	"encoding/json"
	"fmt"
)

// Publisher emits fleet notifications; delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

type RawPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, channels []string, handler func(channel string, payload []byte)) error
}

// Bus serialises envelopes onto their routed pub/sub channel.
type Bus struct {
	raw RawPublisher
}

func NewBus(raw RawPublisher) *Bus {
	return &Bus{raw: raw}
}

func (b *Bus) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return b.raw.Publish(ctx, env.Channel(), payload)
}

// Discard drops every event; used when no broker is configured.
type Discard struct{}

func (Discard) Publish(context.Context, Envelope) error { return nil }
