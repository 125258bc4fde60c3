package websocket

import (
	"context"

	"relay-fleet/internal/events"
)

// RedisBridge forwards every published fleet event to the hub, so each
// replica's dashboards see events raised on any replica.
type RedisBridge struct {
	subscriber events.Subscriber
	hub        *Hub
}

func NewRedisBridge(subscriber events.Subscriber, hub *Hub) *RedisBridge {
	return &RedisBridge{subscriber: subscriber, hub: hub}
}

func (b *RedisBridge) Run(ctx context.Context) error {
	return b.subscriber.Subscribe(ctx, []string{events.ChannelPattern}, b.hub.Broadcast)
}
