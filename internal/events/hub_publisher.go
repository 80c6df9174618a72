package events

import (
	"context"

	"github.com/sitepay/escrowd/internal/realtime"
)

// HubPublisher bridges lifecycle events onto the realtime WebSocket hub.
type HubPublisher struct {
	hub *realtime.Hub
}

// NewHubPublisher creates a hub-backed publisher.
func NewHubPublisher(hub *realtime.Hub) *HubPublisher {
	return &HubPublisher{hub: hub}
}

func (p *HubPublisher) Publish(ctx context.Context, ev *Event) error {
	p.hub.Broadcast(ev)
	return nil
}

var _ Publisher = (*HubPublisher)(nil)
