// Package channel implements external listeners that feed messages into the
// message bus and deliver replies back out to the surface the message
// arrived from.
package channel

import (
	"context"

	"github.com/stellarlinkco/jarvis-core/internal/bus"
)

// Channel is anything that can listen for inbound messages on some external
// surface and deliver outbound replies back to it.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

// BaseChannel holds the fields every Channel implementation needs: a name
// for logging and lookup, the shared bus to publish inbound messages onto,
// and an optional allow-list of sender IDs.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]struct{}
}

// NewBaseChannel builds a BaseChannel. An empty allowFrom means every
// sender is permitted.
func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	var set map[string]struct{}
	if len(allowFrom) > 0 {
		set = make(map[string]struct{}, len(allowFrom))
		for _, id := range allowFrom {
			set[id] = struct{}{}
		}
	}
	return BaseChannel{name: name, bus: b, allowFrom: set}
}

func (c BaseChannel) Name() string {
	return c.name
}

// IsAllowed reports whether id may talk to this channel. With no allow-list
// configured, every sender is allowed.
func (c BaseChannel) IsAllowed(id string) bool {
	if c.allowFrom == nil {
		return true
	}
	_, ok := c.allowFrom[id]
	return ok
}
