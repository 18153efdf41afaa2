package bus

import (
	"context"
	"sync"
)

// MessageBus is the single point of contact between the core loop and the
// concurrent external listeners. Listeners write to Inbound and register a
// callback for their channel name; the loop writes to Outbound and never
// holds a pointer into any listener directly.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu   sync.RWMutex
	subs map[string]func(OutboundMessage)
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = 100
	}
	return &MessageBus{
		Inbound:  make(chan InboundMessage, bufSize),
		Outbound: make(chan OutboundMessage, bufSize),
		subs:     make(map[string]func(OutboundMessage)),
	}
}

// SubscribeOutbound registers the delivery callback for a channel name.
// Only one subscriber per channel name is supported; a later call replaces
// the earlier one.
func (b *MessageBus) SubscribeOutbound(channel string, fn func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[channel] = fn
}

// DispatchOutbound drains Outbound and hands each message to its channel's
// subscriber until ctx is cancelled. It is fire-and-forget: a missing
// subscriber silently drops the message, matching the broadcast semantics
// of the WebSocket push route.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.Outbound:
			b.mu.RLock()
			fn, ok := b.subs[msg.Channel]
			b.mu.RUnlock()
			if ok {
				fn(msg)
			}
		}
	}
}

// Publish enqueues an inbound message without blocking indefinitely; if
// the bounded queue is full the message is dropped rather than stalling
// the caller's own goroutine.
func (b *MessageBus) Publish(msg InboundMessage) bool {
	select {
	case b.Inbound <- msg:
		return true
	default:
		return false
	}
}
