// Package broadcast defines the named-message channel the distributed
// layer publishes lifecycle events over. The engine does not implement its
// own transport; hosts inject an implementation backed by whatever fabric
// links their servers. The in-process Bus here serves single-process
// deployments and tests.
package broadcast

import "sync"

// Message kinds used by the distributed layer.
const (
	KindInvitation = "raid.invitation"
	KindJoin       = "raid.join"
	KindStart      = "raid.start"
	KindEnd        = "raid.end"
	KindSync       = "raid.progress_sync"
	KindProgress   = "raid.progress"
	KindModifier   = "modifier.rotated"
)

// Payload is the wire shape of one message.
type Payload map[string]any

// Handler receives messages of a subscribed kind. Delivery is assumed
// reliable, unordered, at-least-once; handlers must be idempotent keyed by
// instance id.
type Handler func(kind string, payload Payload)

// Channel is the injected publish/subscribe fabric.
type Channel interface {
	Publish(kind string, payload Payload) error
	Subscribe(kind string, h Handler)
}

// Bus is an in-process Channel. Publish delivers synchronously to every
// subscriber of the kind, including the publisher's own server.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewBus returns an empty in-process channel.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

func (b *Bus) Publish(kind string, payload Payload) error {
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[kind]...)
	b.mu.RUnlock()
	for _, h := range hs {
		h(kind, payload)
	}
	return nil
}

func (b *Bus) Subscribe(kind string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}
