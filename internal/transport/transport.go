// Package transport owns the persistent asynchronous channel to remote
// execution hosts. The engine consumes only the Transport interface; the
// concrete websocket client delivers decoded inbound events on the bus.
package transport

import (
	"time"

	"github.com/matheus3301/hostlink/internal/bus"
)

// Transport sends a fire-and-forget event to a host. The boolean result
// reports only synchronous local failure (host not connected); success or
// failure of the remote operation arrives later as an independent event.
type Transport interface {
	Send(hostID, eventType string, payload any, trace map[string]string) bool
}

// Inbound wraps a decoded wire event with its originating host. Published
// on the bus under "transport.<event type>".
type Inbound struct {
	HostID string
	Event  any
}

// Connectivity event kinds published alongside decoded wire events.
const (
	KindHostOnline  = "transport.host_online"
	KindHostOffline = "transport.host_offline"
)

func publishInbound(b *bus.Bus, kind, hostID string, event any) {
	b.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   Inbound{HostID: hostID, Event: event},
	})
}
