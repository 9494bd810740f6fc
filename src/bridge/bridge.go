// Package bridge fans messages out across server instances through a
// shared broker. Each room maps to one broker channel; local delivery
// happens only through the subscription, so one publish reaches every
// subscribed process exactly the same way, the publisher's included.
package bridge

import "github.com/canal-chat/canal/src/types"

// Handler is invoked once per message delivered for a subscribed room.
type Handler func(room string, msg types.Message)

// Bridge is the cross-process fan-out boundary.
type Bridge interface {
	// Publish sends msg to every process subscribed to the room. During a
	// broker outage it fails fast with ErrBrokerUnavailable; nothing is
	// buffered.
	Publish(room string, msg types.Message) error

	// Subscribe registers the room's local handler and opens the broker
	// subscription. At most one handler per room.
	Subscribe(room string, h Handler) error

	// Unsubscribe removes the room's handler and drops the broker
	// subscription. Unknown rooms are a no-op.
	Unsubscribe(room string)

	// Start connects to the broker.
	Start() error

	// Stop drops all subscriptions and closes the broker connection.
	Stop() error

	// Available reports whether the broker connection is up.
	Available() bool
}
