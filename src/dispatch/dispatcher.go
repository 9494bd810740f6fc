// Package dispatch routes inbound client messages to the broker and broker
// messages to local sessions. The dispatcher is the only writer of room
// membership, which keeps join/leave and fan-out from racing.
package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/canal-chat/canal/src/bridge"
	"github.com/canal-chat/canal/src/room"
	"github.com/canal-chat/canal/src/session"
	"github.com/canal-chat/canal/src/types"
)

// Dispatcher wires sessions, the room registry, and the pub/sub bridge
// together.
type Dispatcher struct {
	registry *room.Registry
	bridge   bridge.Bridge
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session
}

var _ session.Coordinator = (*Dispatcher)(nil)

// New creates a Dispatcher over the given registry and bridge.
func New(registry *room.Registry, b bridge.Bridge, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		bridge:   b,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		sessions: make(map[string]*session.Session),
	}
}

// Attach registers a CONNECTING session: join the room, subscribe the room
// on the bridge when it gains its first local member, then open the
// session. On any failure the session goes straight to CLOSED and the
// specific error is returned to the caller.
func (d *Dispatcher) Attach(sess *session.Session) error {
	name := sess.Room()

	d.mu.Lock()
	err := d.registry.Join(name, sess.ID)
	if err == nil && d.registry.MemberCount(name) == 1 {
		if err = d.bridge.Subscribe(name, d.handleBrokerMessage); err != nil {
			d.registry.Leave(name, sess.ID)
		}
	}
	if err == nil {
		d.sessions[sess.ID] = sess
	}
	d.mu.Unlock()

	if err != nil {
		sess.Abort()
		return err
	}
	if err := sess.Open(); err != nil {
		// The session was closed out from under us before it opened.
		d.Release(sess)
		return err
	}

	d.logger.Info().Str("conn_id", sess.ID).Str("room", name).Msg("session attached")
	return nil
}

// HandleInbound validates a client payload and publishes it to the
// session's room. Broker failures surface to the caller; there is no
// silent retry.
func (d *Dispatcher) HandleInbound(connID, payload string) error {
	d.mu.Lock()
	sess, ok := d.sessions[connID]
	d.mu.Unlock()
	if !ok {
		return types.ErrSessionClosed
	}

	if err := types.ValidatePayload(payload); err != nil {
		return err
	}

	msg := types.Message{
		Room:      sess.Room(),
		SenderID:  connID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	return d.bridge.Publish(sess.Room(), msg)
}

// Publish broadcasts a server-originated message to a room.
func (d *Dispatcher) Publish(name, payload string) error {
	if !room.ValidName(name) {
		return types.ErrInvalidRoomName
	}
	if err := types.ValidatePayload(payload); err != nil {
		return err
	}
	msg := types.Message{
		Room:      name,
		SenderID:  "server",
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	return d.bridge.Publish(name, msg)
}

// Release removes a closed session from membership and drops the bridge
// subscription when the room's last local member leaves. Idempotent;
// called from session cleanup exactly once per session.
func (d *Dispatcher) Release(sess *session.Session) {
	name := sess.Room()

	// Unsubscribe under the lock so a concurrent Attach cannot reuse a
	// subscription we are about to drop.
	d.mu.Lock()
	delete(d.sessions, sess.ID)
	d.registry.Leave(name, sess.ID)
	if d.registry.MemberCount(name) == 0 {
		d.bridge.Unsubscribe(name)
	}
	d.mu.Unlock()

	d.logger.Info().Str("conn_id", sess.ID).Str("room", name).Msg("session released")
}

// SessionCount returns the number of attached sessions.
func (d *Dispatcher) SessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// handleBrokerMessage fans one delivered message out to the room's local
// members. A member whose forward fails is scheduled for closing; the rest
// of the room still gets the message.
func (d *Dispatcher) handleBrokerMessage(name string, msg types.Message) {
	for _, id := range d.registry.MembersOf(name) {
		d.mu.Lock()
		sess, ok := d.sessions[id]
		d.mu.Unlock()
		if !ok {
			continue
		}

		if err := sess.Deliver(msg); err != nil {
			if errors.Is(err, types.ErrSessionClosed) {
				continue
			}
			d.logger.Warn().Err(err).
				Str("conn_id", id).
				Str("room", name).
				Msg("forward failed, closing connection")
			go sess.Close()
		}
	}
}
