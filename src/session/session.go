// Package session holds the per-client state machine: one Session per live
// socket, moving CONNECTING → OPEN → CLOSING → CLOSED. A session owns its
// transport; the room registry only ever holds its id.
package session

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/canal-chat/canal/src/types"
)

// State is a session's liveness state.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Coordinator routes inbound payloads to the broker and releases room
// membership when a session closes. Implemented by the dispatcher; defined
// here to avoid a circular import.
type Coordinator interface {
	HandleInbound(connID, payload string) error
	Release(sess *Session)
}

const sendBufferSize = 64

// flushBudget bounds the best-effort outbound flush during close so that
// closing can never hang on a stuck transport.
const flushBudget = time.Second

// Session is the live state machine for one client's socket.
type Session struct {
	ID string

	room      string
	transport types.Transport
	coord     Coordinator
	logger    zerolog.Logger

	send chan string
	done chan struct{}

	mu      sync.Mutex
	state   State
	cleanup sync.Once
}

// New creates a session in the CONNECTING state. The dispatcher moves it to
// OPEN once the room join and broker subscription succeed.
func New(id, room string, transport types.Transport, coord Coordinator, logger zerolog.Logger) *Session {
	return &Session{
		ID:        id,
		room:      room,
		transport: transport,
		coord:     coord,
		logger:    logger.With().Str("component", "session").Str("conn_id", id).Str("room", room).Logger(),
		send:      make(chan string, sendBufferSize),
		done:      make(chan struct{}),
		state:     StateConnecting,
	}
}

// Room returns the room this session belongs to. A session belongs to
// exactly one room for its whole life.
func (c *Session) Room() string { return c.room }

// State returns the current liveness state.
func (c *Session) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open moves the session from CONNECTING to OPEN.
func (c *Session) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting {
		return types.ErrSessionClosed
	}
	c.state = StateOpen
	return nil
}

// Abort moves a session that never opened straight to CLOSED. Used by the
// dispatcher when join or subscribe fails during attach.
func (c *Session) Abort() {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.mu.Unlock()

	close(c.done)
	c.runCleanup()
}

// HandleClient validates an inbound payload and hands it to the
// coordinator for publish. Validation errors drop the message and leave
// the connection open.
func (c *Session) HandleClient(payload string) error {
	if c.State() != StateOpen {
		return types.ErrSessionClosed
	}
	if err := types.ValidatePayload(payload); err != nil {
		return err
	}
	return c.coord.HandleInbound(c.ID, payload)
}

// Deliver queues a broker message for the transport write pump. A full
// buffer counts as a transport failure so the dispatcher can isolate this
// connection from the rest of the fan-out.
func (c *Session) Deliver(msg types.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return types.ErrSessionClosed
	default:
	}

	select {
	case c.send <- string(data):
		return nil
	default:
		return types.ErrTransportError
	}
}

// ReadPump reads inbound frames until the transport closes, then closes
// the session. Run in its own goroutine; blocks until the peer goes away.
func (c *Session) ReadPump() {
	defer c.Close()

	for {
		payload, err := c.transport.Receive()
		if err != nil {
			return
		}

		err = c.HandleClient(payload)
		switch {
		case err == nil:
		case errors.Is(err, types.ErrPayloadTooLarge), errors.Is(err, types.ErrInvalidEncoding):
			c.logger.Warn().Err(err).Msg("dropping invalid payload")
			c.notify(err)
		case errors.Is(err, types.ErrBrokerUnavailable):
			c.logger.Warn().Err(err).Msg("publish failed")
			c.notify(err)
		case errors.Is(err, types.ErrSessionClosed):
			return
		default:
			c.logger.Error().Err(err).Msg("inbound handling failed")
		}
	}
}

// WritePump forwards queued messages to the transport. Run in its own
// goroutine.
func (c *Session) WritePump() {
	for {
		select {
		case data := <-c.send:
			if err := c.transport.Send(data); err != nil {
				c.logger.Warn().Err(err).Msg("transport send failed")
				go c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close runs OPEN → CLOSING → CLOSED: cancel the pumps, best-effort flush
// of buffered outbound messages, then cleanup. Idempotent and safe to call
// from any state; cleanup runs exactly once.
func (c *Session) Close() error {
	c.mu.Lock()
	switch c.state {
	case StateClosing, StateClosed:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		c.Abort()
		return nil
	}
	c.state = StateClosing
	c.mu.Unlock()

	close(c.done)
	c.flush()

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	c.runCleanup()
	return nil
}

// flush drains whatever is left in the send buffer, giving up after
// flushBudget or on the first transport error.
func (c *Session) flush() {
	deadline := time.Now().Add(flushBudget)
	for time.Now().Before(deadline) {
		select {
		case data := <-c.send:
			if err := c.transport.Send(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// runCleanup releases room membership and closes the transport, exactly
// once no matter how many paths reach CLOSED.
func (c *Session) runCleanup() {
	c.cleanup.Do(func() {
		c.coord.Release(c)
		if err := c.transport.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("transport close error")
		}
		c.logger.Info().Msg("session closed")
	})
}

// notify sends a best-effort error notice to the client instead of
// silently dropping its message.
func (c *Session) notify(cause error) {
	data, err := json.Marshal(map[string]string{"error": cause.Error()})
	if err != nil {
		return
	}
	select {
	case c.send <- string(data):
	default:
	}
}
