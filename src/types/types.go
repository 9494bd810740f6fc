package types

import "time"

// Limits on client input. Room names travel as a single URL path segment;
// payloads are UTF-8 text frames.
const (
	MaxRoomNameLen  = 128
	MaxPayloadBytes = 4096
)

// Message is one chat message broadcast to a room. Messages are immutable
// once constructed and are never persisted.
type Message struct {
	Room      string    `json:"room"`
	SenderID  string    `json:"sender_id"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Transport abstracts the bidirectional text channel underneath a session,
// so sessions can be tested without a real WebSocket.
type Transport interface {
	// Receive blocks for the next inbound text frame. It returns an error
	// once the peer closes the connection.
	Receive() (string, error)
	Send(payload string) error
	Close() error
}

// RoomInfo describes one active room for the info endpoint.
type RoomInfo struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
}
