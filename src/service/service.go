// Package service is the high-level facade the server wires against: open
// a session for an accepted transport, publish, and query room state.
package service

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/canal-chat/canal/src/bridge"
	"github.com/canal-chat/canal/src/dispatch"
	"github.com/canal-chat/canal/src/room"
	"github.com/canal-chat/canal/src/session"
	"github.com/canal-chat/canal/src/types"
)

// Service exposes the room-broadcast core to the transport and HTTP layer.
type Service struct {
	dispatcher *dispatch.Dispatcher
	registry   *room.Registry
	bridge     bridge.Bridge
	logger     zerolog.Logger
}

// New creates a Service over an assembled dispatcher, registry, and bridge.
func New(d *dispatch.Dispatcher, r *room.Registry, b bridge.Bridge, logger zerolog.Logger) *Service {
	return &Service{dispatcher: d, registry: r, bridge: b, logger: logger}
}

// OpenSession creates and attaches a session for an accepted transport.
// The returned session is OPEN; the caller runs its pumps. On error the
// transport has been closed and the session is CLOSED.
func (s *Service) OpenSession(roomName string, t types.Transport) (*session.Session, error) {
	id := uuid.NewString()
	sess := session.New(id, roomName, t, s.dispatcher, s.logger)
	if err := s.dispatcher.Attach(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Publish broadcasts a server-originated message to a room.
func (s *Service) Publish(roomName, payload string) error {
	return s.dispatcher.Publish(roomName, payload)
}

// Rooms returns active rooms with their local member counts.
func (s *Service) Rooms() []types.RoomInfo {
	counts := s.registry.Rooms()
	infos := make([]types.RoomInfo, 0, len(counts))
	for name, members := range counts {
		infos = append(infos, types.RoomInfo{Name: name, Members: members})
	}
	return infos
}

// SessionCount returns the number of attached sessions on this instance.
func (s *Service) SessionCount() int {
	return s.dispatcher.SessionCount()
}

// BrokerAvailable reports whether the pub/sub bridge is connected.
func (s *Service) BrokerAvailable() bool {
	return s.bridge.Available()
}
