// Package room tracks which connections belong to which room. Rooms are
// ephemeral: an entry exists only while at least one connection is a member.
package room

import (
	"regexp"
	"sync"

	"github.com/rs/zerolog"

	"github.com/canal-chat/canal/src/types"
)

var roomNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidName reports whether name is a legal room identifier: a single
// URL-safe path segment, 1 to 128 characters of [A-Za-z0-9_-].
func ValidName(name string) bool {
	return roomNamePattern.MatchString(name)
}

// Registry maps room names to member connection ids. All mutation goes
// through Join and Leave under a single mutex; only the dispatcher calls
// them, so membership has a single writer.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]map[string]struct{}
	logger zerolog.Logger
}

// New creates an empty Registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		rooms:  make(map[string]map[string]struct{}),
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// Join adds connID to the room's member set, creating the room entry if
// absent. Joining a room you are already in is a no-op. Returns
// ErrInvalidRoomName when the name fails validation.
func (r *Registry) Join(room, connID string) error {
	if !ValidName(room) {
		return types.ErrInvalidRoomName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[connID] = struct{}{}

	r.logger.Debug().
		Str("room", room).
		Str("conn_id", connID).
		Int("members", len(members)).
		Msg("joined")
	return nil
}

// Leave removes connID from the room. Leaving a room you are not in, or a
// room that does not exist, is a no-op. The room entry is deleted when its
// member set empties.
func (r *Registry) Leave(room, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		return
	}
	if _, ok := members[connID]; !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, room)
		r.logger.Debug().Str("room", room).Msg("room removed")
		return
	}

	r.logger.Debug().
		Str("room", room).
		Str("conn_id", connID).
		Int("members", len(members)).
		Msg("left")
}

// MembersOf returns a snapshot of the room's member ids. The slice is a
// copy; mutating it does not affect the registry.
func (r *Registry) MembersOf(room string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids
}

// MemberCount returns the number of members in room, zero if absent.
func (r *Registry) MemberCount(room string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[room])
}

// Rooms returns active room names with their member counts.
func (r *Registry) Rooms() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int, len(r.rooms))
	for name, members := range r.rooms {
		out[name] = len(members)
	}
	return out
}

// Len returns the number of active rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
