package relay

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"time"

	"github.com/1ureka/claj/internal/protocol"
)

// maxIDAttempts bounds the collision retries of one allocation.
const maxIDAttempts = 16

var ErrNoRoomID = errors.New("relay: could not allocate a room id")

// Registry maps room ids to open rooms. It is owned by the relay actor and
// not safe for concurrent use.
type Registry struct {
	rooms   map[int64]*Room
	entropy io.Reader
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[int64]*Room), entropy: rand.Reader}
}

// newID returns a random positive id not used by any open room.
func (r *Registry) newID() (int64, error) {
	var b [8]byte
	for range maxIDAttempts {
		if _, err := io.ReadFull(r.entropy, b[:]); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrNoRoomID, err)
		}
		id := int64(binary.BigEndian.Uint64(b[:]) & math.MaxInt64)
		if id == 0 {
			continue
		}
		if _, taken := r.rooms[id]; !taken {
			return id, nil
		}
	}
	return 0, ErrNoRoomID
}

// Create opens a room hosted by host.
func (r *Registry) Create(host *Connection, typ protocol.ClajType, cfg protocol.RoomConfig, version string, now time.Time) (*Room, error) {
	id, err := r.newID()
	if err != nil {
		return nil, err
	}
	room := &Room{
		ID:      id,
		Type:    typ,
		Config:  cfg,
		Version: version,
		Created: now,
		host:    host,
		members: make(map[int32]*Connection),
	}
	r.rooms[id] = room
	return room, nil
}

// Get returns the open room with the given id, or nil.
func (r *Registry) Get(id int64) *Room { return r.rooms[id] }

// Remove evicts a room. Its id may be handed out again afterwards.
func (r *Registry) Remove(id int64) { delete(r.rooms, id) }

func (r *Registry) Len() int { return len(r.rooms) }

// All returns every open room ordered by creation time.
func (r *Registry) All() []*Room {
	out := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room)
	}
	sortRooms(out)
	return out
}

// Public returns the public rooms of the given type ordered by creation
// time.
func (r *Registry) Public(typ protocol.ClajType) []*Room {
	var out []*Room
	for _, room := range r.rooms {
		if room.Config.IsPublic && room.Type == typ {
			out = append(out, room)
		}
	}
	sortRooms(out)
	return out
}

func sortRooms(rooms []*Room) {
	slices.SortFunc(rooms, func(a, b *Room) int {
		if c := a.Created.Compare(b.Created); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}
