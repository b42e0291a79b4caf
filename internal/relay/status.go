package relay

import (
	"context"
	"time"
)

// Status is a point-in-time summary of the relay, served as JSON on
// /status.
type Status struct {
	Version     int            `json:"version"`
	Uptime      string         `json:"uptime"`
	Closing     bool           `json:"closing"`
	Connections int            `json:"connections"`
	Rooms       int            `json:"rooms"`
	Members     int            `json:"members"`
	PublicRooms int            `json:"publicRooms"`
	RoomsByType map[string]int `json:"roomsByType"`
	Listings    int            `json:"pendingListings"`
	Streams     int            `json:"pendingStreams"`
}

// Status takes a snapshot on the actor goroutine.
func (s *Server) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.Call(ctx, func() {
		st = Status{
			Version:     Version,
			Uptime:      s.now().Sub(s.started).Truncate(time.Second).String(),
			Closing:     s.closing,
			Connections: len(s.conns),
			Rooms:       s.rooms.Len(),
			RoomsByType: make(map[string]int),
			Listings:    len(s.listings),
			Streams:     s.dispatcher.PendingStreams(),
		}
		for _, room := range s.rooms.All() {
			st.Members += len(room.members)
			if room.Config.IsPublic {
				st.PublicRooms++
			}
			st.RoomsByType[room.Type.String()]++
		}
	})
	return st, err
}
