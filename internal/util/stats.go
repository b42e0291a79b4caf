package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Relay traffic counters
// ──────────────────────────────────────────────────────────────────────────────

// Stats counts relay traffic. All counters are cumulative since creation and
// safe for concurrent use.
type Stats struct {
	Conns        atomic.Int64 // connections accepted
	ClosedConns  atomic.Int64 // connections closed
	RoomsCreated atomic.Int64
	RoomsClosed  atomic.Int64
	BytesIn      atomic.Int64 // bytes read from clients
	BytesOut     atomic.Int64 // bytes written to clients
}

func NewStats() *Stats { return &Stats{} }

func (s *Stats) AddConn()           { s.Conns.Add(1) }
func (s *Stats) RemoveConn()        { s.ClosedConns.Add(1) }
func (s *Stats) AddRoom()           { s.RoomsCreated.Add(1) }
func (s *Stats) RemoveRoom()        { s.RoomsClosed.Add(1) }
func (s *Stats) AddIn(n int)        { s.BytesIn.Add(int64(n)) }
func (s *Stats) AddOut(n int)       { s.BytesOut.Add(int64(n)) }
func (s *Stats) ActiveConns() int64 { return s.Conns.Load() - s.ClosedConns.Load() }
func (s *Stats) ActiveRooms() int64 { return s.RoomsCreated.Load() - s.RoomsClosed.Load() }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StatsReporter logs traffic rates at a fixed interval. Quiet intervals are
// not logged.
type StatsReporter struct {
	Stats    *Stats
	Interval time.Duration
}

// NewStatsReporter reports s every 10 seconds.
func NewStatsReporter(s *Stats) *StatsReporter {
	return &StatsReporter{Stats: s, Interval: 10 * time.Second}
}

// Serve runs until ctx is cancelled.
func (r *StatsReporter) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	secs := r.Interval.Seconds()
	var prev snapshot
	for {
		select {
		case <-ticker.C:
			cur := r.Stats.snapshot()
			inS := float64(cur.in-prev.in) / secs
			outS := float64(cur.out-prev.out) / secs
			opened := cur.conns - prev.conns
			closed := cur.closed - prev.closed

			if opened > 0 || closed > 0 || inS > 10 || outS > 10 {
				pterm.DefaultLogger.Info(formatStats(inS, outS, opened, closed, r.Stats.ActiveRooms()))
			}
			prev = cur

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *StatsReporter) String() string { return "stats-reporter" }

type snapshot struct {
	conns, closed, in, out int64
}

func (s *Stats) snapshot() snapshot {
	return snapshot{
		conns:  s.Conns.Load(),
		closed: s.ClosedConns.Load(),
		in:     s.BytesIn.Load(),
		out:    s.BytesOut.Load(),
	}
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// FormatBytes formats a byte count with a fixed width of 8 chars, for
// example "99.0   B", " 1.5 KiB" or "98.9 GiB".
func FormatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < len(byteUnits)-1 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

func formatStats(inS, outS float64, opened, closed, rooms int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Conn: %2d↑ %2d↓ | Rooms: %d",
		FormatBytes(inS),
		FormatBytes(outS),
		opened,
		closed,
		rooms,
	)
}
