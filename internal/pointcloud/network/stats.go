package network

import (
	"sync/atomic"
	"time"
)

// Stats counts transport activity.
type Stats interface {
	AddPacket(bytes int)
	AddDropped()
	AddFrame(points int)
	LogStats()
}

type noopStats struct{}

func (noopStats) AddPacket(int) {}
func (noopStats) AddDropped()   {}
func (noopStats) AddFrame(int)  {}
func (noopStats) LogStats()     {}

// PacketStats is a Stats that logs and resets its counters on every
// LogStats call.
type PacketStats struct {
	packets atomic.Int64
	bytes   atomic.Int64
	dropped atomic.Int64
	frames  atomic.Int64
	points  atomic.Int64
	since   atomic.Int64
}

// NewPacketStats returns zeroed counters.
func NewPacketStats() *PacketStats {
	s := &PacketStats{}
	s.since.Store(time.Now().UnixNano())
	return s
}

func (s *PacketStats) AddPacket(bytes int) {
	s.packets.Add(1)
	s.bytes.Add(int64(bytes))
}

func (s *PacketStats) AddDropped() { s.dropped.Add(1) }

func (s *PacketStats) AddFrame(points int) {
	s.frames.Add(1)
	s.points.Add(int64(points))
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Packets int64
	Bytes   int64
	Dropped int64
	Frames  int64
	Points  int64
}

// Snapshot returns the counters without resetting them.
func (s *PacketStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Packets: s.packets.Load(),
		Bytes:   s.bytes.Load(),
		Dropped: s.dropped.Load(),
		Frames:  s.frames.Load(),
		Points:  s.points.Load(),
	}
}

func (s *PacketStats) LogStats() {
	now := time.Now()
	elapsed := now.Sub(time.Unix(0, s.since.Swap(now.UnixNano())))
	snap := StatsSnapshot{
		Packets: s.packets.Swap(0),
		Bytes:   s.bytes.Swap(0),
		Dropped: s.dropped.Swap(0),
		Frames:  s.frames.Swap(0),
		Points:  s.points.Swap(0),
	}
	if snap.Packets == 0 && snap.Frames == 0 {
		diagf("no cloud packets in the last %v", elapsed.Round(time.Second))
		return
	}
	secs := elapsed.Seconds()
	if secs <= 0 {
		secs = 1
	}
	opsf("%d packets (%.1f/s, %.1f KiB/s), %d frames, %d points, %d dropped in %v",
		snap.Packets, float64(snap.Packets)/secs, float64(snap.Bytes)/1024/secs,
		snap.Frames, snap.Points, snap.Dropped, elapsed.Round(time.Second))
}
