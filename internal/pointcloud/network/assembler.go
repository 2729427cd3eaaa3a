package network

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/recognizer/internal/pointcloud"
)

// DefaultFrameTimeout bounds how long a partially received frame is kept.
const DefaultFrameTimeout = 2 * time.Second

// partialFrame collects the fragments of one (role, seq) frame.
type partialFrame struct {
	seq       uint32
	fragments [][]pointcloud.Point
	received  int
	started   time.Time
}

// Assembler rebuilds whole clouds from fragments. Each role has at most
// one frame in flight: a fragment with a newer sequence abandons the
// current frame, fragments of older frames are ignored, and a frame that
// does not complete within the timeout is dropped.
type Assembler struct {
	mu      sync.Mutex
	timeout time.Duration
	now     func() time.Time
	stats   Stats
	frames  map[pointcloud.Role]*partialFrame
	last    map[pointcloud.Role]uint32
	seen    map[pointcloud.Role]bool
}

// NewAssembler returns an Assembler. A zero timeout selects
// DefaultFrameTimeout; stats may be nil.
func NewAssembler(timeout time.Duration, stats Stats) *Assembler {
	if timeout <= 0 {
		timeout = DefaultFrameTimeout
	}
	if stats == nil {
		stats = noopStats{}
	}
	return &Assembler{
		timeout: timeout,
		now:     time.Now,
		stats:   stats,
		frames:  make(map[pointcloud.Role]*partialFrame),
		last:    make(map[pointcloud.Role]uint32),
		seen:    make(map[pointcloud.Role]bool),
	}
}

// restartWindow is how far behind the last completed frame a sequence may
// be and still count as late. Anything further back is taken as a sender
// that restarted its numbering.
const restartWindow = 64

// newer reports whether a follows b in wrapping uint32 sequence space.
func newer(a, b uint32) bool {
	return int32(a-b) > 0
}

func (a *Assembler) late(role pointcloud.Role, seq uint32) bool {
	if !a.seen[role] {
		return false
	}
	last := a.last[role]
	return !newer(seq, last) && last-seq < restartWindow
}

// Add stores one fragment and returns the completed cloud when it was the
// last one missing.
func (a *Assembler) Add(p Packet) (pointcloud.CloudEvent, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.expireLocked(now)

	if a.late(p.Role, p.Seq) {
		tracef("%s frame %d: late fragment %d ignored", p.Role, p.Seq, p.Fragment)
		a.stats.AddDropped()
		return pointcloud.CloudEvent{}, false
	}

	f := a.frames[p.Role]
	switch {
	case f == nil:
	case f.seq == p.Seq:
		if len(f.fragments) != int(p.Fragments) {
			diagf("%s frame %d: fragment count changed from %d to %d, restarting", p.Role, p.Seq, len(f.fragments), p.Fragments)
			a.stats.AddDropped()
			f = nil
		}
	case newer(p.Seq, f.seq) || f.seq-p.Seq >= restartWindow:
		diagf("%s frame %d abandoned with %d/%d fragments, frame %d started",
			p.Role, f.seq, f.received, len(f.fragments), p.Seq)
		a.stats.AddDropped()
		f = nil
	default:
		tracef("%s frame %d: stale fragment while assembling %d", p.Role, p.Seq, f.seq)
		a.stats.AddDropped()
		return pointcloud.CloudEvent{}, false
	}
	if f == nil {
		f = &partialFrame{
			seq:       p.Seq,
			fragments: make([][]pointcloud.Point, p.Fragments),
			started:   now,
		}
		a.frames[p.Role] = f
	}

	if f.fragments[p.Fragment] != nil {
		tracef("%s frame %d: duplicate fragment %d", p.Role, p.Seq, p.Fragment)
		return pointcloud.CloudEvent{}, false
	}
	pts := p.Points
	if pts == nil {
		pts = []pointcloud.Point{}
	}
	f.fragments[p.Fragment] = pts
	f.received++
	if f.received < len(f.fragments) {
		return pointcloud.CloudEvent{}, false
	}

	delete(a.frames, p.Role)
	a.last[p.Role] = p.Seq
	a.seen[p.Role] = true

	total := 0
	for _, frag := range f.fragments {
		total += len(frag)
	}
	points := make([]pointcloud.Point, 0, total)
	for _, frag := range f.fragments {
		points = append(points, frag...)
	}
	cloud := &pointcloud.PointCloud{
		Points:    points,
		FrameID:   fmt.Sprintf("%s-%d", p.Role, p.Seq),
		Timestamp: now,
	}
	a.stats.AddFrame(total)
	diagf("%s frame %d complete: %d points in %d fragments (%v)",
		p.Role, p.Seq, total, len(f.fragments), now.Sub(f.started))
	return pointcloud.CloudEvent{Role: p.Role, Cloud: cloud}, true
}

// Expire drops frames that have been incomplete for longer than the
// timeout and returns how many were dropped.
func (a *Assembler) Expire() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.expireLocked(a.now())
}

func (a *Assembler) expireLocked(now time.Time) int {
	n := 0
	for role, f := range a.frames {
		if now.Sub(f.started) > a.timeout {
			opsf("%s frame %d timed out with %d/%d fragments", role, f.seq, f.received, len(f.fragments))
			delete(a.frames, role)
			a.stats.AddDropped()
			n++
		}
	}
	return n
}

// Pending returns the number of frames currently being assembled.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.frames)
}
