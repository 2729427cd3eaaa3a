// Command send-cloud sends a point cloud file to a recognizer over UDP as
// the scene or the model.
//
// Usage:
//
//	send-cloud -file mug.pcd -role model [-addr 127.0.0.1:2370] [-repeat 10 -interval 1s]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/recognizer/internal/pointcloud"
	"github.com/banshee-data/recognizer/internal/pointcloud/network"
	"github.com/banshee-data/recognizer/internal/pointcloud/pcdio"
	"github.com/banshee-data/recognizer/internal/timeutil"
)

var (
	file      = flag.String("file", "", "Cloud to send (.pcd, .xyz, .asc)")
	roleName  = flag.String("role", "scene", "Cloud role: scene or model")
	addr      = flag.String("addr", fmt.Sprintf("127.0.0.1:%d", network.DefaultPort), "Recognizer UDP address")
	perPacket = flag.Int("points-per-packet", network.DefaultPointsPerPacket, "Points per datagram")
	pace      = flag.Duration("pace", 200*time.Microsecond, "Delay between datagrams (0 sends as fast as possible)")
	repeat    = flag.Int("repeat", 1, "Number of times to send the cloud (0 repeats until interrupted)")
	interval  = flag.Duration("interval", time.Second, "Delay between repeats")
	startSeq  = flag.Uint("seq", 0, "First sequence number (default: derived from the clock)")
)

// pacedWriter sleeps after every write so the receiver's socket buffer is
// not overrun by a large cloud.
type pacedWriter struct {
	w     io.Writer
	delay time.Duration
	clock timeutil.Clock
}

func (p pacedWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	if p.delay > 0 {
		p.clock.Sleep(p.delay)
	}
	return n, err
}

// sender sends the same cloud repeatedly with increasing sequence numbers.
type sender struct {
	w         io.Writer
	role      pointcloud.Role
	points    []pointcloud.Point
	perPacket int
	seq       uint32
	clock     timeutil.Clock
}

func (s *sender) send() (int, error) {
	n, err := network.WriteCloud(s.w, s.role, s.seq, s.points, s.perPacket)
	s.seq++
	return n, err
}

func (s *sender) loop(ctx context.Context, repeat int, interval time.Duration) error {
	for i := 0; repeat == 0 || i < repeat; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.clock.After(interval):
			}
		}
		seq := s.seq
		n, err := s.send()
		if err != nil {
			return err
		}
		log.Printf("Sent %s seq=%d: %d points in %d packets", s.role, seq, len(s.points), n)
	}
	return nil
}

func main() {
	flag.Parse()
	if *file == "" {
		flag.Usage()
		os.Exit(2)
	}
	role, err := pointcloud.ParseRole(*roleName)
	if err != nil {
		log.Fatal(err)
	}
	cloud, err := pcdio.ReadFile(*file)
	if err != nil {
		log.Fatalf("Failed to read cloud: %v", err)
	}

	conn, err := net.Dial("udp", *addr)
	if err != nil {
		log.Fatalf("Failed to dial %s: %v", *addr, err)
	}
	defer conn.Close()

	clock := timeutil.RealClock{}
	seq := uint32(*startSeq)
	if seq == 0 {
		seq = uint32(clock.Now().Unix())
	}
	s := &sender{
		w:         pacedWriter{w: conn, delay: *pace, clock: clock},
		role:      role,
		points:    cloud.Points,
		perPacket: *perPacket,
		seq:       seq,
		clock:     clock,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := s.loop(ctx, *repeat, *interval); err != nil && err != context.Canceled {
		log.Fatalf("Send failed: %v", err)
	}
}
