package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/recognizer/internal/pointcloud"
)

// DefaultPort is the UDP port clouds are sent to unless configured.
const DefaultPort = 2370

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	Address     string
	RcvBuf      int
	LogInterval time.Duration
	Stats       Stats
	Sockets     SocketFactory
	Assembler   *Assembler
	// Events receives every completed cloud. The listener blocks while the
	// channel is full, so the consumer should keep up.
	Events chan<- pointcloud.CloudEvent
}

// Listener receives cloud fragments over UDP and emits whole clouds.
type Listener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	stats       Stats
	sockets     SocketFactory
	assembler   *Assembler
	events      chan<- pointcloud.CloudEvent
}

// NewListener fills in defaults for anything cfg leaves unset.
func NewListener(cfg ListenerConfig) *Listener {
	l := &Listener{
		address:     cfg.Address,
		rcvBuf:      cfg.RcvBuf,
		logInterval: cfg.LogInterval,
		stats:       cfg.Stats,
		sockets:     cfg.Sockets,
		assembler:   cfg.Assembler,
		events:      cfg.Events,
	}
	if l.address == "" {
		l.address = fmt.Sprintf(":%d", DefaultPort)
	}
	if l.logInterval <= 0 {
		l.logInterval = time.Minute
	}
	if l.stats == nil {
		l.stats = noopStats{}
	}
	if l.sockets == nil {
		l.sockets = SystemSockets{}
	}
	if l.assembler == nil {
		l.assembler = NewAssembler(0, l.stats)
	}
	return l
}

// Start reads datagrams until ctx is cancelled, then returns ctx.Err().
func (l *Listener) Start(ctx context.Context) error {
	if l.events == nil {
		return errors.New("listener has no events channel")
	}
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", l.address, err)
	}
	conn, err := l.sockets.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.address, err)
	}
	defer conn.Close()

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			opsf("could not set receive buffer to %d bytes: %v", l.rcvBuf, err)
		}
	}
	opsf("listening for clouds on %s (receive buffer %d bytes)", conn.LocalAddr(), l.rcvBuf)

	go l.logStats(ctx)

	buf := make([]byte, MaxPacketSize)
	for {
		if err := ctx.Err(); err != nil {
			diagf("listener stopping: %v", err)
			return err
		}
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				l.assembler.Expire()
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			opsf("udp read error: %v", err)
			continue
		}
		if err := l.handlePacket(ctx, buf[:n]); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			diagf("packet from %v: %v", from, err)
		}
	}
}

func (l *Listener) handlePacket(ctx context.Context, b []byte) error {
	l.stats.AddPacket(len(b))
	p, err := DecodePacket(b)
	if err != nil {
		l.stats.AddDropped()
		return err
	}
	ev, ok := l.assembler.Add(p)
	if !ok {
		return nil
	}
	return emit(ctx, l.events, ev)
}

func emit(ctx context.Context, events chan<- pointcloud.CloudEvent, ev pointcloud.CloudEvent) error {
	select {
	case events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) logStats(ctx context.Context) {
	t := time.NewTicker(l.logInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.stats.LogStats()
		}
	}
}
