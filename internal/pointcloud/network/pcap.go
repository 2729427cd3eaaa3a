package network

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/recognizer/internal/pointcloud"
)

// ReplayConfig configures ReadPCAP.
type ReplayConfig struct {
	// Port selects UDP datagrams by destination port; 0 accepts all.
	Port      int
	Assembler *Assembler
	Stats     Stats
	Events    chan<- pointcloud.CloudEvent
	// Realtime sleeps between packets to reproduce capture timing.
	Realtime bool
}

// ReadPCAPFile replays the cloud datagrams in a classic pcap capture.
func ReadPCAPFile(ctx context.Context, path string, cfg ReplayConfig) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()
	return ReadPCAP(ctx, f, cfg)
}

// ReadPCAP replays the cloud datagrams read from r. It returns nil at the end
// of the capture.
func ReadPCAP(ctx context.Context, r io.Reader, cfg ReplayConfig) error {
	if cfg.Events == nil {
		return fmt.Errorf("replay has no events channel")
	}
	if cfg.Stats == nil {
		cfg.Stats = noopStats{}
	}
	if cfg.Assembler == nil {
		cfg.Assembler = NewAssembler(0, cfg.Stats)
	}
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return fmt.Errorf("read capture header: %w", err)
	}
	src := gopacket.NewPacketSource(pr, pr.LinkType())
	src.NoCopy = true

	var (
		count, clouds int
		start         = time.Now()
		prev          time.Time
	)
	for {
		if err := ctx.Err(); err != nil {
			opsf("capture replay stopped after %d packets: %v", count, err)
			return err
		}
		packet, err := src.NextPacket()
		if err == io.EOF {
			opsf("capture replay complete: %d packets, %d clouds in %v", count, clouds, time.Since(start))
			return nil
		}
		if err != nil {
			return fmt.Errorf("capture packet %d: %w", count+1, err)
		}
		count++
		if count%10000 == 0 {
			diagf("capture progress: %d packets, %d clouds", count, clouds)
		}

		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if cfg.Port != 0 && int(udp.DstPort) != cfg.Port {
			continue
		}

		if cfg.Realtime {
			ts := packet.Metadata().Timestamp
			if !prev.IsZero() && ts.After(prev) {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(ts.Sub(prev)):
				}
			}
			prev = ts
		}

		cfg.Stats.AddPacket(len(udp.Payload))
		p, err := DecodePacket(udp.Payload)
		if err != nil {
			cfg.Stats.AddDropped()
			tracef("capture packet %d: %v", count, err)
			continue
		}
		ev, ok := cfg.Assembler.Add(p)
		if !ok {
			continue
		}
		clouds++
		if err := emit(ctx, cfg.Events, ev); err != nil {
			return err
		}
	}
}
