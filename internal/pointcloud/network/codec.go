package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/banshee-data/recognizer/internal/pointcloud"
)

// Wire layout of one cloud fragment, all integers little-endian:
//
//	magic   [4]byte  "PCL1"
//	role    uint8    1 = scene, 2 = model
//	seq     uint32   frame sequence, per role
//	frag    uint16   fragment index, 0-based
//	frags   uint16   fragments in the frame
//	count   uint16   points in this fragment
//	points  count × 3 × float32 (x, y, z)
const (
	HeaderSize = 15
	PointSize  = 12

	// DefaultPointsPerPacket keeps a full fragment under the common
	// 1500-byte MTU.
	DefaultPointsPerPacket = 100
	// MaxPacketSize is the largest datagram the listener reads.
	MaxPacketSize = 2048
)

var magic = [4]byte{'P', 'C', 'L', '1'}

var (
	ErrShortPacket = errors.New("packet too short")
	ErrBadMagic    = errors.New("bad packet magic")
	ErrBadRole     = errors.New("bad cloud role")
	ErrBadFragment = errors.New("bad fragment header")
)

// Packet is one decoded cloud fragment.
type Packet struct {
	Role      pointcloud.Role
	Seq       uint32
	Fragment  uint16
	Fragments uint16
	Points    []pointcloud.Point
}

// DecodePacket parses a single datagram.
func DecodePacket(b []byte) (Packet, error) {
	if len(b) < HeaderSize {
		return Packet{}, fmt.Errorf("%d bytes: %w", len(b), ErrShortPacket)
	}
	if [4]byte(b[:4]) != magic {
		return Packet{}, ErrBadMagic
	}
	p := Packet{
		Role:      pointcloud.Role(b[4]),
		Seq:       binary.LittleEndian.Uint32(b[5:9]),
		Fragment:  binary.LittleEndian.Uint16(b[9:11]),
		Fragments: binary.LittleEndian.Uint16(b[11:13]),
	}
	if !p.Role.Valid() {
		return Packet{}, fmt.Errorf("%d: %w", b[4], ErrBadRole)
	}
	if p.Fragments == 0 || p.Fragment >= p.Fragments {
		return Packet{}, fmt.Errorf("fragment %d of %d: %w", p.Fragment, p.Fragments, ErrBadFragment)
	}
	count := int(binary.LittleEndian.Uint16(b[13:15]))
	body := b[HeaderSize:]
	if len(body) < count*PointSize {
		return Packet{}, fmt.Errorf("%d points need %d bytes, have %d: %w", count, count*PointSize, len(body), ErrShortPacket)
	}
	p.Points = make([]pointcloud.Point, count)
	for i := range p.Points {
		o := i * PointSize
		p.Points[i] = pointcloud.Point{
			X: float64(math.Float32frombits(binary.LittleEndian.Uint32(body[o:]))),
			Y: float64(math.Float32frombits(binary.LittleEndian.Uint32(body[o+4:]))),
			Z: float64(math.Float32frombits(binary.LittleEndian.Uint32(body[o+8:]))),
		}
	}
	return p, nil
}

// EncodeCloud splits points into datagrams of at most perPacket points.
// An empty cloud is encoded as one fragment with no points so receivers
// still see the replacement.
func EncodeCloud(role pointcloud.Role, seq uint32, points []pointcloud.Point, perPacket int) ([][]byte, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%v: %w", role, ErrBadRole)
	}
	if perPacket <= 0 {
		perPacket = DefaultPointsPerPacket
	}
	if max := (MaxPacketSize - HeaderSize) / PointSize; perPacket > max {
		perPacket = max
	}
	frags := (len(points) + perPacket - 1) / perPacket
	if frags == 0 {
		frags = 1
	}
	if frags > math.MaxUint16 {
		return nil, fmt.Errorf("%d points need %d fragments: %w", len(points), frags, ErrBadFragment)
	}

	out := make([][]byte, 0, frags)
	for f := 0; f < frags; f++ {
		lo := f * perPacket
		hi := min(lo+perPacket, len(points))
		chunk := points[lo:hi]

		b := make([]byte, HeaderSize+len(chunk)*PointSize)
		copy(b, magic[:])
		b[4] = byte(role)
		binary.LittleEndian.PutUint32(b[5:], seq)
		binary.LittleEndian.PutUint16(b[9:], uint16(f))
		binary.LittleEndian.PutUint16(b[11:], uint16(frags))
		binary.LittleEndian.PutUint16(b[13:], uint16(len(chunk)))
		for i, pt := range chunk {
			o := HeaderSize + i*PointSize
			binary.LittleEndian.PutUint32(b[o:], math.Float32bits(float32(pt.X)))
			binary.LittleEndian.PutUint32(b[o+4:], math.Float32bits(float32(pt.Y)))
			binary.LittleEndian.PutUint32(b[o+8:], math.Float32bits(float32(pt.Z)))
		}
		out = append(out, b)
	}
	return out, nil
}

// WriteCloud encodes a cloud and writes each fragment to w with a separate
// Write call, which maps to one datagram on a connected UDP socket.
func WriteCloud(w io.Writer, role pointcloud.Role, seq uint32, points []pointcloud.Point, perPacket int) (int, error) {
	packets, err := EncodeCloud(role, seq, points, perPacket)
	if err != nil {
		return 0, err
	}
	for i, b := range packets {
		if _, err := w.Write(b); err != nil {
			return i, fmt.Errorf("write fragment %d/%d: %w", i, len(packets), err)
		}
	}
	return len(packets), nil
}
