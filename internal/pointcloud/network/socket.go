package network

import (
	"net"
	"sync"
	"time"
)

// Socket is the part of *net.UDPConn the listener uses.
type Socket interface {
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	LocalAddr() net.Addr
	Close() error
}

// SocketFactory opens listening sockets.
type SocketFactory interface {
	ListenUDP(network string, laddr *net.UDPAddr) (Socket, error)
}

// SystemSockets opens real UDP sockets.
type SystemSockets struct{}

// ListenUDP implements SocketFactory with net.ListenUDP.
func (SystemSockets) ListenUDP(network string, laddr *net.UDPAddr) (Socket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Datagram is one packet replayed by a FakeSocket.
type Datagram struct {
	Data []byte
	From *net.UDPAddr
}

// FakeSocket replays queued datagrams and then times out on every read, the
// way an idle socket with a read deadline does. It is safe to inspect from
// another goroutine while a listener reads from it.
type FakeSocket struct {
	mu         sync.Mutex
	queue      []Datagram
	closed     bool
	readBuffer int
	readErr    error
}

// NewFakeSocket returns a socket that will deliver datagrams in order.
func NewFakeSocket(datagrams ...Datagram) *FakeSocket {
	return &FakeSocket{queue: datagrams}
}

// Push queues more datagrams.
func (s *FakeSocket) Push(datagrams ...Datagram) {
	s.mu.Lock()
	s.queue = append(s.queue, datagrams...)
	s.mu.Unlock()
}

// FailNextRead makes the next read return err.
func (s *FakeSocket) FailNextRead(err error) {
	s.mu.Lock()
	s.readErr = err
	s.mu.Unlock()
}

func (s *FakeSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, nil, net.ErrClosed
	}
	if err := s.readErr; err != nil {
		s.readErr = nil
		s.mu.Unlock()
		return 0, nil, err
	}
	if len(s.queue) == 0 {
		s.mu.Unlock()
		// Stand in for the read deadline without spinning.
		time.Sleep(time.Millisecond)
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
	}
	d := s.queue[0]
	s.queue = s.queue[1:]
	s.mu.Unlock()
	return copy(b, d.Data), d.From, nil
}

func (s *FakeSocket) SetReadBuffer(bytes int) error {
	s.mu.Lock()
	s.readBuffer = bytes
	s.mu.Unlock()
	return nil
}

func (s *FakeSocket) SetReadDeadline(time.Time) error { return nil }

func (s *FakeSocket) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: DefaultPort}
}

func (s *FakeSocket) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (s *FakeSocket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Pending returns the number of datagrams not yet read.
func (s *FakeSocket) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// ReadBuffer returns the last value passed to SetReadBuffer.
func (s *FakeSocket) ReadBuffer() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readBuffer
}

// FakeSockets hands out one FakeSocket, or Err.
type FakeSockets struct {
	Socket *FakeSocket
	Err    error

	mu    sync.Mutex
	addrs []string
}

func (f *FakeSockets) ListenUDP(network string, laddr *net.UDPAddr) (Socket, error) {
	f.mu.Lock()
	f.addrs = append(f.addrs, laddr.String())
	f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Socket, nil
}

// Addrs returns the addresses ListenUDP was called with.
func (f *FakeSockets) Addrs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.addrs...)
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
