// Package publisher streams recognised poses to gRPC clients.
//
// The service is recognizer.v1.PoseService with a single server-streaming
// method, StreamPoses. Requests and updates are google.protobuf.Struct
// messages so clients in any language can consume them without generated
// stubs.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/recognizer/internal/pointcloud/pipeline"
)

// Config holds configuration for the pose publisher.
type Config struct {
	// ListenAddr is the gRPC listen address, for example "localhost:50061".
	ListenAddr string
	// ClientBuffer is the number of updates queued per client before
	// updates for that client are dropped.
	ClientBuffer int
	// MaxClients limits concurrent streams; zero means unlimited.
	MaxClients int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50061",
		ClientBuffer: 16,
		MaxClients:   8,
	}
}

var ErrTooManyClients = errors.New("too many pose clients")

// update is one run ready to send.
type update struct {
	msg       *structpb.Struct
	instances int
	quality   []int
}

type client struct {
	id  uint64
	ch  chan *update
	req streamRequest
}

// Publisher fans every run out to the connected streams. It implements
// pipeline.PoseSink and never blocks the recognizer: a client whose buffer
// is full misses updates.
type Publisher struct {
	config Config

	mu      sync.RWMutex
	clients map[uint64]*client
	latest  *update
	nextID  uint64

	server   *grpc.Server
	listener net.Listener
	wg       sync.WaitGroup
	running  atomic.Bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewPublisher returns a Publisher; Start or Register exposes it over gRPC.
func NewPublisher(cfg Config) *Publisher {
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = DefaultConfig().ClientBuffer
	}
	return &Publisher{
		config:  cfg,
		clients: make(map[uint64]*client),
	}
}

var _ pipeline.PoseSink = (*Publisher)(nil)

// PublishPoses implements pipeline.PoseSink.
func (p *Publisher) PublishPoses(ctx context.Context, run pipeline.RunSummary, poses []pipeline.DetectedPose) error {
	msg, err := EncodeUpdate(run, poses)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", run.RunID, err)
	}
	u := &update{msg: msg, instances: len(poses), quality: make([]int, len(poses))}
	for i, pose := range poses {
		u.quality[i] = pose.Quality.Rank()
	}

	// latest and the fan-out change together so a subscriber joining in
	// between never receives the same run twice.
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest = u
	p.published.Add(1)
	for _, c := range p.clients {
		select {
		case c.ch <- u:
		default:
			n := p.dropped.Add(1)
			diagf("client %d is slow, dropped run %s (%d dropped in total)", c.id, run.RunID, n)
		}
	}
	tracef("run %s sent to %d client(s)", run.RunID, len(p.clients))
	return nil
}

func (p *Publisher) subscribe(req streamRequest) (*client, *update, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.config.MaxClients > 0 && len(p.clients) >= p.config.MaxClients {
		return nil, nil, ErrTooManyClients
	}
	p.nextID++
	c := &client{id: p.nextID, ch: make(chan *update, p.config.ClientBuffer), req: req}
	p.clients[c.id] = c
	opsf("client %d connected (%d total)", c.id, len(p.clients))
	return c, p.latest, nil
}

func (p *Publisher) unsubscribe(c *client) {
	p.mu.Lock()
	delete(p.clients, c.id)
	n := len(p.clients)
	p.mu.Unlock()
	opsf("client %d disconnected (%d remaining)", c.id, n)
}

// Register adds the pose service to an existing gRPC server.
func (p *Publisher) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&poseServiceDesc, p)
}

// Start listens on the configured address and serves in the background.
func (p *Publisher) Start() error {
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", p.config.ListenAddr, err)
	}
	return p.Serve(lis)
}

// Serve serves the pose service on lis in the background.
func (p *Publisher) Serve(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		lis.Close()
		return errors.New("publisher already running")
	}
	p.listener = lis
	p.server = grpc.NewServer()
	p.Register(p.server)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		opsf("pose stream listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			opsf("grpc server error: %v", err)
		}
	}()
	return nil
}

// Stop ends all streams and waits for the server to exit.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.server.Stop()
	p.wg.Wait()
	opsf("pose stream stopped")
}

// Stats reports publisher counters.
type Stats struct {
	Published uint64
	Dropped   uint64
	Clients   int
	Running   bool
}

// Stats returns a snapshot of the counters.
func (p *Publisher) Stats() Stats {
	p.mu.RLock()
	n := len(p.clients)
	p.mu.RUnlock()
	return Stats{
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Clients:   n,
		Running:   p.running.Load(),
	}
}
