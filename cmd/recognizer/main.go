// Command recognizer receives scene and model clouds, finds instances of
// the model in the scene and publishes the detected poses over gRPC, to a
// SQLite history and on an HTTP status page.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/recognizer/internal/config"
	"github.com/banshee-data/recognizer/internal/monitoring"
	"github.com/banshee-data/recognizer/internal/pointcloud"
	"github.com/banshee-data/recognizer/internal/pointcloud/features"
	"github.com/banshee-data/recognizer/internal/pointcloud/grouping"
	"github.com/banshee-data/recognizer/internal/pointcloud/matching"
	"github.com/banshee-data/recognizer/internal/pointcloud/monitor"
	"github.com/banshee-data/recognizer/internal/pointcloud/network"
	"github.com/banshee-data/recognizer/internal/pointcloud/pcdio"
	"github.com/banshee-data/recognizer/internal/pointcloud/pipeline"
	"github.com/banshee-data/recognizer/internal/pointcloud/publisher"
	"github.com/banshee-data/recognizer/internal/posedb"
	"github.com/banshee-data/recognizer/internal/version"
)

var (
	configPath   = flag.String("config", "", "Path to a recognition config JSON file (default: built-in defaults)")
	listen       = flag.String("listen", ":8082", "HTTP listen address for status and debug pages (empty disables)")
	udpAddress   = flag.String("udp-addr", fmt.Sprintf(":%d", network.DefaultPort), "UDP address to receive cloud packets on")
	rcvBuf       = flag.Int("rcvbuf", 4<<20, "UDP receive buffer size in bytes")
	pcapFile     = flag.String("pcap", "", "Replay cloud packets from a pcap capture instead of listening on UDP")
	pcapRealtime = flag.Bool("pcap-realtime", false, "Replay the capture at its recorded pace")
	grpcAddr     = flag.String("grpc-addr", publisher.DefaultConfig().ListenAddr, "gRPC listen address for the pose stream (empty disables)")
	maxClients   = flag.Int("grpc-max-clients", publisher.DefaultConfig().MaxClients, "Maximum concurrent pose stream clients")
	dbFile       = flag.String("db", "recognition.db", "Path to the SQLite run history (empty disables)")
	retain       = flag.Duration("retain", 0, "Delete runs older than this from the history (0 keeps everything)")
	sceneFile    = flag.String("scene", "", "PCD or XYZ file loaded as the initial scene")
	modelFile    = flag.String("model", "", "PCD or XYZ file loaded as the initial model")
	logLevel     = flag.String("log-level", "ops", "Pipeline log streams to enable: off, ops, diag or trace")
	logInterval  = flag.Duration("log-interval", time.Minute, "Transport statistics logging interval")
	showVersion  = flag.Bool("version", false, "Print the version and exit")
)

func setLogWriters(w monitoring.LogWriters) {
	features.SetLogWriters(w.Ops, w.Diag, w.Trace)
	matching.SetLogWriters(w.Ops, w.Diag, w.Trace)
	grouping.SetLogWriters(w.Ops, w.Diag, w.Trace)
	pipeline.SetLogWriters(w.Ops, w.Diag, w.Trace)
	network.SetLogWriters(w.Ops, w.Diag, w.Trace)
	publisher.SetLogWriters(w.Ops, w.Diag, w.Trace)
}

// udpPort extracts the port of a listen address for pcap filtering; an
// address without a usable port filters nothing.
func udpPort(address string) int {
	_, port, err := net.SplitHostPort(address)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return n
}

func loadConfig(path string) (*config.RecognitionConfig, error) {
	if path == "" {
		return config.EmptyRecognitionConfig(), nil
	}
	return config.LoadRecognitionConfig(path)
}

// seedClouds queues the clouds named on the command line, scene first so
// the model has something to be matched against.
func seedClouds(ctx context.Context, events chan<- pointcloud.CloudEvent) error {
	for _, seed := range []struct {
		path string
		role pointcloud.Role
	}{{*sceneFile, pointcloud.RoleScene}, {*modelFile, pointcloud.RoleModel}} {
		if seed.path == "" {
			continue
		}
		cloud, err := pcdio.ReadFile(seed.path)
		if err != nil {
			return fmt.Errorf("load %s: %w", seed.role, err)
		}
		log.Printf("Loaded %s %q with %d points", seed.role, cloud.FrameID, cloud.Len())
		select {
		case events <- pointcloud.CloudEvent{Role: seed.role, Cloud: cloud}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}
	log.Printf("recognizer %s", version.String())

	level, err := monitoring.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid -log-level: %v", err)
	}
	setLogWriters(level.Writers(os.Stderr))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	params := pipeline.ParamsFromConfig(cfg)
	if err := params.Validate(); err != nil {
		log.Fatalf("Invalid recognition parameters: %v", err)
	}

	var sinks []pipeline.PoseSink

	var pub *publisher.Publisher
	if *grpcAddr != "" {
		pubCfg := publisher.DefaultConfig()
		pubCfg.ListenAddr = *grpcAddr
		pubCfg.ClientBuffer = cfg.GetPublisherBuffer()
		pubCfg.MaxClients = *maxClients
		pub = publisher.NewPublisher(pubCfg)
		if err := pub.Start(); err != nil {
			log.Fatalf("Failed to start pose stream: %v", err)
		}
		defer pub.Stop()
		sinks = append(sinks, pub)
	}

	var db *posedb.DB
	if *dbFile != "" {
		db, err = posedb.Open(*dbFile)
		if err != nil {
			log.Fatalf("Failed to open run history: %v", err)
		}
		defer db.Close()
		sinks = append(sinks, db)
	}

	rec, err := pipeline.NewRecognizer(params, pipeline.Options{
		Sinks:              sinks,
		ReplayModelOnScene: cfg.GetReplayModelOnScene(),
	})
	if err != nil {
		log.Fatalf("Failed to create recognizer: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats := network.NewPacketStats()
	assembler := network.NewAssembler(cfg.GetFrameTimeout(), stats)
	events := make(chan pointcloud.CloudEvent, 4)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rec.Run(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Recognizer stopped: %v", err)
		}
		log.Print("recognizer routine terminated")
	}()

	// The source owns events and closes it when it stops producing.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(events)
		if err := seedClouds(ctx, events); err != nil {
			log.Printf("Failed to seed clouds: %v", err)
			return
		}
		if *pcapFile != "" {
			err := network.ReadPCAPFile(ctx, *pcapFile, network.ReplayConfig{
				Port:      udpPort(*udpAddress),
				Assembler: assembler,
				Stats:     stats,
				Events:    events,
				Realtime:  *pcapRealtime,
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("PCAP replay failed: %v", err)
			}
			log.Printf("PCAP replay finished: %+v", stats.Snapshot())
			return
		}
		listener := network.NewListener(network.ListenerConfig{
			Address:     *udpAddress,
			RcvBuf:      *rcvBuf,
			LogInterval: *logInterval,
			Stats:       stats,
			Assembler:   assembler,
			Events:      events,
		})
		if err := listener.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("UDP listener stopped: %v", err)
		}
	}()

	if db != nil && *retain > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			db.RunRetention(ctx, *retain, time.Hour)
		}()
	}

	if *listen != "" {
		extras := map[string]func() any{
			"network": func() any { return stats.Snapshot() },
		}
		if pub != nil {
			extras["publisher"] = func() any { return pub.Stats() }
		}
		wsCfg := monitor.WebServerConfig{
			Address:    *listen,
			Recognizer: rec,
			Extras:     extras,
		}
		if db != nil {
			wsCfg.Runs = db
		}
		ws := monitor.NewWebServer(wsCfg)
		if db != nil {
			if err := db.AttachAdminRoutes(ws.Mux()); err != nil {
				log.Printf("Failed to attach database debug routes: %v", err)
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ws.Start(ctx); err != nil {
				log.Printf("HTTP server error: %v", err)
			}
		}()
	}

	<-ctx.Done()
	log.Printf("Shutting down")
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
