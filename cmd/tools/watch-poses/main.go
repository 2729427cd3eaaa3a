// Command watch-poses subscribes to a recognizer's pose stream and prints
// every run as it arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os/signal"
	"strings"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/banshee-data/recognizer/internal/pointcloud/publisher"
)

var (
	addr       = flag.String("addr", publisher.DefaultConfig().ListenAddr, "Recognizer gRPC address")
	skipEmpty  = flag.Bool("skip-empty", false, "Only print runs that found at least one instance")
	minQuality = flag.String("min-quality", "", "Only print poses at or above this grade (poor, fair, good, excellent)")
	sendLatest = flag.Bool("latest", true, "Print the most recent run immediately on connect")
)

func streamOptions() map[string]any {
	opts := map[string]any{
		"skip_empty":  *skipEmpty,
		"send_latest": *sendLatest,
	}
	if *minQuality != "" {
		opts["min_quality"] = *minQuality
	}
	return opts
}

func printUpdate(w io.Writer, u publisher.PoseUpdate) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s run %s model=%q scene=%q", u.StartedAt.Format("15:04:05.000"), u.RunID, u.ModelFrame, u.SceneFrame)
	if u.Skipped {
		fmt.Fprintf(&b, " skipped: %s\n", u.SkipReason)
		_, err := io.WriteString(w, b.String())
		return err
	}
	fmt.Fprintf(&b, " instances=%d\n", len(u.Poses))
	for _, p := range u.Poses {
		fmt.Fprintf(&b, "  #%d pos=(%.4f, %.4f, %.4f) quat=(%.4f, %.4f, %.4f, %.4f) support=%d rmse=%.5f %s\n",
			p.Instance, p.Position[0], p.Position[1], p.Position[2],
			p.Orientation[0], p.Orientation[1], p.Orientation[2], p.Orientation[3],
			p.Support, p.RMSE, p.Quality)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func main() {
	flag.Parse()

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("Failed to create client for %s: %v", *addr, err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Watching poses from %s", *addr)
	err = publisher.Subscribe(ctx, conn, streamOptions(), func(u publisher.PoseUpdate) error {
		return printUpdate(log.Writer(), u)
	})
	if err != nil && ctx.Err() == nil {
		log.Fatalf("Pose stream ended: %v", err)
	}
}
