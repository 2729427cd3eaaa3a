package publisher

import (
	"context"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/recognizer/internal/pointcloud/grouping"
)

const (
	serviceName      = "recognizer.v1.PoseService"
	streamPosesRoute = "/" + serviceName + "/StreamPoses"
)

// PoseServer is the server side of recognizer.v1.PoseService.
type PoseServer interface {
	StreamPoses(req *structpb.Struct, stream grpc.ServerStream) error
}

var poseServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*PoseServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamPoses",
		Handler:       streamPosesHandler,
		ServerStreams: true,
	}},
	Metadata: "recognizer/v1/poses.proto",
}

func streamPosesHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(PoseServer).StreamPoses(req, stream)
}

// streamRequest holds the options a client may set:
//
//	skip_empty    bool    do not send runs without instances
//	min_quality   string  only send runs with a pose at least this good
//	send_latest   bool    start with the most recent run
type streamRequest struct {
	skipEmpty  bool
	minQuality int
	sendLatest bool
}

func parseRequest(s *structpb.Struct) (streamRequest, error) {
	f := s.GetFields()
	req := streamRequest{
		skipEmpty:  f["skip_empty"].GetBoolValue(),
		sendLatest: f["send_latest"].GetBoolValue(),
	}
	if q := f["min_quality"].GetStringValue(); q != "" {
		grade := grouping.ParsePoseQuality(q)
		if grade == grouping.PoseQualityUnknown {
			return req, status.Errorf(codes.InvalidArgument, "unknown min_quality %q", q)
		}
		req.minQuality = grade.Rank()
	}
	return req, nil
}

func (r streamRequest) wants(u *update) bool {
	if r.skipEmpty && u.instances == 0 {
		return false
	}
	if r.minQuality == 0 {
		return true
	}
	for _, q := range u.quality {
		if q >= r.minQuality {
			return true
		}
	}
	return false
}

// StreamPoses sends every accepted run until the client goes away.
func (p *Publisher) StreamPoses(in *structpb.Struct, stream grpc.ServerStream) error {
	req, err := parseRequest(in)
	if err != nil {
		return err
	}
	c, latest, err := p.subscribe(req)
	if err != nil {
		return status.Error(codes.ResourceExhausted, err.Error())
	}
	defer p.unsubscribe(c)

	if req.sendLatest && latest != nil && req.wants(latest) {
		if err := stream.SendMsg(latest.msg); err != nil {
			return err
		}
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-c.ch:
			if !req.wants(u) {
				continue
			}
			if err := stream.SendMsg(u.msg); err != nil {
				diagf("client %d send failed: %v", c.id, err)
				return err
			}
		}
	}
}

// Subscribe opens a pose stream on conn and calls fn for every update until
// the stream ends, ctx is cancelled or fn returns an error. A stream closed
// by the server returns nil.
func Subscribe(ctx context.Context, conn grpc.ClientConnInterface, opts map[string]any, fn func(PoseUpdate) error) error {
	req, err := structpb.NewStruct(opts)
	if err != nil {
		return err
	}
	stream, err := conn.NewStream(ctx, &poseServiceDesc.Streams[0], streamPosesRoute)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		u, err := DecodeUpdate(msg)
		if err != nil {
			return err
		}
		if err := fn(u); err != nil {
			return err
		}
	}
}
