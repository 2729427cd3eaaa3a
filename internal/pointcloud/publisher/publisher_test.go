package publisher

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/banshee-data/recognizer/internal/pointcloud/grouping"
	"github.com/banshee-data/recognizer/internal/pointcloud/pipeline"
)

func testRun(id string) pipeline.RunSummary {
	return pipeline.RunSummary{
		RunID:      id,
		StartedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Duration:   15 * time.Millisecond,
		SceneFrame: "scene-1",
		ModelFrame: "model-1",
	}
}

func testPose(q grouping.PoseQuality) pipeline.DetectedPose {
	return pipeline.DetectedPose{
		Instance:    0,
		Position:    [3]float64{1, 2, 3},
		Orientation: [4]float64{0, 0, 0, 1},
		Transform:   [16]float64{1, 0, 0, 1, 0, 1, 0, 2, 0, 0, 1, 3, 0, 0, 0, 1},
		Support:     12,
		RMSE:        0.004,
		Quality:     q,
	}
}

func TestEncodeDecodeUpdate(t *testing.T) {
	run := testRun("r1")
	pose := testPose(grouping.PoseQualityGood)
	msg, err := EncodeUpdate(run, []pipeline.DetectedPose{pose})
	require.NoError(t, err)

	u, err := DecodeUpdate(msg)
	require.NoError(t, err)
	assert.Equal(t, "r1", u.RunID)
	assert.True(t, run.StartedAt.Equal(u.StartedAt))
	assert.Equal(t, "scene-1", u.SceneFrame)
	assert.Equal(t, "model-1", u.ModelFrame)
	require.Len(t, u.Poses, 1)
	assert.Equal(t, pose, u.Poses[0])
}

func TestEncodeUpdateNaNRMSE(t *testing.T) {
	pose := testPose(grouping.PoseQualityUnknown)
	pose.RMSE = math.NaN()
	msg, err := EncodeUpdate(testRun("r3"), []pipeline.DetectedPose{pose})
	require.NoError(t, err)

	out, err := protojson.Marshal(msg)
	require.NoError(t, err)
	var doc struct {
		Poses []map[string]any `json:"poses"`
	}
	require.NoError(t, json.Unmarshal(out, &doc))
	require.Len(t, doc.Poses, 1)
	rmse, ok := doc.Poses[0]["rmse"]
	assert.True(t, ok)
	assert.Nil(t, rmse)

	u, err := DecodeUpdate(msg)
	require.NoError(t, err)
	require.Len(t, u.Poses, 1)
	assert.True(t, math.IsNaN(u.Poses[0].RMSE))
}

func TestDecodeUpdateErrors(t *testing.T) {
	msg, err := EncodeUpdate(pipeline.RunSummary{}, nil)
	require.NoError(t, err)
	_, err = DecodeUpdate(msg)
	assert.Error(t, err, "missing run id")

	msg, err = EncodeUpdate(testRun("r2"), []pipeline.DetectedPose{testPose(grouping.PoseQualityFair)})
	require.NoError(t, err)
	pose := msg.Fields["poses"].GetListValue().Values[0].GetStructValue()
	pose.Fields["position"].GetListValue().Values = pose.Fields["position"].GetListValue().Values[:2]
	_, err = DecodeUpdate(msg)
	assert.Error(t, err)
}

func TestSlowClientDropsUpdates(t *testing.T) {
	p := NewPublisher(Config{ClientBuffer: 1})
	c, latest, err := p.subscribe(streamRequest{})
	require.NoError(t, err)
	assert.Nil(t, latest)

	ctx := context.Background()
	require.NoError(t, p.PublishPoses(ctx, testRun("a"), nil))
	require.NoError(t, p.PublishPoses(ctx, testRun("b"), nil))
	assert.Len(t, c.ch, 1)

	st := p.Stats()
	assert.Equal(t, uint64(2), st.Published)
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, 1, st.Clients)

	p.unsubscribe(c)
	assert.Equal(t, 0, p.Stats().Clients)
}

func TestSubscribeDuringPublishSeesEachRunOnce(t *testing.T) {
	const runs = 200
	p := NewPublisher(Config{ClientBuffer: runs + 1})
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < runs; i++ {
			assert.NoError(t, p.PublishPoses(ctx, testRun(strconv.Itoa(i)), nil))
		}
	}()

	var clients []*client
	var first []*update
	for i := 0; i < 50; i++ {
		c, latest, err := p.subscribe(streamRequest{sendLatest: true})
		require.NoError(t, err)
		clients = append(clients, c)
		first = append(first, latest)
	}
	wg.Wait()

	for i, c := range clients {
		var seq []int
		if first[i] != nil {
			seq = append(seq, runIndex(t, first[i]))
		}
		for len(c.ch) > 0 {
			seq = append(seq, runIndex(t, <-c.ch))
		}
		for j := 1; j < len(seq); j++ {
			require.Equal(t, seq[j-1]+1, seq[j], "client %d saw %v", c.id, seq)
		}
		if len(seq) > 0 {
			assert.Equal(t, runs-1, seq[len(seq)-1])
		}
	}
}

func runIndex(t *testing.T, u *update) int {
	t.Helper()
	n, err := strconv.Atoi(u.msg.GetFields()["run_id"].GetStringValue())
	require.NoError(t, err)
	return n
}

func TestRequestFilter(t *testing.T) {
	empty := &update{}
	poor := &update{instances: 1, quality: []int{grouping.PoseQualityPoor.Rank()}}
	good := &update{instances: 2, quality: []int{grouping.PoseQualityPoor.Rank(), grouping.PoseQualityGood.Rank()}}

	all := streamRequest{}
	assert.True(t, all.wants(empty))
	assert.True(t, all.wants(poor))

	nonEmpty := streamRequest{skipEmpty: true}
	assert.False(t, nonEmpty.wants(empty))
	assert.True(t, nonEmpty.wants(poor))

	fair := streamRequest{minQuality: grouping.PoseQualityFair.Rank()}
	assert.False(t, fair.wants(empty))
	assert.False(t, fair.wants(poor))
	assert.True(t, fair.wants(good))
}

// startBufconn serves p over an in-memory listener and returns a client.
func startBufconn(t *testing.T, p *Publisher) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	require.NoError(t, p.Serve(lis))
	t.Cleanup(p.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStreamPoses(t *testing.T) {
	p := NewPublisher(DefaultConfig())
	conn := startBufconn(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan PoseUpdate, 4)
	done := make(chan error, 1)
	go func() {
		done <- Subscribe(ctx, conn, map[string]any{"skip_empty": true}, func(u PoseUpdate) error {
			updates <- u
			return nil
		})
	}()
	require.Eventually(t, func() bool { return p.Stats().Clients == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, p.PublishPoses(ctx, testRun("empty"), []pipeline.DetectedPose{}))
	require.NoError(t, p.PublishPoses(ctx, testRun("found"), []pipeline.DetectedPose{testPose(grouping.PoseQualityExcellent)}))

	select {
	case u := <-updates:
		assert.Equal(t, "found", u.RunID)
		require.Len(t, u.Poses, 1)
		assert.Equal(t, grouping.PoseQualityExcellent, u.Poses[0].Quality)
		assert.Equal(t, [3]float64{1, 2, 3}, u.Poses[0].Position)
	case <-time.After(5 * time.Second):
		t.Fatal("no update received")
	}

	cancel()
	select {
	case err := <-done:
		assert.Equal(t, codes.Canceled, status.Code(err))
	case <-time.After(5 * time.Second):
		t.Fatal("subscribe did not return")
	}
	require.Eventually(t, func() bool { return p.Stats().Clients == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestStreamPosesSendsLatest(t *testing.T) {
	p := NewPublisher(DefaultConfig())
	conn := startBufconn(t, p)
	require.NoError(t, p.PublishPoses(context.Background(), testRun("before"), nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got PoseUpdate
	err := Subscribe(ctx, conn, map[string]any{"send_latest": true}, func(u PoseUpdate) error {
		got = u
		return context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "before", got.RunID)
	assert.Empty(t, got.Poses)
}

func TestStreamPosesRejectsBadQuality(t *testing.T) {
	p := NewPublisher(DefaultConfig())
	conn := startBufconn(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := Subscribe(ctx, conn, map[string]any{"min_quality": "superb"}, func(PoseUpdate) error { return nil })
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestStreamPosesClientLimit(t *testing.T) {
	p := NewPublisher(Config{MaxClients: 1})
	conn := startBufconn(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Subscribe(ctx, conn, nil, func(PoseUpdate) error { return nil })
	require.Eventually(t, func() bool { return p.Stats().Clients == 1 }, 5*time.Second, 10*time.Millisecond)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	err := Subscribe(ctx2, conn, nil, func(PoseUpdate) error { return nil })
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestServeTwice(t *testing.T) {
	p := NewPublisher(DefaultConfig())
	startBufconn(t, p)
	assert.True(t, p.Stats().Running)
	assert.Error(t, p.Serve(bufconn.Listen(1024)))
}
