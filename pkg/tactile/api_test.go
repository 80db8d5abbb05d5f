package tactile_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tactilerobotics/teleop/pkg/auth"
	"github.com/tactilerobotics/teleop/pkg/config"
	"github.com/tactilerobotics/teleop/pkg/connection"
	"github.com/tactilerobotics/teleop/pkg/control"
	"github.com/tactilerobotics/teleop/pkg/logging"
	"github.com/tactilerobotics/teleop/pkg/node"
	"github.com/tactilerobotics/teleop/pkg/node/nodetest"
	"github.com/tactilerobotics/teleop/pkg/tactile"
)

type fakeAuth struct {
	calls atomic.Int32
}

func (f *fakeAuth) Authenticate(ctx context.Context, nodeID, role string) (auth.Credential, error) {
	f.calls.Add(1)
	return auth.Credential{
		RoomName:  "room-1",
		Token:     "token-" + nodeID,
		ServerURL: "https://signal.test",
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

func newAPI(t *testing.T) (*tactile.API, *nodetest.Protocol) {
	t.Helper()
	proto := nodetest.NewProtocol("fake")
	api, err := tactile.New(tactile.Options{
		Auth:          auth.Config{Protocol: "fake"},
		Registry:      node.NewRegistry(proto),
		Authenticator: &fakeAuth{},
		Logger:        logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = api.Close(context.Background()) })
	return api, proto
}

func TestNew_Validation(t *testing.T) {
	_, err := tactile.New(tactile.Options{})
	assert.ErrorContains(t, err, "protocol is required")

	_, err = tactile.New(tactile.Options{Auth: auth.Config{Protocol: "livekit"}})
	var unknown *node.UnknownProtocolError
	assert.ErrorAs(t, err, &unknown)

	_, err = tactile.New(tactile.Options{Auth: auth.Config{Protocol: "webrtc"}})
	assert.ErrorContains(t, err, "robot id and api key")

	_, err = tactile.New(tactile.Options{Auth: auth.Config{Protocol: "nats", RobotID: "r", APIKey: "k"}})
	assert.NoError(t, err)
}

func TestGetControlGoal_BeforeConnect(t *testing.T) {
	api, _ := newAPI(t)
	_, err := api.GetControlGoal("left")
	assert.ErrorIs(t, err, tactile.ErrControlNotConnected)
}

func TestConnectControl_DeliversGoals(t *testing.T) {
	api, proto := newAPI(t)
	ctx := context.Background()

	sub, err := api.ConnectControl(ctx, control.SubscriberConfig{Sources: []string{"operator"}})
	require.NoError(t, err)
	assert.Equal(t, "control_subscriber", sub.ID())

	again, err := api.ConnectControl(ctx, control.SubscriberConfig{Sources: []string{"operator"}})
	require.NoError(t, err)
	assert.Same(t, sub, again)

	transport := proto.Subscribers()
	require.Len(t, transport, 1)
	frame := map[string]any{
		"leftController": map[string]any{
			"position":   map[string]any{"x": 0.1, "y": 0, "z": 0},
			"quaternion": map[string]any{"x": 0, "y": 0, "z": 0, "w": 1},
			"gripActive": true,
		},
	}
	require.NoError(t, transport[0].Deliver(ctx, "operator", frame))

	goal, err := api.GetControlGoal("left")
	require.NoError(t, err)
	assert.True(t, goal.ResetReference)
	require.NotNil(t, goal.RelativeTransform)

	goal, err = api.GetControlGoal("right")
	require.NoError(t, err)
	assert.Nil(t, goal.RelativeTransform)

	require.NoError(t, api.Close(ctx))
	_, err = api.GetControlGoal("left")
	assert.ErrorIs(t, err, tactile.ErrControlNotConnected)
}

func TestConnectRawNodes(t *testing.T) {
	api, proto := newAPI(t)
	ctx := context.Background()

	pub, err := api.ConnectPublisher(ctx, connection.RawPublisherConfig{NodeID: "telemetry"})
	require.NoError(t, err)
	require.NoError(t, pub.SendData(ctx, []byte(`{"ok":true}`)))
	assert.Equal(t, [][]byte{[]byte(`{"ok":true}`)}, proto.Publishers()[0].Sent())

	sub, err := api.ConnectSubscriber(ctx, connection.RawSubscriberConfig{NodeID: "chat", Sources: []string{"operator"}})
	require.NoError(t, err)
	assert.Equal(t, node.RoleSubscriber, sub.Role())
	assert.Equal(t, []string{"operator"}, proto.Subscribers()[0].Sources)

	assert.Len(t, api.Manager().Connected(), 2)
	require.NoError(t, api.Close(ctx))
	assert.Empty(t, api.Manager().Connected())
	assert.Equal(t, node.StateDisconnected, pub.State())
}

func TestConnectCamera_Defaults(t *testing.T) {
	api, proto := newAPI(t)

	cam, err := api.ConnectCamera(context.Background(), tactile.CameraPublisherConfig{})
	require.NoError(t, err)
	assert.Equal(t, "camera_publisher", cam.ID())
	assert.Equal(t, node.RolePublisher, cam.Role())

	s := cam.Settings()
	assert.Equal(t, 640, s.FrameWidth)
	assert.Equal(t, 480, s.FrameHeight)
	assert.Equal(t, 30, s.MaxFramerate)
	assert.Equal(t, 3_000_000, s.MaxBitrate)

	built := proto.Publishers()
	require.Len(t, built, 1)
	require.Len(t, built[0].Tracks, 1)
	assert.Equal(t, "camera_publisher", built[0].Tracks[0].StreamID())
}

func TestCameraPublisherConfig_RejectsSubscriberRole(t *testing.T) {
	reg := node.NewRegistry(nodetest.NewProtocol("fake"))
	_, err := tactile.CameraPublisherConfig{}.CreateNode(reg, node.Session{Protocol: "fake"}, node.RoleSubscriber)
	assert.ErrorContains(t, err, "requested as subscriber")
}

func TestCameraConfigFromConfig(t *testing.T) {
	c := tactile.CameraConfigFromConfig(config.CameraConfig{NodeID: "wrist", Width: 320, Height: 240, FPS: 15, Bitrate: 500_000})
	assert.Equal(t, tactile.CameraPublisherConfig{
		NodeID: "wrist", FrameWidth: 320, FrameHeight: 240, MaxFramerate: 15, MaxBitrate: 500_000,
	}, c)
}

type fakeSource struct {
	mu       sync.Mutex
	inits    int
	stops    int
	captures int
	// failAt makes the nth capture and later ones fail.
	failAt int
}

func (f *fakeSource) Init(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	return nil
}

func (f *fakeSource) CaptureFrame() (media.Sample, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures++
	if f.failAt > 0 && f.captures >= f.failAt {
		return media.Sample{}, false, errors.New("device unplugged")
	}
	// Every second capture has no frame ready.
	return media.Sample{Data: []byte{0, 0, 0, 1, 0x65}}, f.captures%2 == 1, nil
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeSource) counts() (inits, captures, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inits, f.captures, f.stops
}

func TestStreamCamera_RunsUntilCancelled(t *testing.T) {
	api, _ := newAPI(t)
	cam, err := api.ConnectCamera(context.Background(), tactile.CameraPublisherConfig{MaxFramerate: 100})
	require.NoError(t, err)

	src := &fakeSource{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- api.StreamCamera(ctx, cam, src) }()

	require.Eventually(t, func() bool {
		_, captures, _ := src.counts()
		return captures >= 4
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("StreamCamera did not return after cancel")
	}
	inits, _, stops := src.counts()
	assert.Equal(t, 1, inits)
	assert.Equal(t, 1, stops)
}

func TestStreamCamera_CaptureError(t *testing.T) {
	api, _ := newAPI(t)
	cam, err := api.ConnectCamera(context.Background(), tactile.CameraPublisherConfig{MaxFramerate: 100})
	require.NoError(t, err)

	src := &fakeSource{failAt: 3}
	err = api.StreamCamera(context.Background(), cam, src)
	assert.ErrorContains(t, err, "device unplugged")
	_, _, stops := src.counts()
	assert.Equal(t, 1, stops)
}

func TestStreamCamera_StopsWhenDisconnected(t *testing.T) {
	api, _ := newAPI(t)
	ctx := context.Background()
	cam, err := api.ConnectCamera(ctx, tactile.CameraPublisherConfig{MaxFramerate: 100})
	require.NoError(t, err)
	require.NoError(t, cam.Disconnect(ctx))

	err = api.StreamCamera(ctx, cam, &fakeSource{})
	assert.ErrorIs(t, err, node.ErrNotConnected)
}
