//go:build integration

package natsnode

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tactilerobotics/teleop/pkg/logging"
	"github.com/tactilerobotics/teleop/pkg/node"
)

func startNATS(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.11.7-alpine",
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          []string{"--port", "4222", "--http_port", "8222"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(30*time.Second),
			),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)
	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func TestIntegration_PublisherToSubscriber(t *testing.T) {
	url := startNATS(t)
	ctx := context.Background()
	session := node.Session{Protocol: ProtocolName, RoomName: "lab", ServerURL: url}

	sub, err := NewSubscriber(node.SubscriberConfig{
		NodeID:  "control_subscriber",
		Sources: []string{"operator"},
		Session: session,
		Logger:  logging.Discard(),
	}, Options{})
	require.NoError(t, err)

	var mu sync.Mutex
	var got []node.Message
	sub.RegisterDataCallback(func(ctx context.Context, msg node.Message) error {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		return nil
	})
	require.NoError(t, sub.Connect(ctx))
	t.Cleanup(func() { _ = sub.Disconnect(context.Background()) })

	operator, err := NewPublisher(node.PublisherConfig{NodeID: "operator", Session: session, Logger: logging.Discard()}, Options{})
	require.NoError(t, err)
	require.NoError(t, operator.Connect(ctx))
	t.Cleanup(func() { _ = operator.Disconnect(context.Background()) })

	intruder, err := NewPublisher(node.PublisherConfig{NodeID: "intruder", Session: session, Logger: logging.Discard()}, Options{})
	require.NoError(t, err)
	require.NoError(t, intruder.Connect(ctx))
	t.Cleanup(func() { _ = intruder.Disconnect(context.Background()) })

	require.NoError(t, intruder.SendData(ctx, []byte(`{"n":0}`)))
	require.NoError(t, operator.SendData(ctx, []byte(`{"n":1}`)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "operator", got[0].Source)
	assert.Equal(t, float64(1), got[0].Payload["n"])
}
