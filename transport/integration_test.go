//go:build integration

package transport

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startBroker(ctx context.Context, t *testing.T, image, port string, cmd ...string) (string, int) {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        image,
		ExposedPorts: []string{port + "/tcp"},
		WaitingFor:   wait.ForListeningPort(port + "/tcp"),
		Cmd:          cmd,
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, port)
	require.NoError(t, err)
	p, err := strconv.Atoi(mapped.Port())
	require.NoError(t, err)

	// Wait for the broker to accept sessions
	time.Sleep(200 * time.Millisecond)
	return host, p
}

func roundTrip(t *testing.T, dialer Dialer, host string, port int) {
	t.Helper()
	ctx := context.Background()

	c, err := NewClient(dialer)
	require.NoError(t, err)
	require.NoError(t, c.Connect(ctx, host, port, "integration-test"))
	defer c.Disconnect()

	got := make(chan string, 4)
	require.NoError(t, c.SetTopicCallback("env/+/temp", func(topic string, payload []byte) {
		got <- topic + "=" + string(payload)
	}))

	// allow the subscription to propagate
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, c.Publish("env/kitchen/temp", []byte("22.5")))

	select {
	case msg := <-got:
		assert.Equal(t, "env/kitchen/temp=22.5", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}
}

func TestIntegration_MQTTRoundTrip(t *testing.T) {
	ctx := context.Background()
	host, port := startBroker(ctx, t, "eclipse-mosquitto:2", "1883",
		"mosquitto", "-c", "/mosquitto-no-auth.conf")
	roundTrip(t, MQTTDialer{}, host, port)
}

func TestIntegration_NATSRoundTrip(t *testing.T) {
	ctx := context.Background()
	host, port := startBroker(ctx, t, "nats:latest", "4222")
	roundTrip(t, NATSDialer{}, host, port)
}

func TestIntegration_MQTTConnectRefused(t *testing.T) {
	c, err := NewClient(MQTTDialer{}, WithConnectTimeout(time.Second))
	require.NoError(t, err)

	err = c.Connect(context.Background(), "127.0.0.1", 1, "nobody")
	assert.Error(t, err)
	assert.False(t, c.IsConnected())
}
