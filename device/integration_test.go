//go:build integration

package device

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startJetStream runs a NATS server with JetStream enabled and returns a
// JetStream context connected to it
func startJetStream(ctx context.Context, t *testing.T) jetstream.JetStream {
	t.Helper()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:latest",
			ExposedPorts: []string{"4222/tcp"},
			Cmd:          []string{"-js"},
			WaitingFor:   wait.ForLog("Server is ready"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)

	nc, err := nats.Connect(fmt.Sprintf("nats://%s:%s", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	require.NoError(t, err)
	return js
}

func TestIntegration_KVStoreRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	js := startJetStream(ctx, t)

	store, err := OpenKVStore(ctx, js, "synthiot_devices_it")
	require.NoError(t, err)

	_, err = store.Load(ctx)
	assert.True(t, IsNotFound(err))

	snap := &Snapshot{
		Version: SnapshotVersion,
		Devices: []Device{{
			ID:       "knob_1",
			Name:     "Desk Knob",
			Type:     TypeController,
			Topics:   []string{"desk/knob_1/position"},
			LastSeen: time.Unix(1700000000, 0),
		}},
	}
	require.NoError(t, store.Save(ctx, snap))

	// a second handle on the same bucket sees the snapshot
	reopened, err := OpenKVStore(ctx, js, "synthiot_devices_it")
	require.NoError(t, err)
	got, err := reopened.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got.Devices, 1)
	assert.Equal(t, "knob_1", got.Devices[0].ID)
	assert.Equal(t, []string{"desk/knob_1/position"}, got.Devices[0].Topics)
	assert.Equal(t, int64(1700000000), got.Devices[0].LastSeen.Unix())
}
