package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialMemory(t *testing.T, b *MemoryBroker, id string, rec *recorder) Conn {
	t.Helper()
	conn, err := b.Dial(context.Background(), DialOptions{ClientID: id}, ConnEvents{OnMessage: rec.handle})
	require.NoError(t, err)
	return conn
}

func TestMemoryBroker_RetainedDeliveredOnSubscribe(t *testing.T) {
	b := NewMemoryBroker()
	b.Publish("dev/1/status", []byte("online"), true)
	b.Publish("dev/2/status", []byte("offline"), true)
	b.Publish("dev/1/temp", []byte("3"), false)

	rec := &recorder{}
	conn := dialMemory(t, b, "c1", rec)
	require.NoError(t, conn.Subscribe("dev/+/status", 0))
	assert.ElementsMatch(t, []string{"dev/1/status", "dev/2/status"}, rec.topics())

	// empty retained payload clears
	b.Publish("dev/1/status", nil, true)
	_, ok := b.Retained("dev/1/status")
	assert.False(t, ok)
}

func TestMemoryBroker_OneDeliveryPerSession(t *testing.T) {
	b := NewMemoryBroker()
	rec := &recorder{}
	conn := dialMemory(t, b, "c1", rec)
	require.NoError(t, conn.Subscribe("a/#", 0))
	require.NoError(t, conn.Subscribe("a/+", 0))

	b.Publish("a/b", nil, false)
	assert.Len(t, rec.topics(), 1)
}

func TestMemoryBroker_SessionTakeover(t *testing.T) {
	b := NewMemoryBroker()
	lost := 0
	_, err := b.Dial(context.Background(), DialOptions{ClientID: "same"}, ConnEvents{
		OnConnectionLost: func(error) { lost++ },
	})
	require.NoError(t, err)

	_, err = b.Dial(context.Background(), DialOptions{ClientID: "same"}, ConnEvents{})
	require.NoError(t, err)
	assert.Equal(t, 1, lost)
	assert.Equal(t, 1, b.SessionCount())
}

func TestMemoryBroker_ClosedConnRejectsOperations(t *testing.T) {
	b := NewMemoryBroker()
	conn := dialMemory(t, b, "c1", &recorder{})
	conn.Close()

	assert.False(t, conn.IsConnected())
	assert.Error(t, conn.Publish("a", 0, false, nil))
	assert.Error(t, conn.Subscribe("a", 0))
	assert.Equal(t, 0, b.SessionCount())
}

func TestMemoryBroker_CancelledDial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemoryBroker().Dial(ctx, DialOptions{}, ConnEvents{})
	assert.Error(t, err)
}
