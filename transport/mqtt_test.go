package transport

import (
	stderrors "errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/synthiot/pkg/goid"
)

// pendingToken completes only when finish is called
type pendingToken struct {
	done chan struct{}
	err  error
}

func newPendingToken() *pendingToken { return &pendingToken{done: make(chan struct{})} }

func (t *pendingToken) finish(err error) {
	t.err = err
	close(t.done)
}

func (t *pendingToken) Wait() bool {
	<-t.done
	return true
}

func (t *pendingToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *pendingToken) Done() <-chan struct{} { return t.done }
func (t *pendingToken) Error() error          { return t.err }

// stubClient hands out a fixed token for every operation
type stubClient struct {
	mqtt.Client
	tok *pendingToken
}

func (c *stubClient) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token { return c.tok }
func (c *stubClient) Unsubscribe(...string) mqtt.Token                       { return c.tok }
func (c *stubClient) Publish(string, byte, bool, interface{}) mqtt.Token     { return c.tok }

func TestMQTTConn_RouterGoroutineDoesNotWait(t *testing.T) {
	tok := newPendingToken()
	var mu sync.Mutex
	var failed []string
	reported := make(chan struct{}, 2)
	conn := &mqttConn{
		cli:     &stubClient{tok: tok},
		timeout: time.Minute,
		onAsyncError: func(op, target string, err error) {
			mu.Lock()
			failed = append(failed, op+" "+target)
			mu.Unlock()
			reported <- struct{}{}
		},
	}
	conn.router.Store(goid.ID())

	start := time.Now()
	require.NoError(t, conn.Subscribe("env/#", 0))
	require.NoError(t, conn.Publish("synth/filter/cutoff", 0, false, []byte("0.5")))
	assert.Less(t, time.Since(start), time.Second)

	tok.finish(stderrors.New("not authorized"))
	for i := 0; i < 2; i++ {
		select {
		case <-reported:
		case <-time.After(5 * time.Second):
			t.Fatal("async failure not reported")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"subscribe env/#", "publish synth/filter/cutoff"}, failed)
}

func TestMQTTConn_OtherGoroutinesWait(t *testing.T) {
	tok := newPendingToken()
	conn := &mqttConn{cli: &stubClient{tok: tok}, timeout: 20 * time.Millisecond}
	conn.router.Store(-2)

	err := conn.Subscribe("env/#", 0)
	require.Error(t, err)

	tok.finish(stderrors.New("not authorized"))
	assert.EqualError(t, conn.Publish("synth/x", 0, false, nil), "not authorized")
}
