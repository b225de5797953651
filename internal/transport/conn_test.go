package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeWire records writes. When gate is non-nil every Write signals on
// writing and then blocks until gate yields.
type fakeWire struct {
	mu        sync.Mutex
	frames    []string
	closed    bool
	closeCode websocket.StatusCode
	writeErr  error

	gate    chan struct{}
	writing chan struct{}
}

func (w *fakeWire) Write(ctx context.Context, _ websocket.MessageType, p []byte) error {
	if w.gate != nil {
		w.writing <- struct{}{}
		select {
		case <-w.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeErr != nil {
		return w.writeErr
	}
	w.frames = append(w.frames, string(p))
	return nil
}

func (w *fakeWire) Close(code websocket.StatusCode, _ string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.closeCode = code
	return nil
}

func (w *fakeWire) written() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.frames...)
}

func newGatedWire() *fakeWire {
	return &fakeWire{gate: make(chan struct{}), writing: make(chan struct{}, 16)}
}

func waitDone(t *testing.T, c *Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
}

func TestConn_DeliversInOrder(t *testing.T) {
	wire := &fakeWire{}
	c := NewConn("c1", wire, Options{QueueSize: 8}, zap.NewNop())

	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, c.Enqueue(Text([]byte(s))))
	}
	c.Close("done")
	waitDone(t, c)

	assert.Equal(t, []string{"a", "b", "c"}, wire.written())
	assert.True(t, wire.closed)
	assert.Equal(t, websocket.StatusNormalClosure, wire.closeCode)
}

func TestConn_EnqueueAfterClose(t *testing.T) {
	c := NewConn("c1", &fakeWire{}, Options{}, zap.NewNop())
	c.Close("bye")
	c.Close("again")

	assert.ErrorIs(t, c.Enqueue(Text([]byte("late"))), ErrClosed)
	waitDone(t, c)
}

func TestConn_DropOldestNeverBlocks(t *testing.T) {
	wire := newGatedWire()
	var drops int
	c := NewConn("dash", wire, Options{
		QueueSize: 2,
		Overflow:  DropOldest,
		OnDrop:    func() { drops++ },
	}, zap.NewNop())

	require.NoError(t, c.Enqueue(Text([]byte("1"))))
	<-wire.writing // writer holds frame 1 and is stalled

	for _, s := range []string{"2", "3", "4"} {
		require.NoError(t, c.Enqueue(Text([]byte(s))))
	}
	assert.Equal(t, uint64(1), c.Dropped())
	assert.Equal(t, 1, drops)

	close(wire.gate)
	c.Close("done")
	waitDone(t, c)

	assert.Equal(t, []string{"1", "3", "4"}, wire.written())
}

func TestConn_DisconnectOnOverflow(t *testing.T) {
	wire := newGatedWire()
	c := NewConn("dev", wire, Options{QueueSize: 1, Overflow: Disconnect}, zap.NewNop())

	require.NoError(t, c.Enqueue(Text([]byte("1"))))
	<-wire.writing
	require.NoError(t, c.Enqueue(Text([]byte("2"))))

	assert.ErrorIs(t, c.Enqueue(Text([]byte("3"))), ErrQueueFull)
	assert.ErrorIs(t, c.Enqueue(Text([]byte("4"))), ErrClosed)

	close(wire.gate)
	waitDone(t, c)

	assert.Equal(t, []string{"1"}, wire.written())
	assert.Equal(t, websocket.StatusPolicyViolation, wire.closeCode)
}

func TestConn_WriteErrorClosesConnection(t *testing.T) {
	wire := &fakeWire{writeErr: errors.New("broken pipe")}
	c := NewConn("c1", wire, Options{}, zap.NewNop())

	require.NoError(t, c.Enqueue(Text([]byte("x"))))
	waitDone(t, c)

	assert.ErrorIs(t, c.Enqueue(Text([]byte("y"))), ErrClosed)
	assert.True(t, wire.closed)
}

func TestConn_ShutdownFlushesWithGoingAway(t *testing.T) {
	wire := &fakeWire{}
	c := NewConn("c1", wire, Options{QueueSize: 4}, zap.NewNop())
	require.NoError(t, c.Enqueue(Text([]byte("last"))))

	c.Shutdown()
	waitDone(t, c)

	assert.Equal(t, []string{"last"}, wire.written())
	assert.Equal(t, websocket.StatusGoingAway, wire.closeCode)
}

func TestJSONFrame(t *testing.T) {
	f, err := JSON(map[string]string{"type": "ping"})
	require.NoError(t, err)
	assert.False(t, f.Binary)
	assert.JSONEq(t, `{"type":"ping"}`, string(f.Data))

	_, err = JSON(make(chan int))
	assert.Error(t, err)
}
