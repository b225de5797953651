// Package transport owns connection plumbing: client addressing and the
// outbound side of every websocket. Each connection has a bounded queue
// drained by exactly one writer goroutine, so concurrent producers never
// interleave frames on the wire.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// Sentinel errors returned by Enqueue.
var (
	ErrClosed    = errors.New("connection closed")
	ErrQueueFull = errors.New("outbound queue full")
)

// Frame is one websocket message.
type Frame struct {
	Binary bool
	Data   []byte
}

// Text returns a text frame.
func Text(data []byte) Frame { return Frame{Data: data} }

// Binary returns a binary frame.
func Binary(data []byte) Frame { return Frame{Binary: true, Data: data} }

// JSON marshals v into a text frame.
func JSON(v any) (Frame, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal frame: %w", err)
	}
	return Text(data), nil
}

func (f Frame) messageType() websocket.MessageType {
	if f.Binary {
		return websocket.MessageBinary
	}
	return websocket.MessageText
}

// Outbound is the write side of a connection as seen by the registry and
// the broadcast bus. Enqueue never blocks.
type Outbound interface {
	Enqueue(f Frame) error
	Close(reason string)
}

// OverflowPolicy decides what happens when a connection's queue is full.
type OverflowPolicy int

const (
	// DropOldest discards the oldest queued frame to make room.
	DropOldest OverflowPolicy = iota
	// Disconnect closes the connection without flushing.
	Disconnect
)

// String implements fmt.Stringer.
func (p OverflowPolicy) String() string {
	if p == Disconnect {
		return "disconnect"
	}
	return "drop_oldest"
}

// Wire is the subset of *websocket.Conn used by the writer.
type Wire interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Options configures a Conn.
type Options struct {
	QueueSize    int
	WriteTimeout time.Duration
	Overflow     OverflowPolicy
	// OnDrop is called for every frame discarded by DropOldest.
	OnDrop func()
}

// Compile-time interface guard.
var _ Outbound = (*Conn)(nil)

// Conn serializes writes to a single websocket.
type Conn struct {
	id     string
	wire   Wire
	opts   Options
	queue  chan Frame
	logger *zap.Logger

	mu          sync.Mutex
	closed      bool
	drain       bool
	closeCode   websocket.StatusCode
	closeReason string

	stop    chan struct{}
	done    chan struct{}
	dropped atomic.Uint64
}

// NewConn starts the writer goroutine for wire.
func NewConn(id string, wire Wire, opts Options, logger *zap.Logger) *Conn {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	c := &Conn{
		id:     id,
		wire:   wire,
		opts:   opts,
		queue:  make(chan Frame, opts.QueueSize),
		logger: logger.With(zap.String("conn_id", id)),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// Dropped returns how many frames DropOldest has discarded.
func (c *Conn) Dropped() uint64 { return c.dropped.Load() }

// Done is closed once the writer has exited and the socket is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Enqueue queues f for delivery.
func (c *Conn) Enqueue(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	select {
	case c.queue <- f:
		return nil
	default:
	}

	if c.opts.Overflow == Disconnect {
		c.logger.Warn("outbound queue overflow, disconnecting",
			zap.Int("queue_size", c.opts.QueueSize),
		)
		c.closeLocked(websocket.StatusPolicyViolation, "outbound queue overflow", false)
		return ErrQueueFull
	}

	select {
	case <-c.queue:
		c.dropped.Add(1)
		if c.opts.OnDrop != nil {
			c.opts.OnDrop()
		}
	default:
	}
	select {
	case c.queue <- f:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting frames, flushes what is already queued and closes
// the socket with a normal closure.
func (c *Conn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(websocket.StatusNormalClosure, reason, true)
}

// Shutdown is Close with a going-away status, used on server shutdown.
func (c *Conn) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(websocket.StatusGoingAway, "server shutting down", true)
}

// Abort closes the socket immediately, discarding queued frames.
func (c *Conn) Abort(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(websocket.StatusInternalError, reason, false)
}

// Wait blocks until the writer has exited or ctx is done.
func (c *Conn) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) closeLocked(code websocket.StatusCode, reason string, drain bool) {
	if c.closed {
		return
	}
	c.closed = true
	c.drain = drain
	c.closeCode = code
	c.closeReason = reason
	close(c.stop)
}

func (c *Conn) writeLoop() {
	defer close(c.done)

	for {
		// A pending close wins over queued frames so an aborted
		// connection stops writing promptly.
		select {
		case <-c.stop:
			c.finish()
			return
		default:
		}

		select {
		case f := <-c.queue:
			if err := c.write(f); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				c.Abort("write failed")
				c.finish()
				return
			}
		case <-c.stop:
			c.finish()
			return
		}
	}
}

func (c *Conn) finish() {
	c.mu.Lock()
	drain, code, reason := c.drain, c.closeCode, c.closeReason
	c.mu.Unlock()
	if drain {
		c.flush()
	}
	_ = c.wire.Close(code, reason)
}

// flush writes frames still queued at close time. No new frames can arrive
// because Enqueue rejects them once closed is set.
func (c *Conn) flush() {
	for {
		select {
		case f := <-c.queue:
			if err := c.write(f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(f Frame) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()
	return c.wire.Write(ctx, f.messageType(), f.Data)
}
