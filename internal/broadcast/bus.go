// Package broadcast fans hub events out to every attached dashboard.
package broadcast

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/HerbHall/fleethub/internal/transport"
)

// Bus is the set of attached dashboard connections. Broadcasting enqueues
// on each connection's own bounded queue and never waits for a reader.
type Bus struct {
	mu     sync.RWMutex
	conns  map[transport.Outbound]struct{}
	logger *zap.Logger
}

// NewBus returns an empty Bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		conns:  make(map[transport.Outbound]struct{}),
		logger: logger,
	}
}

// Add attaches a dashboard connection.
func (b *Bus) Add(o transport.Outbound) {
	b.mu.Lock()
	b.conns[o] = struct{}{}
	b.mu.Unlock()
}

// Remove detaches a dashboard connection. Removing an unknown connection is
// a no-op.
func (b *Bus) Remove(o transport.Outbound) {
	b.mu.Lock()
	delete(b.conns, o)
	b.mu.Unlock()
}

// Count returns the number of attached dashboards.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

// Broadcast enqueues f on every attached dashboard and returns how many
// accepted it. Connections that report they are closed are detached.
func (b *Bus) Broadcast(f transport.Frame) int {
	b.mu.RLock()
	targets := make([]transport.Outbound, 0, len(b.conns))
	for o := range b.conns {
		targets = append(targets, o)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, o := range targets {
		err := o.Enqueue(f)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, transport.ErrClosed):
			b.Remove(o)
		default:
			b.logger.Debug("dashboard enqueue failed", zap.Error(err))
		}
	}
	return delivered
}

// BroadcastJSON marshals v and broadcasts it as a text frame.
func (b *Bus) BroadcastJSON(v any) (int, error) {
	f, err := transport.JSON(v)
	if err != nil {
		return 0, err
	}
	return b.Broadcast(f), nil
}
