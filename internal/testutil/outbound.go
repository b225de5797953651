package testutil

import (
	"encoding/json"
	"sync"

	"github.com/HerbHall/fleethub/internal/transport"
)

// Compile-time interface check.
var _ transport.Outbound = (*Outbound)(nil)

// Outbound is an in-memory transport.Outbound that records every frame
// enqueued on it.
type Outbound struct {
	mu      sync.Mutex
	frames  []transport.Frame
	closed  bool
	reason  string
	failErr error
}

// NewOutbound returns an open recording Outbound.
func NewOutbound() *Outbound {
	return &Outbound{}
}

// Enqueue records f, or fails with transport.ErrClosed once closed.
func (o *Outbound) Enqueue(f transport.Frame) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return transport.ErrClosed
	}
	if o.failErr != nil {
		return o.failErr
	}
	o.frames = append(o.frames, f)
	return nil
}

// Close marks the outbound closed.
func (o *Outbound) Close(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		o.reason = reason
	}
}

// FailWith makes subsequent Enqueue calls return err.
func (o *Outbound) FailWith(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failErr = err
}

// Closed reports whether Close was called and with which reason.
func (o *Outbound) Closed() (bool, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed, o.reason
}

// Frames returns a copy of the recorded frames.
func (o *Outbound) Frames() []transport.Frame {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]transport.Frame, len(o.frames))
	copy(out, o.frames)
	return out
}

// Messages decodes every recorded text frame as a JSON object. Binary
// frames are skipped.
func (o *Outbound) Messages() []map[string]any {
	var out []map[string]any
	for _, f := range o.Frames() {
		if f.Binary {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(f.Data, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Types returns the "type" field of every recorded JSON message.
func (o *Outbound) Types() []string {
	msgs := o.Messages()
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		s, _ := m["type"].(string)
		out = append(out, s)
	}
	return out
}

// Reset drops the recorded frames.
func (o *Outbound) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames = nil
}
