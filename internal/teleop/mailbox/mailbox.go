// Package mailbox decouples frame arrival on the socket from frame consumption by the UI.
//
// The socket goroutine is the only writer and the render tick is the only reader. At most one
// unconsumed frame is retained; a newer frame silently replaces an older one. Frames are kept
// undecoded until the render tick picks them up.
package mailbox

import (
	"sync"

	"github.com/babelcloud/gbox/packages/teleop/internal/teleop/protocol"
)

// Mailbox is a single-slot frame buffer.
type Mailbox struct {
	mu       sync.Mutex
	slot     *protocol.RawFrame
	fresh    bool
	last     *protocol.RawFrame
	received uint64
	replaced uint64
}

// Stats counts what passed through the mailbox.
type Stats struct {
	Received uint64
	Replaced uint64
}

// New returns an empty mailbox.
func New() *Mailbox {
	return &Mailbox{}
}

// Publish overwrites the slot unconditionally and marks it new. Never blocks on the reader.
func (m *Mailbox) Publish(frame *protocol.RawFrame) {
	if frame == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fresh {
		m.replaced++
	}
	m.received++
	m.slot = frame
	m.fresh = true
}

// ConsumeIfNew returns the most recently published frame if it was published since the last
// successful consume and is not the frame consumed last time.
func (m *Mailbox) ConsumeIfNew() (*protocol.RawFrame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.fresh {
		return nil, false
	}
	m.fresh = false
	if m.slot == m.last {
		return nil, false
	}
	m.last = m.slot
	return m.slot, true
}

// Stats returns a snapshot of the counters.
func (m *Mailbox) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Received: m.received, Replaced: m.replaced}
}
