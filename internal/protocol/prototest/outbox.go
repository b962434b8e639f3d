// Package prototest provides an in-memory protocol.Outbox for tests.
package prototest

import (
	"sync"

	"github.com/pufferblow/realtime-core/internal/protocol"
)

// Outbox records every delivered event per handle. Handles must be marked
// live with Connect before deliveries to them succeed.
type Outbox struct {
	mu     sync.Mutex
	live   map[string]bool
	frames map[string][]protocol.Event
}

func NewOutbox(handles ...string) *Outbox {
	o := &Outbox{
		live:   map[string]bool{},
		frames: map[string][]protocol.Event{},
	}
	for _, h := range handles {
		o.live[h] = true
	}
	return o
}

func (o *Outbox) Connect(handle string) {
	o.mu.Lock()
	o.live[handle] = true
	o.mu.Unlock()
}

func (o *Outbox) Disconnect(handle string) {
	o.mu.Lock()
	delete(o.live, handle)
	o.mu.Unlock()
}

func (o *Outbox) Deliver(handle string, ev protocol.Event) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.live[handle] {
		return false
	}
	o.frames[handle] = append(o.frames[handle], ev)
	return true
}

// Events returns a copy of what handle received, in delivery order.
func (o *Outbox) Events(handle string) []protocol.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]protocol.Event(nil), o.frames[handle]...)
}

// Named returns the events of handle whose wire name is name.
func (o *Outbox) Named(handle, name string) []protocol.Event {
	var out []protocol.Event
	for _, ev := range o.Events(handle) {
		if ev.EventName() == name {
			out = append(out, ev)
		}
	}
	return out
}

// Total counts deliveries across all handles.
func (o *Outbox) Total() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := 0
	for _, evs := range o.frames {
		n += len(evs)
	}
	return n
}

func (o *Outbox) Reset() {
	o.mu.Lock()
	o.frames = map[string][]protocol.Event{}
	o.mu.Unlock()
}
