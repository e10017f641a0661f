////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package bus is the typed event bus connecting the transport to the
// components that mutate session state. Handlers are registered by name
// against one event kind; a name can only be registered once, so re-running
// a subscription on reconnect never duplicates a handler.
package bus

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Handler processes one event.
type Handler func(e Event)

// Error messages.
const (
	existsErr = "handler %q is already registered"
)

type registration struct {
	name    string
	kind    Kind
	order   uint64
	handler Handler
}

// Bus delivers each dispatched event once to every handler registered for its
// kind, in registration order.
//
// Dispatch is re-entrant: an event dispatched from inside a handler is queued
// and delivered after the current event has reached all of its handlers.
type Bus struct {
	handlers map[string]*registration
	next     uint64

	queue       []Event
	dispatching bool

	mux sync.Mutex
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[string]*registration)}
}

// Register adds a handler for the given event kind under a unique name.
func (b *Bus) Register(name string, kind Kind, h Handler) error {
	b.mux.Lock()
	defer b.mux.Unlock()

	if _, exists := b.handlers[name]; exists {
		return errors.Errorf(existsErr, name)
	}
	b.handlers[name] = &registration{
		name:    name,
		kind:    kind,
		order:   b.next,
		handler: h,
	}
	b.next++
	jww.TRACE.Printf("[BUS] Registered %q for %s", name, kind)
	return nil
}

// Unregister removes the handler with the given name. Removing an unknown
// name does nothing.
func (b *Bus) Unregister(name string) {
	b.mux.Lock()
	delete(b.handlers, name)
	b.mux.Unlock()
}

// Dispatch delivers the event. If called while another event is being
// delivered, the event is queued and Dispatch returns immediately.
func (b *Bus) Dispatch(e Event) {
	b.mux.Lock()
	b.queue = append(b.queue, e)
	if b.dispatching {
		b.mux.Unlock()
		return
	}
	b.dispatching = true
	b.mux.Unlock()

	for {
		b.mux.Lock()
		if len(b.queue) == 0 {
			b.dispatching = false
			b.mux.Unlock()
			return
		}
		next := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		targets := b.handlersFor(next.Kind())
		b.mux.Unlock()

		if len(targets) == 0 {
			jww.TRACE.Printf("[BUS] No handlers for %s", next.Kind())
		}
		for _, r := range targets {
			r.handler(next)
		}
	}
}

// handlersFor returns the handlers for a kind in registration order. Must be
// called with the lock held.
func (b *Bus) handlersFor(k Kind) []*registration {
	var list []*registration
	for _, r := range b.handlers {
		if r.kind == k {
			list = append(list, r)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].order < list[j].order })
	return list
}
