// Copyright 2024-2026 Aiku AI

package transport

import "sync"

// Handlers is a registry of event handlers that transports embed to
// implement On.
type Handlers struct {
	mu     sync.RWMutex
	nextID int
	byKind map[EventKind][]handlerEntry
}

type handlerEntry struct {
	id int
	fn func(Event)
}

// On registers fn for kind. The returned func removes it and is idempotent.
func (h *Handlers) On(kind EventKind, fn func(Event)) (off func()) {
	h.mu.Lock()
	if h.byKind == nil {
		h.byKind = make(map[EventKind][]handlerEntry)
	}
	h.nextID++
	id := h.nextID
	h.byKind[kind] = append(h.byKind[kind], handlerEntry{id: id, fn: fn})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			list := h.byKind[kind]
			for i, e := range list {
				if e.id == id {
					h.byKind[kind] = append(list[:i:i], list[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit calls every handler registered for evt's kind, in registration order.
func (h *Handlers) Emit(evt Event) {
	h.mu.RLock()
	list := make([]handlerEntry, len(h.byKind[evt.Kind()]))
	copy(list, h.byKind[evt.Kind()])
	h.mu.RUnlock()
	for _, e := range list {
		e.fn(evt)
	}
}

// Count returns the number of registered handlers across all kinds.
func (h *Handlers) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, list := range h.byKind {
		n += len(list)
	}
	return n
}

// Subscriptions collects off funcs so they can be released together.
type Subscriptions struct {
	mu   sync.Mutex
	offs []func()
}

func (s *Subscriptions) Add(off func()) {
	s.mu.Lock()
	s.offs = append(s.offs, off)
	s.mu.Unlock()
}

// Release calls every collected off func once and forgets them.
func (s *Subscriptions) Release() int {
	s.mu.Lock()
	offs := s.offs
	s.offs = nil
	s.mu.Unlock()
	for _, off := range offs {
		off()
	}
	return len(offs)
}

func (s *Subscriptions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offs)
}
