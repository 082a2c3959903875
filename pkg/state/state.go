// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package state owns the connection and identity record of one bot session.
//
// All mutation goes through the Manager's setters. Each setter notifies
// observers synchronously, in registration order, before the next
// transition may begin.
package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/bridgev2/status"

	"github.com/aiku/chatlink/pkg/disconnect"
)

// Status is the connection lifecycle status.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusAuthenticating
	StatusConnected
	StatusReconnecting
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusAuthenticating:
		return "authenticating"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// BridgeStateEvent maps the status to the closest bridge state.
func (s Status) BridgeStateEvent() status.BridgeStateEvent {
	switch s {
	case StatusConnected:
		return status.StateConnected
	case StatusConnecting, StatusAuthenticating:
		return status.StateConnecting
	case StatusReconnecting:
		return status.StateTransientDisconnect
	default:
		return status.StateUnknownError
	}
}

// Identity is who the bot is logged in as.
type Identity struct {
	BotID       string
	Address     string
	DisplayName string
	AvatarURL   string
}

// DisconnectReason is the classified form of the last close.
type DisconnectReason struct {
	Code    int
	Class   disconnect.Class
	Message string
	At      time.Time
}

// ConnectionState is a snapshot of the session record.
type ConnectionState struct {
	Status         Status
	LastDisconnect *DisconnectReason
	LastTransition time.Time
	Identity
	Online bool
}

// Change is passed to observers after every mutation.
type Change struct {
	Field string
	Old   ConnectionState
	New   ConnectionState
}

type Observer func(Change)

type observerEntry struct {
	id int
	fn Observer
}

// Manager holds the single mutable ConnectionState.
type Manager struct {
	// transitionMu serializes mutation plus notification, so at most one
	// transition is in flight. Observers must not call setters.
	transitionMu sync.Mutex

	mu        sync.RWMutex
	cur       ConnectionState
	observers []observerEntry
	nextID    int

	now func() time.Time
	log zerolog.Logger
}

// NewManager returns a Manager in the Disconnected state.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		now: time.Now,
		log: log.With().Str("component", "state").Logger(),
	}
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur.Status
}

func (m *Manager) Identity() Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur.Identity
}

// Observe registers fn and returns a func that deregisters it.
func (m *Manager) Observe(fn Observer) (unsubscribe func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.observers = append(m.observers, observerEntry{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, o := range m.observers {
				if o.id == id {
					m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
					return
				}
			}
		})
	}
}

func (m *Manager) SetStatus(s Status) {
	m.update("status", func(st *ConnectionState) { st.Status = s })
}

func (m *Manager) SetLastDisconnect(r *DisconnectReason) {
	m.update("last_disconnect", func(st *ConnectionState) { st.LastDisconnect = r })
}

func (m *Manager) SetBotID(id string) {
	m.update("bot_id", func(st *ConnectionState) { st.BotID = id })
}

func (m *Manager) SetAddress(addr string) {
	m.update("address", func(st *ConnectionState) { st.Address = addr })
}

func (m *Manager) SetDisplayName(name string) {
	m.update("display_name", func(st *ConnectionState) { st.DisplayName = name })
}

func (m *Manager) SetAvatarURL(url string) {
	m.update("avatar_url", func(st *ConnectionState) { st.AvatarURL = url })
}

func (m *Manager) SetOnline(online bool) {
	m.update("online", func(st *ConnectionState) { st.Online = online })
}

// SetIdentity replaces all identity fields in one transition.
func (m *Manager) SetIdentity(id Identity) {
	m.update("identity", func(st *ConnectionState) { st.Identity = id })
}

// Reset restores the initial state and notifies observers.
func (m *Manager) Reset() {
	m.update("reset", func(st *ConnectionState) { *st = ConnectionState{} })
}

func (m *Manager) update(field string, mutate func(*ConnectionState)) {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	m.mu.Lock()
	old := m.cur
	mutate(&m.cur)
	m.cur.LastTransition = m.now()
	next := m.cur
	observers := make([]observerEntry, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	if field == "status" && old.Status != next.Status {
		m.log.Debug().
			Stringer("from", old.Status).
			Stringer("to", next.Status).
			Msg("Status changed")
	}

	change := Change{Field: field, Old: old, New: next}
	for _, o := range observers {
		m.notify(o, change)
	}
}

func (m *Manager) notify(o observerEntry, change Change) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().
				Any("panic", r).
				Int("observer", o.id).
				Str("field", change.Field).
				Msg("State observer panicked")
		}
	}()
	o.fn(change)
}
