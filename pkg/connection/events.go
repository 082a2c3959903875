// Copyright 2024-2026 Aiku AI

package connection

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/bridgev2/status"

	"github.com/aiku/chatlink/pkg/disconnect"
)

// Event is a lifecycle notification delivered to subscribers.
type Event interface {
	// BridgeState describes the event as a bridge state report.
	BridgeState() status.BridgeState
}

type ConnectingEvent struct{}

// PairingEvent carries a pairing challenge to show to the user.
type PairingEvent struct {
	QR   string
	Code string
}

type OpenEvent struct {
	IsNewLogin bool
}

type CloseEvent struct {
	Class   disconnect.Class
	Code    int
	Message string
}

type StopEvent struct {
	IsLogout bool
}

type ReconnectingEvent struct {
	Attempt int
	Delay   time.Duration
}

type ErrorEvent struct {
	Err error
}

const (
	errPairingRequired status.BridgeStateErrorCode = "pairing-required"
	errReconnecting    status.BridgeStateErrorCode = "reconnecting"
	errStopped         status.BridgeStateErrorCode = "stopped"
	errConnection      status.BridgeStateErrorCode = "connection-error"
)

func (ConnectingEvent) BridgeState() status.BridgeState {
	return status.BridgeState{StateEvent: status.StateConnecting, Timestamp: jsontime.UnixNow()}
}

func (e PairingEvent) BridgeState() status.BridgeState {
	return status.BridgeState{
		StateEvent: status.StateConnecting,
		Timestamp:  jsontime.UnixNow(),
		Error:      errPairingRequired,
		Message:    "Waiting for pairing",
	}
}

func (e OpenEvent) BridgeState() status.BridgeState {
	return status.BridgeState{
		StateEvent: status.StateConnected,
		Timestamp:  jsontime.UnixNow(),
		Info:       map[string]any{"new_login": e.IsNewLogin},
	}
}

func (e CloseEvent) BridgeState() status.BridgeState {
	st := status.BridgeState{
		Timestamp: jsontime.UnixNow(),
		Error:     status.BridgeStateErrorCode(e.Class),
		Message:   e.Message,
		Info:      map[string]any{"code": e.Code},
	}
	switch e.Class {
	case disconnect.AuthExpired:
		st.StateEvent = status.StateBadCredentials
	case disconnect.ConnectionClosedTransient, disconnect.RequestTimeoutTransient, disconnect.ServerError:
		st.StateEvent = status.StateTransientDisconnect
	case disconnect.RestartRequired:
		st.StateEvent = status.StateConnecting
	default:
		st.StateEvent = status.StateUnknownError
	}
	return st
}

func (e StopEvent) BridgeState() status.BridgeState {
	if e.IsLogout {
		return status.BridgeState{
			StateEvent: status.StateLoggedOut,
			Timestamp:  jsontime.UnixNow(),
			Message:    "Logged out",
		}
	}
	return status.BridgeState{
		StateEvent: status.StateTransientDisconnect,
		Timestamp:  jsontime.UnixNow(),
		Error:      errStopped,
		Message:    "Connection stopped",
	}
}

func (e ReconnectingEvent) BridgeState() status.BridgeState {
	return status.BridgeState{
		StateEvent: status.StateTransientDisconnect,
		Timestamp:  jsontime.UnixNow(),
		Error:      errReconnecting,
		Message:    "Reconnecting",
		Info:       map[string]any{"attempt": e.Attempt, "delay_ms": e.Delay.Milliseconds()},
	}
}

func (e ErrorEvent) BridgeState() status.BridgeState {
	st := status.BridgeState{
		StateEvent: status.StateUnknownError,
		Timestamp:  jsontime.UnixNow(),
		Error:      errConnection,
	}
	if e.Err != nil {
		st.Message = e.Err.Error()
	}
	return st
}

// hub fans events out to subscribers in registration order.
type hub struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscriber
	log    zerolog.Logger
}

type subscriber struct {
	id int
	fn func(Event)
}

func (h *hub) subscribe(fn func(Event)) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs = append(h.subs, subscriber{id: id, fn: fn})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			for i, s := range h.subs {
				if s.id == id {
					h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (h *hub) emit(evt Event) {
	h.mu.RLock()
	subs := make([]subscriber, len(h.subs))
	copy(subs, h.subs)
	h.mu.RUnlock()
	for _, s := range subs {
		h.deliver(s, evt)
	}
}

func (h *hub) deliver(s subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Any("panic", r).Type("event", evt).Msg("Event subscriber panicked")
		}
	}()
	s.fn(evt)
}
