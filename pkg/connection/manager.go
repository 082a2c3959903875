// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connection owns the platform transport and drives the connection
// lifecycle: connect, disconnect, reconnect with backoff, and the recovery
// action for every classified close.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/aiku/chatlink/pkg/address"
	"github.com/aiku/chatlink/pkg/disconnect"
	"github.com/aiku/chatlink/pkg/retry"
	"github.com/aiku/chatlink/pkg/session"
	"github.com/aiku/chatlink/pkg/state"
	"github.com/aiku/chatlink/pkg/store"
	"github.com/aiku/chatlink/pkg/transport"
)

const (
	DefaultConnectTimeout       = 60 * time.Second
	DefaultMaxReconnectAttempts = 10
)

var (
	ErrMaxReconnectAttempts = errors.New("maximum reconnect attempts reached")
	ErrDisconnected         = errors.New("disconnected while connecting")
	ErrNoConfig             = errors.New("no previous connection config")
	ErrConnectTimeout       = errors.New("timed out waiting for connection")
	ErrSessionWiped         = errors.New("session wiped, new pairing required")
)

// DisconnectError is returned by Connect when the platform closes the
// connection before it opens.
type DisconnectError struct {
	Code  int
	Class disconnect.Class
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("connection closed: %s (code %d)", e.Class, e.Code)
}

type listener struct {
	kind transport.EventKind
	fn   func(transport.Event)
}

// Manager owns the transport handle. No other component may keep a
// reference to it across a reconnect; use Transport to refetch it.
type Manager struct {
	dial     transport.DialFunc
	state    *state.Manager
	sessions *session.Manager
	store    store.Store

	policy         retry.Policy
	connectTimeout time.Duration
	maxAttempts    int
	log            zerolog.Logger

	connects singleflight.Group
	events   hub

	// ctx bounds work started from transport callbacks.
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	cfg          *transport.Config
	current      transport.Transport
	subs         *transport.Subscriptions
	gen          uint64
	waiter       chan error
	attempts     int
	reconnecting bool
	listeners    []listener

	// wipes counts session wipes; a reconnect cycle stops when it changes.
	wipes uint64
}

type Option func(*Manager)

func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) { m.log = log.With().Str("component", "connection").Logger() }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) { m.connectTimeout = d }
}

func WithMaxReconnectAttempts(n int) Option {
	return func(m *Manager) { m.maxAttempts = n }
}

// NewManager returns a Manager that builds transports with dial and keeps
// credentials in st.
func NewManager(dial transport.DialFunc, sm *state.Manager, sessions *session.Manager, st store.Store, opts ...Option) *Manager {
	m := &Manager{
		dial:           dial,
		state:          sm,
		sessions:       sessions,
		store:          st,
		policy:         retry.Default(),
		connectTimeout: DefaultConnectTimeout,
		maxAttempts:    DefaultMaxReconnectAttempts,
		log:            zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.events.log = m.log
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Subscribe registers fn for lifecycle events and returns a func that
// removes it.
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	return m.events.subscribe(fn)
}

func (m *Manager) emit(evt Event) {
	m.events.emit(evt)
}

// AddListener attaches fn to the current transport and to every transport
// built afterwards.
func (m *Manager) AddListener(kind transport.EventKind, fn func(transport.Event)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, listener{kind: kind, fn: fn})
	t, subs := m.current, m.subs
	m.mu.Unlock()
	if t != nil && subs != nil {
		subs.Add(t.On(kind, fn))
	}
}

// Transport returns the current transport, or nil when there is none.
func (m *Manager) Transport() transport.Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Attempts returns the reconnect attempt counter.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Connect opens a transport with cfg and waits until it is open, the
// platform closes it, or the connect timeout passes. While Connected it
// returns immediately. Concurrent calls share a single attempt.
func (m *Manager) Connect(ctx context.Context, cfg transport.Config) (state.ConnectionState, error) {
	if m.state.Status() == state.StatusConnected {
		return m.state.Snapshot(), nil
	}
	ch := m.connects.DoChan("connect", func() (any, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.connectTimeout)
		defer cancel()
		return nil, m.connect(cctx, cfg)
	})
	select {
	case res := <-ch:
		return m.state.Snapshot(), res.Err
	case <-ctx.Done():
		return m.state.Snapshot(), ctx.Err()
	}
}

func (m *Manager) connect(ctx context.Context, cfg transport.Config) error {
	if m.state.Status() == state.StatusConnected {
		return nil
	}
	waiter := make(chan error, 1)
	m.mu.Lock()
	c := cfg
	m.cfg = &c
	m.waiter = waiter
	m.mu.Unlock()
	defer m.clearWaiter(waiter)

	m.state.SetStatus(state.StatusConnecting)
	m.emit(ConnectingEvent{})
	m.log.Info().Msg("Connecting")

	if err := m.buildTransport(ctx, cfg); err != nil {
		m.state.SetStatus(state.StatusDisconnected)
		m.emit(ErrorEvent{Err: err})
		if code, ok := transport.StatusCode(err); ok {
			class := m.recordDisconnect(code)
			if sa, _ := class.Actions(); sa == disconnect.SessionWipe {
				m.emit(CloseEvent{Class: class, Code: code, Message: disconnect.Message(class, code)})
				m.wipeSession(ctx)
			}
		}
		return fmt.Errorf("dial transport: %w", err)
	}

	select {
	case err := <-waiter:
		if err == nil {
			return nil
		}
		m.teardown()
		m.state.SetStatus(state.StatusDisconnected)
		return err
	case <-ctx.Done():
		m.log.Warn().Dur("timeout", m.connectTimeout).Msg("Timed out waiting for connection")
		m.teardown()
		m.state.SetStatus(state.StatusDisconnected)
		m.emit(ErrorEvent{Err: ErrConnectTimeout})
		return fmt.Errorf("%w: %w", ErrConnectTimeout, ctx.Err())
	}
}

func (m *Manager) clearWaiter(w chan error) {
	m.mu.Lock()
	if m.waiter == w {
		m.waiter = nil
	}
	m.mu.Unlock()
}

func (m *Manager) signalWaiter(err error) bool {
	m.mu.Lock()
	w := m.waiter
	m.mu.Unlock()
	if w == nil {
		return false
	}
	select {
	case w <- err:
	default:
	}
	return true
}

func (m *Manager) connecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiter != nil
}

// buildTransport dials a new transport and attaches the manager's own
// handlers plus every registered listener, collecting each handle.
func (m *Manager) buildTransport(ctx context.Context, cfg transport.Config) error {
	cfg.Store = m.store
	cfg.Log = m.log.With().Str("component", "transport").Logger()
	t, err := m.dial(ctx, cfg)
	if err != nil {
		return err
	}

	subs := &transport.Subscriptions{}
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.current = t
	m.subs = subs
	listeners := append([]listener(nil), m.listeners...)
	m.mu.Unlock()

	subs.Add(t.On(transport.KindConnectionUpdate, func(evt transport.Event) {
		if upd, ok := evt.(transport.ConnectionUpdate); ok {
			m.onConnectionUpdate(gen, upd)
		}
	}))
	subs.Add(t.On(transport.KindCredentialsUpdate, func(evt transport.Event) {
		if upd, ok := evt.(transport.CredentialsUpdate); ok {
			m.onCredentialsUpdate(gen, upd)
		}
	}))
	for _, l := range listeners {
		subs.Add(t.On(l.kind, l.fn))
	}

	// The transport may have opened before the handlers were attached.
	if t.IsOpen() {
		upd := transport.ConnectionUpdate{State: transport.StateOpen}
		if ar, ok := t.(transport.AccountReporter); ok {
			upd.Account = ar.Account()
		}
		if creds := t.Credentials(); creds != nil && cfg.Credentials == nil {
			upd.IsNewLogin = true
			m.onCredentialsUpdate(gen, transport.CredentialsUpdate{Credentials: creds})
		}
		m.onConnectionUpdate(gen, upd)
	}
	return nil
}

// teardown detaches every handler from the current transport and only then
// closes it.
func (m *Manager) teardown() {
	m.mu.Lock()
	t, subs := m.current, m.subs
	m.current, m.subs = nil, nil
	m.gen++
	m.mu.Unlock()

	if subs != nil {
		subs.Release()
	}
	if t != nil {
		if err := t.Close(); err != nil {
			m.log.Warn().Err(err).Msg("Failed to close transport")
		}
	}
}

func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

func (m *Manager) onConnectionUpdate(gen uint64, upd transport.ConnectionUpdate) {
	if !m.isCurrent(gen) {
		m.log.Debug().Str("state", string(upd.State)).Msg("Ignoring update from replaced transport")
		return
	}
	switch upd.State {
	case transport.StateConnecting:
		if upd.QR != "" || upd.PairingCode != "" {
			m.state.SetStatus(state.StatusAuthenticating)
			m.emit(PairingEvent{QR: upd.QR, Code: upd.PairingCode})
		}
	case transport.StateOpen:
		m.handleOpen(upd)
	case transport.StateClose:
		code := upd.StatusCode
		if code == 0 && upd.Err != nil {
			if c, ok := transport.StatusCode(upd.Err); ok {
				code = c
			}
		}
		m.handleDisconnect(m.ctx, code, m.connecting())
	}
}

func (m *Manager) handleOpen(upd transport.ConnectionUpdate) {
	if acc := upd.Account; acc != nil {
		m.state.SetIdentity(state.Identity{
			BotID:       address.StripDevice(acc.ID),
			Address:     address.StripDevice(acc.Address),
			DisplayName: acc.Name,
			AvatarURL:   acc.AvatarURL,
		})
	}
	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()
	m.state.SetStatus(state.StatusConnected)
	m.signalWaiter(nil)
	m.log.Info().Bool("new_login", upd.IsNewLogin).Msg("Connection open")
	m.emit(OpenEvent{IsNewLogin: upd.IsNewLogin})
}

func (m *Manager) onCredentialsUpdate(gen uint64, upd transport.CredentialsUpdate) {
	if !m.isCurrent(gen) || upd.Credentials == nil {
		return
	}
	creds := upd.Credentials
	if err := m.sessions.SaveCredentials(m.ctx, m.store, creds); err != nil {
		m.log.Error().Err(err).Msg("Failed to persist credentials")
		m.emit(ErrorEvent{Err: err})
	}
	m.mu.Lock()
	if m.cfg != nil {
		m.cfg.Credentials = creds
	}
	m.mu.Unlock()
	if creds.Me != nil && creds.Me.ID != "" {
		id := m.state.Identity()
		id.BotID = address.StripDevice(creds.Me.ID)
		// The account reported on open names the bot; credentials only
		// fill the gap.
		if id.DisplayName == "" && creds.Me.Name != "" {
			id.DisplayName = creds.Me.Name
		}
		m.state.SetIdentity(id)
	}
}

// HandleDisconnect classifies code and performs its session and reconnect
// actions. A backoff reconnect runs to completion before it returns.
func (m *Manager) HandleDisconnect(ctx context.Context, code int) {
	m.handleDisconnect(ctx, code, false)
}

// handleDisconnect applies the action table. While a Connect call is
// waiting, the failure is handed to it instead of starting a reconnect.
func (m *Manager) handleDisconnect(ctx context.Context, code int, connecting bool) {
	class := disconnect.Classify(code)
	m.mu.Lock()
	inCycle := m.reconnecting
	m.mu.Unlock()
	// The running cycle owns the status until it ends; only a fatal close
	// may interrupt it.
	if inCycle && !connecting && !class.Fatal() {
		m.log.Debug().Int("code", code).Str("class", string(class)).Msg("Ignoring close during reconnect cycle")
		return
	}

	m.recordDisconnect(code)
	msg := disconnect.Message(class, code)

	sessionAction, reconnectAction := class.Actions()
	if reconnectAction == disconnect.ReconnectImmediate {
		if err := m.restart(ctx); err != nil {
			m.log.Error().Err(err).Msg("Restart after authentication failed")
			m.state.SetStatus(state.StatusDisconnected)
			m.emit(ErrorEvent{Err: err})
			m.signalWaiter(err)
		}
		return
	}

	if !connecting {
		m.state.SetStatus(state.StatusDisconnected)
	}
	m.emit(CloseEvent{Class: class, Code: code, Message: msg})

	if sessionAction == disconnect.SessionWipe {
		m.wipeSession(ctx)
	}

	if connecting {
		m.signalWaiter(&DisconnectError{Code: code, Class: class})
		return
	}
	if reconnectAction == disconnect.ReconnectBackoff {
		if err := m.Reconnect(ctx, false); err != nil {
			m.log.Error().Err(err).Msg("Reconnect failed")
			m.emit(ErrorEvent{Err: err})
		}
	}
}

func (m *Manager) recordDisconnect(code int) disconnect.Class {
	class := disconnect.Classify(code)
	m.state.SetLastDisconnect(&state.DisconnectReason{
		Code:    code,
		Class:   class,
		Message: disconnect.Message(class, code),
		At:      time.Now(),
	})
	m.log.Warn().Int("code", code).Str("class", string(class)).Msg("Connection closed")
	return class
}

// wipeSession drops the transport, purges the stored session and halts any
// reconnect cycle in flight. The credentials it would reuse are forgotten.
func (m *Manager) wipeSession(ctx context.Context) {
	m.mu.Lock()
	m.wipes++
	if m.cfg != nil {
		m.cfg.Credentials = nil
	}
	m.mu.Unlock()
	m.teardown()
	m.clearSession(ctx)
	m.emit(StopEvent{IsLogout: true})
}

func (m *Manager) wipedSince(wipes uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wipes != wipes
}

func (m *Manager) clearSession(ctx context.Context) {
	if _, err := m.sessions.ClearInvalid(ctx, m.store); err != nil {
		m.log.Error().Err(err).Msg("Failed to clear invalid session")
		m.emit(ErrorEvent{Err: err})
	}
}

// restart persists the credentials of the current transport and replaces
// it with a freshly dialed one, skipping backoff.
func (m *Manager) restart(ctx context.Context) error {
	m.mu.Lock()
	t := m.current
	cfg := m.cfg
	m.mu.Unlock()
	if cfg == nil {
		return ErrNoConfig
	}

	next := *cfg
	if t != nil {
		if creds := t.Credentials(); creds != nil {
			if err := m.sessions.SaveCredentials(ctx, m.store, creds); err != nil {
				return fmt.Errorf("persist credentials before restart: %w", err)
			}
			next.Credentials = creds
		}
	}
	m.mu.Lock()
	m.cfg = &next
	m.mu.Unlock()

	m.log.Info().Msg("Restarting transport after authentication")
	m.teardown()
	if st := m.state.Status(); st != state.StatusConnecting && st != state.StatusAuthenticating {
		m.state.SetStatus(state.StatusConnecting)
	}
	if err := m.buildTransport(ctx, next); err != nil {
		return fmt.Errorf("rebuild transport: %w", err)
	}
	return nil
}

// Disconnect tears down the transport and ends in Disconnected.
func (m *Manager) Disconnect(_ context.Context, reason string) {
	m.teardown()
	m.signalWaiter(ErrDisconnected)
	m.state.SetStatus(state.StatusDisconnected)
	m.log.Info().Str("reason", reason).Msg("Disconnected")
}

// Reconnect runs one reconnect cycle: wait the backoff delay, disconnect,
// connect with the last config, and repeat until connected or out of
// attempts. It is a no-op while connecting or while a cycle is running.
// force allows one attempt past the attempt ceiling.
func (m *Manager) Reconnect(ctx context.Context, force bool) error {
	m.mu.Lock()
	st := m.state.Status()
	if m.reconnecting || st == state.StatusConnecting || st == state.StatusAuthenticating || st == state.StatusReconnecting {
		m.mu.Unlock()
		m.log.Debug().Stringer("status", st).Msg("Reconnect already in progress")
		return nil
	}
	if m.cfg == nil {
		m.mu.Unlock()
		return ErrNoConfig
	}
	m.reconnecting = true
	wipes := m.wipes
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	for first := true; ; first = false {
		m.mu.Lock()
		if m.attempts >= m.maxAttempts && !(force && first) {
			attempts := m.attempts
			m.mu.Unlock()
			m.log.Warn().Int("attempts", attempts).Msg("Giving up on reconnecting")
			m.state.SetStatus(state.StatusDisconnected)
			return ErrMaxReconnectAttempts
		}
		m.attempts++
		attempt := m.attempts
		cfg := *m.cfg
		m.mu.Unlock()

		delay := m.policy.Delay(attempt)
		m.state.SetStatus(state.StatusReconnecting)
		m.emit(ReconnectingEvent{Attempt: attempt, Delay: delay})
		m.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting")

		if err := retry.Sleep(ctx, delay); err != nil {
			m.state.SetStatus(state.StatusDisconnected)
			return err
		}
		if m.wipedSince(wipes) {
			m.log.Warn().Msg("Session wiped during reconnect, giving up")
			m.state.SetStatus(state.StatusDisconnected)
			return ErrSessionWiped
		}
		m.Disconnect(ctx, "reconnect")
		_, err := m.Connect(ctx, cfg)
		if m.wipedSince(wipes) {
			m.log.Warn().Msg("Session wiped during reconnect, giving up")
			m.Disconnect(ctx, "session wiped")
			return ErrSessionWiped
		}
		if err == nil {
			if m.state.Status() == state.StatusConnected {
				return nil
			}
			// Lost again before the cycle ended; closes were ignored meanwhile.
			continue
		}
		m.log.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect attempt failed")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var de *DisconnectError
		if errors.As(err, &de) && de.Class.Fatal() {
			return err
		}
	}
}

// Stop disconnects and reports a non-logout stop.
func (m *Manager) Stop(ctx context.Context) {
	m.Disconnect(ctx, "stop")
	m.emit(StopEvent{IsLogout: false})
}

// Logout logs out on the platform, purges the stored session and stops.
func (m *Manager) Logout(ctx context.Context) error {
	var errs []error
	if t := m.Transport(); t != nil {
		if err := t.Logout(ctx); err != nil {
			errs = append(errs, fmt.Errorf("transport logout: %w", err))
		}
	}
	m.Disconnect(ctx, "logout")
	if _, err := m.sessions.ClearInvalid(ctx, m.store); err != nil {
		errs = append(errs, err)
	}
	m.mu.Lock()
	m.cfg = nil
	m.attempts = 0
	m.mu.Unlock()
	m.emit(StopEvent{IsLogout: true})
	return errors.Join(errs...)
}

// Close stops background work started from transport callbacks and tears
// down the transport.
func (m *Manager) Close() {
	m.cancel()
	m.Disconnect(context.Background(), "close")
}
