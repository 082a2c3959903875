// Copyright 2024-2026 Aiku AI

// Package transporttest provides a scriptable in-memory transport.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aiku/chatlink/pkg/identity"
	"github.com/aiku/chatlink/pkg/message"
	"github.com/aiku/chatlink/pkg/session"
	"github.com/aiku/chatlink/pkg/transport"
)

// Fake is a Transport driven by the test.
type Fake struct {
	transport.Handlers

	mu              sync.Mutex
	open            bool
	closed          bool
	handlersAtClose int
	creds           *session.Credentials
	sent            []*message.Message
	sendErr         error
	addresses       map[string]string
	logouts         int
	nextID          int
	cfg             transport.Config
}

var (
	_ transport.Transport     = (*Fake)(nil)
	_ transport.AddressLookup = (*Fake)(nil)
)

// NewFake returns a closed, unopened Fake.
func NewFake() *Fake {
	return &Fake{addresses: make(map[string]string)}
}

// Open marks the transport open and emits an open update.
func (f *Fake) Open(acc *transport.Account, isNewLogin bool) {
	f.mu.Lock()
	f.open = true
	f.mu.Unlock()
	f.Emit(transport.ConnectionUpdate{State: transport.StateOpen, Account: acc, IsNewLogin: isNewLogin})
}

// CloseWith marks the transport closed by the platform with code.
func (f *Fake) CloseWith(code int) {
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
	f.Emit(transport.ConnectionUpdate{State: transport.StateClose, StatusCode: code})
}

// Pair emits a pairing challenge.
func (f *Fake) Pair(qr string) {
	f.Emit(transport.ConnectionUpdate{State: transport.StateConnecting, QR: qr})
}

// SetOpen marks the transport open without emitting anything.
func (f *Fake) SetOpen(open bool) {
	f.mu.Lock()
	f.open = open
	f.mu.Unlock()
}

func (f *Fake) SetCredentials(c *session.Credentials) {
	f.mu.Lock()
	f.creds = c
	f.mu.Unlock()
}

func (f *Fake) SetSendError(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

// SetAddress makes LookupAddress resolve anonymizedID.
func (f *Fake) SetAddress(anonymizedID, address string) {
	f.mu.Lock()
	f.addresses[anonymizedID] = address
	f.mu.Unlock()
}

func (f *Fake) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open && !f.closed
}

func (f *Fake) Send(_ context.Context, msg *message.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", errors.New("transport closed")
	}
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.nextID++
	f.sent = append(f.sent, msg.Clone())
	return fmt.Sprintf("sent-%d", f.nextID), nil
}

// Sent returns copies of every message sent so far.
func (f *Fake) Sent() []*message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*message.Message(nil), f.sent...)
}

func (f *Fake) LookupAddress(_ context.Context, anonymizedID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if addr, ok := f.addresses[anonymizedID]; ok {
		return addr, nil
	}
	return "", identity.ErrUnknownIdentity
}

func (f *Fake) Credentials() *session.Credentials {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creds
}

func (f *Fake) Logout(context.Context) error {
	f.mu.Lock()
	f.logouts++
	f.mu.Unlock()
	return nil
}

func (f *Fake) Logouts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logouts
}

// Close records how many handlers were still attached at the time of the call.
func (f *Fake) Close() error {
	n := f.Count()
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.handlersAtClose = n
	}
	f.closed = true
	f.open = false
	return nil
}

func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// HandlersAtClose returns the handler count observed by the first Close.
func (f *Fake) HandlersAtClose() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlersAtClose
}

// Config returns the config the Fake was dialed with.
func (f *Fake) Config() transport.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

// Dialer builds Fakes and records every dial.
type Dialer struct {
	// OnDial runs for each new Fake before it is returned.
	OnDial func(f *Fake)
	// Err, when set, fails every dial.
	Err error

	mu     sync.Mutex
	fakes  []*Fake
	dialed chan *Fake
}

func NewDialer() *Dialer {
	return &Dialer{dialed: make(chan *Fake, 64)}
}

// Dial implements transport.DialFunc.
func (d *Dialer) Dial(_ context.Context, cfg transport.Config) (transport.Transport, error) {
	d.mu.Lock()
	err := d.Err
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	f := NewFake()
	f.cfg = cfg
	if d.OnDial != nil {
		d.OnDial(f)
	}
	d.mu.Lock()
	d.fakes = append(d.fakes, f)
	d.mu.Unlock()
	select {
	case d.dialed <- f:
	default:
	}
	return f, nil
}

func (d *Dialer) SetErr(err error) {
	d.mu.Lock()
	d.Err = err
	d.mu.Unlock()
}

// Dials returns the number of transports built.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fakes)
}

// Last returns the most recently built Fake, or nil.
func (d *Dialer) Last() *Fake {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.fakes) == 0 {
		return nil
	}
	return d.fakes[len(d.fakes)-1]
}

// Next waits for the next dial.
func (d *Dialer) Next(ctx context.Context) (*Fake, error) {
	select {
	case f := <-d.dialed:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
