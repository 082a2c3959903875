// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package transport defines the connection to a chat platform as seen by
// the connection manager.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aiku/chatlink/pkg/message"
	"github.com/aiku/chatlink/pkg/session"
	"github.com/aiku/chatlink/pkg/store"
)

// Transport is a live connection to a chat platform.
//
// Handlers registered with On may be invoked from a transport-owned
// goroutine. Close must be safe to call from inside a handler.
type Transport interface {
	// On registers fn for events of kind and returns a func that removes it.
	On(kind EventKind, fn func(Event)) (off func())
	IsOpen() bool
	// Send delivers msg to msg.Chat and returns the platform message id.
	Send(ctx context.Context, msg *message.Message) (string, error)
	// Credentials returns the credentials the transport currently holds.
	Credentials() *session.Credentials
	Logout(ctx context.Context) error
	Close() error
}

// AddressLookup is implemented by transports that can resolve anonymized
// ids on demand.
type AddressLookup interface {
	LookupAddress(ctx context.Context, anonymizedID string) (string, error)
}

// AccountReporter is implemented by transports that can report the logged
// in account outside of an open update.
type AccountReporter interface {
	Account() *Account
}

// Config is what a dial func needs to build a transport.
type Config struct {
	// Credentials are the stored credentials, or nil for a fresh pairing.
	Credentials *session.Credentials
	Store       store.Store
	Log         zerolog.Logger
}

// DialFunc builds a transport and starts connecting it. It must not wait
// for the connection to open; readiness is reported via ConnectionUpdate.
type DialFunc func(ctx context.Context, cfg Config) (Transport, error)

// StatusError is a dial failure carrying a platform close code.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transport status %d: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// StatusCode extracts the platform code from err, if it carries one.
func StatusCode(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return 0, false
}
