// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package disconnect classifies raw platform close codes and names the
// recovery each class calls for.
package disconnect

import "fmt"

// Raw close codes reported by the platform.
const (
	CodeLoggedOut          = 401
	CodeConnectionClosed   = 402
	CodeRequestTimeout     = 408
	CodeLoggedOutAlt       = 421
	CodeConnectionReplaced = 440
	CodeServerError        = 500
	CodeRestartRequired    = 515
)

// Class is the classified form of a close code.
type Class string

const (
	AuthExpired               Class = "auth-expired"
	ConnectionClosedTransient Class = "connection-closed-transient"
	RequestTimeoutTransient   Class = "request-timeout-transient"
	RestartRequired           Class = "restart-required"
	ServerError               Class = "server-error"
	Unknown                   Class = "unknown"
)

// Classify maps a raw close code to its class. A missing code (0) is
// treated as a server error.
func Classify(code int) Class {
	switch code {
	case CodeLoggedOut, CodeLoggedOutAlt:
		return AuthExpired
	case CodeConnectionClosed:
		return ConnectionClosedTransient
	case CodeRequestTimeout:
		return RequestTimeoutTransient
	case CodeRestartRequired:
		return RestartRequired
	case CodeServerError, 0:
		return ServerError
	default:
		return Unknown
	}
}

// SessionAction is what happens to persisted credentials after a close.
type SessionAction int

const (
	SessionKeep SessionAction = iota
	SessionWipe
	SessionPersist
)

// ReconnectAction is how the connection recovers after a close.
type ReconnectAction int

const (
	// ReconnectNone leaves the connection down until the caller acts.
	ReconnectNone ReconnectAction = iota
	// ReconnectSelfManaged leaves recovery to the transport.
	ReconnectSelfManaged
	// ReconnectImmediate rebuilds the transport without backoff.
	ReconnectImmediate
	// ReconnectBackoff goes through the backoff reconnect cycle.
	ReconnectBackoff
)

// Actions returns the session and reconnect actions for a class.
func (c Class) Actions() (SessionAction, ReconnectAction) {
	switch c {
	case AuthExpired:
		return SessionWipe, ReconnectNone
	case ConnectionClosedTransient, RequestTimeoutTransient:
		return SessionKeep, ReconnectSelfManaged
	case RestartRequired:
		return SessionPersist, ReconnectImmediate
	case ServerError:
		return SessionKeep, ReconnectBackoff
	default:
		return SessionKeep, ReconnectNone
	}
}

// Fatal reports whether the class halts automatic recovery until a fresh
// session is established.
func (c Class) Fatal() bool {
	return c == AuthExpired
}

// Message returns a human readable description of a close.
func Message(c Class, code int) string {
	switch c {
	case AuthExpired:
		return "Session logged out, new pairing required"
	case ConnectionClosedTransient:
		return "Connection closed, waiting for transport to recover"
	case RequestTimeoutTransient:
		return "Request timed out, waiting for transport to recover"
	case RestartRequired:
		return "Restart required after authentication"
	case ServerError:
		return "Server error, reconnecting"
	default:
		return fmt.Sprintf("Connection closed with code %d", code)
	}
}
