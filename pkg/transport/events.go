// Copyright 2024-2026 Aiku AI

package transport

import (
	"github.com/aiku/chatlink/pkg/message"
	"github.com/aiku/chatlink/pkg/session"
)

type EventKind string

const (
	KindConnectionUpdate  EventKind = "connection.update"
	KindCredentialsUpdate EventKind = "creds.update"
	KindMappingUpdate     EventKind = "mapping.update"
	KindMessage           EventKind = "message"
)

// Event is implemented by every transport event.
type Event interface {
	Kind() EventKind
}

type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
	StateClose      ConnState = "close"
)

// Account is the logged in account as reported by the platform.
type Account struct {
	ID        string
	Address   string
	Name      string
	AvatarURL string
}

// ConnectionUpdate reports connection progress. Only the fields relevant to
// the update are set.
type ConnectionUpdate struct {
	State ConnState
	// QR or PairingCode is set while waiting for the user to pair.
	QR          string
	PairingCode string
	IsNewLogin  bool
	// StatusCode is the platform close code when State is StateClose.
	StatusCode int
	Err        error
	// Account is set when State is StateOpen.
	Account *Account
}

func (ConnectionUpdate) Kind() EventKind { return KindConnectionUpdate }

// CredentialsUpdate carries credentials that must be persisted.
type CredentialsUpdate struct {
	Credentials *session.Credentials
}

func (CredentialsUpdate) Kind() EventKind { return KindCredentialsUpdate }

// MappingUpdate is a platform-pushed anonymized id to address mapping.
type MappingUpdate struct {
	AnonymizedID string
	Address      string
}

func (MappingUpdate) Kind() EventKind { return KindMappingUpdate }

// IncomingMessage is an inbound message, or the conversion error for a
// payload that could not be decoded.
type IncomingMessage struct {
	Message *message.Message
	Err     error
	// RawID and Chat identify the payload when Err is set.
	RawID string
	Chat  string
}

func (IncomingMessage) Kind() EventKind { return KindMessage }
