// Copyright 2024-2026 Aiku AI

// Package message defines the platform-neutral message value passed between
// the bot, the pending queue and transports.
package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is an outbound or inbound chat message.
type Message struct {
	// ID is the platform id once sent or received, or a local id before that.
	ID string
	// Chat is the destination for outbound messages and the source chat for
	// inbound ones.
	Chat      string
	Sender    string
	Text      string
	ReplyTo   string
	Timestamp time.Time
	FromMe    bool

	// Failure is set when an inbound payload could not be converted.
	Failure *Failure
}

// New returns an outbound text message with a fresh local id.
func New(chat, text string) *Message {
	return &Message{
		ID:        NewID(),
		Chat:      chat,
		Text:      text,
		Timestamp: time.Now(),
		FromMe:    true,
	}
}

// NewID returns a random local message id.
func NewID() string {
	return uuid.NewString()
}

// Failed reports whether the message carries a conversion failure.
func (m *Message) Failed() bool {
	return m != nil && m.Failure != nil
}

// Clone returns a shallow copy of m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

var ErrConversion = errors.New("message conversion failed")

// Failure describes an inbound payload that could not be turned into a Message.
type Failure struct {
	// RawID is the platform id of the payload, when it could be read.
	RawID string
	Err   error
}

func (f *Failure) Error() string {
	if f.RawID == "" {
		return fmt.Sprintf("%s: %v", ErrConversion, f.Err)
	}
	return fmt.Sprintf("%s (%s): %v", ErrConversion, f.RawID, f.Err)
}

func (f *Failure) Unwrap() []error {
	return []error{ErrConversion, f.Err}
}

// NewFailed wraps a conversion error into a failed message for chat.
func NewFailed(chat, rawID string, err error) *Message {
	return &Message{
		ID:        rawID,
		Chat:      chat,
		Timestamp: time.Now(),
		Failure:   &Failure{RawID: rawID, Err: err},
	}
}
