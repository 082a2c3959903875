// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package pending buffers outbound messages whose destination is an
// anonymized id that has not been resolved yet.
//
// Entries for one id are kept in enqueue order and released together when a
// mapping arrives. Every entry settles exactly once: resolved, rejected on
// expiry, or rejected when the queue is cleared or the entry is cancelled.
package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aiku/chatlink/pkg/message"
)

const (
	DefaultMaxAge          = 60 * time.Second
	DefaultCleanupInterval = 30 * time.Second
)

var (
	ErrExpired = errors.New("pending message expired")
	ErrCleared = errors.New("pending queue cleared")
)

// ExpiredError is the rejection for an entry that outlived MaxAge.
type ExpiredError struct {
	AnonymizedID string
	Age          time.Duration
	MaxAge       time.Duration
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("pending message expired after %dms", e.MaxAge.Milliseconds())
}

func (e *ExpiredError) Is(target error) bool {
	return target == ErrExpired
}

type (
	ResolvedFunc func(msg *message.Message)
	RejectedFunc func(err error)
)

// Entry is a handle to one buffered send.
type Entry struct {
	ID           uuid.UUID
	AnonymizedID string
	Message      *message.Message
	EnqueuedAt   time.Time
	Attempts     int

	onResolved ResolvedFunc
	onRejected RejectedFunc
	settle     sync.Once
}

func (e *Entry) resolve(msg *message.Message) (settled bool) {
	e.settle.Do(func() {
		settled = true
		if e.onResolved != nil {
			e.onResolved(msg)
		}
	})
	return settled
}

func (e *Entry) reject(err error) (settled bool) {
	e.settle.Do(func() {
		settled = true
		if e.onRejected != nil {
			e.onRejected(err)
		}
	})
	return settled
}

// Queue holds pending entries keyed by anonymized id.
type Queue struct {
	mu      sync.Mutex
	entries map[string][]*Entry

	maxAge time.Duration
	now    func() time.Time
	log    zerolog.Logger
}

type Option func(*Queue)

func WithMaxAge(d time.Duration) Option {
	return func(q *Queue) { q.maxAge = d }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(q *Queue) { q.log = log.With().Str("component", "pending").Logger() }
}

// New returns an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		entries: make(map[string][]*Entry),
		maxAge:  DefaultMaxAge,
		now:     time.Now,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Add buffers msg until anonymizedID resolves. Exactly one of onResolved or
// onRejected is eventually called.
func (q *Queue) Add(msg *message.Message, anonymizedID string, onResolved ResolvedFunc, onRejected RejectedFunc) *Entry {
	e := &Entry{
		ID:           uuid.New(),
		AnonymizedID: anonymizedID,
		Message:      msg,
		EnqueuedAt:   q.now(),
		onResolved:   onResolved,
		onRejected:   onRejected,
	}
	q.mu.Lock()
	q.entries[anonymizedID] = append(q.entries[anonymizedID], e)
	depth := len(q.entries[anonymizedID])
	q.mu.Unlock()

	q.log.Debug().
		Str("anonymized_id", anonymizedID).
		Str("entry_id", e.ID.String()).
		Int("depth", depth).
		Msg("Queued message for unresolved identity")
	return e
}

// ProcessPending releases every entry for anonymizedID in enqueue order,
// rewriting each message's destination to address. The entries are
// detached before any callback runs, so callbacks may enqueue again for the
// same id. It returns the number of entries resolved.
func (q *Queue) ProcessPending(anonymizedID, address string) int {
	q.mu.Lock()
	batch := q.entries[anonymizedID]
	delete(q.entries, anonymizedID)
	q.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}

	resolved := 0
	for _, e := range batch {
		e.Attempts++
		if e.Message != nil {
			e.Message.Chat = address
		}
		if q.resolveEntry(e) {
			resolved++
		}
	}
	q.log.Info().
		Str("anonymized_id", anonymizedID).
		Str("address", address).
		Int("resolved", resolved).
		Msg("Released pending messages")
	return resolved
}

// resolveEntry runs onResolved, converting a panic into a rejection of
// that entry alone.
func (q *Queue) resolveEntry(e *Entry) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			q.log.Error().
				Any("panic", r).
				Str("entry_id", e.ID.String()).
				Msg("Pending message callback panicked")
			if e.onRejected != nil {
				func() {
					defer func() { _ = recover() }()
					e.onRejected(fmt.Errorf("delivery callback panicked: %v", r))
				}()
			}
		}
	}()
	return e.resolve(e.Message)
}

// Cleanup rejects and removes entries older than the max age. It returns
// the number of entries expired.
func (q *Queue) Cleanup() int {
	now := q.now()
	var expired []*Entry

	q.mu.Lock()
	for id, list := range q.entries {
		kept := list[:0]
		for _, e := range list {
			if now.Sub(e.EnqueuedAt) > q.maxAge {
				expired = append(expired, e)
			} else {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(q.entries, id)
		} else {
			q.entries[id] = kept
		}
	}
	q.mu.Unlock()

	for _, e := range expired {
		q.rejectEntry(e, &ExpiredError{
			AnonymizedID: e.AnonymizedID,
			Age:          now.Sub(e.EnqueuedAt),
			MaxAge:       q.maxAge,
		})
	}
	if len(expired) > 0 {
		q.log.Warn().Int("expired", len(expired)).Msg("Expired pending messages")
	}
	return len(expired)
}

// Clear rejects and drops every entry.
func (q *Queue) Clear() {
	q.mu.Lock()
	all := q.entries
	q.entries = make(map[string][]*Entry)
	q.mu.Unlock()

	n := 0
	for _, list := range all {
		for _, e := range list {
			q.rejectEntry(e, ErrCleared)
			n++
		}
	}
	if n > 0 {
		q.log.Info().Int("rejected", n).Msg("Cleared pending queue")
	}
}

// Cancel removes e and rejects it with err. It returns false when e was
// already released or settled.
func (q *Queue) Cancel(e *Entry, err error) bool {
	q.mu.Lock()
	list := q.entries[e.AnonymizedID]
	found := false
	for i, cur := range list {
		if cur == e {
			list = append(list[:i:i], list[i+1:]...)
			found = true
			break
		}
	}
	if found {
		if len(list) == 0 {
			delete(q.entries, e.AnonymizedID)
		} else {
			q.entries[e.AnonymizedID] = list
		}
	}
	q.mu.Unlock()

	if !found {
		return false
	}
	return q.rejectEntry(e, err)
}

func (q *Queue) rejectEntry(e *Entry, err error) (settled bool) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().
				Any("panic", r).
				Str("entry_id", e.ID.String()).
				Msg("Pending rejection callback panicked")
		}
	}()
	return e.reject(err)
}

// PendingCount returns the number of entries waiting on anonymizedID.
func (q *Queue) PendingCount(anonymizedID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries[anonymizedID])
}

// TotalPending returns the number of entries across all ids.
func (q *Queue) TotalPending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, list := range q.entries {
		n += len(list)
	}
	return n
}

// Run calls Cleanup every interval until ctx is done.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Cleanup()
		}
	}
}
