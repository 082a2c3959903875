// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package identity resolves anonymized linking ids to routable addresses.
//
// Resolution goes through the local cache, then a single Directory lookup,
// then (only from ResolveWithRetry) a short bounded retry loop. An address
// is never derived from the content of an anonymized id: the two carry no
// reliable relationship.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/aiku/chatlink/pkg/retry"
)

const DefaultResolveRetries = 3

// Drainer receives resolved mappings so buffered sends can be released.
type Drainer interface {
	ProcessPending(anonymizedID, address string) int
}

// Stats is a point-in-time view of the resolver cache.
type Stats struct {
	Hits   int64
	Misses int64
	Size   int
}

// Resolver maps anonymized ids to addresses through a cache and a Directory.
type Resolver struct {
	dir   Directory
	cache *Cache
	fast  retry.Policy

	drainMu sync.RWMutex
	drainer Drainer

	lookups singleflight.Group
	hits    atomic.Int64
	misses  atomic.Int64

	log zerolog.Logger
}

type Option func(*Resolver)

func WithLogger(log zerolog.Logger) Option {
	return func(r *Resolver) { r.log = log.With().Str("component", "identity").Logger() }
}

func WithCache(ttl time.Duration, maxEntries int) Option {
	return func(r *Resolver) { r.cache = NewCache(ttl, maxEntries) }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(r *Resolver) { r.fast = p }
}

func WithDrainer(d Drainer) Option {
	return func(r *Resolver) { r.drainer = d }
}

// NewResolver returns a Resolver backed by dir.
func NewResolver(dir Directory, opts ...Option) *Resolver {
	r := &Resolver{
		dir:   dir,
		cache: NewCache(0, 0),
		fast:  retry.Fast(),
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetDrainer replaces the drainer notified on new mappings.
func (r *Resolver) SetDrainer(d Drainer) {
	r.drainMu.Lock()
	r.drainer = d
	r.drainMu.Unlock()
}

// Address returns the routable address for anonymizedID. A cache miss
// costs exactly one Directory lookup; concurrent misses for the same id
// share it.
func (r *Resolver) Address(ctx context.Context, anonymizedID string) (string, bool) {
	if addr, ok := r.cache.Address(anonymizedID); ok {
		r.hits.Add(1)
		return addr, true
	}
	r.misses.Add(1)

	v, err, _ := r.lookups.Do(anonymizedID, func() (any, error) {
		return r.lookup(ctx, anonymizedID)
	})
	if err != nil {
		if !errors.Is(err, ErrUnknownIdentity) {
			r.log.Warn().Err(err).Str("anonymized_id", anonymizedID).Msg("Identity lookup failed")
		}
		return "", false
	}
	return v.(string), true
}

func (r *Resolver) lookup(ctx context.Context, anonymizedID string) (string, error) {
	addr, err := r.dir.LookupAddress(ctx, anonymizedID)
	if err != nil {
		return "", err
	}
	if addr == "" {
		return "", ErrUnknownIdentity
	}
	r.cache.Put(anonymizedID, addr)
	r.log.Debug().
		Str("anonymized_id", anonymizedID).
		Str("address", addr).
		Msg("Resolved identity from directory")
	r.drain(anonymizedID, addr)
	return addr, nil
}

// ResolveWithRetry calls Address up to maxRetries times, backing off on the
// fast schedule between misses.
func (r *Resolver) ResolveWithRetry(ctx context.Context, anonymizedID string, maxRetries int) (string, bool) {
	if maxRetries < 1 {
		maxRetries = DefaultResolveRetries
	}
	var addr string
	err := r.fast.Do(ctx, maxRetries, func(ctx context.Context) error {
		var ok bool
		if addr, ok = r.Address(ctx, anonymizedID); !ok {
			return ErrUnknownIdentity
		}
		return nil
	}, func(attempt int, _ error) {
		r.log.Debug().
			Str("anonymized_id", anonymizedID).
			Int("attempt", attempt).
			Msg("Identity not resolved yet, retrying")
	})
	if err != nil {
		return "", false
	}
	return addr, true
}

// AnonymizedID maps an address back to its anonymized id, from the cache or
// a reverse-capable Directory.
func (r *Resolver) AnonymizedID(ctx context.Context, address string) (string, bool) {
	if anon, ok := r.cache.AnonymizedID(address); ok {
		r.hits.Add(1)
		return anon, true
	}
	r.misses.Add(1)
	rd, ok := r.dir.(ReverseDirectory)
	if !ok {
		return "", false
	}
	anon, err := rd.LookupAnonymizedID(ctx, address)
	if err != nil || anon == "" {
		return "", false
	}
	r.cache.Put(anon, address)
	return anon, true
}

// CachedAddress returns a cached address without consulting the Directory.
func (r *Resolver) CachedAddress(anonymizedID string) (string, bool) {
	return r.cache.Address(anonymizedID)
}

// HandleMappingUpdate records a platform-pushed mapping and releases any
// sends waiting on it. The mapping is cached and drained even when
// persisting it fails; the persistence error is returned.
func (r *Resolver) HandleMappingUpdate(ctx context.Context, anonymizedID, address string) error {
	if anonymizedID == "" || address == "" {
		return fmt.Errorf("%w: empty mapping", ErrUnknownIdentity)
	}
	storeErr := r.dir.StoreMapping(ctx, anonymizedID, address)
	r.cache.Put(anonymizedID, address)
	released := r.drain(anonymizedID, address)
	r.log.Info().
		Str("anonymized_id", anonymizedID).
		Str("address", address).
		Int("released", released).
		Msg("Identity mapping updated")
	if storeErr != nil {
		return fmt.Errorf("persist mapping: %w", storeErr)
	}
	return nil
}

func (r *Resolver) drain(anonymizedID, address string) int {
	r.drainMu.RLock()
	d := r.drainer
	r.drainMu.RUnlock()
	if d == nil {
		return 0
	}
	return d.ProcessPending(anonymizedID, address)
}

// ClearCache drops every cached mapping.
func (r *Resolver) ClearCache() {
	r.cache.Clear()
}

func (r *Resolver) Stats() Stats {
	return Stats{
		Hits:   r.hits.Load(),
		Misses: r.misses.Load(),
		Size:   r.cache.Len(),
	}
}
