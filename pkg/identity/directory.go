// Copyright 2024-2026 Aiku AI

package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/aiku/chatlink/pkg/store"
)

var ErrUnknownIdentity = errors.New("unknown identity")

// Directory is an external source of identity mappings.
type Directory interface {
	// LookupAddress returns ErrUnknownIdentity when no mapping is known.
	LookupAddress(ctx context.Context, anonymizedID string) (string, error)
	StoreMapping(ctx context.Context, anonymizedID, address string) error
}

// ReverseDirectory is implemented by directories that can map an address
// back to its anonymized id.
type ReverseDirectory interface {
	LookupAnonymizedID(ctx context.Context, address string) (string, error)
}

// Key prefixes used by StoreDirectory. Both fall under the
// "identity-mapping" session prefix and are purged with the session.
const (
	forwardKeyPrefix = "identity-mapping-lid-"
	reverseKeyPrefix = "identity-mapping-addr-"
)

// StoreDirectory persists mappings in a key-value store.
type StoreDirectory struct {
	Store store.Store
}

var (
	_ Directory        = (*StoreDirectory)(nil)
	_ ReverseDirectory = (*StoreDirectory)(nil)
)

func (d *StoreDirectory) LookupAddress(ctx context.Context, anonymizedID string) (string, error) {
	return d.get(ctx, forwardKeyPrefix+anonymizedID)
}

func (d *StoreDirectory) LookupAnonymizedID(ctx context.Context, address string) (string, error) {
	return d.get(ctx, reverseKeyPrefix+address)
}

func (d *StoreDirectory) get(ctx context.Context, key string) (string, error) {
	v, err := d.Store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrUnknownIdentity
	} else if err != nil {
		return "", fmt.Errorf("read mapping: %w", err)
	}
	return string(v), nil
}

func (d *StoreDirectory) StoreMapping(ctx context.Context, anonymizedID, address string) error {
	if err := d.Store.Set(ctx, forwardKeyPrefix+anonymizedID, []byte(address)); err != nil {
		return fmt.Errorf("store mapping: %w", err)
	}
	if err := d.Store.Set(ctx, reverseKeyPrefix+address, []byte(anonymizedID)); err != nil {
		// Keep the store consistent with the cache: both directions or neither.
		_ = d.Store.Remove(ctx, forwardKeyPrefix+anonymizedID)
		return fmt.Errorf("store reverse mapping: %w", err)
	}
	return nil
}

// ChainDirectory consults each directory in order. A hit from a later
// directory is written back to the earlier ones.
type ChainDirectory []Directory

var _ Directory = ChainDirectory(nil)

func (c ChainDirectory) LookupAddress(ctx context.Context, anonymizedID string) (string, error) {
	var errs []error
	for i, d := range c {
		addr, err := d.LookupAddress(ctx, anonymizedID)
		if err == nil && addr != "" {
			for _, earlier := range c[:i] {
				_ = earlier.StoreMapping(ctx, anonymizedID, addr)
			}
			return addr, nil
		}
		if err != nil && !errors.Is(err, ErrUnknownIdentity) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return "", errors.Join(append([]error{ErrUnknownIdentity}, errs...)...)
	}
	return "", ErrUnknownIdentity
}

func (c ChainDirectory) StoreMapping(ctx context.Context, anonymizedID, address string) error {
	var errs []error
	for _, d := range c {
		if err := d.StoreMapping(ctx, anonymizedID, address); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c ChainDirectory) LookupAnonymizedID(ctx context.Context, address string) (string, error) {
	for _, d := range c {
		rd, ok := d.(ReverseDirectory)
		if !ok {
			continue
		}
		if anon, err := rd.LookupAnonymizedID(ctx, address); err == nil && anon != "" {
			return anon, nil
		}
	}
	return "", ErrUnknownIdentity
}
