// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package session validates, persists and purges the credentials of a
// paired bot session.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aiku/chatlink/pkg/store"
)

// CredentialsKey is the primary credential record.
const CredentialsKey = "creds"

// AuxiliaryPrefixes are the per-key records that belong to a session and
// are removed together with the credentials.
var AuxiliaryPrefixes = []string{
	"pre-key",
	"session",
	"sender-key",
	"app-state-sync-key",
	"sender-key-memory",
	"identity-mapping",
	"device-list",
	"tctoken",
}

// DefaultRequiredKeys are the key-material entries a registered session must hold.
var DefaultRequiredKeys = []string{"noise-key", "signed-identity-key"}

var ErrNoCredentials = errors.New("no stored credentials")

// Contact identifies the logged in account.
type Contact struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	AnonymizedID string `json:"lid,omitempty"`
}

// Credentials is the persisted primary session record.
type Credentials struct {
	Registered bool              `json:"registered"`
	Me         *Contact          `json:"me,omitempty"`
	Platform   string            `json:"platform,omitempty"`
	Keys       map[string][]byte `json:"keys,omitempty"`
}

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	Valid          bool
	RequireNewAuth bool
	Reason         string
}

func invalid(reason string) ValidationResult {
	return ValidationResult{RequireNewAuth: true, Reason: reason}
}

// RemovalResult is the outcome of removing one auxiliary record.
type RemovalResult struct {
	Key string
	Err error
}

// PurgeReport lists what ClearInvalid removed.
type PurgeReport struct {
	Results []RemovalResult
}

// Removed returns the number of records removed successfully.
func (r *PurgeReport) Removed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err == nil {
			n++
		}
	}
	return n
}

// Failed returns the removals that did not succeed.
func (r *PurgeReport) Failed() []RemovalResult {
	var failed []RemovalResult
	for _, res := range r.Results {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}
	return failed
}

// Manager checks and maintains persisted sessions.
type Manager struct {
	requiredKeys []string
	log          zerolog.Logger
}

// NewManager returns a Manager requiring requiredKeys, or
// DefaultRequiredKeys when none are given.
func NewManager(log zerolog.Logger, requiredKeys ...string) *Manager {
	if len(requiredKeys) == 0 {
		requiredKeys = DefaultRequiredKeys
	}
	return &Manager{
		requiredKeys: requiredKeys,
		log:          log.With().Str("component", "session").Logger(),
	}
}

// Validate reports whether st holds a session that can be resumed without
// pairing again.
func (m *Manager) Validate(ctx context.Context, st store.Store) ValidationResult {
	creds, err := m.LoadCredentials(ctx, st)
	if errors.Is(err, ErrNoCredentials) {
		return invalid("no credentials found")
	} else if err != nil {
		m.log.Warn().Err(err).Msg("Failed to read credentials")
		return invalid(fmt.Sprintf("unreadable credentials: %v", err))
	}
	if !creds.Registered {
		return invalid("session not registered")
	}
	if creds.Me == nil || creds.Me.ID == "" {
		return invalid("missing self identity")
	}
	for _, k := range m.requiredKeys {
		if _, ok := creds.Keys[k]; !ok {
			return invalid(fmt.Sprintf("missing key material %q", k))
		}
	}
	return ValidationResult{Valid: true}
}

// ClearInvalid removes the primary credential record and then every
// auxiliary record. Failing to remove the primary record is returned as an
// error; auxiliary failures are reported per key and never stop the sweep.
func (m *Manager) ClearInvalid(ctx context.Context, st store.Store) (*PurgeReport, error) {
	if err := st.Remove(ctx, CredentialsKey); err != nil {
		return nil, fmt.Errorf("remove credentials: %w", err)
	}

	report := &PurgeReport{}
	seen := make(map[string]struct{})
	for _, prefix := range AuxiliaryPrefixes {
		keys, err := st.ListAll(ctx, prefix)
		if err != nil {
			report.Results = append(report.Results, RemovalResult{Key: prefix + "*", Err: err})
			continue
		}
		for _, key := range keys {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			report.Results = append(report.Results, RemovalResult{Key: key, Err: st.Remove(ctx, key)})
		}
	}

	evt := m.log.Info()
	if failed := report.Failed(); len(failed) > 0 {
		evt = m.log.Warn().Int("failed", len(failed))
	}
	evt.Int("removed", report.Removed()).Msg("Cleared invalid session")
	return report, nil
}

// SaveCredentials writes creds as the primary record.
func (m *Manager) SaveCredentials(ctx context.Context, st store.Store, creds *Credentials) error {
	if creds == nil {
		return fmt.Errorf("save credentials: %w", ErrNoCredentials)
	}
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	if err := st.Set(ctx, CredentialsKey, data); err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	return nil
}

// LoadCredentials reads the primary record. It returns ErrNoCredentials
// when there is none.
func (m *Manager) LoadCredentials(ctx context.Context, st store.Store) (*Credentials, error) {
	data, err := st.Get(ctx, CredentialsKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoCredentials
	} else if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return &creds, nil
}
