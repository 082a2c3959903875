// Copyright 2024-2026 Aiku AI

package session

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/chatlink/pkg/store"
)

// faultyStore fails Remove for the listed keys.
type faultyStore struct {
	*store.Memory
	failRemove map[string]bool
	removed    []string
}

func (f *faultyStore) Remove(ctx context.Context, key string) error {
	if f.failRemove[key] {
		return errors.New("disk on fire")
	}
	f.removed = append(f.removed, key)
	return f.Memory.Remove(ctx, key)
}

func fullCredentials() *Credentials {
	return &Credentials{
		Registered: true,
		Me:         &Contact{ID: "5511999999999:3@s.whatsapp.net", Name: "Bot"},
		Keys: map[string][]byte{
			"noise-key":           []byte("n"),
			"signed-identity-key": []byte("s"),
		},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(c *Credentials)
		valid  bool
	}{
		{name: "fully populated", mutate: func(*Credentials) {}, valid: true},
		{name: "not registered", mutate: func(c *Credentials) { c.Registered = false }},
		{name: "no me", mutate: func(c *Credentials) { c.Me = nil }},
		{name: "empty me id", mutate: func(c *Credentials) { c.Me.ID = "" }},
		{name: "missing noise key", mutate: func(c *Credentials) { delete(c.Keys, "noise-key") }},
		{name: "missing signed identity key", mutate: func(c *Credentials) { delete(c.Keys, "signed-identity-key") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			m := NewManager(zerolog.Nop())
			st := store.NewMemory()
			creds := fullCredentials()
			tt.mutate(creds)
			if err := m.SaveCredentials(ctx, st, creds); err != nil {
				t.Fatalf("SaveCredentials: %v", err)
			}
			res := m.Validate(ctx, st)
			if res.Valid != tt.valid {
				t.Errorf("Valid: got %v, want %v (reason %q)", res.Valid, tt.valid, res.Reason)
			}
			if res.RequireNewAuth == tt.valid {
				t.Errorf("RequireNewAuth: got %v, want %v", res.RequireNewAuth, !tt.valid)
			}
		})
	}
}

func TestValidate_NoCredentials(t *testing.T) {
	t.Parallel()
	m := NewManager(zerolog.Nop())
	res := m.Validate(context.Background(), store.NewMemory())
	if res.Valid || !res.RequireNewAuth {
		t.Errorf("empty store: got %+v, want invalid", res)
	}
	if res.Reason != "no credentials found" {
		t.Errorf("Reason: got %q", res.Reason)
	}
}

func TestValidate_CorruptCredentials(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	_ = st.Set(ctx, CredentialsKey, []byte("{not json"))
	res := NewManager(zerolog.Nop()).Validate(ctx, st)
	if res.Valid || !res.RequireNewAuth {
		t.Errorf("corrupt record: got %+v, want invalid", res)
	}
}

func TestValidate_CustomRequiredKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	m := NewManager(zerolog.Nop(), "access-token")
	creds := &Credentials{Registered: true, Me: &Contact{ID: "u1"}, Keys: map[string][]byte{"access-token": []byte("tok")}}
	_ = m.SaveCredentials(ctx, st, creds)
	if res := m.Validate(ctx, st); !res.Valid {
		t.Errorf("custom keys: got %+v, want valid", res)
	}
}

func TestClearInvalid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := &faultyStore{Memory: store.NewMemory()}
	keys := []string{
		CredentialsKey,
		"pre-key-1", "pre-key-2",
		"session-abc",
		"sender-key-grp",
		"sender-key-memory-grp",
		"app-state-sync-key-x",
		"identity-mapping-123",
		"device-list-u1",
		"tctoken-u1",
		"unrelated",
	}
	for _, k := range keys {
		_ = st.Set(ctx, k, []byte("x"))
	}

	report, err := NewManager(zerolog.Nop()).ClearInvalid(ctx, st)
	if err != nil {
		t.Fatalf("ClearInvalid: %v", err)
	}
	if st.removed[0] != CredentialsKey {
		t.Errorf("first removal: got %q, want creds", st.removed[0])
	}
	if got := report.Removed(); got != 9 {
		t.Errorf("Removed: got %d, want 9", got)
	}
	if len(report.Failed()) != 0 {
		t.Errorf("Failed: got %v", report.Failed())
	}
	left, _ := st.ListAll(ctx, "")
	if len(left) != 1 || left[0] != "unrelated" {
		t.Errorf("remaining keys: got %v, want [unrelated]", left)
	}
}

func TestClearInvalid_AuxiliaryFailureIsBestEffort(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := &faultyStore{Memory: store.NewMemory(), failRemove: map[string]bool{"session-a": true}}
	for _, k := range []string{CredentialsKey, "session-a", "session-b", "pre-key-1"} {
		_ = st.Set(ctx, k, []byte("x"))
	}

	report, err := NewManager(zerolog.Nop()).ClearInvalid(ctx, st)
	if err != nil {
		t.Fatalf("ClearInvalid: %v", err)
	}
	failed := report.Failed()
	if len(failed) != 1 || failed[0].Key != "session-a" {
		t.Errorf("Failed: got %v, want [session-a]", failed)
	}
	if _, err := st.Get(ctx, "session-b"); !errors.Is(err, store.ErrNotFound) {
		t.Error("session-b should be removed despite session-a failing")
	}
}

func TestClearInvalid_PrimaryFailurePropagates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := &faultyStore{Memory: store.NewMemory(), failRemove: map[string]bool{CredentialsKey: true}}
	_ = st.Set(ctx, CredentialsKey, []byte("x"))
	_ = st.Set(ctx, "session-a", []byte("x"))

	if _, err := NewManager(zerolog.Nop()).ClearInvalid(ctx, st); err == nil {
		t.Fatal("ClearInvalid should fail when the primary record cannot be removed")
	}
	if _, err := st.Get(ctx, "session-a"); err != nil {
		t.Error("auxiliary records should be untouched when the primary removal fails")
	}
}

func TestSaveLoadCredentials(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewManager(zerolog.Nop())
	st := store.NewMemory()
	if _, err := m.LoadCredentials(ctx, st); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("LoadCredentials empty: got %v", err)
	}
	if err := m.SaveCredentials(ctx, st, fullCredentials()); err != nil {
		t.Fatalf("SaveCredentials: %v", err)
	}
	got, err := m.LoadCredentials(ctx, st)
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if got.Me.Name != "Bot" || string(got.Keys["noise-key"]) != "n" {
		t.Errorf("round trip: got %+v", got)
	}
	if err := m.SaveCredentials(ctx, st, nil); err == nil {
		t.Error("SaveCredentials(nil) should fail")
	}
}
