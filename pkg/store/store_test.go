// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newStores(t *testing.T) map[string]Store {
	t.Helper()
	db, err := NewSQLite(filepath.Join(t.TempDir(), "sub", "chatlink.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": db,
	}
}

func TestStore_GetSetRemove(t *testing.T) {
	t.Parallel()
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			if _, err := s.Get(ctx, "creds"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get missing: got %v, want ErrNotFound", err)
			}
			if err := s.Set(ctx, "creds", []byte(`{"a":1}`)); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if err := s.Set(ctx, "creds", []byte(`{"a":2}`)); err != nil {
				t.Fatalf("Set overwrite: %v", err)
			}
			got, err := s.Get(ctx, "creds")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got) != `{"a":2}` {
				t.Errorf("Get: got %s, want {\"a\":2}", got)
			}
			if err := s.Remove(ctx, "creds"); err != nil {
				t.Fatalf("Remove: %v", err)
			}
			if err := s.Remove(ctx, "creds"); err != nil {
				t.Fatalf("Remove absent key: %v", err)
			}
			if _, err := s.Get(ctx, "creds"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get after remove: got %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStore_ListAll(t *testing.T) {
	t.Parallel()
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			for _, k := range []string{"session-b", "session-a", "sender-key-1", "sender-key-memory-1", "creds"} {
				if err := s.Set(ctx, k, []byte("x")); err != nil {
					t.Fatalf("Set %q: %v", k, err)
				}
			}
			keys, err := s.ListAll(ctx, "session")
			if err != nil {
				t.Fatalf("ListAll: %v", err)
			}
			if len(keys) != 2 || keys[0] != "session-a" || keys[1] != "session-b" {
				t.Errorf("ListAll(session): got %v", keys)
			}
			keys, err = s.ListAll(ctx, "sender-key")
			if err != nil {
				t.Fatalf("ListAll: %v", err)
			}
			if len(keys) != 2 {
				t.Errorf("ListAll(sender-key): got %v, want 2 keys", keys)
			}
			keys, err = s.ListAll(ctx, "nothing")
			if err != nil {
				t.Fatalf("ListAll: %v", err)
			}
			if len(keys) != 0 {
				t.Errorf("ListAll(nothing): got %v, want none", keys)
			}
		})
	}
}

func TestMemory_CopiesValues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()
	v := []byte("abc")
	_ = m.Set(ctx, "k", v)
	v[0] = 'z'
	got, _ := m.Get(ctx, "k")
	if string(got) != "abc" {
		t.Errorf("Set should copy the value: got %s", got)
	}
	if m.Len() != 1 {
		t.Errorf("Len: got %d, want 1", m.Len())
	}
}
