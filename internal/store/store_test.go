package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func testContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("get missing: ok=%v err=%v", ok, err)
	}

	if err := s.Set(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("get: %q ok=%v err=%v", v, ok, err)
	}

	if err := s.Set(ctx, "k", []byte("v2")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, _, _ = s.Get(ctx, "k")
	if string(v) != "v2" {
		t.Fatalf("expected overwrite, got %q", v)
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatalf("expected key gone")
	}
	// deleting twice is fine
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete again: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	testContract(t, NewMemory())
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedis(mr.Addr(), "")
	defer s.Close()
	testContract(t, s)
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "walksync.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer s.Close()
	testContract(t, s)
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	buf := []byte("original")
	_ = s.Set(ctx, "k", buf)
	buf[0] = 'X'

	v, _, _ := s.Get(ctx, "k")
	if string(v) != "original" {
		t.Fatalf("stored value aliases caller buffer: %q", v)
	}
}
