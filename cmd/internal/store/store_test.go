package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type failingBackend struct {
	err error
}

func (b failingBackend) Get(context.Context, string) (string, bool, error) { return "", false, b.err }
func (b failingBackend) SetAll(context.Context, map[string]string) error   { return b.err }
func (b failingBackend) RemoveAll(context.Context, ...string) error        { return b.err }
func (b failingBackend) Close() error                                      { return nil }

var _ Backend = failingBackend{}

func TestStore_MemoryGetSetRemove(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(NewMemory(), discardLogger())

	if _, ok := s.Get(ctx, "missing"); ok {
		t.Fatalf("expected missing key")
	}
	if err := s.Set(ctx, "authToken", "T1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok := s.Get(ctx, "authToken"); !ok || v != "T1" {
		t.Fatalf("Get=%q,%v want T1,true", v, ok)
	}
	if err := s.Remove(ctx, "authToken"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := s.Get(ctx, "authToken"); ok {
		t.Fatalf("expected key removed")
	}
	if err := s.Remove(ctx, "authToken"); err != nil {
		t.Fatalf("Remove missing: %v", err)
	}
}

func TestStore_SetAllRemoveAll(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(nil, discardLogger())

	if err := s.SetAll(ctx, map[string]string{"a": "1", "b": "2"}); err != nil {
		t.Fatalf("SetAll: %v", err)
	}
	for k, want := range map[string]string{"a": "1", "b": "2"} {
		if v, ok := s.Get(ctx, k); !ok || v != want {
			t.Fatalf("Get(%q)=%q,%v want %q", k, v, ok, want)
		}
	}
	if err := s.RemoveAll(ctx, "a", "b"); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if _, ok := s.Get(ctx, "a"); ok {
		t.Fatalf("expected a removed")
	}
}

func TestStore_UnavailableIsTolerated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(failingBackend{err: ErrUnavailable}, discardLogger())

	if err := s.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("Set on unavailable backend should no-op, got %v", err)
	}
	if err := s.Remove(ctx, "k"); err != nil {
		t.Fatalf("Remove on unavailable backend should no-op, got %v", err)
	}
	if _, ok := s.Get(ctx, "k"); ok {
		t.Fatalf("Get on unavailable backend should report missing")
	}
}

func TestStore_OtherErrorsSurface(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	s := New(failingBackend{err: boom}, discardLogger())

	if err := s.SetAll(context.Background(), map[string]string{"k": "v"}); !errors.Is(err, boom) {
		t.Fatalf("SetAll err=%v want boom", err)
	}
	if err := s.RemoveAll(context.Background(), "k"); !errors.Is(err, boom) {
		t.Fatalf("RemoveAll err=%v want boom", err)
	}
}
