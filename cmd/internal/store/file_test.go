package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testSealKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestFile_PersistsAcrossInstances(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "session.json")

	a, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if err := a.SetAll(ctx, map[string]string{"authToken": "T1", "authUser": `{"id":"u1"}`}); err != nil {
		t.Fatalf("SetAll: %v", err)
	}

	b, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile (reopen): %v", err)
	}
	v, ok, err := b.Get(ctx, "authToken")
	if err != nil || !ok || v != "T1" {
		t.Fatalf("Get=%q,%v,%v want T1,true,nil", v, ok, err)
	}

	if err := b.RemoveAll(ctx, "authToken", "authUser"); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if _, ok, _ := a.Get(ctx, "authUser"); ok {
		t.Fatalf("expected authUser removed")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("perm=%o want 600", perm)
	}
}

func TestFile_CorruptDocumentReadsEmpty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	f, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if _, ok, err := f.Get(ctx, "authToken"); ok || err != nil {
		t.Fatalf("corrupt doc: ok=%v err=%v", ok, err)
	}
	if err := f.SetAll(ctx, map[string]string{"authToken": "T2"}); err != nil {
		t.Fatalf("SetAll over corrupt doc: %v", err)
	}
	if v, ok, _ := f.Get(ctx, "authToken"); !ok || v != "T2" {
		t.Fatalf("Get=%q,%v want T2,true", v, ok)
	}
}

func TestFile_RemoveAllRewritesCorruptDocument(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		opts []FileOption
	}{
		{name: "plain"},
		{name: "sealed", opts: []FileOption{WithSealKeyHex(testSealKeyHex)}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "session.json")
			garbage := []byte("{not json")
			if err := os.WriteFile(path, garbage, 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}

			f, err := NewFile(path, tc.opts...)
			if err != nil {
				t.Fatalf("NewFile: %v", err)
			}
			if err := f.RemoveAll(ctx, "authToken", "authUser"); err != nil {
				t.Fatalf("RemoveAll: %v", err)
			}

			raw, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if string(raw) == string(garbage) {
				t.Fatalf("corrupt document left on disk")
			}
			if _, corrupt, err := f.load(); corrupt || err != nil {
				t.Fatalf("after RemoveAll: corrupt=%v err=%v", corrupt, err)
			}
		})
	}
}

func TestFile_Sealed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.bin")

	f, err := NewFile(path, WithSealKeyHex(testSealKeyHex))
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if err := f.SetAll(ctx, map[string]string{"authToken": "secret-token"}); err != nil {
		t.Fatalf("SetAll: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if bytes.Contains(raw, []byte("secret-token")) {
		t.Fatalf("sealed document leaks plaintext")
	}

	if v, ok, _ := f.Get(ctx, "authToken"); !ok || v != "secret-token" {
		t.Fatalf("Get=%q,%v want secret-token,true", v, ok)
	}

	otherKey := strings.Repeat("ff", 32)
	g, err := NewFile(path, WithSealKeyHex(otherKey))
	if err != nil {
		t.Fatalf("NewFile other key: %v", err)
	}
	if _, ok, err := g.Get(ctx, "authToken"); ok || err != nil {
		t.Fatalf("wrong key should read empty: ok=%v err=%v", ok, err)
	}
}

func TestFile_Config(t *testing.T) {
	t.Parallel()

	if _, err := NewFile(""); !errors.Is(err, ErrConfig) {
		t.Fatalf("empty path err=%v want ErrConfig", err)
	}
	dir := t.TempDir()
	if _, err := NewFile(filepath.Join(dir, "x"), WithSealKeyHex("zz")); !errors.Is(err, ErrConfig) {
		t.Fatalf("bad hex err=%v want ErrConfig", err)
	}
	if _, err := NewFile(filepath.Join(dir, "x"), WithSealKeyHex("abcd")); !errors.Is(err, ErrConfig) {
		t.Fatalf("short key err=%v want ErrConfig", err)
	}
}
