package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// File is a Backend persisting all keys as one JSON document.
//
// Writes go to a temp file in the same directory followed by rename, so a crash
// leaves either the old or the new document. When a key is configured the
// document is sealed with XChaCha20-Poly1305 (nonce || ciphertext).
// A corrupt or undecryptable document reads as empty and is replaced on the
// next write or removal.
type File struct {
	path string
	key  []byte

	mu sync.Mutex
}

// FileOption configures a File backend.
type FileOption func(*File) error

// WithSealKeyHex enables at-rest sealing with a 32-byte hex key.
func WithSealKeyHex(keyHex string) FileOption {
	return func(f *File) error {
		keyHex = strings.TrimSpace(keyHex)
		if keyHex == "" {
			return nil
		}
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return fmt.Errorf("%w: seal key is not hex", ErrConfig)
		}
		if len(key) != chacha20poly1305.KeySize {
			return fmt.Errorf("%w: seal key must be %d bytes", ErrConfig, chacha20poly1305.KeySize)
		}
		f.key = key
		return nil
	}
}

// NewFile constructs a file backend. The parent directory is created if missing.
func NewFile(path string, opts ...FileOption) (*File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: empty file path", ErrConfig)
	}
	f := &File{path: path}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return f, nil
}

// Get implements Backend.
func (f *File) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, _, err := f.load()
	if err != nil {
		return "", false, err
	}
	v, ok := doc[key]
	return v, ok, nil
}

// SetAll implements Backend.
func (f *File) SetAll(ctx context.Context, kv map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, _, err := f.load()
	if err != nil {
		return err
	}
	for k, v := range kv {
		doc[k] = v
	}
	return f.save(doc)
}

// RemoveAll implements Backend.
func (f *File) RemoveAll(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, corrupt, err := f.load()
	if err != nil {
		return err
	}
	changed := corrupt
	for _, k := range keys {
		if _, ok := doc[k]; ok {
			delete(doc, k)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return f.save(doc)
}

// Close is a no-op; every operation opens the file itself.
func (f *File) Close() error { return nil }

// load reads the document. corrupt reports a document that could not be
// opened or parsed; it reads as empty.
func (f *File) load() (doc map[string]string, corrupt bool, err error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return make(map[string]string), false, nil
		}
		return nil, false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if f.key != nil {
		raw, err = f.open(raw)
		if err != nil {
			return make(map[string]string), true, nil
		}
	}

	doc = make(map[string]string)
	if len(raw) == 0 {
		return doc, false, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return make(map[string]string), true, nil
	}
	return doc, false, nil
}

func (f *File) save(doc map[string]string) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if f.key != nil {
		raw, err = f.seal(raw)
		if err != nil {
			return err
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".bidwatch-store-*")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

func (f *File) seal(plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(f.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

func (f *File) open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(f.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("sealed document too short")
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, nil)
}
