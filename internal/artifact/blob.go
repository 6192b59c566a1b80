package artifact

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skyvernhq/skyvern-go/internal/errors"
)

// BlobStore moves artifact bytes in and out of durable storage.
type BlobStore interface {
	// Put stores bytes and returns a stable URI.
	Put(ctx context.Context, data []byte, contentType string) (uri string, err error)

	// Get fetches the bytes at uri.
	Get(ctx context.Context, uri string) ([]byte, error)

	// Sign returns a time-limited URL for uri.
	Sign(ctx context.Context, uri string, ttl time.Duration) (string, error)

	// Delete removes the blob at uri.
	Delete(ctx context.Context, uri string) error
}

// FSBlobStore stores blobs under a root directory. URIs have the form
// file://<key>; content type is recorded in a sidecar-free key suffix.
type FSBlobStore struct {
	root    string
	signKey []byte
}

// NewFSBlobStore creates a filesystem blob store rooted at dir.
func NewFSBlobStore(dir string, signKey []byte) (*FSBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.ErrBlobStore(err)
	}
	return &FSBlobStore{root: dir, signKey: signKey}, nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "text/html":
		return ".html"
	case "application/json":
		return ".json"
	case "text/plain":
		return ".txt"
	default:
		return ".bin"
	}
}

// Put writes the blob to disk.
func (s *FSBlobStore) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	key := strings.ReplaceAll(uuid.NewString(), "-", "") + extensionFor(contentType)
	path := filepath.Join(s.root, key[:2], key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.ErrBlobStore(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.ErrBlobStore(err)
	}
	return "file://" + key[:2] + "/" + key, nil
}

func (s *FSBlobStore) path(uri string) (string, error) {
	key, ok := strings.CutPrefix(uri, "file://")
	if !ok || strings.Contains(key, "..") {
		return "", errors.ErrBlobStore(fmt.Errorf("malformed uri %q", uri))
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Get reads the blob from disk.
func (s *FSBlobStore) Get(ctx context.Context, uri string) ([]byte, error) {
	path, err := s.path(uri)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ErrBlobStore(err)
	}
	return data, nil
}

// Sign returns a HMAC-authenticated URL valid until the ttl expires.
func (s *FSBlobStore) Sign(ctx context.Context, uri string, ttl time.Duration) (string, error) {
	expires := time.Now().Add(ttl).Unix()
	mac := hmac.New(sha256.New, s.signKey)
	fmt.Fprintf(mac, "%s:%d", uri, expires)
	return fmt.Sprintf("%s?expires=%d&sig=%s", uri, expires, hex.EncodeToString(mac.Sum(nil))), nil
}

// Delete removes the blob from disk.
func (s *FSBlobStore) Delete(ctx context.Context, uri string) error {
	path, err := s.path(uri)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.ErrBlobStore(err)
	}
	return nil
}

// MemoryBlobStore is an in-memory BlobStore for tests.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	types map[string]string
}

// NewMemoryBlobStore creates an empty in-memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{
		blobs: make(map[string][]byte),
		types: make(map[string]string),
	}
}

// Put stores the blob in memory.
func (s *MemoryBlobStore) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uri := "mem://" + strings.ReplaceAll(uuid.NewString(), "-", "")
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[uri] = cp
	s.types[uri] = contentType
	return uri, nil
}

// Get fetches a stored blob.
func (s *MemoryBlobStore) Get(ctx context.Context, uri string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[uri]
	if !ok {
		return nil, errors.ErrBlobStore(fmt.Errorf("blob %q not found", uri))
	}
	return data, nil
}

// Sign returns the uri with a fake expiry marker.
func (s *MemoryBlobStore) Sign(ctx context.Context, uri string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("%s?expires=%d", uri, time.Now().Add(ttl).Unix()), nil
}

// Delete removes a stored blob.
func (s *MemoryBlobStore) Delete(ctx context.Context, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, uri)
	delete(s.types, uri)
	return nil
}

// Len returns the number of stored blobs.
func (s *MemoryBlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

var (
	_ BlobStore = (*FSBlobStore)(nil)
	_ BlobStore = (*MemoryBlobStore)(nil)
)
