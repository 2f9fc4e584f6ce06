// Package store provides the content-addressed blob store (CAS) and the
// WAL-backed persistent AppendLog.
package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/ealedger/pkg/crypto"
)

// ErrDigestMismatch is returned by PutWithDigest when the supplied bytes
// do not hash to the expected value.
var ErrDigestMismatch = fmt.Errorf("store: digest mismatch")

// ErrNotFound is returned by Get when no blob exists under hash.
var ErrNotFound = fmt.Errorf("store: blob not found")

// ContentStore is a content-addressed blob map: hash -> bytes. Writes are
// temp-file-then-rename so a reader never observes a partially written
// blob; reference counting is not required (blobs are never removed).
type ContentStore struct {
	root string
}

// NewContentStore creates (if needed) and opens a filesystem-backed CAS
// rooted at dir.
func NewContentStore(dir string) (*ContentStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create cas root: %w", err)
	}
	return &ContentStore{root: dir}, nil
}

func (c *ContentStore) pathFor(h crypto.Hash) string {
	hex := h.String()
	// shard by the first two hex characters to keep directories shallow
	return filepath.Join(c.root, hex[:2], hex)
}

// Put hashes bytes and stores them, returning the content hash. Writing
// the same bytes twice is a no-op the second time.
func (c *ContentStore) Put(data []byte) (crypto.Hash, error) {
	h := crypto.Sum(crypto.DomainBody, data)
	if err := c.writeAtomic(h, data); err != nil {
		return crypto.Hash{}, err
	}
	return h, nil
}

// PutWithDigest stores bytes only if they hash to expected, rejecting
// mismatches before anything touches disk.
func (c *ContentStore) PutWithDigest(expected crypto.Hash, data []byte) error {
	got := crypto.Sum(crypto.DomainBody, data)
	if got != expected {
		return ErrDigestMismatch
	}
	return c.writeAtomic(expected, data)
}

func (c *ContentStore) writeAtomic(h crypto.Hash, data []byte) error {
	path := c.pathFor(h)
	if _, err := os.Stat(path); err == nil {
		return nil // already stored; blobs are immutable and content-addressed
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: create shard dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "blob-*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write temp blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: fsync temp blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp blob: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("store: rename blob into place: %w", err)
	}
	return nil
}

// Get retrieves the blob stored under hash.
func (c *ContentStore) Get(h crypto.Hash) ([]byte, error) {
	f, err := os.Open(c.pathFor(h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: open blob: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("store: read blob: %w", err)
	}
	return data, nil
}

// Has reports whether a blob exists under hash without reading its bytes.
func (c *ContentStore) Has(h crypto.Hash) bool {
	_, err := os.Stat(c.pathFor(h))
	return err == nil
}
