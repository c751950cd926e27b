// Package modcache is an on-disk cache of module file metadata, keyed by the
// SHA-256 digest of the file's bytes. The stat tooling uses it to skip
// re-loading module files that have not changed.
package modcache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Schema version, incremented when the Payload format changes.
const cacheSchemaVersion uint16 = 1

// Digest identifies a module file's contents.
type Digest [sha256.Size]byte

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// IsZero reports whether the digest is unset.
func (d Digest) IsZero() bool {
	var z Digest
	return d == z
}

// Payload stores the metadata recorded for one module file.
type Payload struct {
	Schema uint16

	// Module metadata.
	Name    string
	Program bool
	Entry   bool

	// Section counts and code size.
	Structs  int
	Datas    int
	Procs    int
	CodeSize int
	Closures int
	Exports  int

	// Exported symbol names.
	ExportNames []string

	// File metadata for staleness reporting.
	FileSize int64
	Cached   time.Time
}

// Cache is a disk cache of Payloads. Safe for concurrent use.
type Cache struct {
	mu  sync.RWMutex
	dir string
}

// Open initializes a cache at the standard location, honouring
// XDG_CACHE_HOME.
func Open(app string) (*Cache, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		base = filepath.Join(home, ".cache")
	}
	return OpenAt(filepath.Join(base, app))
}

// OpenAt initializes a cache rooted at an explicit directory.
func OpenAt(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Cache{dir: dir}, nil
}

func (c *Cache) pathFor(key Digest) string {
	return filepath.Join(c.dir, "mods", key.String()+".mp")
}

// Put serializes and writes a payload. The write is atomic: a temp file
// renamed into place.
func (c *Cache) Put(key Digest, payload *Payload) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(p), "tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if err := msgpack.NewEncoder(f).Encode(payload); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), p)
}

// Get reads a payload. A missing entry, or one written under a different
// schema, is a miss.
func (c *Cache) Get(key Digest, out *Payload) (bool, error) {
	if c == nil {
		return false, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	f, err := os.Open(c.pathFor(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	if err := msgpack.NewDecoder(f).Decode(out); err != nil {
		return false, err
	}
	if out.Schema != cacheSchemaVersion {
		return false, nil
	}
	return true, nil
}

// DropAll invalidates the whole cache.
func (c *Cache) DropAll() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.dir + ".old-" + time.Now().Format("20060102150405")
	if err := os.Rename(c.dir, old); err != nil {
		return err
	}
	if err := os.RemoveAll(old); err != nil {
		return err
	}
	return os.MkdirAll(c.dir, 0o755)
}

// NewPayload stamps a payload with the current schema and time.
func NewPayload() *Payload {
	return &Payload{Schema: cacheSchemaVersion, Cached: time.Now()}
}

// HashFile computes the digest of a file's contents.
func HashFile(path string) (Digest, int64, error) {
	var d Digest
	f, err := os.Open(path)
	if err != nil {
		return d, 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return d, 0, err
	}
	copy(d[:], h.Sum(nil))
	return d, n, nil
}
