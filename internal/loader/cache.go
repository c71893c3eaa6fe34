package loader

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"
)

var (
	cacheEncMode cbor.EncMode
	cacheDecMode cbor.DecMode
)

func init() {
	var err error
	cacheEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("loader: cbor encoder: " + err.Error())
	}
	cacheDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("loader: cbor decoder: " + err.Error())
	}
}

// Digest identifies raw module source.
type Digest [blake2b.Size256]byte

// DigestOf hashes src.
func DigestOf(src []byte) Digest {
	return blake2b.Sum256(src)
}

type cacheEntry struct {
	Digest Digest `cbor:"1,keyasint"`
	Source string `cbor:"2,keyasint"`
}

// Cache maps module paths to prepared source. It is stored as zstd
// compressed CBOR. A nil *Cache never hits and never saves.
type Cache struct {
	path string

	mu      sync.Mutex
	entries map[string]cacheEntry
	dirty   bool
}

// OpenCache reads the cache file at path. A missing file yields an empty
// cache.
func OpenCache(path string) (*Cache, error) {
	c := &Cache{path: path, entries: make(map[string]cacheEntry)}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("read cache %s: %w", path, err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return c, err
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return c, fmt.Errorf("decompress cache %s: %w", path, err)
	}
	if err := cacheDecMode.Unmarshal(raw, &c.entries); err != nil {
		c.entries = make(map[string]cacheEntry)
		return c, fmt.Errorf("decode cache %s: %w", path, err)
	}
	return c, nil
}

// Get returns the prepared source for path if raw is unchanged.
func (c *Cache) Get(path string, raw []byte) (string, bool) {
	if c == nil {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[path]
	if !ok || entry.Digest != DigestOf(raw) {
		return "", false
	}
	return entry.Source, true
}

// Put stores prepared source for path.
func (c *Cache) Put(path string, raw []byte, prepared string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[path] = cacheEntry{Digest: DigestOf(raw), Source: prepared}
	c.dirty = true
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Save writes the cache if it changed since it was opened.
func (c *Cache) Save() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.dirty {
		return nil
	}

	raw, err := cacheEncMode.Marshal(c.entries)
	if err != nil {
		return fmt.Errorf("encode cache: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	data := enc.EncodeAll(raw, nil)
	if err := enc.Close(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	c.dirty = false
	return nil
}
