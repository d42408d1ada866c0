package cepa

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// cacheEntry is one slot in the Bytecode Cache: the compiled bytes and
// the source mtime that produced them.
type cacheEntry struct {
	bytecode []byte
	mtime    time.Time
}

// CompileFunc produces a cacheable compiled artifact for a script's
// source. Supplied by the caller of GetOrCompile.
type CompileFunc func(path string, source []byte) ([]byte, error)

// BytecodeCache maps absolute script path to its most recently
// compiled artifact and the source mtime it was compiled from.
// Entries are never removed, only overwritten by a fresher compile.
type BytecodeCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

// NewBytecodeCache constructs an empty cache.
func NewBytecodeCache() *BytecodeCache {
	return &BytecodeCache{entries: make(map[string]*cacheEntry)}
}

// GetOrCompile looks up path's cached bytecode, recompiling only when
// the source mtime has advanced past the entry. It returns the
// compiled bytecode (copied out from under the read lock, so callers
// never alias the cache's own backing storage), and whether this call
// performed a fresh compile.
func (c *BytecodeCache) GetOrCompile(path string, compile CompileFunc) ([]byte, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, false, fmt.Errorf("stat %q: %w", path, err)
	}
	mtime := info.ModTime()

	c.mu.RLock()
	entry, ok := c.entries[path]
	if ok && !entry.mtime.Before(mtime) {
		out := make([]byte, len(entry.bytecode))
		copy(out, entry.bytecode)
		c.mu.RUnlock()
		return out, false, nil
	}
	c.mu.RUnlock()

	source, err := os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("reading %q: %w", path, err)
	}
	compiled, err := compile(path, source)
	if err != nil {
		// Compilation errors are not cached. Returned unwrapped: the
		// compile function already formats this as
		// "path : line : message", and wrapping it here would break
		// that format.
		return nil, false, err
	}

	c.mu.Lock()
	// Re-stat under the lock is unnecessary: a racing compile for a
	// still-fresher mtime will simply overwrite this one again later.
	c.entries[path] = &cacheEntry{bytecode: compiled, mtime: mtime}
	c.mu.Unlock()

	out := make([]byte, len(compiled))
	copy(out, compiled)
	return out, true, nil
}
