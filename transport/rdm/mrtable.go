package rdm

import (
	"sync"

	"github.com/rocketbitz/rdm-transfer-go/fabric"
)

// regionEntry records one registration owned by a device context.
type regionEntry struct {
	region fabric.MemoryRegion
	base   uintptr
	length int
	key    uint64
}

// regionTable maps a registered buffer's base address to its registration.
// One entry per base address; re-registration replaces the previous entry.
type regionTable struct {
	mu      sync.RWMutex
	entries map[uintptr]*regionEntry
}

func newRegionTable() *regionTable {
	return &regionTable{entries: make(map[uintptr]*regionEntry)}
}

// put stores an entry and returns the entry it replaced, if any.
func (t *regionTable) put(entry *regionEntry) *regionEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.entries[entry.base]
	t.entries[entry.base] = entry
	return prev
}

func (t *regionTable) get(base uintptr) *regionEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[base]
}

func (t *regionTable) remove(base uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, base)
}

// covering returns the entry whose registered window contains addr. Submission
// uses this to resolve the local descriptor for interior slice addresses, not
// just region bases.
func (t *regionTable) covering(addr uintptr) *regionEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, entry := range t.entries {
		if addr >= entry.base && addr < entry.base+uintptr(entry.length) {
			return entry
		}
	}
	return nil
}

// drain empties the table and returns every entry for closing.
func (t *regionTable) drain() []*regionEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := make([]*regionEntry, 0, len(t.entries))
	for _, entry := range t.entries {
		entries = append(entries, entry)
	}
	t.entries = make(map[uintptr]*regionEntry)
	return entries
}
