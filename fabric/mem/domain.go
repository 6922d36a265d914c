package mem

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rocketbitz/rdm-transfer-go/fabric"
)

// keyCounter hands out process-unique, non-zero registration keys. Zero is
// reserved as the "not registered" sentinel throughout the repository.
var keyCounter atomic.Uint64

type memDomain struct {
	provider *Provider
	info     fabric.Info

	mu      sync.RWMutex
	regions map[uint64]*memRegion
	closed  bool
}

func newDomain(p *Provider, info fabric.Info) *memDomain {
	return &memDomain{
		provider: p,
		info:     info,
		regions:  make(map[uint64]*memRegion),
	}
}

func (d *memDomain) OpenAddressVector(attr fabric.AVAttr) (fabric.AddressVector, error) {
	if err := d.ensureOpen(); err != nil {
		return nil, err
	}
	count := attr.Count
	if count <= 0 {
		count = 256
	}
	return &memAV{table: make([][]byte, 0, count)}, nil
}

func (d *memDomain) OpenCompletionQueue(attr fabric.CQAttr) (fabric.CompletionQueue, error) {
	if err := d.ensureOpen(); err != nil {
		return nil, err
	}
	size := attr.Size
	if size <= 0 {
		size = defaultCQSize
	}
	return &memCQ{cap: size}, nil
}

func (d *memDomain) OpenEndpoint() (fabric.Endpoint, error) {
	if err := d.ensureOpen(); err != nil {
		return nil, err
	}
	return newEndpoint(d), nil
}

func (d *memDomain) RegisterMemory(base uintptr, length int, access fabric.AccessFlag) (fabric.MemoryRegion, error) {
	if err := d.ensureOpen(); err != nil {
		return nil, err
	}
	if base == 0 || length <= 0 {
		return nil, errors.New("mem: registration requires a non-nil base and positive length")
	}
	region := &memRegion{
		domain: d,
		base:   base,
		length: length,
		access: access,
		key:    keyCounter.Add(1),
	}
	d.mu.Lock()
	d.regions[region.key] = region
	d.mu.Unlock()
	return region, nil
}

func (d *memDomain) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regions = make(map[uint64]*memRegion)
	d.closed = true
	return nil
}

func (d *memDomain) ensureOpen() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return fabric.ErrInvalidHandle{Kind: "domain"}
	}
	return nil
}

// remoteRegion locates the region a remote write targets and validates the
// access window.
func (d *memDomain) remoteRegion(key uint64, addr uint64, length int) (*memRegion, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	region, ok := d.regions[key]
	if !ok {
		return nil, errors.New("mem: no region registered under remote key")
	}
	if region.access&fabric.AccessRemoteWrite == 0 {
		return nil, errors.New("mem: target region does not permit remote write")
	}
	base := uint64(region.base)
	if addr < base || addr+uint64(length) > base+uint64(region.length) {
		return nil, errors.New("mem: remote write outside registered region")
	}
	return region, nil
}

func (d *memDomain) dropRegion(key uint64) {
	d.mu.Lock()
	delete(d.regions, key)
	d.mu.Unlock()
}

type memRegion struct {
	domain *memDomain
	base   uintptr
	length int
	access fabric.AccessFlag
	key    uint64
	closed atomic.Bool
}

func (r *memRegion) Key() uint64 {
	if r == nil || r.closed.Load() {
		return 0
	}
	return r.key
}

func (r *memRegion) Base() uintptr { return r.base }

func (r *memRegion) Length() int { return r.length }

func (r *memRegion) Close() error {
	if r == nil || !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.domain.dropRegion(r.key)
	return nil
}

type memAV struct {
	mu     sync.RWMutex
	table  [][]byte
	closed bool
}

func (a *memAV) InsertRaw(addr []byte) (fabric.Address, error) {
	if len(addr) == 0 {
		return fabric.AddressUnspecified, errors.New("mem: empty address payload")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fabric.AddressUnspecified, fabric.ErrInvalidHandle{Kind: "address vector"}
	}
	a.table = append(a.table, append([]byte(nil), addr...))
	return fabric.Address(len(a.table) - 1), nil
}

func (a *memAV) resolve(addr fabric.Address) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed || uint64(addr) >= uint64(len(a.table)) {
		return nil, false
	}
	return a.table[addr], true
}

func (a *memAV) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.table = nil
	a.closed = true
	return nil
}

type memCQ struct {
	mu      sync.Mutex
	entries []fabric.Completion
	cap     int
	closed  bool
}

func (c *memCQ) Read() (*fabric.Completion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fabric.ErrInvalidHandle{Kind: "completion queue"}
	}
	if len(c.entries) == 0 {
		return nil, fabric.ErrNoCompletion
	}
	entry := c.entries[0]
	c.entries = c.entries[1:]
	return &entry, nil
}

func (c *memCQ) push(entry fabric.Completion) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fabric.ErrInvalidHandle{Kind: "completion queue"}
	}
	if len(c.entries) >= c.cap {
		return fabric.ErrQueueFull
	}
	c.entries = append(c.entries, entry)
	return nil
}

func (c *memCQ) depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *memCQ) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
	c.closed = true
	return nil
}
