// Package rdm implements the device and connection management core of the
// transfer engine over reliable-datagram fabric endpoints: per-NIC resource
// ownership, handshake-driven peer connections, memory-region tracking, and
// non-blocking one-sided write submission.
package rdm

import (
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"github.com/rocketbitz/rdm-transfer-go/fabric"
	"github.com/rocketbitz/rdm-transfer-go/handshake"
	"github.com/rocketbitz/rdm-transfer-go/transport"
)

const pageSize = 4096

// DefaultMaxMRSize caps a single memory registration unless overridden.
const DefaultMaxMRSize = int64(1) << 32

// ConstructParams sizes the fabric resources a context opens.
type ConstructParams struct {
	NumCompletionQueues   int
	NumCompletionChannels int
	Port                  uint8
	GIDIndex              int
	MaxCQEntries          int
	MaxEndpoints          int
}

// DefaultConstructParams returns the sizing used when the caller has no
// specific requirements.
func DefaultConstructParams() ConstructParams {
	return ConstructParams{
		NumCompletionQueues:   1,
		NumCompletionChannels: 1,
		Port:                  1,
		GIDIndex:              0,
		MaxCQEntries:          4096,
		MaxEndpoints:          256,
	}
}

// Hooks receives notifications from the submission path and the poller.
// Nil functions are skipped.
type Hooks struct {
	SlicePosted    func()
	SliceFailed    func()
	SliceCompleted func(err error)
	PollerStarted  func()
	PollerStopped  func()
}

func (h Hooks) slicePosted() {
	if h.SlicePosted != nil {
		h.SlicePosted()
	}
}

func (h Hooks) sliceFailed() {
	if h.SliceFailed != nil {
		h.SliceFailed()
	}
}

func (h Hooks) sliceCompleted(err error) {
	if h.SliceCompleted != nil {
		h.SliceCompleted(err)
	}
}

// ContextOption adjusts context construction.
type ContextOption func(*Context)

// WithLogger attaches a logger to the context.
func WithLogger(logger *zap.Logger) ContextOption {
	return func(c *Context) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMaxMRSize overrides the registration length cap.
func WithMaxMRSize(max int64) ContextOption {
	return func(c *Context) {
		if max > 0 {
			c.maxMRSize = max
		}
	}
}

// WithHooks attaches observability hooks to the context.
func WithHooks(hooks Hooks) ContextOption {
	return func(c *Context) {
		c.hooks = hooks
	}
}

// Context owns one NIC's fabric resources: the fabric and protection domain,
// the shared address vector, the completion queues, the memory-region table,
// and the endpoint store. It is the factory for endpoints on that device.
type Context struct {
	localHost  string
	deviceName string
	provider   fabric.Provider
	handshaker handshake.Handshaker
	logger     *zap.Logger
	maxMRSize  int64
	hooks      Hooks

	info   fabric.Info
	fab    fabric.Fabric
	domain fabric.Domain
	av     fabric.AddressVector
	cqs    []fabric.CompletionQueue

	regions  *regionTable
	store    *endpointStore
	createMu sync.Mutex

	pollMu      sync.Mutex
	pollStop    chan struct{}
	pollWG      sync.WaitGroup
	polling     bool
	constructed atomic.Bool
	closed      atomic.Bool
}

// NewContext prepares a context for the named device. No fabric resources are
// opened until Construct is called.
func NewContext(localHost, deviceName string, provider fabric.Provider, handshaker handshake.Handshaker, opts ...ContextOption) *Context {
	c := &Context{
		localHost:  localHost,
		deviceName: deviceName,
		provider:   provider,
		handshaker: handshaker,
		logger:     zap.NewNop(),
		maxMRSize:  DefaultMaxMRSize,
		regions:    newRegionTable(),
		store:      newEndpointStore(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Construct opens the context's fabric resources. On any failure every
// resource opened by earlier steps is released in reverse order and the
// context is left exactly as before the call.
func (c *Context) Construct(params ConstructParams) error {
	if !c.constructed.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: context already constructed", ErrContext)
	}

	infos, err := c.provider.Discover()
	if err != nil || len(infos) == 0 {
		c.constructed.Store(false)
		c.logger.Error("no devices found", zap.String("provider", c.provider.Name()), zap.Error(err))
		if err == nil {
			err = fabric.ErrNoDevices
		}
		return fmt.Errorf("%w: discover: %v", ErrContext, err)
	}
	var info *fabric.Info
	for i := range infos {
		if infos[i].Device == c.deviceName {
			info = &infos[i]
			break
		}
	}
	if info == nil {
		c.constructed.Store(false)
		c.logger.Error("device not found", zap.String("device", c.deviceName), zap.String("provider", c.provider.Name()))
		return fmt.Errorf("%w: device %q not found", ErrContext, c.deviceName)
	}

	fab, err := c.provider.OpenFabric(*info)
	if err != nil {
		c.constructed.Store(false)
		c.logger.Error("open fabric failed", zap.String("device", c.deviceName), zap.Error(err))
		return fmt.Errorf("%w: open fabric: %v", ErrContext, err)
	}

	domain, err := fab.OpenDomain(*info)
	if err != nil {
		c.logger.Error("open domain failed", zap.String("device", c.deviceName), zap.Error(err))
		_ = fab.Close()
		c.constructed.Store(false)
		return fmt.Errorf("%w: open domain: %v", ErrContext, err)
	}

	av, err := domain.OpenAddressVector(fabric.AVAttr{Type: fabric.AVTypeTable, Count: params.MaxEndpoints})
	if err != nil {
		c.logger.Error("open address vector failed", zap.String("device", c.deviceName), zap.Error(err))
		_ = domain.Close()
		_ = fab.Close()
		c.constructed.Store(false)
		return fmt.Errorf("%w: open address vector: %v", ErrContext, err)
	}

	numCQs := params.NumCompletionQueues
	if numCQs <= 0 {
		numCQs = 1
	}
	cqs := make([]fabric.CompletionQueue, 0, numCQs)
	for i := 0; i < numCQs; i++ {
		cq, err := domain.OpenCompletionQueue(fabric.CQAttr{Size: params.MaxCQEntries})
		if err != nil {
			c.logger.Error("open completion queue failed",
				zap.String("device", c.deviceName), zap.Int("index", i), zap.Error(err))
			for _, opened := range cqs {
				_ = opened.Close()
			}
			_ = av.Close()
			_ = domain.Close()
			_ = fab.Close()
			c.constructed.Store(false)
			return fmt.Errorf("%w: open completion queue: %v", ErrContext, err)
		}
		cqs = append(cqs, cq)
	}

	c.info = *info
	c.fab = fab
	c.domain = domain
	c.av = av
	c.cqs = cqs

	c.logger.Info("rdm device ready",
		zap.String("device", c.deviceName),
		zap.String("domain", info.Domain),
		zap.String("provider", info.Provider))
	return nil
}

// RegisterMemoryRegion registers the buffer for local and remote access.
// Lengths beyond the configured cap are clamped with a warning rather than
// rejected. The requested access flags are advisory: this hardware class
// requires the full local/remote read-write capability set, so that is what
// is always requested.
func (c *Context) RegisterMemoryRegion(addr uintptr, length int, access fabric.AccessFlag) error {
	if err := c.ensureConstructed(); err != nil {
		return err
	}
	_ = access
	if int64(length) > c.maxMRSize {
		c.logger.Warn("buffer length exceeds max memory-region size, shrinking",
			zap.Uint64("addr", uint64(addr)),
			zap.Int("length", length),
			zap.Int64("max", c.maxMRSize))
		length = int(c.maxMRSize)
	}
	region, err := c.domain.RegisterMemory(addr, length, fabric.AccessFull)
	if err != nil {
		c.logger.Error("RegisterMemory failed", zap.Uint64("addr", uint64(addr)), zap.Error(err))
		return fmt.Errorf("%w: register memory: %v", ErrContext, err)
	}
	entry := &regionEntry{region: region, base: addr, length: length, key: region.Key()}
	if prev := c.regions.put(entry); prev != nil {
		if err := prev.region.Close(); err != nil {
			c.logger.Warn("failed to release replaced registration",
				zap.Uint64("addr", uint64(addr)), zap.Error(err))
		}
	}
	return nil
}

// UnregisterMemoryRegion revokes the registration for addr. Unknown addresses
// succeed as a no-op. If the close fails the entry stays in the table so the
// caller can retry.
func (c *Context) UnregisterMemoryRegion(addr uintptr) error {
	entry := c.regions.get(addr)
	if entry == nil {
		return nil
	}
	if err := entry.region.Close(); err != nil {
		c.logger.Error("failed to unregister memory", zap.Uint64("addr", uint64(addr)), zap.Error(err))
		return fmt.Errorf("%w: unregister memory: %v", ErrContext, err)
	}
	c.regions.remove(addr)
	return nil
}

// RKey returns the remote access key registered for addr, or 0 when the
// address was never registered. Callers must treat 0 as "not registered".
func (c *Context) RKey(addr uintptr) uint64 {
	if entry := c.regions.get(addr); entry != nil {
		return entry.key
	}
	return 0
}

// LKey returns the local access key registered for addr, or 0 when unknown.
func (c *Context) LKey(addr uintptr) uint64 {
	if entry := c.regions.get(addr); entry != nil {
		return entry.region.Key()
	}
	return 0
}

// LocalDescriptor resolves the registration covering addr, including interior
// addresses of a registered window. The submission path requires a non-nil
// descriptor for every posted write.
func (c *Context) LocalDescriptor(addr uintptr) fabric.MemoryRegion {
	if entry := c.regions.covering(addr); entry != nil {
		return entry.region
	}
	return nil
}

// PreTouchMemory reads one byte per page across the range to fault the pages
// in before registration. It is purely a performance hint.
func (c *Context) PreTouchMemory(addr uintptr, length int) {
	if addr == 0 || length <= 0 {
		return
	}
	var sink byte
	for offset := 0; offset < length; offset += pageSize {
		sink += *(*byte)(unsafe.Pointer(addr + uintptr(offset)))
	}
	_ = sink
}

// Endpoint returns the endpoint bound to the peer NIC path, constructing and
// storing one on first use. Construction failures are returned, not cached; a
// later call may retry.
func (c *Context) Endpoint(peerNicPath string) (*Endpoint, error) {
	if err := c.ensureConstructed(); err != nil {
		return nil, err
	}
	if ep := c.store.get(peerNicPath); ep != nil {
		return ep, nil
	}
	c.createMu.Lock()
	defer c.createMu.Unlock()
	if ep := c.store.get(peerNicPath); ep != nil {
		return ep, nil
	}
	ep := newEndpoint(c)
	if err := ep.construct(c.cqs[0]); err != nil {
		c.logger.Error("failed to construct endpoint",
			zap.String("peer_nic_path", peerNicPath), zap.Error(err))
		return nil, err
	}
	ep.setPeerNicPath(peerNicPath)
	c.store.add(peerNicPath, ep)
	return ep, nil
}

// DeleteEndpoint removes the endpoint for the peer NIC path from the store.
func (c *Context) DeleteEndpoint(peerNicPath string) {
	c.store.remove(peerNicPath)
}

// DisconnectAllEndpoints disconnects every endpoint owned by the context.
func (c *Context) DisconnectAllEndpoints() {
	c.store.disconnectAll()
}

// EndpointCount reports the number of live endpoints on this context.
func (c *Context) EndpointCount() int {
	return c.store.size()
}

// DeviceName returns the NIC identifier the context was built for.
func (c *Context) DeviceName() string { return c.deviceName }

// NicPath returns the context's addressing identity, <host>@<device>.
func (c *Context) NicPath() string {
	return transport.MakeNicPath(c.localHost, c.deviceName)
}

// LocalAddr returns the hex encoding of the fabric-level source address, or
// the empty string when the provider did not report one.
func (c *Context) LocalAddr() string {
	if len(c.info.SrcAddr) == 0 {
		return ""
	}
	return hex.EncodeToString(c.info.SrcAddr)
}

// Close tears the context down in strict reverse dependency order:
// endpoints, memory regions, completion queues, address vector, domain,
// fabric. It is idempotent and safe after a failed Construct.
func (c *Context) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.StopPoller()
	c.store.disconnectAll()
	c.store.closeAll()
	for _, entry := range c.regions.drain() {
		if err := entry.region.Close(); err != nil {
			c.logger.Warn("failed to close memory region during teardown",
				zap.Uint64("addr", uint64(entry.base)), zap.Error(err))
		}
	}
	for _, cq := range c.cqs {
		_ = cq.Close()
	}
	c.cqs = nil
	if c.av != nil {
		_ = c.av.Close()
		c.av = nil
	}
	if c.domain != nil {
		_ = c.domain.Close()
		c.domain = nil
	}
	if c.fab != nil {
		_ = c.fab.Close()
		c.fab = nil
	}
	return nil
}

func (c *Context) ensureConstructed() error {
	if c.closed.Load() {
		return fmt.Errorf("%w: context closed", ErrContext)
	}
	if !c.constructed.Load() || c.domain == nil {
		return fmt.Errorf("%w: context not constructed", ErrContext)
	}
	return nil
}
