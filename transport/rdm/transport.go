package rdm

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/rdm-transfer-go/fabric"
	"github.com/rocketbitz/rdm-transfer-go/handshake"
	"github.com/rocketbitz/rdm-transfer-go/transport"
)

// TransportName is the registry key for the RDM back-end.
const TransportName = "rdm"

// TransportOption adjusts transport construction.
type TransportOption func(*Transport)

// WithTransportLogger attaches a logger to the transport and its contexts.
func WithTransportLogger(logger *zap.Logger) TransportOption {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithTransportMaxMRSize overrides the registration cap on every context.
func WithTransportMaxMRSize(max int64) TransportOption {
	return func(t *Transport) {
		if max > 0 {
			t.maxMRSize = max
		}
	}
}

// WithTransportHooks attaches observability hooks to every context.
func WithTransportHooks(hooks Hooks) TransportOption {
	return func(t *Transport) {
		t.hooks = hooks
	}
}

// WithConstructParams overrides the fabric sizing of every context.
func WithConstructParams(params ConstructParams) TransportOption {
	return func(t *Transport) {
		t.params = params
	}
}

// Transport drives one-sided writes over every RDM-capable device the
// provider reports. Each device gets its own context; local registrations
// span all of them so any device can carry any slice.
type Transport struct {
	localHost string
	logger    *zap.Logger
	maxMRSize int64
	hooks     Hooks
	params    ConstructParams

	contexts []*Context
	byDevice map[string]*Context
	next     atomic.Uint64
	closed   atomic.Bool
}

// NewTransport discovers the provider's devices and constructs one context
// per device. Devices that fail to construct are skipped with a warning; at
// least one must survive.
func NewTransport(localHost string, provider fabric.Provider, handshaker handshake.Handshaker, opts ...TransportOption) (*Transport, error) {
	t := &Transport{
		localHost: localHost,
		logger:    zap.NewNop(),
		maxMRSize: DefaultMaxMRSize,
		params:    DefaultConstructParams(),
		byDevice:  make(map[string]*Context),
	}
	for _, opt := range opts {
		opt(t)
	}

	infos, err := provider.Discover()
	if err != nil {
		return nil, fmt.Errorf("%w: discover: %v", ErrContext, err)
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("%w: discover: %v", ErrContext, fabric.ErrNoDevices)
	}
	for _, info := range infos {
		ctx := NewContext(localHost, info.Device, provider, handshaker,
			WithLogger(t.logger), WithMaxMRSize(t.maxMRSize), WithHooks(t.hooks))
		if err := ctx.Construct(t.params); err != nil {
			t.logger.Warn("skipping device that failed to construct",
				zap.String("device", info.Device), zap.Error(err))
			continue
		}
		ctx.StartPoller()
		t.contexts = append(t.contexts, ctx)
		t.byDevice[info.Device] = ctx
	}
	if len(t.contexts) == 0 {
		return nil, fmt.Errorf("%w: no usable devices", ErrContext)
	}
	return t, nil
}

// Name returns the transport's registry key.
func (t *Transport) Name() string { return TransportName }

// Contexts returns the device contexts owned by the transport.
func (t *Transport) Contexts() []*Context { return t.contexts }

// Context returns the device context for the named device, or nil.
func (t *Transport) Context(device string) *Context { return t.byDevice[device] }

// RegisterLocalMemory registers the buffer on every device context. On any
// failure the registrations already made are rolled back so the buffer is
// either reachable from every device or from none.
func (t *Transport) RegisterLocalMemory(addr uintptr, length int, access fabric.AccessFlag) error {
	registered := make([]*Context, 0, len(t.contexts))
	for _, ctx := range t.contexts {
		if err := ctx.RegisterMemoryRegion(addr, length, access); err != nil {
			for _, done := range registered {
				_ = done.UnregisterMemoryRegion(addr)
			}
			return err
		}
		registered = append(registered, ctx)
	}
	return nil
}

// UnregisterLocalMemory revokes the registration on every device context.
// The first failure is returned but the remaining contexts are still tried.
func (t *Transport) UnregisterLocalMemory(addr uintptr) error {
	var firstErr error
	for _, ctx := range t.contexts {
		if err := ctx.UnregisterMemoryRegion(addr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Submit groups the slices by target NIC path and posts each group through a
// device context without blocking. Slices the fabric could not accept right
// now come back for the caller to re-present; permanently failed slices are
// marked on their tasks and not returned.
func (t *Transport) Submit(slices []*transport.Slice) ([]*transport.Slice, error) {
	if t.closed.Load() {
		return nil, fmt.Errorf("%w: transport closed", ErrContext)
	}
	groups := make(map[string][]*transport.Slice)
	order := make([]string, 0, len(slices))
	for _, slice := range slices {
		if _, seen := groups[slice.TargetNicPath]; !seen {
			order = append(order, slice.TargetNicPath)
		}
		groups[slice.TargetNicPath] = append(groups[slice.TargetNicPath], slice)
	}

	var retry []*transport.Slice
	var firstErr error
	for _, target := range order {
		pending := groups[target]
		ctx := t.pick()
		ep, err := ctx.Endpoint(target)
		if err != nil {
			for _, slice := range pending {
				slice.MarkFailed()
				t.hooks.sliceFailed()
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		var failed []*transport.Slice
		if err := ep.SubmitPostSend(&pending, &failed); err != nil && firstErr == nil {
			firstErr = err
		}
		retry = append(retry, pending...)
	}
	return retry, firstErr
}

// pick rotates across device contexts so traffic spreads over every NIC.
func (t *Transport) pick() *Context {
	n := t.next.Add(1) - 1
	return t.contexts[n%uint64(len(t.contexts))]
}

// OnHandshake routes an incoming connection request to the device context
// named in the request's peer NIC path and services it passively.
func (t *Transport) OnHandshake(peer handshake.Desc) (handshake.Desc, error) {
	_, device, err := transport.ParseNicPath(peer.PeerNicPath)
	if err != nil {
		t.logger.Error("handshake carries malformed peer NIC path",
			zap.String("peer_nic_path", peer.PeerNicPath))
		return handshake.Desc{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	ctx := t.byDevice[device]
	if ctx == nil {
		t.logger.Error("handshake targets unknown device", zap.String("device", device))
		return handshake.Desc{}, fmt.Errorf("%w: unknown device %q", ErrInvalidArgument, device)
	}
	ep, err := ctx.Endpoint(peer.LocalNicPath)
	if err != nil {
		return handshake.Desc{}, err
	}
	return ep.SetupConnectionsByPassive(peer)
}

// Close tears down every device context. Idempotent.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	var group errgroup.Group
	for _, ctx := range t.contexts {
		ctx := ctx
		group.Go(ctx.Close)
	}
	return group.Wait()
}
