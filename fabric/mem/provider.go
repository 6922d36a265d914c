// Package mem implements an in-process fabric provider with RDM semantics:
// endpoint addresses are exchanged through a process-global table, one-sided
// writes copy bytes between registered regions, and transmit queues are
// bounded so callers observe genuine queue-full backpressure.
//
// It plays the role the sockets provider plays for libfabric: a provider that
// is always available, used by tests, examples, and single-host runs.
package mem

import (
	"sync"

	"github.com/google/uuid"

	"github.com/rocketbitz/rdm-transfer-go/fabric"
)

// ProviderName is the name the provider registers under.
const ProviderName = "mem"

const (
	defaultQueueDepth = 128
	defaultCQSize     = 1024
)

// Option adjusts provider construction.
type Option func(*Provider)

// WithDevices overrides the synthetic device list exposed by Discover.
func WithDevices(names ...string) Option {
	return func(p *Provider) {
		p.devices = append([]string(nil), names...)
	}
}

// WithQueueDepth bounds the number of undrained transmit completions per
// endpoint before PostWrite reports fabric.ErrQueueFull.
func WithQueueDepth(depth int) Option {
	return func(p *Provider) {
		if depth > 0 {
			p.queueDepth = depth
		}
	}
}

// WithExchange isolates the provider on a private address exchange. Tests use
// this to avoid cross-talk through the process-global table.
func WithExchange(e *Exchange) Option {
	return func(p *Provider) {
		if e != nil {
			p.exchange = e
		}
	}
}

// Provider implements fabric.Provider backed by process memory.
type Provider struct {
	devices    []string
	queueDepth int
	exchange   *Exchange

	mu       sync.Mutex
	srcAddrs map[string][]byte
}

var _ fabric.Provider = (*Provider)(nil)

// NewProvider constructs a mem provider with one synthetic device unless
// overridden by options.
func NewProvider(opts ...Option) *Provider {
	p := &Provider{
		devices:    []string{"mem0"},
		queueDepth: defaultQueueDepth,
		exchange:   globalExchange,
		srcAddrs:   make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return ProviderName }

// Discover lists the provider's synthetic devices. Source addresses are stable
// for the lifetime of the provider instance.
func (p *Provider) Discover() ([]fabric.Info, error) {
	if len(p.devices) == 0 {
		return nil, fabric.ErrNoDevices
	}
	infos := make([]fabric.Info, 0, len(p.devices))
	for _, device := range p.devices {
		infos = append(infos, fabric.Info{
			Device:   device,
			Domain:   device + "-rdm",
			Provider: ProviderName,
			Endpoint: fabric.EndpointTypeRDM,
			SrcAddr:  p.srcAddr(device),
		})
	}
	return infos, nil
}

// OpenFabric opens a fabric instance scoped to the descriptor's device.
func (p *Provider) OpenFabric(info fabric.Info) (fabric.Fabric, error) {
	if info.Device == "" {
		return nil, fabric.ErrInvalidHandle{Kind: "device descriptor"}
	}
	return &memFabric{provider: p}, nil
}

func (p *Provider) srcAddr(device string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if addr, ok := p.srcAddrs[device]; ok {
		return addr
	}
	id := uuid.New()
	addr := id[:]
	p.srcAddrs[device] = addr
	return addr
}

type memFabric struct {
	provider *Provider
	mu       sync.Mutex
	closed   bool
}

func (f *memFabric) OpenDomain(info fabric.Info) (fabric.Domain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, fabric.ErrInvalidHandle{Kind: "fabric"}
	}
	return newDomain(f.provider, info), nil
}

func (f *memFabric) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
