// Package fabric defines the provider-neutral resource model for
// reliable-datagram (RDM) transports: fabrics, protection domains, address
// vectors, completion queues, endpoints, and registered memory regions.
//
// The model intentionally mirrors the datagram-reliable endpoint style. The
// connection-oriented queue-pair style is not represented; the hardware class
// this repository targets does not support it.
package fabric

import (
	"fmt"
	"sync"
)

// EndpointType identifies the communication style a device descriptor exposes.
type EndpointType int

const (
	EndpointTypeUnspec EndpointType = iota
	EndpointTypeMsg
	EndpointTypeDgram
	EndpointTypeRDM
)

func (t EndpointType) String() string {
	switch t {
	case EndpointTypeMsg:
		return "msg"
	case EndpointTypeDgram:
		return "dgram"
	case EndpointTypeRDM:
		return "rdm"
	default:
		return "unspec"
	}
}

// Info captures a snapshot of one device descriptor produced during provider
// discovery.
type Info struct {
	// Device is the NIC identifier, e.g. "rdmap0".
	Device string
	// Domain is the provider's domain name for the device.
	Domain string
	// Provider is the name of the provider that produced this descriptor.
	Provider string
	// Endpoint is the endpoint style the descriptor supports.
	Endpoint EndpointType
	// SrcAddr holds the fabric-level source address bytes, when known.
	SrcAddr []byte
}

// Provider discovers devices and opens fabric instances for them.
type Provider interface {
	Name() string
	Discover() ([]Info, error)
	OpenFabric(info Info) (Fabric, error)
}

// Fabric represents one opened provider instance scoped to a device.
type Fabric interface {
	OpenDomain(info Info) (Domain, error)
	Close() error
}

// Domain is a protection scope for memory registrations and communication
// resources. All endpoints, queues, and regions opened from one domain share
// its lifetime.
type Domain interface {
	OpenAddressVector(attr AVAttr) (AddressVector, error)
	OpenCompletionQueue(attr CQAttr) (CompletionQueue, error)
	OpenEndpoint() (Endpoint, error)
	RegisterMemory(base uintptr, length int, access AccessFlag) (MemoryRegion, error)
	Close() error
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Provider)
)

// Register makes a provider available for lookup by name. Registering two
// providers under the same name panics, matching the behavior callers expect
// from process-init wiring mistakes.
func Register(p Provider) {
	if p == nil {
		panic("fabric: Register called with nil provider")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[p.Name()]; dup {
		panic(fmt.Sprintf("fabric: provider %q registered twice", p.Name()))
	}
	registry[p.Name()] = p
}

// Lookup returns the provider registered under name.
func Lookup(name string) (Provider, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	p, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderUnknown, name)
	}
	return p, nil
}

// Providers returns the names of all registered providers.
func Providers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
