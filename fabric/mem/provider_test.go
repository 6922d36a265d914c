package mem

import (
	"bytes"
	"errors"
	"testing"
	"unsafe"

	"github.com/rocketbitz/rdm-transfer-go/fabric"
)

// openEndpoint builds a fully wired endpoint on its own domain, bound to the
// shared exchange of the provider.
func openEndpoint(t *testing.T, p *Provider) (fabric.Endpoint, fabric.Domain, fabric.AddressVector, fabric.CompletionQueue) {
	t.Helper()
	infos, err := p.Discover()
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	fab, err := p.OpenFabric(infos[0])
	if err != nil {
		t.Fatalf("OpenFabric: %v", err)
	}
	domain, err := fab.OpenDomain(infos[0])
	if err != nil {
		t.Fatalf("OpenDomain: %v", err)
	}
	av, err := domain.OpenAddressVector(fabric.AVAttr{Type: fabric.AVTypeTable})
	if err != nil {
		t.Fatalf("OpenAddressVector: %v", err)
	}
	cq, err := domain.OpenCompletionQueue(fabric.CQAttr{Size: 64})
	if err != nil {
		t.Fatalf("OpenCompletionQueue: %v", err)
	}
	ep, err := domain.OpenEndpoint()
	if err != nil {
		t.Fatalf("OpenEndpoint: %v", err)
	}
	if err := ep.BindAddressVector(av); err != nil {
		t.Fatalf("BindAddressVector: %v", err)
	}
	if err := ep.BindCompletionQueue(cq, fabric.BindSend|fabric.BindRecv); err != nil {
		t.Fatalf("BindCompletionQueue: %v", err)
	}
	if err := ep.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	return ep, domain, av, cq
}

func TestDiscoverDefaults(t *testing.T) {
	infos, err := NewProvider().Discover()
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected one synthetic device, got %d", len(infos))
	}
	info := infos[0]
	if info.Device != "mem0" || info.Provider != ProviderName {
		t.Fatalf("unexpected descriptor: %+v", info)
	}
	if info.Endpoint != fabric.EndpointTypeRDM {
		t.Fatalf("expected RDM endpoint type, got %v", info.Endpoint)
	}
	if len(info.SrcAddr) == 0 {
		t.Fatal("descriptor is missing a source address")
	}
}

func TestDiscoverNoDevices(t *testing.T) {
	_, err := NewProvider(WithDevices()).Discover()
	if !errors.Is(err, fabric.ErrNoDevices) {
		t.Fatalf("expected ErrNoDevices, got %v", err)
	}
}

func TestRegisterMemoryKeysNonZero(t *testing.T) {
	p := NewProvider(WithExchange(NewExchange()))
	_, domain, _, _ := openEndpoint(t, p)

	buf := make([]byte, 4096)
	region, err := domain.RegisterMemory(uintptr(unsafe.Pointer(&buf[0])), len(buf), fabric.AccessFull)
	if err != nil {
		t.Fatalf("RegisterMemory: %v", err)
	}
	if region.Key() == 0 {
		t.Fatal("registration produced the reserved zero key")
	}
	if err := region.Close(); err != nil {
		t.Fatalf("Close region: %v", err)
	}
	if region.Key() != 0 {
		t.Fatal("closed region should report the zero key")
	}
}

func TestOneSidedWriteCopiesBytes(t *testing.T) {
	p := NewProvider(WithExchange(NewExchange()))
	src, srcDomain, srcAV, srcCQ := openEndpoint(t, p)
	dst, dstDomain, _, _ := openEndpoint(t, p)

	local := []byte("reliable datagram payload")
	remote := make([]byte, len(local))
	localRegion, err := srcDomain.RegisterMemory(uintptr(unsafe.Pointer(&local[0])), len(local), fabric.AccessFull)
	if err != nil {
		t.Fatalf("register local: %v", err)
	}
	remoteRegion, err := dstDomain.RegisterMemory(uintptr(unsafe.Pointer(&remote[0])), len(remote), fabric.AccessFull)
	if err != nil {
		t.Fatalf("register remote: %v", err)
	}

	dstRaw, err := dst.Name()
	if err != nil {
		t.Fatalf("Name: %v", err)
	}
	dest, err := srcAV.InsertRaw(dstRaw)
	if err != nil {
		t.Fatalf("InsertRaw: %v", err)
	}

	err = src.PostWrite(&fabric.WriteRequest{
		LocalAddr:  uintptr(unsafe.Pointer(&local[0])),
		Length:     len(local),
		Desc:       localRegion,
		Dest:       dest,
		RemoteAddr: uint64(uintptr(unsafe.Pointer(&remote[0]))),
		RemoteKey:  remoteRegion.Key(),
		Context:    "write-1",
	})
	if err != nil {
		t.Fatalf("PostWrite: %v", err)
	}

	entry, err := srcCQ.Read()
	if err != nil {
		t.Fatalf("CQ read: %v", err)
	}
	if entry.Err != nil {
		t.Fatalf("completion reported error: %v", entry.Err)
	}
	if entry.Context != "write-1" {
		t.Fatalf("completion context = %v", entry.Context)
	}
	if !bytes.Equal(local, remote) {
		t.Fatalf("remote buffer not written: %q", remote)
	}
}

func TestPostWriteRequiresDescriptor(t *testing.T) {
	p := NewProvider(WithExchange(NewExchange()))
	src, _, srcAV, _ := openEndpoint(t, p)

	raw, err := src.Name()
	if err != nil {
		t.Fatalf("Name: %v", err)
	}
	dest, err := srcAV.InsertRaw(raw)
	if err != nil {
		t.Fatalf("InsertRaw: %v", err)
	}
	buf := make([]byte, 16)
	err = src.PostWrite(&fabric.WriteRequest{
		LocalAddr: uintptr(unsafe.Pointer(&buf[0])),
		Length:    len(buf),
		Dest:      dest,
	})
	if !errors.Is(err, fabric.ErrDescriptorRequired) {
		t.Fatalf("expected ErrDescriptorRequired, got %v", err)
	}
}

func TestPostWriteUnknownAddress(t *testing.T) {
	p := NewProvider(WithExchange(NewExchange()))
	src, srcDomain, _, _ := openEndpoint(t, p)

	buf := make([]byte, 16)
	region, err := srcDomain.RegisterMemory(uintptr(unsafe.Pointer(&buf[0])), len(buf), fabric.AccessFull)
	if err != nil {
		t.Fatalf("RegisterMemory: %v", err)
	}
	err = src.PostWrite(&fabric.WriteRequest{
		LocalAddr: uintptr(unsafe.Pointer(&buf[0])),
		Length:    len(buf),
		Desc:      region,
		Dest:      fabric.Address(42),
	})
	if !errors.Is(err, fabric.ErrUnknownAddress) {
		t.Fatalf("expected ErrUnknownAddress, got %v", err)
	}
}

func TestPostWriteQueueFull(t *testing.T) {
	p := NewProvider(WithExchange(NewExchange()), WithQueueDepth(2))
	src, srcDomain, srcAV, srcCQ := openEndpoint(t, p)
	dst, dstDomain, _, _ := openEndpoint(t, p)

	local := make([]byte, 64)
	remote := make([]byte, 64)
	localRegion, err := srcDomain.RegisterMemory(uintptr(unsafe.Pointer(&local[0])), len(local), fabric.AccessFull)
	if err != nil {
		t.Fatalf("register local: %v", err)
	}
	remoteRegion, err := dstDomain.RegisterMemory(uintptr(unsafe.Pointer(&remote[0])), len(remote), fabric.AccessFull)
	if err != nil {
		t.Fatalf("register remote: %v", err)
	}
	dstRaw, err := dst.Name()
	if err != nil {
		t.Fatalf("Name: %v", err)
	}
	dest, err := srcAV.InsertRaw(dstRaw)
	if err != nil {
		t.Fatalf("InsertRaw: %v", err)
	}

	req := &fabric.WriteRequest{
		LocalAddr:  uintptr(unsafe.Pointer(&local[0])),
		Length:     len(local),
		Desc:       localRegion,
		Dest:       dest,
		RemoteAddr: uint64(uintptr(unsafe.Pointer(&remote[0]))),
		RemoteKey:  remoteRegion.Key(),
	}
	for i := 0; i < 2; i++ {
		if err := src.PostWrite(req); err != nil {
			t.Fatalf("PostWrite %d: %v", i, err)
		}
	}
	if err := src.PostWrite(req); !errors.Is(err, fabric.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	// Draining one completion frees one transmit slot.
	if _, err := srcCQ.Read(); err != nil {
		t.Fatalf("CQ read: %v", err)
	}
	if err := src.PostWrite(req); err != nil {
		t.Fatalf("PostWrite after drain: %v", err)
	}
}

func TestRemoteFaultsSurfaceAsCompletionErrors(t *testing.T) {
	p := NewProvider(WithExchange(NewExchange()))
	src, srcDomain, srcAV, srcCQ := openEndpoint(t, p)
	dst, dstDomain, _, _ := openEndpoint(t, p)

	local := make([]byte, 64)
	remote := make([]byte, 32)
	localRegion, err := srcDomain.RegisterMemory(uintptr(unsafe.Pointer(&local[0])), len(local), fabric.AccessFull)
	if err != nil {
		t.Fatalf("register local: %v", err)
	}
	remoteRegion, err := dstDomain.RegisterMemory(uintptr(unsafe.Pointer(&remote[0])), len(remote), fabric.AccessFull)
	if err != nil {
		t.Fatalf("register remote: %v", err)
	}
	dstRaw, err := dst.Name()
	if err != nil {
		t.Fatalf("Name: %v", err)
	}
	dest, err := srcAV.InsertRaw(dstRaw)
	if err != nil {
		t.Fatalf("InsertRaw: %v", err)
	}

	// Write overruns the remote window: the post succeeds, the completion
	// carries the fault.
	err = src.PostWrite(&fabric.WriteRequest{
		LocalAddr:  uintptr(unsafe.Pointer(&local[0])),
		Length:     len(local),
		Desc:       localRegion,
		Dest:       dest,
		RemoteAddr: uint64(uintptr(unsafe.Pointer(&remote[0]))),
		RemoteKey:  remoteRegion.Key(),
	})
	if err != nil {
		t.Fatalf("PostWrite: %v", err)
	}
	entry, err := srcCQ.Read()
	if err != nil {
		t.Fatalf("CQ read: %v", err)
	}
	if entry.Err == nil {
		t.Fatal("expected a completion error for the out-of-range write")
	}

	// A bogus key faults the same way.
	err = src.PostWrite(&fabric.WriteRequest{
		LocalAddr:  uintptr(unsafe.Pointer(&local[0])),
		Length:     8,
		Desc:       localRegion,
		Dest:       dest,
		RemoteAddr: uint64(uintptr(unsafe.Pointer(&remote[0]))),
		RemoteKey:  0xdeadbeef,
	})
	if err != nil {
		t.Fatalf("PostWrite: %v", err)
	}
	entry, err = srcCQ.Read()
	if err != nil {
		t.Fatalf("CQ read: %v", err)
	}
	if entry.Err == nil {
		t.Fatal("expected a completion error for the unknown key")
	}
}

func TestEndpointCloseDeregisters(t *testing.T) {
	p := NewProvider(WithExchange(NewExchange()))
	src, srcDomain, srcAV, srcCQ := openEndpoint(t, p)
	dst, _, _, _ := openEndpoint(t, p)

	buf := make([]byte, 16)
	region, err := srcDomain.RegisterMemory(uintptr(unsafe.Pointer(&buf[0])), len(buf), fabric.AccessFull)
	if err != nil {
		t.Fatalf("RegisterMemory: %v", err)
	}
	dstRaw, err := dst.Name()
	if err != nil {
		t.Fatalf("Name: %v", err)
	}
	dest, err := srcAV.InsertRaw(dstRaw)
	if err != nil {
		t.Fatalf("InsertRaw: %v", err)
	}
	if err := dst.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := dst.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	err = src.PostWrite(&fabric.WriteRequest{
		LocalAddr: uintptr(unsafe.Pointer(&buf[0])),
		Length:    len(buf),
		Desc:      region,
		Dest:      dest,
	})
	if err != nil {
		t.Fatalf("PostWrite: %v", err)
	}
	entry, err := srcCQ.Read()
	if err != nil {
		t.Fatalf("CQ read: %v", err)
	}
	if entry.Err == nil {
		t.Fatal("expected a completion error for the departed endpoint")
	}
}
