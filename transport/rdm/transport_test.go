package rdm

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"unsafe"

	"github.com/rocketbitz/rdm-transfer-go/fabric"
	"github.com/rocketbitz/rdm-transfer-go/fabric/mem"
	"github.com/rocketbitz/rdm-transfer-go/handshake"
	"github.com/rocketbitz/rdm-transfer-go/transport"
)

// pairedTransports wires two transports on one exchange so each one's
// outbound handshakes land in the other's OnHandshake.
func pairedTransports(t *testing.T) (*Transport, *Transport) {
	t.Helper()
	exchange := mem.NewExchange()

	var a, b *Transport
	dispatch := func(target **Transport) handshake.Handshaker {
		return handshakerFunc(func(_ context.Context, _ string, local handshake.Desc) (handshake.Desc, error) {
			return (*target).OnHandshake(local)
		})
	}
	var err error
	a, err = NewTransport("hosta", mem.NewProvider(mem.WithExchange(exchange)), dispatch(&b))
	if err != nil {
		t.Fatalf("NewTransport a: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	b, err = NewTransport("hostb", mem.NewProvider(mem.WithExchange(exchange)), dispatch(&a))
	if err != nil {
		t.Fatalf("NewTransport b: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return a, b
}

func TestNewTransportNoDevices(t *testing.T) {
	provider := mem.NewProvider(mem.WithDevices(), mem.WithExchange(mem.NewExchange()))
	if _, err := NewTransport("hosta", provider, nil); !errors.Is(err, ErrContext) {
		t.Fatalf("expected ErrContext, got %v", err)
	}
}

func TestTransportName(t *testing.T) {
	a, _ := pairedTransports(t)
	if a.Name() != TransportName {
		t.Fatalf("Name = %q", a.Name())
	}
	if len(a.Contexts()) != 1 {
		t.Fatalf("context count = %d", len(a.Contexts()))
	}
	if a.Context("mem0") == nil {
		t.Fatal("device lookup failed")
	}
}

func TestTransportSubmitRoundTrip(t *testing.T) {
	a, b := pairedTransports(t)

	local := []byte("cross-transport one-sided write")
	remote := make([]byte, len(local))
	localAddr := uintptr(unsafe.Pointer(&local[0]))
	remoteAddr := uintptr(unsafe.Pointer(&remote[0]))
	if err := a.RegisterLocalMemory(localAddr, len(local), fabric.AccessFull); err != nil {
		t.Fatalf("register local: %v", err)
	}
	if err := b.RegisterLocalMemory(remoteAddr, len(remote), fabric.AccessFull); err != nil {
		t.Fatalf("register remote: %v", err)
	}

	target := b.Contexts()[0].NicPath()
	remoteKey := b.Contexts()[0].RKey(remoteAddr)
	task := &transport.Task{}
	slices := []*transport.Slice{transport.NewSlice(task, localAddr, len(local),
		uint64(remoteAddr), remoteKey, target)}

	retry, err := a.Submit(slices)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(retry) != 0 {
		t.Fatalf("retry=%d", len(retry))
	}

	waitForTask(t, task, transport.StatusCompleted)
	if !bytes.Equal(local, remote) {
		t.Fatalf("remote buffer = %q", remote)
	}
}

func TestTransportSubmitUnknownTargetFailsSlices(t *testing.T) {
	a, _ := pairedTransports(t)

	buf := make([]byte, 64)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	if err := a.RegisterLocalMemory(addr, len(buf), fabric.AccessFull); err != nil {
		t.Fatalf("register: %v", err)
	}
	task := &transport.Task{}
	slices := []*transport.Slice{transport.NewSlice(task, addr, len(buf), 0x1000, 1, "not-a-path")}

	_, err := a.Submit(slices)
	if err == nil {
		t.Fatal("expected a submission error for the malformed target")
	}
	if task.Status().Code != transport.StatusFailed {
		t.Fatalf("task status = %v", task.Status().Code)
	}
}

func TestOnHandshakeUnknownDevice(t *testing.T) {
	a, _ := pairedTransports(t)
	_, err := a.OnHandshake(handshake.Desc{
		LocalNicPath: "hostb@mem0",
		PeerNicPath:  "hosta@rdmap9",
		ReplyMsg:     "00",
	})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestUnregisterLocalMemoryUnknownAddr(t *testing.T) {
	a, _ := pairedTransports(t)
	if err := a.UnregisterLocalMemory(0xbeef); err != nil {
		t.Fatalf("UnregisterLocalMemory: %v", err)
	}
}

func TestTransportCloseIdempotent(t *testing.T) {
	a, _ := pairedTransports(t)
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := a.Submit(nil); err == nil {
		t.Fatal("Submit after Close should fail")
	}
}
