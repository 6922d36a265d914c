package rdm

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"testing"
	"time"
	"unsafe"

	"github.com/rocketbitz/rdm-transfer-go/fabric"
	"github.com/rocketbitz/rdm-transfer-go/fabric/mem"
	"github.com/rocketbitz/rdm-transfer-go/handshake"
	"github.com/rocketbitz/rdm-transfer-go/transport"
)

// pairedContexts builds two contexts on one shared exchange whose handshakers
// call straight into the opposite context, bypassing the network.
func pairedContexts(t *testing.T, queueDepth int) (*Context, *Context) {
	t.Helper()
	exchange := mem.NewExchange()
	opts := []mem.Option{mem.WithExchange(exchange)}
	if queueDepth > 0 {
		opts = append(opts, mem.WithQueueDepth(queueDepth))
	}

	var a, b *Context
	dispatch := func(target **Context) handshake.Handshaker {
		return handshakerFunc(func(_ context.Context, _ string, local handshake.Desc) (handshake.Desc, error) {
			ep, err := (*target).Endpoint(local.LocalNicPath)
			if err != nil {
				return handshake.Desc{}, err
			}
			return ep.SetupConnectionsByPassive(local)
		})
	}
	a = NewContext("hosta", "mem0", mem.NewProvider(opts...), dispatch(&b))
	b = NewContext("hostb", "mem0", mem.NewProvider(opts...), dispatch(&a))
	for _, c := range []*Context{a, b} {
		c := c
		if err := c.Construct(DefaultConstructParams()); err != nil {
			t.Fatalf("Construct: %v", err)
		}
		t.Cleanup(func() { _ = c.Close() })
	}
	return a, b
}

func waitForTask(t *testing.T, task *transport.Task, want transport.TransferStatusCode) transport.TransferStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		status := task.Status()
		if status.Code == want {
			return status
		}
		if status.Code == transport.StatusFailed && want != transport.StatusFailed {
			t.Fatalf("task failed after %d bytes", status.TransferredBytes)
		}
		if time.Now().After(deadline) {
			t.Fatalf("task stuck in %v, want %v", status.Code, want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLoopbackConnectWithoutHandshake(t *testing.T) {
	c := newTestContext(t, "localhost", noHandshake(t))
	ep, err := c.Endpoint(c.NicPath())
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	if err := ep.SetupConnectionsByActive(); err != nil {
		t.Fatalf("SetupConnectionsByActive: %v", err)
	}
	if ep.Status() != StatusConnected {
		t.Fatalf("status = %v", ep.Status())
	}
	// Connected endpoints return immediately.
	if err := ep.SetupConnectionsByActive(); err != nil {
		t.Fatalf("second SetupConnectionsByActive: %v", err)
	}
}

func TestActiveSetupMalformedPeerPath(t *testing.T) {
	c := newTestContext(t, "localhost", noHandshake(t))
	ep, err := c.Endpoint("not-a-nic-path")
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	if err := ep.SetupConnectionsByActive(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestActiveSetupRejectedByPeer(t *testing.T) {
	rejecting := handshakerFunc(func(_ context.Context, _ string, local handshake.Desc) (handshake.Desc, error) {
		return handshake.Desc{LocalNicPath: local.PeerNicPath, PeerNicPath: local.LocalNicPath}, nil
	})
	provider := mem.NewProvider(mem.WithExchange(mem.NewExchange()))
	c := NewContext("localhost", "mem0", provider, rejecting)
	if err := c.Construct(DefaultConstructParams()); err != nil {
		t.Fatalf("Construct: %v", err)
	}
	defer c.Close()

	ep, err := c.Endpoint("remote@mem0")
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	if err := ep.SetupConnectionsByActive(); !errors.Is(err, ErrRejectHandshake) {
		t.Fatalf("expected ErrRejectHandshake, got %v", err)
	}
	if ep.Status() != StatusUnconnected {
		t.Fatalf("status after rejection = %v", ep.Status())
	}
}

func TestPassiveSetupPathInconsistency(t *testing.T) {
	c := newTestContext(t, "hosta", noHandshake(t))
	ep, err := c.Endpoint("hostb@mem0")
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	reply, err := ep.SetupConnectionsByPassive(handshake.Desc{
		LocalNicPath: "hostb@mem0",
		PeerNicPath:  "someoneelse@mem0",
		ReplyMsg:     hex.EncodeToString([]byte{1, 2, 3}),
	})
	if !errors.Is(err, ErrRejectHandshake) {
		t.Fatalf("expected ErrRejectHandshake, got %v", err)
	}
	if !reply.Rejected() {
		t.Fatal("inconsistent handshake should produce a rejecting reply")
	}
}

func TestPassiveSetupRejectsEmptyReply(t *testing.T) {
	c := newTestContext(t, "hosta", noHandshake(t))
	ep, err := c.Endpoint("hostb@mem0")
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	reply, err := ep.SetupConnectionsByPassive(handshake.Desc{
		LocalNicPath: "hostb@mem0",
		PeerNicPath:  "hosta@mem0",
	})
	if !errors.Is(err, ErrRejectHandshake) {
		t.Fatalf("expected ErrRejectHandshake, got %v", err)
	}
	if !reply.Rejected() {
		t.Fatal("reply should be empty on rejection")
	}
}

func TestRoundTripConnectAndWrite(t *testing.T) {
	a, b := pairedContexts(t, 0)
	a.StartPoller()
	b.StartPoller()

	local := []byte("written across paired contexts")
	remote := make([]byte, len(local))
	localAddr := uintptr(unsafe.Pointer(&local[0]))
	remoteAddr := uintptr(unsafe.Pointer(&remote[0]))
	if err := a.RegisterMemoryRegion(localAddr, len(local), fabric.AccessFull); err != nil {
		t.Fatalf("register local: %v", err)
	}
	if err := b.RegisterMemoryRegion(remoteAddr, len(remote), fabric.AccessFull); err != nil {
		t.Fatalf("register remote: %v", err)
	}

	ep, err := a.Endpoint(b.NicPath())
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}

	task := &transport.Task{}
	pending := []*transport.Slice{transport.NewSlice(task, localAddr, len(local),
		uint64(remoteAddr), b.RKey(remoteAddr), b.NicPath())}
	var failed []*transport.Slice
	if err := ep.SubmitPostSend(&pending, &failed); err != nil {
		t.Fatalf("SubmitPostSend: %v", err)
	}
	if len(pending) != 0 || len(failed) != 0 {
		t.Fatalf("pending=%d failed=%d after submit", len(pending), len(failed))
	}
	if ep.Status() != StatusConnected {
		t.Fatalf("status after submit = %v", ep.Status())
	}

	waitForTask(t, task, transport.StatusCompleted)
	if !bytes.Equal(local, remote) {
		t.Fatalf("remote buffer = %q", remote)
	}
	// Both sides hold an endpoint for the same session.
	if b.EndpointCount() != 1 {
		t.Fatalf("passive side endpoint count = %d", b.EndpointCount())
	}
}

func TestSubmitPartialProgressOnFullQueue(t *testing.T) {
	a, b := pairedContexts(t, 2)

	const slices = 5
	local := make([]byte, 64*slices)
	remote := make([]byte, 64*slices)
	localAddr := uintptr(unsafe.Pointer(&local[0]))
	remoteAddr := uintptr(unsafe.Pointer(&remote[0]))
	if err := a.RegisterMemoryRegion(localAddr, len(local), fabric.AccessFull); err != nil {
		t.Fatalf("register local: %v", err)
	}
	if err := b.RegisterMemoryRegion(remoteAddr, len(remote), fabric.AccessFull); err != nil {
		t.Fatalf("register remote: %v", err)
	}

	ep, err := a.Endpoint(b.NicPath())
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}

	task := &transport.Task{}
	pending := make([]*transport.Slice, 0, slices)
	for i := 0; i < slices; i++ {
		pending = append(pending, transport.NewSlice(task,
			localAddr+uintptr(i*64), 64,
			uint64(remoteAddr)+uint64(i*64), b.RKey(remoteAddr), b.NicPath()))
	}
	var failed []*transport.Slice
	if err := ep.SubmitPostSend(&pending, &failed); err != nil {
		t.Fatalf("SubmitPostSend: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("failed=%d", len(failed))
	}
	// The transmit queue holds two entries; the rest stay pending in order.
	if len(pending) != slices-2 {
		t.Fatalf("pending=%d after first submit", len(pending))
	}
	if pending[0].SourceAddr != localAddr+2*64 {
		t.Fatal("pending slices lost their order")
	}
	if !ep.HasOutstandingSlice() {
		t.Fatal("accepted slices should be outstanding")
	}

	// Draining completions makes room for the remainder.
	a.StartPoller()
	for len(pending) > 0 {
		if err := ep.SubmitPostSend(&pending, &failed); err != nil {
			t.Fatalf("SubmitPostSend: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	waitForTask(t, task, transport.StatusCompleted)
	if !bytes.Equal(local, remote) {
		t.Fatal("remote buffer does not match after staged submission")
	}
}

func TestSubmitUnregisteredSourceFails(t *testing.T) {
	c := newTestContext(t, "localhost", noHandshake(t))
	ep, err := c.Endpoint(c.NicPath())
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}

	task := &transport.Task{}
	pending := []*transport.Slice{transport.NewSlice(task, 0x4000, 64, 0x8000, 1, c.NicPath())}
	var failed []*transport.Slice
	if err := ep.SubmitPostSend(&pending, &failed); err != nil {
		t.Fatalf("SubmitPostSend: %v", err)
	}
	if len(pending) != 0 || len(failed) != 1 {
		t.Fatalf("pending=%d failed=%d", len(pending), len(failed))
	}
	if task.Status().Code != transport.StatusFailed {
		t.Fatalf("task status = %v", task.Status().Code)
	}
}

func TestSubmitDrainsAllOnSetupFailure(t *testing.T) {
	c := newTestContext(t, "localhost", noHandshake(t))
	ep, err := c.Endpoint("bogus-path")
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}

	task := &transport.Task{}
	pending := []*transport.Slice{
		transport.NewSlice(task, 0x4000, 64, 0x8000, 1, "bogus-path"),
		transport.NewSlice(task, 0x4040, 64, 0x8040, 1, "bogus-path"),
	}
	var failed []*transport.Slice
	if err := ep.SubmitPostSend(&pending, &failed); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if len(pending) != 0 || len(failed) != 2 {
		t.Fatalf("pending=%d failed=%d", len(pending), len(failed))
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	c := newTestContext(t, "localhost", noHandshake(t))
	ep, err := c.Endpoint(c.NicPath())
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	if err := ep.SetupConnectionsByActive(); err != nil {
		t.Fatalf("SetupConnectionsByActive: %v", err)
	}
	ep.Disconnect()
	if ep.Status() != StatusUnconnected {
		t.Fatalf("status after disconnect = %v", ep.Status())
	}
	ep.Disconnect()
	if ep.Status() != StatusUnconnected {
		t.Fatalf("status after second disconnect = %v", ep.Status())
	}
	// Loopback reconnect works after a disconnect.
	if err := ep.SetupConnectionsByActive(); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if ep.Status() != StatusConnected {
		t.Fatalf("status after reconnect = %v", ep.Status())
	}
}

func TestEndpointString(t *testing.T) {
	c := newTestContext(t, "hosta", noHandshake(t))
	ep, err := c.Endpoint("hostb@mem0")
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	if got := ep.String(); got != "RdmEndpoint[hosta@mem0 <-> hostb@mem0]" {
		t.Fatalf("String = %q", got)
	}
}
