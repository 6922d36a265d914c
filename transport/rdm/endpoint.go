package rdm

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rocketbitz/rdm-transfer-go/fabric"
	"github.com/rocketbitz/rdm-transfer-go/handshake"
	"github.com/rocketbitz/rdm-transfer-go/transport"
)

// EndpointStatus tracks an endpoint through its lifecycle.
type EndpointStatus int32

const (
	// StatusInitializing is the state before construct succeeds. Construction
	// failure leaves the endpoint here permanently.
	StatusInitializing EndpointStatus = iota
	// StatusUnconnected means the endpoint is usable but has no peer address.
	StatusUnconnected
	// StatusConnected means the peer's transport address is resolved.
	StatusConnected
)

func (s EndpointStatus) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusUnconnected:
		return "unconnected"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// postedWrite rides along as the completion context for one posted slice.
type postedWrite struct {
	slice *transport.Slice
	ep    *Endpoint
}

// Endpoint represents one peer connection on a device context. The write lock
// guards state transitions and address-vector insertion; submission relies on
// a read lock so concurrent posts do not serialize against each other.
type Endpoint struct {
	ctx    *Context
	status atomic.Int32

	mu          sync.RWMutex
	ep          fabric.Endpoint
	peerNicPath string
	peerAddr    fabric.Address
	localAddr   []byte

	outstanding atomic.Int64
	lastActive  atomic.Int64
}

func newEndpoint(c *Context) *Endpoint {
	ep := &Endpoint{ctx: c, peerAddr: fabric.AddressUnspecified}
	ep.touch()
	return ep
}

// construct opens and enables the fabric endpoint. It may be called exactly
// once; any step failing unwinds the endpoint handle and leaves the status at
// initializing.
func (e *Endpoint) construct(cq fabric.CompletionQueue) error {
	if EndpointStatus(e.status.Load()) != StatusInitializing {
		return fmt.Errorf("%w: endpoint already constructed", ErrEndpoint)
	}
	ep, err := e.ctx.domain.OpenEndpoint()
	if err != nil {
		e.ctx.logger.Error("OpenEndpoint failed", zap.Error(err))
		return fmt.Errorf("%w: open endpoint: %v", ErrEndpoint, err)
	}
	if err := ep.BindAddressVector(e.ctx.av); err != nil {
		e.ctx.logger.Error("BindAddressVector failed", zap.Error(err))
		_ = ep.Close()
		return fmt.Errorf("%w: bind address vector: %v", ErrEndpoint, err)
	}
	if err := ep.BindCompletionQueue(cq, fabric.BindSend); err != nil {
		e.ctx.logger.Error("BindCompletionQueue (send) failed", zap.Error(err))
		_ = ep.Close()
		return fmt.Errorf("%w: bind send completion queue: %v", ErrEndpoint, err)
	}
	if err := ep.BindCompletionQueue(cq, fabric.BindRecv); err != nil {
		e.ctx.logger.Error("BindCompletionQueue (recv) failed", zap.Error(err))
		_ = ep.Close()
		return fmt.Errorf("%w: bind recv completion queue: %v", ErrEndpoint, err)
	}
	if err := ep.Enable(); err != nil {
		e.ctx.logger.Error("Enable failed", zap.Error(err))
		_ = ep.Close()
		return fmt.Errorf("%w: enable endpoint: %v", ErrEndpoint, err)
	}
	localAddr, err := ep.Name()
	if err != nil {
		e.ctx.logger.Error("endpoint Name failed", zap.Error(err))
		_ = ep.Close()
		return fmt.Errorf("%w: query endpoint address: %v", ErrEndpoint, err)
	}
	e.mu.Lock()
	e.ep = ep
	e.localAddr = localAddr
	e.mu.Unlock()
	e.status.Store(int32(StatusUnconnected))
	return nil
}

func (e *Endpoint) setPeerNicPath(peerNicPath string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connected() {
		e.ctx.logger.Warn("previous connection will be discarded",
			zap.String("peer_nic_path", e.peerNicPath))
		e.disconnectLocked()
	}
	e.peerNicPath = peerNicPath
}

// PeerNicPath returns the peer this endpoint is bound to.
func (e *Endpoint) PeerNicPath() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.peerNicPath
}

// Status returns the endpoint's current lifecycle state.
func (e *Endpoint) Status() EndpointStatus {
	return EndpointStatus(e.status.Load())
}

func (e *Endpoint) connected() bool {
	return EndpointStatus(e.status.Load()) == StatusConnected
}

// LocalAddr returns the hex encoding of the endpoint's transport address.
func (e *Endpoint) LocalAddr() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return hex.EncodeToString(e.localAddr)
}

// LastActive reports the time of the last submission through the endpoint.
func (e *Endpoint) LastActive() time.Time {
	return time.Unix(0, e.lastActive.Load())
}

func (e *Endpoint) touch() {
	e.lastActive.Store(time.Now().UnixNano())
}

func (e *Endpoint) insertPeerAddrLocked(peerAddrHex string) error {
	raw, err := hex.DecodeString(peerAddrHex)
	if err != nil {
		return fmt.Errorf("%w: decode peer address: %v", ErrEndpoint, err)
	}
	addr, err := e.ctx.av.InsertRaw(raw)
	if err != nil {
		e.ctx.logger.Error("address vector insert failed", zap.Error(err))
		return fmt.Errorf("%w: insert peer address: %v", ErrEndpoint, err)
	}
	e.peerAddr = addr
	return nil
}

// SetupConnectionsByActive establishes the connection from the initiating
// side. Loopback peers connect without any handshake I/O; remote peers are
// reached through the engine's handshake channel. Already-connected endpoints
// return immediately.
func (e *Endpoint) SetupConnectionsByActive() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if EndpointStatus(e.status.Load()) == StatusInitializing {
		return fmt.Errorf("%w: endpoint was never constructed", ErrEndpoint)
	}
	if e.connected() {
		return nil
	}

	if e.ctx.NicPath() == e.peerNicPath {
		if err := e.insertPeerAddrLocked(hex.EncodeToString(e.localAddr)); err != nil {
			return err
		}
		e.status.Store(int32(StatusConnected))
		e.ctx.logger.Info("loopback connection established", zap.String("endpoint", e.stringLocked()))
		return nil
	}

	peerHost, _, err := transport.ParseNicPath(e.peerNicPath)
	if err != nil {
		e.ctx.logger.Error("parse peer NIC path failed", zap.String("peer_nic_path", e.peerNicPath))
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	localDesc := handshake.Desc{
		LocalNicPath: e.ctx.NicPath(),
		PeerNicPath:  e.peerNicPath,
		ReplyMsg:     hex.EncodeToString(e.localAddr),
	}
	peerDesc, err := e.ctx.handshaker.SendHandshake(context.Background(), peerHost, localDesc)
	if err != nil {
		return err
	}
	if peerDesc.Rejected() {
		e.ctx.logger.Error("peer did not provide a transport address",
			zap.String("peer_nic_path", e.peerNicPath))
		return ErrRejectHandshake
	}
	if err := e.insertPeerAddrLocked(peerDesc.ReplyMsg); err != nil {
		return err
	}
	e.status.Store(int32(StatusConnected))
	e.ctx.logger.Info("connection established", zap.String("endpoint", e.stringLocked()))
	return nil
}

// SetupConnectionsByPassive services an incoming handshake on the receiving
// side. The reply carries this endpoint's address on success and an empty
// reply on rejection. A stale prior session is superseded with a warning.
func (e *Endpoint) SetupConnectionsByPassive(peerDesc handshake.Desc) (handshake.Desc, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reject := handshake.Desc{
		LocalNicPath: e.ctx.NicPath(),
		PeerNicPath:  e.peerNicPath,
	}
	if EndpointStatus(e.status.Load()) == StatusInitializing {
		return reject, fmt.Errorf("%w: endpoint was never constructed", ErrEndpoint)
	}
	if e.connected() {
		e.ctx.logger.Warn("re-establishing connection", zap.String("endpoint", e.stringLocked()))
		e.disconnectLocked()
	}

	if peerDesc.PeerNicPath != e.ctx.NicPath() || peerDesc.LocalNicPath != e.peerNicPath {
		e.ctx.logger.Error("peer NIC path inconsistency in handshake",
			zap.String("got_local", peerDesc.LocalNicPath),
			zap.String("got_peer", peerDesc.PeerNicPath),
			zap.String("want_peer", e.ctx.NicPath()))
		return reject, ErrRejectHandshake
	}
	if peerDesc.Rejected() {
		e.ctx.logger.Error("peer did not provide a transport address",
			zap.String("peer_nic_path", e.peerNicPath))
		return reject, ErrRejectHandshake
	}
	if err := e.insertPeerAddrLocked(peerDesc.ReplyMsg); err != nil {
		return reject, err
	}

	reply := handshake.Desc{
		LocalNicPath: e.ctx.NicPath(),
		PeerNicPath:  e.peerNicPath,
		ReplyMsg:     hex.EncodeToString(e.localAddr),
	}
	e.status.Store(int32(StatusConnected))
	e.ctx.logger.Info("connection established (passive)", zap.String("endpoint", e.stringLocked()))
	return reply, nil
}

// SubmitPostSend posts the pending slices in order without blocking. Slices
// the fabric accepts are marked successful and removed; slices hitting a
// momentarily full transmit queue stay in pending for the caller to
// re-present; slices failing for any other reason are drained into failed.
// When the endpoint is unconnected, active setup runs first; if that fails
// every slice is drained into failed and the setup error is returned.
func (e *Endpoint) SubmitPostSend(pending *[]*transport.Slice, failed *[]*transport.Slice) error {
	if !e.connected() {
		if err := e.SetupConnectionsByActive(); err != nil {
			for _, slice := range *pending {
				slice.MarkFailed()
				e.ctx.hooks.sliceFailed()
				*failed = append(*failed, slice)
			}
			*pending = (*pending)[:0]
			return err
		}
	}

	e.mu.RLock()
	ep := e.ep
	peerAddr := e.peerAddr
	e.mu.RUnlock()
	if ep == nil || peerAddr == fabric.AddressUnspecified {
		return fmt.Errorf("%w: endpoint has no resolved peer address", ErrEndpoint)
	}

	e.touch()
	remaining := (*pending)[:0]
	for _, slice := range *pending {
		desc := e.ctx.LocalDescriptor(slice.SourceAddr)
		if desc == nil {
			e.ctx.logger.Error("slice source is not registered",
				zap.Uint64("source_addr", uint64(slice.SourceAddr)))
			slice.MarkFailed()
			e.ctx.hooks.sliceFailed()
			*failed = append(*failed, slice)
			continue
		}
		err := ep.PostWrite(&fabric.WriteRequest{
			LocalAddr:  slice.SourceAddr,
			Length:     slice.Length,
			Desc:       desc,
			Dest:       peerAddr,
			RemoteAddr: slice.RemoteAddr,
			RemoteKey:  slice.RemoteKey,
			Context:    &postedWrite{slice: slice, ep: e},
		})
		switch {
		case err == nil:
			e.outstanding.Add(1)
			slice.MarkSuccess()
			e.ctx.hooks.slicePosted()
		case errors.Is(err, fabric.ErrQueueFull):
			remaining = append(remaining, slice)
		default:
			e.ctx.logger.Error("PostWrite failed",
				zap.Uint64("source_addr", uint64(slice.SourceAddr)),
				zap.Error(err))
			slice.MarkFailed()
			e.ctx.hooks.sliceFailed()
			*failed = append(*failed, slice)
		}
	}
	*pending = remaining
	return nil
}

// Disconnect clears the resolved peer address and returns the endpoint to the
// unconnected state. It is idempotent.
func (e *Endpoint) Disconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disconnectLocked()
}

func (e *Endpoint) disconnectLocked() {
	e.peerAddr = fabric.AddressUnspecified
	if e.connected() {
		e.status.Store(int32(StatusUnconnected))
	}
}

// HasOutstandingSlice reports whether any posted write has not completed yet.
// Callers use it to decide whether the endpoint can be torn down safely.
func (e *Endpoint) HasOutstandingSlice() bool {
	return e.outstanding.Load() > 0
}

// completeOne retires one posted write. The count never goes negative.
func (e *Endpoint) completeOne() {
	if e.outstanding.Add(-1) < 0 {
		e.outstanding.Store(0)
	}
}

func (e *Endpoint) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disconnectLocked()
	if e.ep != nil {
		_ = e.ep.Close()
		e.ep = nil
	}
}

// String renders the endpoint identity with both NIC paths.
func (e *Endpoint) String() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stringLocked()
}

func (e *Endpoint) stringLocked() string {
	return "RdmEndpoint[" + e.ctx.NicPath() + " <-> " + e.peerNicPath + "]"
}
