package mem

import (
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"

	"github.com/rocketbitz/rdm-transfer-go/fabric"
)

type memEndpoint struct {
	domain *memDomain
	addr   []byte

	mu      sync.Mutex
	av      *memAV
	txCQ    *memCQ
	rxCQ    *memCQ
	enabled atomic.Bool
	closed  atomic.Bool
}

func newEndpoint(d *memDomain) *memEndpoint {
	id := uuid.New()
	return &memEndpoint{domain: d, addr: id[:]}
}

func (e *memEndpoint) BindAddressVector(av fabric.AddressVector) error {
	mav, ok := av.(*memAV)
	if !ok {
		return errors.New("mem: address vector from a different provider")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enabled.Load() {
		return errors.New("mem: cannot bind after enable")
	}
	e.av = mav
	return nil
}

func (e *memEndpoint) BindCompletionQueue(cq fabric.CompletionQueue, flags fabric.BindFlag) error {
	mcq, ok := cq.(*memCQ)
	if !ok {
		return errors.New("mem: completion queue from a different provider")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enabled.Load() {
		return errors.New("mem: cannot bind after enable")
	}
	if flags&fabric.BindSend != 0 {
		e.txCQ = mcq
	}
	if flags&fabric.BindRecv != 0 {
		e.rxCQ = mcq
	}
	return nil
}

func (e *memEndpoint) Enable() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return fabric.ErrInvalidHandle{Kind: "endpoint"}
	}
	if e.av == nil {
		return errors.New("mem: enable requires a bound address vector")
	}
	if e.txCQ == nil || e.rxCQ == nil {
		return errors.New("mem: enable requires bound completion queues")
	}
	if !e.enabled.CompareAndSwap(false, true) {
		return nil
	}
	e.domain.provider.exchange.register(e.addr, e)
	return nil
}

func (e *memEndpoint) Name() ([]byte, error) {
	if e.closed.Load() {
		return nil, fabric.ErrInvalidHandle{Kind: "endpoint"}
	}
	return append([]byte(nil), e.addr...), nil
}

// PostWrite performs the one-sided write inline. Remote-side faults (bad key,
// out-of-range window) surface through the completion entry, matching how
// hardware reports protection errors; only local posting problems fail the
// call itself.
func (e *memEndpoint) PostWrite(req *fabric.WriteRequest) error {
	if e == nil || e.closed.Load() {
		return fabric.ErrInvalidHandle{Kind: "endpoint"}
	}
	if !e.enabled.Load() {
		return errors.New("mem: endpoint not enabled")
	}
	if req == nil {
		return errors.New("mem: nil write request")
	}
	if req.Desc == nil {
		return fabric.ErrDescriptorRequired
	}
	if req.Length <= 0 {
		return errors.New("mem: write requires a positive length")
	}
	raw, ok := e.av.resolve(req.Dest)
	if !ok {
		return fabric.ErrUnknownAddress
	}
	if e.txCQ.depth() >= e.domain.provider.queueDepth {
		return fabric.ErrQueueFull
	}

	entry := fabric.Completion{Context: req.Context, Length: req.Length}
	target, ok := e.domain.provider.exchange.lookup(raw)
	if !ok {
		entry.Err = errors.New("mem: destination endpoint is gone")
	} else if _, err := target.domain.remoteRegion(req.RemoteKey, req.RemoteAddr, req.Length); err != nil {
		entry.Err = err
	} else {
		memcopy(uintptr(req.RemoteAddr), req.LocalAddr, req.Length)
	}
	return e.txCQ.push(entry)
}

func (e *memEndpoint) Close() error {
	if e == nil || !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if e.enabled.Load() {
		e.domain.provider.exchange.deregister(e.addr)
	}
	return nil
}

// memcopy moves n bytes between raw addresses. Callers guarantee both buffers
// stay alive and registered for the duration of the operation.
func memcopy(dst, src uintptr, n int) {
	if n == 0 || dst == 0 || src == 0 {
		return
	}
	dstSlice := unsafe.Slice((*byte)(unsafe.Pointer(dst)), n)
	srcSlice := unsafe.Slice((*byte)(unsafe.Pointer(src)), n)
	copy(dstSlice, srcSlice)
}
