// Package transport defines the capability surface shared by the transfer
// engine and its concrete transport back-ends, along with the slice and batch
// accounting types that cross that boundary.
package transport

import (
	"github.com/rocketbitz/rdm-transfer-go/fabric"
	"github.com/rocketbitz/rdm-transfer-go/handshake"
)

// Opcode identifies the data movement direction of a transfer request.
type Opcode int

const (
	// OpcodeWrite moves bytes from the local buffer to the remote region.
	OpcodeWrite Opcode = iota
	// OpcodeRead is reserved; no back-end in this repository implements it yet.
	OpcodeRead
)

// TransferRequest describes one caller-visible transfer before slicing.
type TransferRequest struct {
	Opcode        Opcode
	Source        uintptr
	Length        int
	TargetNicPath string
	RemoteAddr    uint64
	RemoteKey     uint64
}

// Transport is one transfer back-end: it registers memory for remote access,
// fabricates peer connections on demand, and posts one-sided writes.
// The engine holds a collection of these keyed by name.
type Transport interface {
	Name() string

	// RegisterLocalMemory makes the buffer remotely accessible. Access flags
	// are advisory; back-ends may request a wider capability set when the
	// hardware class demands it.
	RegisterLocalMemory(addr uintptr, length int, access fabric.AccessFlag) error

	// UnregisterLocalMemory revokes a registration. Unknown addresses are
	// ignored.
	UnregisterLocalMemory(addr uintptr) error

	// Submit posts the slices without blocking. Slices that failed are marked
	// and accounted on their task; slices the fabric could not accept right
	// now are returned for the caller to re-present.
	Submit(slices []*Slice) ([]*Slice, error)

	// OnHandshake services an incoming connection request from a remote peer
	// and returns the descriptor to send back.
	OnHandshake(peer handshake.Desc) (handshake.Desc, error)

	// Close tears down every device context owned by the transport.
	Close() error
}
