package rdm

import "errors"

var (
	// ErrContext indicates a fabric, domain, address-vector, completion-queue,
	// or memory-region operation failed.
	ErrContext = errors.New("rdm: context operation failed")
	// ErrEndpoint indicates endpoint creation, binding, or enabling failed.
	ErrEndpoint = errors.New("rdm: endpoint operation failed")
	// ErrInvalidArgument indicates a malformed peer NIC path.
	ErrInvalidArgument = errors.New("rdm: invalid argument")
	// ErrRejectHandshake indicates the peer declined the connection or sent a
	// malformed handshake reply.
	ErrRejectHandshake = errors.New("rdm: handshake rejected")
)
