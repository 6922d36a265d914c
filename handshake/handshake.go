// Package handshake carries connection metadata between hosts over an
// out-of-band channel. Request and response share one wire shape; a response
// with an empty reply means the peer refused the connection.
package handshake

import "context"

// Desc is the handshake message exchanged between hosts.
type Desc struct {
	// LocalNicPath is the sender's NIC path, <host>@<device>.
	LocalNicPath string `json:"local_nic_path"`
	// PeerNicPath is the intended receiver's NIC path.
	PeerNicPath string `json:"peer_nic_path"`
	// ReplyMsg carries the sender's hex-encoded transport address. An empty
	// value signals rejection.
	ReplyMsg string `json:"reply_msg"`
}

// Rejected reports whether the descriptor signals a refused connection.
func (d Desc) Rejected() bool { return d.ReplyMsg == "" }

// Handshaker sends a handshake request to a peer host and returns its reply.
// Implementations are synchronous and timeout-bounded; an unreachable peer
// surfaces as a transport-level error.
type Handshaker interface {
	SendHandshake(ctx context.Context, peerHost string, local Desc) (Desc, error)
}

// Handler services one incoming handshake request and produces the reply
// descriptor. Implementations return the reply even when err is non-nil so
// rejections reach the initiating host.
type Handler func(Desc) (Desc, error)
