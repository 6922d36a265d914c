package handshake

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"
)

// DefaultPort is the port handshake servers listen on unless overridden.
const DefaultPort = 12001

// DefaultTimeout bounds one handshake round-trip.
const DefaultTimeout = 5 * time.Second

// Client implements Handshaker over a TCP request/response exchange.
type Client struct {
	port    int
	timeout time.Duration
	dialer  net.Dialer
}

var _ Handshaker = (*Client)(nil)

// NewClient constructs a handshake client. Zero values select DefaultPort and
// DefaultTimeout.
func NewClient(port int, timeout time.Duration) *Client {
	if port <= 0 {
		port = DefaultPort
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{port: port, timeout: timeout}
}

// SendHandshake dials the peer host, sends the local descriptor, and waits for
// the peer's reply. The context, capped by the client timeout, bounds the
// whole round-trip.
func (c *Client) SendHandshake(ctx context.Context, peerHost string, local Desc) (Desc, error) {
	if peerHost == "" {
		return Desc{}, fmt.Errorf("handshake: peer host required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := peerHost
	if _, _, err := net.SplitHostPort(peerHost); err != nil {
		target = net.JoinHostPort(peerHost, strconv.Itoa(c.port))
	}
	conn, err := c.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return Desc{}, fmt.Errorf("handshake: dial %s: %w", target, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := json.NewEncoder(conn).Encode(local); err != nil {
		return Desc{}, fmt.Errorf("handshake: send descriptor: %w", err)
	}
	var peer Desc
	if err := json.NewDecoder(conn).Decode(&peer); err != nil {
		return Desc{}, fmt.Errorf("handshake: read reply: %w", err)
	}
	return peer, nil
}
