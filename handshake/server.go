package handshake

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Server accepts handshake requests and routes them to a Handler. The reply
// descriptor is written back even when the handler rejects the request, so
// the initiating host learns about the refusal instead of timing out.
type Server struct {
	listener net.Listener
	handler  Handler
	logger   *zap.Logger
	group    errgroup.Group
	closed   atomic.Bool
}

// NewServer listens on addr (e.g. ":12001") and services requests with the
// supplied handler. Serve must be called to start accepting.
func NewServer(addr string, handler Handler, logger *zap.Logger) (*Server, error) {
	if handler == nil {
		return nil, errors.New("handshake: handler required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("handshake: listen %s: %w", addr, err)
	}
	return &Server{listener: listener, handler: handler, logger: logger}, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve runs the accept loop until Close is called.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return fmt.Errorf("handshake: accept: %w", err)
		}
		s.group.Go(func() error {
			s.serveConn(conn)
			return nil
		})
	}
}

// Close stops the accept loop and waits for in-flight requests to finish.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.listener.Close()
	_ = s.group.Wait()
	return err
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(DefaultTimeout))

	var peer Desc
	if err := json.NewDecoder(conn).Decode(&peer); err != nil {
		s.logger.Warn("handshake: malformed request", zap.Error(err))
		return
	}
	reply, err := s.handler(peer)
	if err != nil {
		s.logger.Warn("handshake: request rejected",
			zap.String("local_nic_path", peer.LocalNicPath),
			zap.String("peer_nic_path", peer.PeerNicPath),
			zap.Error(err))
	}
	if err := json.NewEncoder(conn).Encode(reply); err != nil {
		s.logger.Warn("handshake: write reply", zap.Error(err))
	}
}
