package net

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

// TCPServer accepts plain stream clients and hands them to the manager.
type TCPServer struct {
	ln      net.Listener
	mgr     *Manager
	maxLine int
	log     *zap.Logger

	closeCh   chan struct{}
	closeOnce sync.Once
}

func NewTCPServer(addr string, mgr *Manager, maxLine int, log *zap.Logger) (*TCPServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &TCPServer{
		ln:      ln,
		mgr:     mgr,
		maxLine: maxLine,
		log:     log,
		closeCh: make(chan struct{}),
	}, nil
}

// Serve accepts until Shutdown; it returns nil after a clean shutdown.
func (s *TCPServer) Serve() error {
	s.log.Info("tcp listener up", zap.String("addr", s.ln.Addr().String()))
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return nil
			default:
			}
			s.log.Error("accept failed", zap.Error(err))
			continue
		}
		s.mgr.Accept(NewTCPTransport(conn, s.maxLine))
	}
}

// Shutdown stops accepting new connections.
func (s *TCPServer) Shutdown() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.ln.Close()
	})
}

// Addr returns the listener's address.
func (s *TCPServer) Addr() net.Addr {
	return s.ln.Addr()
}
