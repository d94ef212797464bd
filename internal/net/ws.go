package net

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Game clients connect from anywhere; auth happens in-band.
		return true
	},
}

// WSServer accepts websocket clients on a single HTTP path.
type WSServer struct {
	srv         *http.Server
	mgr         *Manager
	maxLine     int
	logRequests bool
	log         *zap.Logger
}

func NewWSServer(addr, path string, mgr *Manager, maxLine int, logRequests bool, log *zap.Logger) *WSServer {
	s := &WSServer{
		mgr:         mgr,
		maxLine:     maxLine,
		logRequests: logRequests,
		log:         log,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, s.handleUpgrade)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *WSServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.log.Debug("websocket upgrade failed",
			zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	if s.logRequests {
		s.log.Info("websocket upgrade",
			zap.String("remote", r.RemoteAddr),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	}
	s.mgr.Accept(NewWSTransport(ws, s.maxLine))
}

// Serve blocks until Shutdown; it returns nil after a clean shutdown.
func (s *WSServer) Serve() error {
	s.log.Info("websocket listener up", zap.String("addr", s.srv.Addr))
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP side. Upgraded links are closed separately by
// the manager.
func (s *WSServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
