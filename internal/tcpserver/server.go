// Package tcpserver is the broker's TCP transport: it accepts
// connections, decodes length-prefixed request frames per spec §6, and
// dispatches each one into internal/system. It holds no domain state of
// its own — every mutation and lookup goes through System.Dispatch.
package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/iggy-run/iggy/internal/system"
	"github.com/iggy-run/iggy/internal/wire"
)

// Config bounds the listener's address and its connection-accept rate,
// which protects the broker from a connect storm independent of any
// per-command throttling a future release might add.
type Config struct {
	Address              string
	MaxConnectionsPerSec float64
	AcceptBurst          int
	MaxConnections       int
}

// Server is the TCP command transport.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	sys      *system.System
	listener net.Listener

	acceptLimiter *rate.Limiter

	mu          sync.Mutex
	conns       map[net.Conn]struct{}
	nextClient  uint32
	activeConns int64
}

// New builds a Server bound to sys, not yet listening.
func New(cfg Config, logger *zap.Logger, sys *system.System) *Server {
	if cfg.MaxConnectionsPerSec <= 0 {
		cfg.MaxConnectionsPerSec = 50
	}
	if cfg.AcceptBurst <= 0 {
		cfg.AcceptBurst = 100
	}
	return &Server{
		cfg:           cfg,
		logger:        logger,
		sys:           sys,
		acceptLimiter: rate.NewLimiter(rate.Limit(cfg.MaxConnectionsPerSec), cfg.AcceptBurst),
		conns:         make(map[net.Conn]struct{}),
	}
}

// ListenAndServe binds the listener and accepts connections until ctx
// is canceled or Close is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("tcpserver: listen on %s: %w", s.cfg.Address, err)
	}
	s.listener = ln
	s.logger.Info("tcp server listening", zap.String("address", s.cfg.Address))

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("tcpserver: accept: %w", err)
		}

		if err := s.acceptLimiter.Wait(ctx); err != nil {
			_ = conn.Close()
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		if s.cfg.MaxConnections > 0 && atomic.LoadInt64(&s.activeConns) >= int64(s.cfg.MaxConnections) {
			s.logger.Warn("rejecting connection, at capacity", zap.String("remote", conn.RemoteAddr().String()))
			_ = conn.Close()
			continue
		}

		go s.handleConn(conn)
	}
}

// Close stops the listener and disconnects every open connection.
func (s *Server) Close() error {
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	clientID := s.registerConn(conn)
	s.sys.RegisterClient(clientID)
	defer func() {
		s.unregisterConn(conn)
		s.sys.UnregisterClient(clientID)
		_ = conn.Close()
	}()

	session := system.Session{ClientID: clientID}
	s.logger.Debug("client connected", zap.Uint32("client_id", clientID), zap.String("remote", conn.RemoteAddr().String()))

	for {
		if dl := s.readDeadline(); dl > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(dl))
		}
		req, err := wire.ReadRequest(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("client read error", zap.Uint32("client_id", clientID), zap.Error(err))
			}
			return
		}

		resp := s.sys.Dispatch(&session, req)
		if err := wire.WriteResponse(conn, resp); err != nil {
			s.logger.Debug("client write error", zap.Uint32("client_id", clientID), zap.Error(err))
			return
		}
	}
}

func (s *Server) readDeadline() time.Duration {
	return 0 // no idle timeout by default; a future release may bound this
}

func (s *Server) registerConn(conn net.Conn) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextClient++
	s.conns[conn] = struct{}{}
	atomic.AddInt64(&s.activeConns, 1)
	return s.nextClient
}

func (s *Server) unregisterConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
	atomic.AddInt64(&s.activeConns, -1)
}
