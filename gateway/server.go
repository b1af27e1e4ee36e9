// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/atrox-gateway/atrox-gateway-app-sub000/events"
	"github.com/atrox-gateway/atrox-gateway-app-sub000/forward"
	"github.com/atrox-gateway/atrox-gateway-app-sub000/pun"
	"github.com/atrox-gateway/atrox-gateway-app-sub000/routing"
)

// EventHistory serves the admin event listing.
type EventHistory interface {
	Recent(ctx context.Context, identity string, limit int) ([]events.Event, error)
}

// ServerConfig holds configuration for creating a new Server.
type ServerConfig struct {
	// Address is the TCP address of the public API. Empty disables the
	// public listener (Handler can still be mounted elsewhere).
	Address string

	// AdminSocketPath is a separate unix socket for operator endpoints.
	// When empty, admin endpoints are not exposed.
	AdminSocketPath string

	Supervisor *pun.Supervisor
	Publisher  *routing.Publisher
	Forwarder  *forward.Forwarder

	// Identity resolves the authenticated user. Defaults to
	// HeaderIdentity with DefaultIdentityHeader.
	Identity IdentityResolver

	// History backs GET /v1/admin/events. Optional.
	History EventHistory

	// EnsureOnMiss starts a worker when a forwarded request finds none,
	// then retries the request once.
	EnsureOnMiss bool

	Logger *slog.Logger
}

// Server is the gateway's HTTP surface: the public API behind the
// authenticating front proxy and the admin API on a unix socket.
type Server struct {
	supervisor   *pun.Supervisor
	publisher    *routing.Publisher
	forwarder    *forward.Forwarder
	identity     IdentityResolver
	history      EventHistory
	ensureOnMiss bool
	logger       *slog.Logger

	address         string
	adminSocketPath string
	handler         http.Handler
	adminHandler    http.Handler
	httpServer      *http.Server
	adminServer     *http.Server
	tcpListener     net.Listener
	adminListener   net.Listener
}

// NewServer creates a new gateway server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Supervisor == nil || config.Publisher == nil || config.Forwarder == nil {
		return nil, errors.New("gateway: Supervisor, Publisher, and Forwarder are required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	identity := config.Identity
	if identity == nil {
		identity = HeaderIdentity{Header: DefaultIdentityHeader}
	}

	s := &Server{
		supervisor:      config.Supervisor,
		publisher:       config.Publisher,
		forwarder:       config.Forwarder,
		identity:        identity,
		history:         config.History,
		ensureOnMiss:    config.EnsureOnMiss,
		logger:          logger,
		address:         config.Address,
		adminSocketPath: config.AdminSocketPath,
	}

	publicMux := http.NewServeMux()
	publicMux.HandleFunc("POST /api/session", s.handleLogin)
	publicMux.HandleFunc("DELETE /api/session", s.handleLogout)
	publicMux.Handle("/node/", http.StripPrefix("/node", http.HandlerFunc(s.handleNode)))
	publicMux.HandleFunc("GET /health", s.handleHealth)
	s.handler = withRequestID(publicMux)

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("GET /v1/admin/workers", s.handleAdminListWorkers)
	adminMux.HandleFunc("DELETE /v1/admin/workers/{identity}", s.handleAdminStopWorker)
	adminMux.HandleFunc("POST /v1/admin/routes/publish", s.handleAdminPublish)
	adminMux.HandleFunc("GET /v1/admin/events", s.handleAdminEvents)
	adminMux.HandleFunc("GET /health", s.handleHealth)
	s.adminHandler = withRequestID(adminMux)

	// No WriteTimeout: forwarded responses may stream for as long as
	// the worker keeps sending. The forwarder bounds the exchange.
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.adminServer = &http.Server{
		Handler:           s.adminHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the public API handler.
func (s *Server) Handler() http.Handler { return s.handler }

// AdminHandler returns the admin API handler.
func (s *Server) AdminHandler() http.Handler { return s.adminHandler }

// Start begins listening on the public address and the admin socket.
func (s *Server) Start() error {
	if s.address != "" {
		listener, err := net.Listen("tcp", s.address)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", s.address, err)
		}
		s.tcpListener = listener
		s.logger.Info("gateway listening", "address", listener.Addr().String())
		go func() {
			if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
				s.logger.Error("public server error", "error", err)
			}
		}()
	}

	if s.adminSocketPath != "" {
		if err := os.Remove(s.adminSocketPath); err != nil && !os.IsNotExist(err) {
			s.closeListeners()
			return fmt.Errorf("removing existing admin socket: %w", err)
		}
		listener, err := net.Listen("unix", s.adminSocketPath)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("listening on admin socket: %w", err)
		}
		s.adminListener = listener
		if err := os.Chmod(s.adminSocketPath, 0660); err != nil {
			s.closeListeners()
			return fmt.Errorf("chmod admin socket: %w", err)
		}
		s.logger.Info("gateway admin listening", "socket", s.adminSocketPath)
		go func() {
			if err := s.adminServer.Serve(listener); err != nil && err != http.ErrServerClosed {
				s.logger.Error("admin server error", "error", err)
			}
		}()
	}
	return nil
}

// Addr returns the bound public address, or "" before Start.
func (s *Server) Addr() string {
	if s.tcpListener == nil {
		return ""
	}
	return s.tcpListener.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gateway server")
	err := s.httpServer.Shutdown(ctx)
	if adminErr := s.adminServer.Shutdown(ctx); adminErr != nil && err == nil {
		err = adminErr
	}
	if s.adminListener != nil {
		os.Remove(s.adminSocketPath)
	}
	s.forwarder.CloseIdleConnections()
	return err
}

func (s *Server) closeListeners() {
	if s.tcpListener != nil {
		s.tcpListener.Close()
	}
	if s.adminListener != nil {
		s.adminListener.Close()
	}
}

// publish installs routes for the current registry. A failed reload is
// logged and not returned: the installed configuration is valid and the
// next publish retries the reload.
func (s *Server) publish(ctx context.Context) error {
	err := s.publisher.Publish(context.WithoutCancel(ctx), s.supervisor.Snapshot())
	var reloadError *routing.ReloadError
	if errors.As(err, &reloadError) {
		s.logger.Warn("proxy reload deferred to next publish", "error", err)
		return nil
	}
	return err
}
