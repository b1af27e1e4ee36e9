// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/atrox-gateway/atrox-gateway-app-sub000/forward"
	"github.com/atrox-gateway/atrox-gateway-app-sub000/pun"
	"github.com/atrox-gateway/atrox-gateway-app-sub000/routing"
)

// RequestIDHeader is set on every request that arrives without one and
// echoed on the response.
const RequestIDHeader = "X-Request-Id"

const defaultEventLimit = 100

type sessionResponse struct {
	Identity string `json:"identity"`
	State    string `json:"state"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type workerView struct {
	Identity     string    `json:"identity"`
	Endpoint     string    `json:"endpoint"`
	Generation   uint64    `json:"generation"`
	State        string    `json:"state"`
	PID          int       `json:"pid,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

type publishResponse struct {
	Digest        string `json:"digest"`
	Version       uint64 `json:"version"`
	Routes        int    `json:"routes"`
	ReloadPending bool   `json:"reload_pending"`
}

// handleLogin starts (or reuses) the caller's worker and publishes its
// route.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.resolveIdentity(w, r)
	if !ok {
		return
	}
	endpoint, err := s.supervisor.Ensure(r.Context(), identity)
	if err != nil {
		s.writeFailure(w, r, identity, err)
		return
	}
	if err := s.publish(r.Context()); err != nil {
		s.writeFailure(w, r, identity, err)
		return
	}
	s.logger.Info("session started", "identity", identity, "endpoint", endpoint, "request_id", r.Header.Get(RequestIDHeader))
	s.writeJSON(w, http.StatusOK, sessionResponse{Identity: identity, State: "running"})
}

// handleLogout stops the caller's worker and withdraws its route.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.resolveIdentity(w, r)
	if !ok {
		return
	}
	stopped, err := s.supervisor.Stop(r.Context(), identity)
	if err != nil {
		s.writeFailure(w, r, identity, err)
		return
	}
	if err := s.publish(r.Context()); err != nil {
		s.writeFailure(w, r, identity, err)
		return
	}
	s.logger.Info("session ended", "identity", identity, "had_worker", stopped, "request_id", r.Header.Get(RequestIDHeader))
	s.writeJSON(w, http.StatusOK, sessionResponse{Identity: identity, State: "stopped"})
}

// handleNode relays a request to the caller's worker. The /node prefix
// has already been stripped.
func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.resolveIdentity(w, r)
	if !ok {
		return
	}

	response, err := s.forwarder.Forward(r.Context(), identity, r)
	if errors.Is(err, forward.ErrWorkerUnavailable) && s.ensureOnMiss {
		s.logger.Info("no worker for request, starting one", "identity", identity, "path", r.URL.Path)
		if _, ensureErr := s.supervisor.Ensure(r.Context(), identity); ensureErr != nil {
			s.writeFailure(w, r, identity, ensureErr)
			return
		}
		if publishErr := s.publish(r.Context()); publishErr != nil {
			s.logger.Error("publishing routes after on-demand start failed", "identity", identity, "error", publishErr)
		}
		response, err = s.forwarder.Forward(r.Context(), identity, r)
	}
	if err != nil {
		s.writeFailure(w, r, identity, err)
		return
	}
	defer response.Body.Close()

	for name, values := range response.Header {
		w.Header()[name] = values
	}
	w.WriteHeader(response.StatusCode)
	copied, copyErr := copyFlushing(w, response.Body)
	if copyErr != nil && r.Context().Err() == nil {
		s.logger.Warn("relaying worker response interrupted",
			"identity", identity,
			"path", r.URL.Path,
			"bytes", copied,
			"error", copyErr,
		)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"workers": len(s.supervisor.Registry().List()),
	})
}

func (s *Server) handleAdminListWorkers(w http.ResponseWriter, r *http.Request) {
	handles := s.supervisor.Registry().List()
	workers := make([]workerView, 0, len(handles))
	for _, handle := range handles {
		workers = append(workers, workerView{
			Identity:     handle.Identity,
			Endpoint:     handle.Endpoint,
			Generation:   handle.Generation,
			State:        handle.State.String(),
			PID:          handle.PID(),
			CreatedAt:    handle.CreatedAt,
			LastActivity: handle.LastActivity,
		})
	}
	s.writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleAdminStopWorker(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")
	if err := pun.ValidateIdentity(identity); err != nil {
		s.writeFailure(w, r, identity, err)
		return
	}
	stopped, err := s.supervisor.Stop(r.Context(), identity)
	if err != nil {
		s.writeFailure(w, r, identity, err)
		return
	}
	if !stopped {
		s.writeError(w, http.StatusNotFound, "no worker for "+identity)
		return
	}
	if err := s.publish(r.Context()); err != nil {
		s.writeFailure(w, r, identity, err)
		return
	}
	s.logger.Info("worker stopped by operator", "identity", identity)
	s.writeJSON(w, http.StatusOK, sessionResponse{Identity: identity, State: "stopped"})
}

func (s *Server) handleAdminPublish(w http.ResponseWriter, r *http.Request) {
	snapshot := s.supervisor.Snapshot()
	err := s.publisher.Publish(context.WithoutCancel(r.Context()), snapshot)
	var reloadError *routing.ReloadError
	if err != nil && !errors.As(err, &reloadError) {
		s.writeFailure(w, r, "", err)
		return
	}
	s.writeJSON(w, http.StatusOK, publishResponse{
		Digest:        s.publisher.InstalledDigest(),
		Version:       snapshot.Version,
		Routes:        len(snapshot.Routes),
		ReloadPending: s.publisher.ReloadPending(),
	})
}

func (s *Server) handleAdminEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "event history is not configured")
		return
	}
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	recent, err := s.history.Recent(r.Context(), r.URL.Query().Get("identity"), limit)
	if err != nil {
		s.writeFailure(w, r, "", err)
		return
	}
	s.writeJSON(w, http.StatusOK, recent)
}

// resolveIdentity writes the error response itself when the request
// has no usable identity.
func (s *Server) resolveIdentity(w http.ResponseWriter, r *http.Request) (string, bool) {
	identity, err := s.identity.Resolve(r)
	if err != nil {
		s.writeFailure(w, r, "", err)
		return "", false
	}
	return identity, true
}

// statusFor maps a core error to the client-visible status and a
// message that does not leak internals.
func statusFor(err error) (int, string) {
	var (
		spawnError     *pun.SpawnError
		badGateway     *forward.BadGatewayError
		invalidRouting *routing.InvalidConfigError
	)
	switch {
	case errors.Is(err, ErrNoIdentity):
		return http.StatusUnauthorized, "authentication required"
	case errors.Is(err, pun.ErrInvalidIdentity):
		return http.StatusBadRequest, "invalid identity"
	case errors.Is(err, forward.ErrWorkerUnavailable):
		return http.StatusServiceUnavailable, "no session worker is running"
	case errors.As(err, &badGateway):
		return http.StatusBadGateway, "session worker is unreachable"
	case errors.Is(err, forward.ErrGatewayTimeout):
		return http.StatusGatewayTimeout, "session worker did not respond in time"
	case errors.As(err, &spawnError):
		return http.StatusInternalServerError, "could not start session worker"
	case errors.As(err, &invalidRouting):
		return http.StatusInternalServerError, "routing configuration was rejected"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, identity string, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		s.logger.Debug("client went away", "identity", identity, "path", r.URL.Path)
		return
	}
	status, message := statusFor(err)
	level := s.logger.Warn
	if status >= http.StatusInternalServerError {
		level = s.logger.Error
	}
	level("request failed",
		"identity", identity,
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"request_id", r.Header.Get(RequestIDHeader),
		"error", err,
	)
	s.writeError(w, status, message)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}

// writeJSON encodes value as JSON into w. Encoding errors mean the
// client disconnected and are only logged.
func (s *Server) writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		s.logger.Warn("writing JSON response", "error", err, "status", status)
	}
}

// withRequestID assigns a request ID when the client sent none. The ID
// travels to the worker with the other request headers.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// copyFlushing copies body to w, flushing after every chunk so
// streamed responses reach the client as the worker produces them.
func copyFlushing(w http.ResponseWriter, body io.Reader) (int64, error) {
	flusher, _ := w.(http.Flusher)
	buffer := make([]byte, 32<<10)
	var total int64
	for {
		n, readErr := body.Read(buffer)
		if n > 0 {
			written, writeErr := w.Write(buffer[:n])
			total += int64(written)
			if writeErr != nil {
				return total, writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, readErr
		}
	}
}
