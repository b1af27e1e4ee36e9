// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package forward relays HTTP requests to per-user workers over their
// unix sockets.
package forward

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/atrox-gateway/atrox-gateway-app-sub000/pun"
)

const (
	DefaultConnectTimeout  = 2 * time.Second
	DefaultResponseTimeout = 60 * time.Second
)

// Workers is the view of the worker pool the forwarder needs.
// *pun.Supervisor implements it.
type Workers interface {
	Lookup(identity string) (pun.Handle, bool)
	Touch(identity string)
}

// Config configures New.
type Config struct {
	Workers Workers

	// ConnectTimeout bounds connecting to the worker's socket.
	ConnectTimeout time.Duration

	// ResponseTimeout bounds the whole exchange, from sending the
	// request until the response body is closed.
	ResponseTimeout time.Duration

	Logger *slog.Logger
}

// Forwarder sends requests to the worker of the identity they belong
// to. Connections are pooled per worker endpoint.
type Forwarder struct {
	workers         Workers
	transport       *http.Transport
	connectTimeout  time.Duration
	responseTimeout time.Duration
	logger          *slog.Logger
}

type endpointKey struct{}

// New returns a Forwarder.
func New(cfg Config) *Forwarder {
	f := &Forwarder{
		workers:         cfg.Workers,
		connectTimeout:  cfg.ConnectTimeout,
		responseTimeout: cfg.ResponseTimeout,
		logger:          cfg.Logger,
	}
	if f.connectTimeout <= 0 {
		f.connectTimeout = DefaultConnectTimeout
	}
	if f.responseTimeout <= 0 {
		f.responseTimeout = DefaultResponseTimeout
	}
	if f.logger == nil {
		f.logger = slog.New(slog.DiscardHandler)
	}

	f.transport = &http.Transport{
		// Every worker gets a synthetic host name derived from its
		// endpoint, so the pool keeps connections to different
		// workers apart. The endpoint itself rides in the context.
		DialContext: func(ctx context.Context, _, address string) (net.Conn, error) {
			endpoint, ok := ctx.Value(endpointKey{}).(string)
			if !ok || hostFor(endpoint)+":80" != address {
				return nil, &dialError{err: fmt.Errorf("no endpoint for %s", address)}
			}
			dialer := net.Dialer{Timeout: f.connectTimeout}
			conn, err := dialer.DialContext(ctx, "unix", endpoint)
			if err != nil {
				return nil, &dialError{err: err}
			}
			return conn, nil
		},
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		// Bodies are relayed as-is.
		DisableCompression: true,
	}
	return f
}

// hostFor returns the synthetic host name for endpoint.
func hostFor(endpoint string) string {
	sum := blake3.Sum256([]byte(endpoint))
	return "pun-" + hex.EncodeToString(sum[:10]) + ".invalid"
}

// Forward sends req to identity's worker and returns its response
// unmodified apart from hop-by-hop headers. The caller must close the
// response body, which also ends the response timeout.
//
// Errors: ErrWorkerUnavailable when there is no running worker,
// *BadGatewayError when the worker cannot be reached or breaks the
// exchange, ErrGatewayTimeout when the response timeout expires, and
// ctx.Err() when ctx ends first.
func (f *Forwarder) Forward(ctx context.Context, identity string, req *http.Request) (*http.Response, error) {
	handle, ok := f.workers.Lookup(identity)
	if !ok {
		return nil, ErrWorkerUnavailable
	}

	exchangeContext, cancel := context.WithTimeout(ctx, f.responseTimeout)
	exchangeContext = context.WithValue(exchangeContext, endpointKey{}, handle.Endpoint)

	outbound := req.Clone(exchangeContext)
	outbound.RequestURI = ""
	outbound.URL = &url.URL{
		Scheme:   "http",
		Host:     hostFor(handle.Endpoint),
		Path:     req.URL.Path,
		RawPath:  req.URL.RawPath,
		RawQuery: req.URL.RawQuery,
	}
	outbound.Host = req.Host
	outbound.Header = endToEndHeaders(req.Header)
	outbound.Close = false

	started := time.Now()
	response, err := f.transport.RoundTrip(outbound)
	if err != nil {
		cancel()
		return nil, f.classify(ctx, exchangeContext, identity, handle.Endpoint, err, time.Since(started))
	}

	response.Header = endToEndHeaders(response.Header)
	response.Body = &cancelOnClose{ReadCloser: response.Body, cancel: cancel}
	f.workers.Touch(identity)
	return response, nil
}

func (f *Forwarder) classify(parent, exchange context.Context, identity, endpoint string, err error, elapsed time.Duration) error {
	if parentErr := parent.Err(); parentErr != nil {
		return parentErr
	}
	var dialErr *dialError
	if !errors.As(err, &dialErr) && errors.Is(exchange.Err(), context.DeadlineExceeded) {
		f.logger.Warn("worker response timed out",
			"identity", identity,
			"endpoint", endpoint,
			"duration", elapsed,
		)
		return ErrGatewayTimeout
	}
	f.logger.Warn("worker unreachable",
		"identity", identity,
		"endpoint", endpoint,
		"error", err,
	)
	return &BadGatewayError{Identity: identity, Endpoint: endpoint, Err: err}
}

// CloseIdleConnections closes pooled connections to workers.
func (f *Forwarder) CloseIdleConnections() {
	f.transport.CloseIdleConnections()
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// endToEndHeaders copies header without hop-by-hop fields, including
// any named in its Connection header.
func endToEndHeaders(header http.Header) http.Header {
	named := map[string]bool{}
	for _, value := range header.Values("Connection") {
		for _, field := range strings.Split(value, ",") {
			if field = strings.TrimSpace(field); field != "" {
				named[strings.ToLower(field)] = true
			}
		}
	}
	cleaned := make(http.Header, len(header))
	for key, values := range header {
		lower := strings.ToLower(key)
		if hopByHopHeaders[lower] || named[lower] {
			continue
		}
		cleaned[key] = append([]string(nil), values...)
	}
	return cleaned
}
