// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/atrox-gateway/atrox-gateway-app-sub000/pun"
)

// DefaultIdentityHeader is the header HeaderIdentity reads when none is
// configured.
const DefaultIdentityHeader = "X-Remote-User"

// ErrNoIdentity is returned by an IdentityResolver when the request
// carries no authenticated user.
var ErrNoIdentity = errors.New("request carries no authenticated identity")

// IdentityResolver extracts the authenticated account name from a
// request. Authentication itself happens in front of the gateway.
type IdentityResolver interface {
	Resolve(r *http.Request) (string, error)
}

// HeaderIdentity trusts a header set by the authenticating front
// proxy. The front proxy must strip any client-supplied copy.
type HeaderIdentity struct {
	Header string
}

// Resolve returns the header value after checking it is usable as an
// identity.
func (h HeaderIdentity) Resolve(r *http.Request) (string, error) {
	header := h.Header
	if header == "" {
		header = DefaultIdentityHeader
	}
	identity := strings.TrimSpace(r.Header.Get(header))
	if identity == "" {
		return "", ErrNoIdentity
	}
	if err := pun.ValidateIdentity(identity); err != nil {
		return "", err
	}
	return identity, nil
}
