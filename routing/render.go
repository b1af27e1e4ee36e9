// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/aymerick/raymond"
	"github.com/zeebo/blake3"

	"github.com/atrox-gateway/atrox-gateway-app-sub000/pun"
)

// RoutesFile is the aggregate routing map in every bundle.
const RoutesFile = "routes.conf"

const (
	DefaultIdentityVariable = "$remote_user"
	DefaultUpstreamVariable = "$atrox_pun_upstream"
)

var upstreamTemplate = raymond.MustParse(`# Generated by atrox-gateway. Do not edit.
upstream {{{upstream}}} {
    server unix:{{{endpoint}}};
    keepalive 4;
}
`)

var routesTemplate = raymond.MustParse(`# Generated by atrox-gateway. Do not edit.
map {{{identityVariable}}} {{{upstreamVariable}}} {
    default "";
{{#each routes}}
    "{{{identity}}}" {{{upstream}}};
{{/each}}
}
`)

// Bundle is a rendered configuration: file name to content.
type Bundle map[string][]byte

// Names returns the file names in lexical order.
func (b Bundle) Names() []string {
	names := make([]string, 0, len(b))
	for name := range b {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Digest is the hex BLAKE3 hash of the bundle's names and contents.
// Equal bundles have equal digests.
func (b Bundle) Digest() string {
	hasher := blake3.New()
	for _, name := range b.Names() {
		content := b[name]
		fmt.Fprintf(hasher, "%s\x00%d\x00", name, len(content))
		hasher.Write(content)
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// Renderer produces nginx configuration from a snapshot.
type Renderer struct {
	// IdentityVariable is the nginx variable holding the
	// authenticated user. Defaults to DefaultIdentityVariable.
	IdentityVariable string

	// UpstreamVariable receives the upstream name for the request.
	// Defaults to DefaultUpstreamVariable.
	UpstreamVariable string
}

// UpstreamName is the nginx upstream for identity.
func UpstreamName(identity string) string {
	return identity + "_backend"
}

// UpstreamFile is the bundle file defining identity's upstream.
func UpstreamFile(identity string) string {
	return "upstream-" + identity + ".conf"
}

// Render is a pure function of the set of routes in snapshot: the
// order of snapshot.Routes and the snapshot version do not affect the
// output.
func (r Renderer) Render(snapshot pun.Snapshot) (Bundle, error) {
	identityVariable := r.IdentityVariable
	if identityVariable == "" {
		identityVariable = DefaultIdentityVariable
	}
	upstreamVariable := r.UpstreamVariable
	if upstreamVariable == "" {
		upstreamVariable = DefaultUpstreamVariable
	}
	for _, variable := range []string{identityVariable, upstreamVariable} {
		if !isNginxVariable(variable) {
			return nil, fmt.Errorf("invalid nginx variable %q", variable)
		}
	}

	routes := make([]pun.Route, len(snapshot.Routes))
	copy(routes, snapshot.Routes)
	sort.Slice(routes, func(i, j int) bool { return routes[i].Identity < routes[j].Identity })

	bundle := make(Bundle, len(routes)+1)
	entries := make([]map[string]string, 0, len(routes))
	for i, route := range routes {
		if i > 0 && routes[i-1].Identity == route.Identity {
			return nil, fmt.Errorf("duplicate route for %s", route.Identity)
		}
		if err := pun.ValidateIdentity(route.Identity); err != nil {
			return nil, err
		}
		if !isSafeEndpoint(route.Endpoint) {
			return nil, fmt.Errorf("endpoint for %s is not a safe absolute path: %q", route.Identity, route.Endpoint)
		}
		entry := map[string]string{
			"identity": route.Identity,
			"upstream": UpstreamName(route.Identity),
			"endpoint": route.Endpoint,
		}
		content, err := upstreamTemplate.Exec(entry)
		if err != nil {
			return nil, fmt.Errorf("rendering upstream for %s: %w", route.Identity, err)
		}
		bundle[UpstreamFile(route.Identity)] = []byte(content)
		entries = append(entries, entry)
	}

	content, err := routesTemplate.Exec(map[string]interface{}{
		"identityVariable": identityVariable,
		"upstreamVariable": upstreamVariable,
		"routes":           entries,
	})
	if err != nil {
		return nil, fmt.Errorf("rendering %s: %w", RoutesFile, err)
	}
	bundle[RoutesFile] = []byte(content)
	return bundle, nil
}

func isNginxVariable(name string) bool {
	if len(name) < 2 || name[0] != '$' {
		return false
	}
	for _, c := range name[1:] {
		if !(c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// isSafeEndpoint rejects paths that could break out of an nginx
// directive.
func isSafeEndpoint(path string) bool {
	return strings.HasPrefix(path, "/") && !strings.ContainsAny(path, " \t\r\n;{}\"'$#\\")
}
