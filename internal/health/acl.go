// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package health serves the broker's CIDR-gated liveness and stats
// endpoints.
package health

import (
	"net"
	"net/http"
)

// ACL gates HTTP access by remote IP/CIDR, deny-by-default: only an address
// contained in at least one configured CIDR is allowed through.
type ACL struct {
	nets []*net.IPNet
}

// NewACL builds an ACL from already-parsed CIDRs (config.HealthConfig's
// ParsedCIDRs).
func NewACL(cidrs []*net.IPNet) *ACL {
	return &ACL{nets: cidrs}
}

// Middleware wraps next with the ACL check, replying 403 Forbidden to any
// remote address not covered by an allowed CIDR.
func (a *ACL) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Allowed(r.RemoteAddr) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allowed reports whether the remote address (host:port, or a bare host) is
// permitted by the ACL.
func (a *ACL) Allowed(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	for _, cidr := range a.nets {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}
