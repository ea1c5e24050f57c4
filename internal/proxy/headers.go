// Copyright Kilo Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package proxy

import (
	"net"
	"net/http"
	"strings"
)

// hopByHopHeaders must not survive a proxy hop in either direction
// (RFC 9110 section 7.6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// cloneForUpstream copies inbound headers minus the hop-by-hop set, any
// headers named by Connection, and the admin token, which is consumed at
// the gateway.
func cloneForUpstream(in http.Header, adminTokenHeader string) http.Header {
	out := in.Clone()
	stripHopByHop(out)
	out.Del(adminTokenHeader)
	return out
}

// stripHopByHop removes the fixed hop-by-hop set plus whatever the
// Connection header itself names.
func stripHopByHop(h http.Header) {
	for _, name := range h.Values("Connection") {
		for _, field := range strings.Split(name, ",") {
			if field = strings.TrimSpace(field); field != "" {
				h.Del(field)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// setForwardedHeaders appends the caller to X-Forwarded-For and records the
// inbound scheme. An existing X-Forwarded-For list is appended to, not
// replaced.
func setForwardedHeaders(h http.Header, r *http.Request) {
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			h.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			h.Set("X-Forwarded-For", ip)
		}
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	h.Set("X-Forwarded-Proto", proto)
}

// copyResponseHeaders writes upstream headers to the caller, minus the
// hop-by-hop set. Transfer framing towards the caller is left to net/http.
func copyResponseHeaders(dst http.ResponseWriter, src http.Header) {
	cleaned := src.Clone()
	stripHopByHop(cleaned)
	for k, vv := range cleaned {
		for _, v := range vv {
			dst.Header().Add(k, v)
		}
	}
}
