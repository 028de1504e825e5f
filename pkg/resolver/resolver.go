// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package resolver derives the upstream destination of a proxied request.
package resolver

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	perrors "github.com/absmach/fwdproxy/pkg/errors"
	"github.com/absmach/fwdproxy/pkg/parser/http"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/idna"
)

const (
	defaultHTTPPort  = 80
	defaultHTTPSPort = 443
)

// Target identifies an origin server.
type Target struct {
	Scheme string
	Host   string // lower-case ASCII name or IP literal without brackets
	Port   int
}

// Addr returns the dialable host:port form of t.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// String implements fmt.Stringer.
func (t Target) String() string {
	return t.Addr()
}

var hostProfile = idna.New(idna.MapForLookup(), idna.BidiRule(), idna.StrictDomainName(false))

// Resolve extracts the destination of req. CONNECT requests carry it in
// authority form, proxy requests in absolute form; anything else falls back
// to the Host header. Name resolution is left to the dialer.
func Resolve(req *http.Message) (Target, error) {
	switch {
	case req.Method == "CONNECT":
		return parseConnectAuthority(req.Target)
	case isAbsolute(req.Target):
		return parseAbsolute(req.Target)
	}

	hosts := req.Header.Values("Host")
	switch {
	case len(hosts) > 1:
		return Target{}, fmt.Errorf("%w: multiple Host fields", perrors.ErrMalformedMessage)
	case len(hosts) == 0 || hosts[0] == "":
		return Target{}, perrors.ErrMissingHost
	}
	host, port, err := parseAuthority(hosts[0], defaultHTTPPort)
	if err != nil {
		return Target{}, err
	}
	return Target{Scheme: "http", Host: host, Port: port}, nil
}

func isAbsolute(target string) bool {
	i := strings.Index(target, "://")
	return i > 0 && !strings.ContainsAny(target[:i], "/?#")
}

func parseAbsolute(target string) (Target, error) {
	scheme, authority, _ := splitAbsolute(target)
	switch scheme {
	case "http":
	default:
		return Target{}, fmt.Errorf("%w: unsupported scheme %q", perrors.ErrMalformedMessage, scheme)
	}
	if authority == "" {
		return Target{}, perrors.ErrMissingHost
	}
	host, port, err := parseAuthority(authority, defaultHTTPPort)
	if err != nil {
		return Target{}, err
	}
	return Target{Scheme: scheme, Host: host, Port: port}, nil
}

func parseConnectAuthority(target string) (Target, error) {
	if _, _, err := net.SplitHostPort(target); err != nil {
		return Target{}, fmt.Errorf("%w: CONNECT target %q", perrors.ErrMalformedMessage, target)
	}
	host, port, err := parseAuthority(target, 0)
	if err != nil {
		return Target{}, err
	}
	scheme := "tcp"
	if port == defaultHTTPSPort {
		scheme = "https"
	}
	return Target{Scheme: scheme, Host: host, Port: port}, nil
}

// splitAbsolute splits an absolute URI into its lower-cased scheme, its
// authority without userinfo, and the remainder starting at the path.
func splitAbsolute(target string) (scheme, authority, rest string) {
	i := strings.Index(target, "://")
	scheme = strings.ToLower(target[:i])
	after := target[i+3:]
	end := strings.IndexAny(after, "/?#")
	if end < 0 {
		end = len(after)
	}
	authority, rest = after[:end], after[end:]
	if at := strings.LastIndexByte(authority, '@'); at >= 0 {
		authority = authority[at+1:]
	}
	return scheme, authority, rest
}

// parseAuthority splits host[:port], validates it and normalizes the host.
// A zero defaultPort makes the port mandatory.
func parseAuthority(authority string, defaultPort int) (string, int, error) {
	if !httpguts.ValidHostHeader(authority) {
		return "", 0, fmt.Errorf("%w: invalid host %q", perrors.ErrMalformedMessage, authority)
	}

	host, portStr := authority, ""
	if h, p, err := net.SplitHostPort(authority); err == nil {
		host, portStr = h, p
	} else if strings.HasPrefix(authority, "[") && strings.HasSuffix(authority, "]") {
		host = authority[1 : len(authority)-1]
	} else if strings.Contains(authority, ":") {
		return "", 0, fmt.Errorf("%w: invalid host %q", perrors.ErrMalformedMessage, authority)
	}
	if host == "" {
		return "", 0, perrors.ErrMissingHost
	}

	port := defaultPort
	if portStr != "" {
		n, err := strconv.Atoi(portStr)
		if err != nil || n < 1 || n > 65535 {
			return "", 0, fmt.Errorf("%w: invalid port %q", perrors.ErrMalformedMessage, portStr)
		}
		port = n
	}
	if port == 0 {
		return "", 0, fmt.Errorf("%w: missing port in %q", perrors.ErrMalformedMessage, authority)
	}

	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), port, nil
	}
	if strings.HasPrefix(authority, "[") {
		return "", 0, fmt.Errorf("%w: invalid IP literal %q", perrors.ErrMalformedMessage, authority)
	}
	ascii, err := hostProfile.ToASCII(host)
	if err != nil {
		return "", 0, fmt.Errorf("%w: invalid host %q: %w", perrors.ErrMalformedMessage, host, err)
	}
	return strings.TrimSuffix(ascii, "."), port, nil
}

// OriginForm returns the request to send to the origin: absolute-form
// targets become origin-form with a matching Host header and the proxy-only
// fields are dropped. req is not modified.
func OriginForm(req *http.Message) *http.Message {
	out := *req
	out.Header = req.Header.Clone()

	if isAbsolute(req.Target) {
		_, authority, rest := splitAbsolute(req.Target)
		if i := strings.IndexByte(rest, '#'); i >= 0 {
			rest = rest[:i]
		}
		switch {
		case rest == "":
			rest = "/"
		case rest[0] == '?':
			rest = "/" + rest
		}
		out.Target = rest
		out.Header.Set("Host", authority)
	}

	out.Header.Del("Proxy-Connection")
	out.Header.Del("Proxy-Authorization")
	return &out
}
