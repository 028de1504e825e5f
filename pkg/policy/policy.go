// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package policy decides which origins the proxy may connect to.
package policy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/absmach/fwdproxy/pkg/resolver"
	"gopkg.in/yaml.v3"
)

// Policy is consulted before any upstream connection is attempted.
type Policy interface {
	Allow(ctx context.Context, target resolver.Target) bool
}

// AddrPolicy is implemented by policies that also vet the addresses a host
// name resolves to.
type AddrPolicy interface {
	AllowAddr(ctx context.Context, ip net.IP, port int) bool
}

// AllowAll permits every destination.
type AllowAll struct{}

var _ Policy = AllowAll{}

func (AllowAll) Allow(context.Context, resolver.Target) bool {
	return true
}

// Rules is the file representation of a List.
//
//	allow:
//	  - "*.example.com"
//	  - "api.internal:8443"
//	deny:
//	  - "10.0.0.0/8"
//	  - "admin.example.com"
type Rules struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

type rule struct {
	host    string // exact name, or suffix including the leading dot
	suffix  bool
	any     bool
	network *net.IPNet
	port    int // zero matches any port
}

func (r rule) match(t resolver.Target) bool {
	if r.port != 0 && r.port != t.Port {
		return false
	}
	switch {
	case r.any:
		return true
	case r.network != nil:
		ip := net.ParseIP(t.Host)
		return ip != nil && r.network.Contains(ip)
	case r.suffix:
		return strings.HasSuffix(t.Host, r.host)
	default:
		return t.Host == r.host
	}
}

func (r rule) matchAddr(ip net.IP, port int) bool {
	if r.port != 0 && r.port != port {
		return false
	}
	switch {
	case r.any:
		return true
	case r.network != nil:
		return r.network.Contains(ip)
	default:
		return r.host != "" && r.host == ip.String()
	}
}

// parseRule accepts "*", a host name, "*.suffix", an IP literal or a CIDR
// block. Names and IPv4 forms may carry a ":port" suffix; IPv6 forms need
// brackets for that, as in "[::1]:8080".
func parseRule(s string) (rule, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return rule{}, errors.New("empty rule")
	}

	var r rule
	host := s
	if h, p, err := net.SplitHostPort(s); err == nil {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return rule{}, fmt.Errorf("rule %q: invalid port", s)
		}
		host, r.port = h, port
	} else if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		host = s[1 : len(s)-1]
	}

	switch {
	case host == "*":
		r.any = true
	case strings.Contains(host, "/"):
		_, network, err := net.ParseCIDR(host)
		if err != nil {
			return rule{}, fmt.Errorf("rule %q: %w", s, err)
		}
		r.network = network
	case net.ParseIP(host) != nil:
		r.host = net.ParseIP(host).String()
	case strings.HasPrefix(host, "*."):
		if len(host) == 2 || strings.ContainsAny(host[2:], "*:/ ") {
			return rule{}, fmt.Errorf("rule %q: invalid host", s)
		}
		r.suffix = true
		r.host = normalize(host[1:])
	default:
		if strings.ContainsAny(host, "*:/ ") {
			return rule{}, fmt.Errorf("rule %q: invalid host", s)
		}
		r.host = normalize(host)
	}
	return r, nil
}

func normalize(host string) string {
	return strings.TrimSuffix(strings.ToLower(host), ".")
}

// List is an allow/deny list. A matching deny rule always wins; an empty
// allow list allows every destination that is not denied.
//
// Allow sees the requested target only, so IP and CIDR rules match IP
// literals there. Deny rules reach the addresses a host name resolves to
// through AllowAddr.
type List struct {
	allow []rule
	deny  []rule
}

var (
	_ Policy     = (*List)(nil)
	_ AddrPolicy = (*List)(nil)
)

// NewList compiles rules.
func NewList(rules Rules) (*List, error) {
	l := &List{}
	for _, s := range rules.Allow {
		r, err := parseRule(s)
		if err != nil {
			return nil, fmt.Errorf("allow: %w", err)
		}
		l.allow = append(l.allow, r)
	}
	for _, s := range rules.Deny {
		r, err := parseRule(s)
		if err != nil {
			return nil, fmt.Errorf("deny: %w", err)
		}
		l.deny = append(l.deny, r)
	}
	return l, nil
}

// Allow implements Policy.
func (l *List) Allow(_ context.Context, target resolver.Target) bool {
	for _, r := range l.deny {
		if r.match(target) {
			return false
		}
	}
	if len(l.allow) == 0 {
		return true
	}
	for _, r := range l.allow {
		if r.match(target) {
			return true
		}
	}
	return false
}

// AllowAddr implements AddrPolicy. Only deny rules apply; the allow list
// was already checked against the requested name.
func (l *List) AllowAddr(_ context.Context, ip net.IP, port int) bool {
	for _, r := range l.deny {
		if r.matchAddr(ip, port) {
			return false
		}
	}
	return true
}

// Parse decodes YAML rules. Unknown fields are rejected and an empty
// document yields an empty list.
func Parse(data []byte) (*List, error) {
	var rules Rules
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rules); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	return NewList(rules)
}

// Load reads a YAML policy file.
func Load(path string) (*List, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return Parse(data)
}
