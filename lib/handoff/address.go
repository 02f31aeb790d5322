// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handoff

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Address is where the operator side can receive SIP messages.
type Address struct {
	IP        string
	Port      int
	Extension string
}

// ParseAddress parses the mailbox form ip:port:extension. The IP may be
// an IPv6 literal, optionally bracketed.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	rest, extension, ok := cutLast(s)
	if !ok || extension == "" {
		return Address{}, fmt.Errorf("handoff: address %q: want ip:port:extension", s)
	}
	host, portText, ok := cutLast(rest)
	if !ok {
		return Address{}, fmt.Errorf("handoff: address %q: want ip:port:extension", s)
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port <= 0 || port > 65535 {
		return Address{}, fmt.Errorf("handoff: address %q: bad port %q", s, portText)
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if net.ParseIP(host) == nil {
		return Address{}, fmt.Errorf("handoff: address %q: bad ip %q", s, host)
	}
	return Address{IP: host, Port: port, Extension: extension}, nil
}

func cutLast(s string) (before, after string, ok bool) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+1:], true
}

// String renders the mailbox form.
func (a Address) String() string {
	host := a.IP
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s:%d:%s", host, a.Port, a.Extension)
}
