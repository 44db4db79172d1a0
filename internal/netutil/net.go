// Package netutil provides host-matching helpers used by the DNS rebinding
// defense in the streamable-HTTP transport (spec §4.4).
package netutil

import (
	"net"
	"net/netip"
	"strings"
)

// IsLoopback reports whether addr (a host, or host:port) refers to the
// local machine.
func IsLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		// If SplitHostPort fails, it might be just a host without a port.
		host = strings.Trim(addr, "[]")
	}
	if host == "localhost" {
		return true
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return ip.IsLoopback()
}

// HostAllowed reports whether host matches one of the allow-listed patterns.
// A pattern is either an exact host (optionally with port) or "*" to allow
// any host. Matching is case-insensitive and ignores a trailing ":port" on
// host when the pattern carries no port.
func HostAllowed(host string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	hostNoPort, _, err := net.SplitHostPort(host)
	if err != nil {
		hostNoPort = host
	}
	for _, pattern := range allowed {
		if pattern == "*" {
			return true
		}
		if strings.EqualFold(pattern, host) || strings.EqualFold(pattern, hostNoPort) {
			return true
		}
	}
	return false
}
