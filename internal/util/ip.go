package util

import "net"

// IsLoopbackHostname reports whether hostname names the local machine:
// "localhost", any address in 127.0.0.0/8, or ::1. It expects a hostname
// without a port, as returned by url.URL.Hostname.
//
// 0.0.0.0 is unspecified, not loopback.
func IsLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}

	clean := hostname
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		clean = hostname[1 : len(hostname)-1]
	}
	if ip := net.ParseIP(clean); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
