// Package netaddr finds the address clients should use to reach this host.
package netaddr

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

var ErrNoAddress = errors.New("netaddr: no usable ipv4 address")

// WebSocketURL renders the ws:// URL for a listener bound to listenAddr.
// Wildcard hosts are replaced with ip.
func WebSocketURL(ip net.IP, listenAddr string) (string, error) {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return "", fmt.Errorf("netaddr: listen addr %q: %w", listenAddr, err)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("netaddr: listen port %q: %w", port, err)
	}
	if h := net.ParseIP(host); host == "" || (h != nil && h.IsUnspecified()) {
		if ip == nil {
			return "", ErrNoAddress
		}
		host = ip.String()
	}
	return "ws://" + net.JoinHostPort(host, port) + "/", nil
}
