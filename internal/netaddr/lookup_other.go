//go:build !linux

package netaddr

import "net"

// PrimaryIPv4 needs rtnetlink; elsewhere no address is advertised.
func PrimaryIPv4() (net.IP, error) {
	return nil, ErrNoAddress
}
