//go:build linux

package netaddr

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// linkLister is the netlink surface used here. Tests replace it.
type linkLister interface {
	LinkList() ([]netlink.Link, error)
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
}

type netlinkLister struct{}

func (netlinkLister) LinkList() ([]netlink.Link, error) {
	return netlink.LinkList()
}

func (netlinkLister) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return netlink.AddrList(link, family)
}

// PrimaryIPv4 returns the first non-loopback IPv4 address on an interface
// that is up.
func PrimaryIPv4() (net.IP, error) {
	return primaryIPv4(netlinkLister{})
}

func primaryIPv4(nl linkLister) (net.IP, error) {
	links, err := nl.LinkList()
	if err != nil {
		return nil, fmt.Errorf("netaddr: list links: %w", err)
	}
	for _, link := range links {
		attrs := link.Attrs()
		if attrs == nil || attrs.Flags&net.FlagUp == 0 || attrs.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := nl.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if a.IPNet == nil || a.IP.IsLoopback() || a.IP.To4() == nil {
				continue
			}
			return a.IP, nil
		}
	}
	return nil, ErrNoAddress
}
