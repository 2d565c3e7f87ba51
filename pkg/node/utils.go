package node

import (
	"net"
	"net/netip"
	"strings"
)

// NormalizeHostPort cuts the http:// https:// prefixes from the input address
// adds a default port
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}
	addr = strings.TrimSuffix(addr, "/")

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return net.JoinHostPort(addr, defPort)
}

// ParseEndpoint normalizes addr and resolves it to an IP endpoint.
func ParseEndpoint(addr, defPort string) (netip.AddrPort, error) {
	hp := NormalizeHostPort(addr, defPort)
	if ap, err := netip.ParseAddrPort(hp); err == nil {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
	tcp, err := net.ResolveTCPAddr("tcp", hp)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ap := tcp.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}
