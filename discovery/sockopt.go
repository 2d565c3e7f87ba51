package discovery

import (
	"context"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

var (
	// responders share the discovery port with other responders on the host
	responderOpts = []int{unix.SO_REUSEADDR, unix.SO_REUSEPORT}
	// the prober owns its port alone so every reply reaches it
	proberOpts = []int{unix.SO_BROADCAST}
)

// listenUDP binds a UDP4 socket with the given SOL_SOCKET options enabled.
func listenUDP(ctx context.Context, addr string, opts []int) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				for _, opt := range opts {
					if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opt, 1); serr != nil {
						serr = os.NewSyscallError("setsockopt", serr)
						return
					}
				}
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}
