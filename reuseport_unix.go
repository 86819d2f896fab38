//go:build unix

package sockcore

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// reusePortListenConfig returns a net.ListenConfig that sets SO_REUSEPORT
// (and SO_REUSEADDR) on the listening socket before bind, when reusePort is
// requested.
func reusePortListenConfig(reusePort bool) net.ListenConfig {
	if !reusePort {
		return net.ListenConfig{}
	}
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				if sockErr == nil {
					sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
}
