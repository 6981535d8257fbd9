//go:build unix

package sockopt

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func (o Options) control(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if o.ReuseAddr {
			if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
				return
			}
		}
		if o.ReadBuffer > 0 {
			if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, o.ReadBuffer); sockErr != nil {
				return
			}
		}
		if o.WriteBuffer > 0 {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, o.WriteBuffer)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}
