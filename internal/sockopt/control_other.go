//go:build !unix

package sockopt

import "syscall"

// Socket options are only applied on unix platforms.
func (o Options) control(network, address string, c syscall.RawConn) error {
	return nil
}
