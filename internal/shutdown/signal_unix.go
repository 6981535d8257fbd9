//go:build !windows

package shutdown

import (
	"os"
	"syscall"
)

// Signals returns the signals that stop the relay.
func Signals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP}
}
