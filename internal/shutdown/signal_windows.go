//go:build windows

package shutdown

import (
	"os"
	"syscall"
)

// Signals returns the signals that stop the relay. Windows only delivers
// console interrupts and SIGTERM emulation.
func Signals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM}
}
