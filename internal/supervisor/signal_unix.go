//go:build !windows

package supervisor

import (
	"os"
	"syscall"
)

func terminateSignal() os.Signal {
	return syscall.SIGTERM
}
