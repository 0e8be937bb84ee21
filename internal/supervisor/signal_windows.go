//go:build windows

package supervisor

import "os"

func terminateSignal() os.Signal {
	return os.Kill
}
