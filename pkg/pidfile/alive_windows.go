//go:build windows

package pidfile

import "os"

// Windows builds are used for development only. FindProcess fails for
// PIDs that do not exist, which is enough of a liveness probe there.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	_, err := os.FindProcess(pid)
	return err == nil
}
