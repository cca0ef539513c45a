//go:build !windows

package transcode

import (
	"os/exec"
	"syscall"
)

// wrapPriority prepends ionice/nice so ffmpeg runs at idle I/O and low CPU
// priority, leaving headroom for the rest of the host.
func wrapPriority(name string, args []string) (string, []string) {
	wrapped := append([]string{"-c", "3", "nice", "-n", "15", name}, args...)
	return "ionice", wrapped
}

// SoftTerminate asks the process to exit cleanly.
func SoftTerminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(syscall.SIGTERM)
}
