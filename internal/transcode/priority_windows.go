//go:build windows

package transcode

import "os/exec"

// Windows has no ionice/nice wrappers; the command runs unwrapped.
func wrapPriority(name string, args []string) (string, []string) {
	return name, args
}

// SoftTerminate falls back to Kill: Windows offers no cross-process SIGTERM
// equivalent for console children.
func SoftTerminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
