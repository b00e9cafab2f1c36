//go:build !unix

package claude

import "os/exec"

func setProcAttributes(cmd *exec.Cmd) {}

// killTree kills only the direct process; descendants are left to the OS.
func killTree(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
}
