//go:build unix

package claude

import (
	"os/exec"
	"syscall"
)

// setProcAttributes puts the runtime in its own process group so the whole
// tree (node, spawned shells, tool subprocesses) can be signalled together.
func setProcAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killTree kills the process group; falls back to the process itself when
// the group signal fails.
func killTree(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		cmd.Process.Kill()
	}
}
