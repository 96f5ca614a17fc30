//go:build unix

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup starts the child in its own process group so an
// interrupt reaches every process it spawns.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// interrupt sends SIGINT to the child's process group. A group that is
// already gone is not an error.
func interrupt(p *os.Process) error {
	err := unix.Kill(-p.Pid, unix.SIGINT)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
