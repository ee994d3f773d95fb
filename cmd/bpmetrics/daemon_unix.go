//go:build unix

package main

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// isDaemonChild reports whether this process is the detached copy.
func isDaemonChild() bool {
	return os.Getenv(daemonEnv) == "1"
}

// detach re-executes the binary in a new session with stdio on /dev/null.
// Params: none.
// Returns: error when the child could not be started.
func detach() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start child: %w", err)
	}
	return cmd.Process.Release()
}
