//go:build unix

package client

import "syscall"

// detached starts the daemon in its own session so it outlives the client's
// terminal.
func detached() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
