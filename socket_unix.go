//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package crisola

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseControl lets several peers of the same host bind the group port.
func reuseControl(_, _ string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if serr != nil {
			return
		}
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

func isInterrupted(err error) bool {
	return errors.Is(err, unix.EINTR)
}
