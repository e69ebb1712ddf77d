//go:build !(linux || darwin || dragonfly || freebsd || netbsd || openbsd)

package crisola

import "syscall"

// The runtime already sets SO_REUSEADDR when listening on a multicast
// address.
func reuseControl(_, _ string, _ syscall.RawConn) error {
	return nil
}

func isInterrupted(error) bool {
	return false
}
