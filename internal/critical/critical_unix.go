//go:build unix

package critical

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

var deferred = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT}

func raise(sig os.Signal) {
	if s, ok := sig.(syscall.Signal); ok {
		_ = unix.Kill(unix.Getpid(), s)
	}
}
