//go:build !unix

package critical

import "os"

var deferred = []os.Signal{os.Interrupt}

func raise(sig os.Signal) {
	if p, err := os.FindProcess(os.Getpid()); err == nil {
		_ = p.Signal(sig)
	}
}
