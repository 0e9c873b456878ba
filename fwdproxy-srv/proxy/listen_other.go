//go:build !unix

package proxy

import (
	"errors"
	"syscall"
)

func setReuseAddr(_, _ string, _ syscall.RawConn) error {
	return nil
}

func isPeerReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}
