package transport

import (
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
)

// IsClosedError reports whether err only signals that the connection or file
// was closed, locally or by a clean EOF.
func IsClosedError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "file already closed")
}

// IsResetError reports whether the peer aborted the connection.
func IsResetError(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}

// IsTimeoutError reports whether err is a deadline expiry.
func IsTimeoutError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
