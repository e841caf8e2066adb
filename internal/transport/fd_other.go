//go:build !unix

package transport

import (
	"errors"
	"io"
)

// OpenFD is only available on unix platforms.
func OpenFD(fd int) (io.ReadWriteCloser, error) {
	return nil, errors.New("interface descriptors are not supported on this platform")
}
