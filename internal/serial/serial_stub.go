//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd

package serial

import (
	"fmt"
	"io"
)

func openSerial(path string, baud int) (io.ReadWriteCloser, error) {
	return nil, fmt.Errorf("serial not supported on this platform")
}
