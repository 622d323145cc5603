//go:build darwin || freebsd || openbsd || netbsd

package serial

import (
	"io"

	"github.com/pkg/term"
)

func openSerial(path string, baud int) (io.ReadWriteCloser, error) {
	t, err := term.Open(path, term.RawMode, term.Speed(baud))
	if err != nil {
		return nil, err
	}
	return t, nil
}
