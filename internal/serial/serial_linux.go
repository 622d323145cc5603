//go:build linux

package serial

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

func openSerial(path string, baud int) (io.ReadWriteCloser, error) {
	// Non-blocking so the runtime poller owns the fd and Close interrupts a
	// pending Read.
	flag := unix.O_RDWR | unix.O_NOCTTY | unix.O_NONBLOCK
	fd, err := unix.Open(path, flag, 0)
	if err != nil {
		return nil, err
	}

	ok := false
	defer func() {
		if !ok {
			_ = unix.Close(fd)
		}
	}()

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, err
	}

	spd, err := baudToUnix(baud)
	if err != nil {
		return nil, err
	}

	// Raw 8N1, no flow control: RTCM is binary and must pass untouched.
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CRTSCTS
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL

	// Reads complete as soon as one byte is available; no inter-byte timer.
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	t.Cflag &^= unix.CBAUD
	t.Cflag |= spd
	t.Ispeed = spd
	t.Ospeed = spd

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return nil, err
	}

	f := os.NewFile(uintptr(fd), path)
	if f == nil {
		return nil, fmt.Errorf("os.NewFile failed")
	}
	ok = true
	return f, nil
}

func baudToUnix(baud int) (uint32, error) {
	switch baud {
	case 4800:
		return unix.B4800, nil
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	case 57600:
		return unix.B57600, nil
	case 115200:
		return unix.B115200, nil
	case 230400:
		return unix.B230400, nil
	case 460800:
		return unix.B460800, nil
	case 921600:
		return unix.B921600, nil
	default:
		return 0, fmt.Errorf("unsupported baud %d", baud)
	}
}
