// Package serial opens the receiver's serial link and splits it into an
// independently owned read half and write half.
package serial

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"rtkbridge/internal/fault"
)

// DefaultBaud is the receiver link speed.
const DefaultBaud = 115200

var ErrAlreadySplit = errors.New("serial: port already split")

// Port is an open serial device.
type Port struct {
	Device string
	Baud   int

	rwc       io.ReadWriteCloser
	split     atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open opens device in raw 8N1 mode. Reads block until at least one byte is
// available; there is no read timeout.
func Open(device string, baud int) (*Port, error) {
	device = strings.TrimSpace(device)
	if device == "" {
		return nil, fault.Connection("open serial", fmt.Errorf("serial device is required"))
	}
	if baud == 0 {
		baud = DefaultBaud
	}
	rwc, err := openSerial(device, baud)
	if err != nil {
		return nil, fault.Connection("open serial", fmt.Errorf("device=%s baud=%d: %w", device, baud, err))
	}
	return &Port{Device: device, Baud: baud, rwc: rwc}, nil
}

// NewPort wraps an already open byte stream, e.g. a pty or a socket.
func NewPort(device string, rwc io.ReadWriteCloser) *Port {
	return &Port{Device: device, rwc: rwc}
}

// ReadHalf is the receiver-to-host direction.
type ReadHalf struct {
	r io.Reader
}

func (h *ReadHalf) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fault.IO("read serial", err)
	}
	return n, err
}

// WriteHalf is the host-to-receiver direction.
type WriteHalf struct {
	w io.Writer
}

// Write writes all of p or returns an error.
func (h *WriteHalf) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := h.w.Write(p[written:])
		written += n
		if err != nil {
			return written, fault.IO("write serial", err)
		}
		if n == 0 {
			return written, fault.IO("write serial", io.ErrShortWrite)
		}
	}
	return written, nil
}

// Split hands out the two halves. It succeeds once per Port; each half must
// then be used by a single goroutine.
func (p *Port) Split() (*ReadHalf, *WriteHalf, error) {
	if p == nil || p.rwc == nil {
		return nil, nil, fmt.Errorf("serial port is not open")
	}
	if p.split.Swap(true) {
		return nil, nil, ErrAlreadySplit
	}
	return &ReadHalf{r: p.rwc}, &WriteHalf{w: p.rwc}, nil
}

// Close releases the device; a blocked read on the read half returns.
func (p *Port) Close() error {
	if p == nil || p.rwc == nil {
		return nil
	}
	p.closeOnce.Do(func() {
		p.closeErr = p.rwc.Close()
	})
	return p.closeErr
}

// devicePrefixes maps GOOS to the directory device names are resolved in.
var devicePrefixes = map[string]string{
	"linux":   "/dev/",
	"android": "/dev/",
	"darwin":  "/dev/",
	"freebsd": "/dev/",
	"openbsd": "/dev/",
	"netbsd":  "/dev/",
	"windows": "",
}

// ResolveDevice turns a short name like "ttyACM0" or "COM3" into the path to
// open on goos. Absolute paths are returned unchanged.
func ResolveDevice(goos, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	prefix, ok := devicePrefixes[goos]
	if !ok || prefix == "" {
		return name
	}
	if strings.HasPrefix(name, "/") {
		return name
	}
	return prefix + name
}

var candidatePatterns = map[string][]string{
	"linux":   {"/dev/ttyACM*", "/dev/ttyUSB*", "/dev/ttyAMA*", "/dev/serial0"},
	"darwin":  {"/dev/cu.usbmodem*", "/dev/cu.usbserial*"},
	"freebsd": {"/dev/cuaU*", "/dev/cuau*"},
}

// ListPorts returns the short names of likely receiver devices on goos.
func ListPorts(goos string) []string {
	var out []string
	seen := map[string]bool{}
	for _, pattern := range candidatePatterns[goos] {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		sort.Strings(matches)
		for _, m := range matches {
			if _, err := os.Stat(m); err != nil {
				continue
			}
			name := filepath.Base(m)
			if seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}
