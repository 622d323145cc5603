// Package ntrip is a minimal NTRIP v1/v2 client: it performs the HTTP/1.1
// handshake against a caster mountpoint and hands back the correction payload
// as a sequence of opaque byte frames.
package ntrip

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"rtkbridge/internal/fault"
)

// IcyPreamble is the legacy success response some casters send in place of
// an HTTP status line.
const IcyPreamble = "ICY 200 OK\r\n\r\n"

const sourceTablePrefix = "SOURCETABLE 200 OK"

var (
	ErrInvalidScheme    = errors.New("ntrip: only http urls are supported")
	ErrConnectFailed    = errors.New("ntrip: connect failed")
	ErrHandshakeFailed  = errors.New("ntrip: handshake failed")
	ErrNonSuccessStatus = errors.New("ntrip: non-success status")
	// ErrSourceTable means the caster answered with its source table, which
	// it does when the requested mountpoint does not exist.
	ErrSourceTable = errors.New("ntrip: mountpoint not found (caster sent source table)")
)

// StatusError carries the HTTP status of a rejected request.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: %s", ErrNonSuccessStatus, e.Status)
}

func (e *StatusError) Unwrap() error { return ErrNonSuccessStatus }

type Options struct {
	// ClientName is the agent name in "User-Agent: NTRIP <name>/1.0".
	// If empty, defaults to "GpsCorrect".
	ClientName string

	// NtripVersion, when set (e.g. "Ntrip/2.0"), is sent as the
	// Ntrip-Version header.
	NtripVersion string

	// FrameBytes bounds the size of frames returned by Stream.Next.
	// If 0, defaults to 10 KiB.
	FrameBytes int

	// DialContext overrides the TCP dialer; used by tests.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.ClientName) == "" {
		o.ClientName = "GpsCorrect"
	}
	if o.FrameBytes <= 0 {
		o.FrameBytes = 10 * 1024
	}
	if o.DialContext == nil {
		d := &net.Dialer{}
		o.DialContext = d.DialContext
	}
	return o
}

// Dial connects to the caster and performs the handshake. It does not retry.
//
// Cancelling ctx closes the underlying connection, also after Dial returned.
func Dial(ctx context.Context, ep Endpoint, opts Options) (*Stream, error) {
	if ep.Scheme != "http" {
		return nil, fault.Protocol("connect", fmt.Errorf("%w: got %q", ErrInvalidScheme, ep.Scheme))
	}
	if ctx == nil {
		return nil, fmt.Errorf("ctx is nil")
	}
	opts = opts.withDefaults()

	conn, err := opts.DialContext(ctx, "tcp", ep.Address())
	if err != nil {
		return nil, fault.Connection("connect", fmt.Errorf("%w: %s: %w", ErrConnectFailed, ep.Address(), err))
	}
	stopWatch := context.AfterFunc(ctx, func() { _ = conn.Close() })

	s, err := handshake(conn, ep, opts)
	if err != nil {
		stopWatch()
		_ = conn.Close()
		return nil, err
	}
	s.stopWatch = stopWatch
	return s, nil
}

func buildRequest(ep Endpoint, opts Options) []byte {
	path := ep.Path
	if path == "" {
		path = "/"
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", ep.hostHeader())
	fmt.Fprintf(&b, "User-Agent: NTRIP %s/1.0\r\n", opts.ClientName)
	if opts.NtripVersion != "" {
		fmt.Fprintf(&b, "Ntrip-Version: %s\r\n", opts.NtripVersion)
	}
	if ep.Username != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(ep.Username + ":" + ep.Password))
		fmt.Fprintf(&b, "Authorization: Basic %s\r\n", cred)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

func handshake(conn net.Conn, ep Endpoint, opts Options) (*Stream, error) {
	if _, err := conn.Write(buildRequest(ep, opts)); err != nil {
		return nil, fault.IO("handshake", fmt.Errorf("%w: send request: %w", ErrHandshakeFailed, err))
	}

	buf := make([]byte, opts.FrameBytes)
	n, err := io.ReadAtLeast(conn, buf, len(IcyPreamble))
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fault.IO("handshake", fmt.Errorf("%w: read response: %w", ErrHandshakeFailed, err))
	}
	first := buf[:n]

	if bytes.HasPrefix(first, []byte(IcyPreamble)) {
		rest := append([]byte(nil), first[len(IcyPreamble):]...)
		return &Stream{conn: conn, body: conn, pending: rest, buf: buf, Legacy: true, Status: "ICY 200 OK"}, nil
	}

	if bytes.HasPrefix(first, []byte(sourceTablePrefix)) {
		return nil, fault.Protocol("handshake", fmt.Errorf("%w: %s", ErrSourceTable, ep.Mountpoint()))
	}

	br := bufio.NewReader(io.MultiReader(bytes.NewReader(first), conn))
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodGet})
	if err != nil {
		return nil, fault.Protocol("handshake", fmt.Errorf("%w: %s: %w", ErrHandshakeFailed, firstLine(first), err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, fault.Protocol("handshake", &StatusError{Code: resp.StatusCode, Status: resp.Status})
	}
	return &Stream{conn: conn, body: resp.Body, buf: buf, Status: resp.Status}, nil
}

func firstLine(b []byte) string {
	if i := bytes.IndexAny(b, "\r\n"); i >= 0 {
		b = b[:i]
	}
	if len(b) > 128 {
		b = b[:128]
	}
	if len(b) == 0 {
		return "empty response"
	}
	return fmt.Sprintf("%q", b)
}

// Stream is an open correction stream. It is not safe for concurrent Next calls;
// Close may be called from any goroutine and unblocks a pending Next.
type Stream struct {
	conn    net.Conn
	body    io.Reader
	pending []byte
	buf     []byte

	// Legacy is true when the caster answered with the ICY preamble.
	Legacy bool
	// Status is the caster's status line (without protocol version).
	Status string

	stopWatch func() bool
	closeOnce sync.Once
	closeErr  error
}

// Next returns the next frame of correction bytes. The slice is only valid
// until the following call. At the caster-side end of stream it returns io.EOF.
func (s *Stream) Next() ([]byte, error) {
	if len(s.pending) > 0 {
		p := s.pending
		s.pending = nil
		return p, nil
	}
	for {
		n, err := s.body.Read(s.buf)
		if n > 0 {
			return s.buf[:n], nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fault.IO("read caster", err)
		}
	}
}

// Close closes the connection. The HTTP response body is never closed on its
// own: net/http drains a body to EOF on Close, and a correction stream has no
// end.
func (s *Stream) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
		if s.stopWatch != nil {
			s.stopWatch()
		}
	})
	return s.closeErr
}
