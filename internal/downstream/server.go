// Package downstream relays receiver output to a single TCP client.
package downstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"rtkbridge/internal/fault"
)

const DefaultListen = "0.0.0.0:6543"

type Options struct {
	// QueueChunks bounds how many receiver chunks may wait for a slow client
	// before it is dropped. If 0, defaults to 256.
	QueueChunks int

	Logger *log.Logger
}

// Server holds at most one client. Connections accepted while a client is held
// are closed immediately; once the held client goes away the next one is taken.
type Server struct {
	ln   net.Listener
	opts Options

	closed atomic.Bool

	mu  sync.Mutex
	cur *client

	served    atomic.Uint64
	rejected  atomic.Uint64
	forwarded atomic.Uint64
	discarded atomic.Uint64
}

type Snapshot struct {
	Listen         string `json:"listen"`
	Client         string `json:"client,omitempty"`
	ClientsServed  uint64 `json:"clients_served"`
	Rejected       uint64 `json:"rejected"`
	BytesForwarded uint64 `json:"bytes_forwarded"`
	ChunksDropped  uint64 `json:"chunks_dropped"`
}

// Listen binds addr. Accepting starts with Serve.
func Listen(addr string, opts Options) (*Server, error) {
	if addr == "" {
		addr = DefaultListen
	}
	if opts.QueueChunks <= 0 {
		opts.QueueChunks = 256
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fault.Connection("listen downstream", err)
	}
	return &Server{ln: ln, opts: opts}, nil
}

func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts clients until ctx is cancelled or the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("downstream server is nil")
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logf("accept failed", "err", err)
			if !sleepCtx(ctx, 100*time.Millisecond) {
				return nil
			}
			continue
		}
		s.take(conn)
	}
}

func (s *Server) take(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		_ = conn.Close()
		return
	}
	if s.cur != nil && !s.cur.isDone() {
		s.rejected.Add(1)
		s.logf("client rejected; one already connected", "remote", conn.RemoteAddr().String(), "current", s.cur.remote)
		_ = conn.Close()
		return
	}

	c := &client{
		conn:   conn,
		remote: conn.RemoteAddr().String(),
		q:      make(chan []byte, s.opts.QueueChunks),
		done:   make(chan struct{}),
	}
	s.cur = c
	s.served.Add(1)
	if s.opts.Logger != nil {
		s.opts.Logger.Info("new client connected", "remote", c.remote)
	}

	go c.drainReads()
	go s.runWriter(c)
}

// Write queues p for the current client. It never blocks and never fails:
// without a client the chunk is discarded; a client that cannot keep up or
// whose socket fails is dropped.
func (s *Server) Write(p []byte) {
	if s == nil || len(p) == 0 {
		return
	}
	s.mu.Lock()
	c := s.cur
	s.mu.Unlock()

	if c == nil || c.isDone() {
		s.discarded.Add(1)
		return
	}

	chunk := append([]byte(nil), p...)
	select {
	case c.q <- chunk:
	default:
		s.discarded.Add(1)
		s.logf("client too slow; dropping", "remote", c.remote, "queued", len(c.q))
		c.stop()
	}
}

func (s *Server) runWriter(c *client) {
	defer func() {
		c.stop()
		s.mu.Lock()
		if s.cur == c {
			s.cur = nil
		}
		s.mu.Unlock()
		if s.opts.Logger != nil {
			s.opts.Logger.Info("client disconnected", "remote", c.remote)
		}
	}()

	for {
		select {
		case <-c.done:
			return
		case chunk := <-c.q:
			if _, err := c.conn.Write(chunk); err != nil {
				s.logf("forward failed", "remote", c.remote, "err", err)
				return
			}
			s.forwarded.Add(uint64(len(chunk)))
		}
	}
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	if s.closed.Swap(true) {
		return nil
	}
	err := s.ln.Close()
	s.mu.Lock()
	c := s.cur
	s.cur = nil
	s.mu.Unlock()
	if c != nil {
		c.stop()
	}
	return err
}

func (s *Server) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	out := Snapshot{
		Listen:         s.ln.Addr().String(),
		ClientsServed:  s.served.Load(),
		Rejected:       s.rejected.Load(),
		BytesForwarded: s.forwarded.Load(),
		ChunksDropped:  s.discarded.Load(),
	}
	s.mu.Lock()
	if s.cur != nil && !s.cur.isDone() {
		out.Client = s.cur.remote
	}
	s.mu.Unlock()
	return out
}

func (s *Server) logf(msg string, keyvals ...any) {
	if s.opts.Logger != nil {
		s.opts.Logger.Warn(msg, keyvals...)
	}
}

type client struct {
	conn   net.Conn
	remote string
	q      chan []byte

	once sync.Once
	done chan struct{}
}

func (c *client) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *client) stop() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// drainReads discards anything the client sends and notices when it hangs up
// while no data is flowing.
func (c *client) drainReads() {
	_, _ = io.Copy(io.Discard, c.conn)
	c.stop()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
