package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtkbridge/internal/fault"
	"rtkbridge/internal/nmea"
	"rtkbridge/internal/ntrip"
	"rtkbridge/internal/serial"
)

type recorder struct {
	mu     sync.Mutex
	fixes  []string
	states []State
}

func (r *recorder) OnFix(rec nmea.FixRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fixes = append(r.fixes, rec.Raw)
}

func (r *recorder) OnState(state State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recorder) fixList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.fixes...)
}

func (r *recorder) sawState(s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.states {
		if got == s {
			return true
		}
	}
	return false
}

type fakeStream struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeStream(ctx context.Context, frames ...[]byte) *fakeStream {
	f := &fakeStream{frames: make(chan []byte, len(frames)+1), closed: make(chan struct{})}
	for _, fr := range frames {
		f.frames <- fr
	}
	context.AfterFunc(ctx, func() { _ = f.Close() })
	return f
}

func (f *fakeStream) Next() ([]byte, error) {
	select {
	case fr, ok := <-f.frames:
		if !ok {
			return nil, io.EOF
		}
		return fr, nil
	case <-f.closed:
		return nil, net.ErrClosed
	}
}

// end makes Next return io.EOF once queued frames are consumed.
func (f *fakeStream) end() { close(f.frames) }

func (f *fakeStream) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// receiver is the far end of the serial link.
type receiver struct {
	conn net.Conn
	mu   sync.Mutex
	got  bytes.Buffer
}

func (r *receiver) collect() {
	buf := make([]byte, 1024)
	for {
		n, err := r.conn.Read(buf)
		r.mu.Lock()
		r.got.Write(buf[:n])
		r.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (r *receiver) bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.got.Bytes()...)
}

type harness struct {
	sup      *Supervisor
	rec      *recorder
	receiver *receiver
	dials    atomic.Int32
}

func newHarness(t *testing.T, mode Mode, dial func(ctx context.Context, n int32) (casterStream, error)) *harness {
	t.Helper()
	h := &harness{rec: &recorder{}}
	h.sup = New(Config{Mode: mode, PollInterval: 10 * time.Millisecond, DownstreamListen: "127.0.0.1:0"}, nil, h.rec)

	local, remote := net.Pipe()
	t.Cleanup(func() { _ = remote.Close() })
	h.receiver = &receiver{conn: remote}
	h.sup.openSerial = func(device string, baud int) (*serial.Port, error) {
		assert.Equal(t, "/dev/ttyACM0", device)
		assert.Equal(t, serial.DefaultBaud, baud)
		return serial.NewPort(device, local), nil
	}
	h.sup.dial = func(ctx context.Context, ep ntrip.Endpoint, opts ntrip.Options) (casterStream, error) {
		return dial(ctx, h.dials.Add(1))
	}
	return h
}

var testRequest = Request{URL: "http://caster.example:2101/GDCRT", Device: "/dev/ttyACM0"}

func TestSupervisor_EndToEnd(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	rtcm := []byte{0xd3, 0x00, 0x13, 0x3e, 0xd0, 0x00, 0x03, 0x8a, 0x0e, 0xde, 0xef, 0x34, 0xb4, 0xbd, 0x62, 0xac, 0x09, 0x41, 0x98, 0x6f}
	require.Len(t, rtcm, 20)
	release := make(chan struct{})
	defer close(release)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		_, _ = io.WriteString(conn, ntrip.IcyPreamble)
		_, _ = conn.Write(rtcm)
		<-release
	}()

	rec := &recorder{}
	sup := New(Config{Mode: ModeSingleShot, PollInterval: 10 * time.Millisecond, DownstreamListen: "127.0.0.1:0"}, nil, rec)
	local, remote := net.Pipe()
	defer remote.Close()
	sup.openSerial = func(device string, baud int) (*serial.Port, error) {
		return serial.NewPort(device, local), nil
	}

	h, err := sup.Start(context.Background(), Request{URL: "http://" + ln.Addr().String() + "/GDCRT", Device: "ttyACM0"})
	require.NoError(t, err)
	defer h.Stop()

	got := make([]byte, len(rtcm))
	_ = remote.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(remote, got)
	require.NoError(t, err)
	assert.Equal(t, rtcm, got)
	assert.Equal(t, StateStreaming, sup.State())

	snap := sup.Snapshot(time.Time{})
	require.NotNil(t, snap.Downstream)
	client, err := net.Dial("tcp", snap.Downstream.Listen)
	require.NoError(t, err)
	defer client.Close()
	require.Eventually(t, func() bool {
		return sup.Snapshot(time.Time{}).Downstream.Client == client.LocalAddr().String()
	}, 2*time.Second, 5*time.Millisecond)

	gga := "$GNGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47\r\n"
	_ = remote.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err = io.WriteString(remote, gga)
	require.NoError(t, err)

	down := make([]byte, len(gga))
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(client, down)
	require.NoError(t, err)
	assert.Equal(t, gga, string(down))

	require.Eventually(t, func() bool { return len(rec.fixList()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "$GNGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47", rec.fixList()[0])

	last := sup.Snapshot(time.Time{}).LastFix
	require.NotNil(t, last)
	assert.Equal(t, rec.fixList()[0], last.Raw)

	require.NoError(t, h.Stop())
	assert.Equal(t, StateStopped, sup.State())
}

func TestSupervisor_AlwaysOnReconnectsAfterCasterClose(t *testing.T) {
	h := newHarness(t, ModeAlwaysOn, func(ctx context.Context, n int32) (casterStream, error) {
		if n == 1 {
			s := newFakeStream(ctx, []byte("first"))
			s.end()
			return s, nil
		}
		return newFakeStream(ctx, []byte("second")), nil
	})
	go h.receiver.collect()

	handle, err := h.sup.Start(context.Background(), testRequest)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return string(h.receiver.bytes()) == "firstsecond" }, 5*time.Second, 5*time.Millisecond)
	assert.True(t, h.rec.sawState(StateRetrying))
	require.Eventually(t, func() bool { return h.sup.State() == StateStreaming }, 2*time.Second, 5*time.Millisecond)

	snap := h.sup.Snapshot(time.Time{})
	assert.Equal(t, uint64(1), snap.Reconnects)
	assert.Equal(t, uint64(len("firstsecond")), snap.Relay.Bytes)
	assert.Empty(t, snap.LastError, "streaming again clears the last error")

	require.NoError(t, handle.Stop())
	assert.Equal(t, StateStopped, h.sup.State())
}

func TestSupervisor_CasterReconnectKeepsDownstreamClient(t *testing.T) {
	streams := make(chan *fakeStream, 4)
	h := newHarness(t, ModeAlwaysOn, func(ctx context.Context, n int32) (casterStream, error) {
		s := newFakeStream(ctx)
		streams <- s
		return s, nil
	})
	go h.receiver.collect()

	handle, err := h.sup.Start(context.Background(), testRequest)
	require.NoError(t, err)
	defer handle.Stop()

	var first *fakeStream
	select {
	case first = <-streams:
	case <-time.After(5 * time.Second):
		t.Fatal("caster was never dialled")
	}

	ds := h.sup.Snapshot(time.Time{}).Downstream
	require.NotNil(t, ds)
	client, err := net.Dial("tcp", ds.Listen)
	require.NoError(t, err)
	defer client.Close()
	require.Eventually(t, func() bool {
		return h.sup.Snapshot(time.Time{}).Downstream.Client == client.LocalAddr().String()
	}, 2*time.Second, 5*time.Millisecond)

	forward := func(chunk string) {
		t.Helper()
		_ = h.receiver.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_, err := io.WriteString(h.receiver.conn, chunk)
		require.NoError(t, err)
		got := make([]byte, len(chunk))
		_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, err = io.ReadFull(client, got)
		require.NoError(t, err)
		assert.Equal(t, chunk, string(got))
	}

	forward("before\r\n")

	first.end()
	require.Eventually(t, func() bool {
		snap := h.sup.Snapshot(time.Time{})
		return snap.Reconnects == 1 && snap.State == StateStreaming
	}, 5*time.Second, 5*time.Millisecond)

	forward("after\r\n")

	snap := h.sup.Snapshot(time.Time{})
	require.NotNil(t, snap.Downstream)
	assert.Equal(t, uint64(1), snap.Downstream.ClientsServed)
	assert.Equal(t, client.LocalAddr().String(), snap.Downstream.Client)
}

// chunkedCaster answers every connection with a chunked 200 and keeps sending
// chunks until the client goes away.
func chunkedCaster(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	serve := func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			if line == "\r\n" {
				break
			}
		}
		if _, err := io.WriteString(conn, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"); err != nil {
			return
		}
		for {
			if _, err := io.WriteString(conn, "4\r\nRTCM\r\n"); err != nil {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serve(conn)
		}
	}()
	return "http://" + ln.Addr().String() + "/MP"
}

// unpluggedReceiver accepts no writes; reads block until Close.
type unpluggedReceiver struct {
	closed chan struct{}
	once   sync.Once
}

func newUnpluggedReceiver() *unpluggedReceiver {
	return &unpluggedReceiver{closed: make(chan struct{})}
}

func (u *unpluggedReceiver) Read([]byte) (int, error) {
	<-u.closed
	return 0, net.ErrClosed
}

func (u *unpluggedReceiver) Write([]byte) (int, error) {
	return 0, errors.New("device unplugged")
}

func (u *unpluggedReceiver) Close() error {
	u.once.Do(func() { close(u.closed) })
	return nil
}

func TestSupervisor_SerialWriteFailureOnChunkedCaster(t *testing.T) {
	for _, mode := range []Mode{ModeSingleShot, ModeAlwaysOn} {
		t.Run(string(mode), func(t *testing.T) {
			sup := New(Config{
				Mode:             mode,
				PollInterval:     10 * time.Millisecond,
				DownstreamListen: "127.0.0.1:0",
				NTRIP:            ntrip.Options{NtripVersion: "Ntrip/2.0"},
			}, nil, nil)
			sup.openSerial = func(device string, baud int) (*serial.Port, error) {
				return serial.NewPort(device, newUnpluggedReceiver()), nil
			}

			handle, err := sup.Start(context.Background(), Request{URL: chunkedCaster(t), Device: "ttyACM0"})
			require.NoError(t, err)

			if mode == ModeSingleShot {
				select {
				case <-handle.Done():
				case <-time.After(5 * time.Second):
					t.Fatalf("run did not fail after serial write error; state=%s", sup.State())
				}
				err := handle.Wait()
				assert.Equal(t, fault.KindIO, fault.KindOf(err))
				assert.Equal(t, StateFailed, sup.State())
				return
			}

			require.Eventually(t, func() bool {
				return sup.Snapshot(time.Time{}).Reconnects >= 2
			}, 5*time.Second, 5*time.Millisecond)

			stopped := make(chan error, 1)
			go func() { stopped <- handle.Stop() }()
			select {
			case err := <-stopped:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("Stop did not return")
			}
			assert.Equal(t, StateStopped, sup.State())
		})
	}
}

func TestSupervisor_AlwaysOnRetriesFailedDial(t *testing.T) {
	refused := fault.Connection("connect", errors.New("connection refused"))
	h := newHarness(t, ModeAlwaysOn, func(ctx context.Context, n int32) (casterStream, error) {
		if n < 3 {
			return nil, refused
		}
		return newFakeStream(ctx, []byte("ok")), nil
	})
	go h.receiver.collect()

	handle, err := h.sup.Start(context.Background(), testRequest)
	require.NoError(t, err)
	defer handle.Stop()

	require.Eventually(t, func() bool { return string(h.receiver.bytes()) == "ok" }, 5*time.Second, 5*time.Millisecond)
	assert.True(t, h.rec.sawState(StateRetrying))
	assert.Equal(t, int32(3), h.dials.Load())
}

func TestSupervisor_SingleShotFailsWhenCasterCloses(t *testing.T) {
	h := newHarness(t, ModeSingleShot, func(ctx context.Context, n int32) (casterStream, error) {
		s := newFakeStream(ctx, []byte("only"))
		s.end()
		return s, nil
	})
	go h.receiver.collect()

	handle, err := h.sup.Start(context.Background(), testRequest)
	require.NoError(t, err)

	err = handle.Wait()
	assert.ErrorIs(t, err, ErrCasterClosed)
	assert.Equal(t, StateFailed, h.sup.State())
	assert.Equal(t, int32(1), h.dials.Load())
	assert.Equal(t, "only", string(h.receiver.bytes()))
}

func TestSupervisor_SingleShotSurfacesDialError(t *testing.T) {
	h := newHarness(t, ModeSingleShot, func(ctx context.Context, n int32) (casterStream, error) {
		return nil, fault.Protocol("handshake", &ntrip.StatusError{Code: 401, Status: "401 Unauthorized"})
	})

	handle, err := h.sup.Start(context.Background(), testRequest)
	require.NoError(t, err)

	err = handle.Wait()
	assert.ErrorIs(t, err, ntrip.ErrNonSuccessStatus)
	assert.Equal(t, fault.KindProtocol, fault.KindOf(err))
	assert.Equal(t, StateFailed, h.sup.State())
	assert.True(t, h.rec.sawState(StateFailed))
}

func TestSupervisor_SerialOpenFailureIsImmediate(t *testing.T) {
	h := newHarness(t, ModeAlwaysOn, func(ctx context.Context, n int32) (casterStream, error) {
		return newFakeStream(ctx), nil
	})
	h.sup.openSerial = func(device string, baud int) (*serial.Port, error) {
		return nil, fault.Connection("open serial", errors.New("no such device"))
	}

	_, err := h.sup.Start(context.Background(), testRequest)
	require.Error(t, err)
	assert.Equal(t, fault.KindConnection, fault.KindOf(err))
	assert.Equal(t, StateFailed, h.sup.State())
	assert.Equal(t, int32(0), h.dials.Load(), "caster must not be dialled without a serial link")

	// A failed start does not leave the supervisor marked as running.
	_, err = h.sup.Start(context.Background(), testRequest)
	assert.NotErrorIs(t, err, ErrAlreadyRunning)
}

func TestSupervisor_InvalidSchemeFailsFast(t *testing.T) {
	h := newHarness(t, ModeAlwaysOn, func(ctx context.Context, n int32) (casterStream, error) {
		return newFakeStream(ctx), nil
	})
	opened := false
	h.sup.openSerial = func(device string, baud int) (*serial.Port, error) {
		opened = true
		return nil, errors.New("unexpected")
	}

	_, err := h.sup.Start(context.Background(), Request{URL: "https://caster.example/MP", Device: "ttyACM0"})
	assert.ErrorIs(t, err, ntrip.ErrInvalidScheme)
	assert.False(t, opened)
	assert.Equal(t, StateFailed, h.sup.State())
}

func TestSupervisor_RejectsSecondStart(t *testing.T) {
	h := newHarness(t, ModeAlwaysOn, func(ctx context.Context, n int32) (casterStream, error) {
		return newFakeStream(ctx), nil
	})

	handle, err := h.sup.Start(context.Background(), testRequest)
	require.NoError(t, err)
	defer handle.Stop()

	_, err = h.sup.Start(context.Background(), testRequest)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestSupervisor_EachRunGetsNewID(t *testing.T) {
	h := newHarness(t, ModeAlwaysOn, func(ctx context.Context, n int32) (casterStream, error) {
		return newFakeStream(ctx), nil
	})
	h.sup.openSerial = func(device string, baud int) (*serial.Port, error) {
		local, remote := net.Pipe()
		t.Cleanup(func() { _ = remote.Close() })
		return serial.NewPort(device, local), nil
	}

	handle, err := h.sup.Start(context.Background(), testRequest)
	require.NoError(t, err)
	first := h.sup.Snapshot(time.Time{}).RunID
	require.NoError(t, handle.Stop())

	handle, err = h.sup.Start(context.Background(), testRequest)
	require.NoError(t, err)
	defer handle.Stop()
	second := h.sup.Snapshot(time.Time{}).RunID

	assert.Len(t, first, 36)
	assert.NotEqual(t, first, second)
}

func TestSupervisor_ContextCancelStops(t *testing.T) {
	h := newHarness(t, ModeAlwaysOn, func(ctx context.Context, n int32) (casterStream, error) {
		return newFakeStream(ctx), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	handle, err := h.sup.Start(ctx, testRequest)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.sup.State() == StateStreaming }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	assert.NoError(t, handle.Wait())
	assert.Equal(t, StateStopped, h.sup.State())
}

func TestSupervisor_ReceiverChunksForwardedWithoutFix(t *testing.T) {
	h := newHarness(t, ModeAlwaysOn, func(ctx context.Context, n int32) (casterStream, error) {
		return newFakeStream(ctx), nil
	})

	handle, err := h.sup.Start(context.Background(), testRequest)
	require.NoError(t, err)
	defer handle.Stop()

	addr := h.sup.Snapshot(time.Time{}).Downstream.Listen
	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()
	require.Eventually(t, func() bool {
		return h.sup.Snapshot(time.Time{}).Downstream.Client == client.LocalAddr().String()
	}, 2*time.Second, 5*time.Millisecond)

	chunks := []string{"$GNGSA,A,3,,,*1E\r\n", "$GNGGA,1,2,3*4\r\n", "\xb5\x62\x01\x07"}
	var want strings.Builder
	for _, c := range chunks {
		want.WriteString(c)
		_ = h.receiver.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_, err := io.WriteString(h.receiver.conn, c)
		require.NoError(t, err)
	}

	got := make([]byte, want.Len())
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)
	assert.Equal(t, want.String(), string(got))
	assert.Equal(t, []string{"$GNGGA,1,2,3*4"}, h.rec.fixList())
}

func TestObservers_FanOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	obs := Observers{a, nil, b}
	obs.OnFix(nmea.FixRecord{Raw: "$GNGGA"})
	obs.OnState(StateStreaming, nil)

	assert.Equal(t, []string{"$GNGGA"}, a.fixList())
	assert.Equal(t, []string{"$GNGGA"}, b.fixList())
	assert.True(t, b.sawState(StateStreaming))
}
