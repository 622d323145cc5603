//go:build linux

package main

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startCaster accepts one client, answers the handshake with the legacy
// preamble, sends payload and hangs up.
func startCaster(t *testing.T, payload []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

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
		_, _ = io.WriteString(conn, "ICY 200 OK\r\n\r\n")
		_, _ = conn.Write(payload)
	}()
	return ln.Addr().String()
}

func TestRun_OnceRelaysThenFailsWhenCasterHangsUp(t *testing.T) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	defer ptmx.Close()
	defer tty.Close()

	rtcm := []byte{0xd3, 0x00, 0x0e, 0x3e, 0xd0, 0x00, 0x03, 0x8a, 0x0e, 0xde, 0xef, 0x34, 0xb4, 0xbd, 0x62, 0xac, 0x09, 0x41, 0x98, 0x6f}
	addr := startCaster(t, rtcm)

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(rtcm))
		if _, err := io.ReadFull(ptmx, buf); err == nil {
			received <- buf
		}
	}()

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{
		"--url", "http://" + addr + "/GDCRT",
		"--device", tty.Name(),
		"--listen", "127.0.0.1:0",
		"--once",
		"--log-level", "debug",
	}, &stdout, &stderr)

	assert.Equal(t, exitFailed, code)
	select {
	case got := <-received:
		assert.Equal(t, rtcm, got)
	case <-time.After(5 * time.Second):
		t.Fatal("corrections never reached the serial device")
	}
	logs := stderr.String()
	assert.Contains(t, logs, "ntrip server ok")
	assert.Contains(t, logs, "caster closed the correction stream")
	assert.Contains(t, logs, "correction_bytes=20")
}
