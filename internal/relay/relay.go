// Package relay copies caster correction frames to the receiver's serial link.
package relay

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"rtkbridge/internal/fault"
)

// FrameSource yields correction frames until io.EOF. The returned slice may be
// reused by the next call.
type FrameSource interface {
	Next() ([]byte, error)
}

// Stats counts what a relay has forwarded. Safe for concurrent use.
type Stats struct {
	frames   atomic.Uint64
	bytes    atomic.Uint64
	lastNano atomic.Int64
}

type StatsSnapshot struct {
	Frames       uint64 `json:"frames"`
	Bytes        uint64 `json:"bytes"`
	LastFrameUTC string `json:"last_frame_utc,omitempty"`
}

func (s *Stats) add(n int, now time.Time) {
	s.frames.Add(1)
	s.bytes.Add(uint64(n))
	s.lastNano.Store(now.UnixNano())
}

func (s *Stats) Snapshot() StatsSnapshot {
	if s == nil {
		return StatsSnapshot{}
	}
	out := StatsSnapshot{Frames: s.frames.Load(), Bytes: s.bytes.Load()}
	if last := s.lastNano.Load(); last != 0 {
		out.LastFrameUTC = time.Unix(0, last).UTC().Format(time.RFC3339Nano)
	}
	return out
}

type Options struct {
	Stats  *Stats
	Logger *log.Logger
}

// Run forwards frames from src to dst until src ends, a write fails, or ctx is
// cancelled. Each frame is written completely before the next one is read, so a
// slow serial link stalls reads from the caster.
//
// A caster-side end of stream returns nil.
func Run(ctx context.Context, src FrameSource, dst io.Writer, opts Options) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		frame, err := src.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if len(frame) == 0 {
			continue
		}

		if err := writeFull(dst, frame); err != nil {
			return err
		}
		if opts.Logger != nil {
			opts.Logger.Debug("send correction", "bytes", len(frame))
		}
		if opts.Stats != nil {
			opts.Stats.add(len(frame), time.Now())
		}
	}
}

func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			if fault.KindOf(err) == fault.KindUnknown {
				err = fault.IO("write serial", err)
			}
			return err
		}
		if n == 0 {
			return fault.IO("write serial", io.ErrShortWrite)
		}
		p = p[n:]
	}
	return nil
}
