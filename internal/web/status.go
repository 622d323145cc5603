package web

import (
	"sync/atomic"
	"time"

	"rtkbridge/internal/supervisor"
)

// BridgeSource is the running supervisor, or anything reporting like it.
type BridgeSource interface {
	Snapshot(nowUTC time.Time) supervisor.Snapshot
}

type Status struct {
	startUnixNano int64
	source        BridgeSource
	static        atomic.Value // map[string]any
}

func NewStatus(source BridgeSource) *Status {
	s := &Status{source: source}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.static.Store(map[string]any{})
	return s
}

// SetStatic records settings that do not change while running, e.g. the
// serial baud or the fix log pattern.
func (s *Status) SetStatic(info map[string]any) {
	if info != nil {
		s.static.Store(info)
	}
}

type StatusSnapshot struct {
	Service   string              `json:"service"`
	NowUTC    string              `json:"now_utc"`
	UptimeSec int64               `json:"uptime_sec"`
	Settings  map[string]any      `json:"settings"`
	Bridge    supervisor.Snapshot `json:"bridge"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	snap := StatusSnapshot{
		Service:   "rtkbridge",
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(start).Seconds()),
		Settings:  s.static.Load().(map[string]any),
	}
	if s.source != nil {
		snap.Bridge = s.source.Snapshot(nowUTC)
	}
	return snap
}
