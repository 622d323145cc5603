package supervisor

import (
	"time"

	"rtkbridge/internal/downstream"
	"rtkbridge/internal/nmea"
	"rtkbridge/internal/relay"
)

type FixSnapshot struct {
	Raw        string     `json:"raw"`
	SeenUTC    string     `json:"seen_utc"`
	AgeSec     float64    `json:"age_sec"`
	Parsed     *nmea.Fix  `json:"parsed,omitempty"`
	Grid       *nmea.Grid `json:"grid,omitempty"`
	ParseError string     `json:"parse_error,omitempty"`
}

type Snapshot struct {
	State      State                `json:"state"`
	SinceUTC   string               `json:"since_utc"`
	LastError  string               `json:"last_error,omitempty"`
	RunID      string               `json:"run_id,omitempty"`
	Mode       Mode                 `json:"mode"`
	Caster     string               `json:"caster,omitempty"`
	Device     string               `json:"device,omitempty"`
	Reconnects uint64               `json:"reconnects"`
	Relay      relay.StatsSnapshot  `json:"relay"`
	Downstream *downstream.Snapshot `json:"downstream,omitempty"`
	LastFix    *FixSnapshot         `json:"last_fix,omitempty"`
}

func (s *Supervisor) Snapshot(nowUTC time.Time) Snapshot {
	if s == nil {
		return Snapshot{}
	}
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	s.mu.RLock()
	out := Snapshot{
		State:      s.state,
		SinceUTC:   s.since.UTC().Format(time.RFC3339Nano),
		LastError:  s.lastErr,
		RunID:      s.runID,
		Mode:       s.cfg.Mode,
		Caster:     s.endpoint,
		Device:     s.device,
		Reconnects: s.reconnects,
		Relay:      s.stats.Snapshot(),
	}
	ds := s.ds
	s.mu.RUnlock()

	if ds != nil {
		snap := ds.Snapshot()
		out.Downstream = &snap
	}

	if v, ok := s.lastFix.Load().(fixSeen); ok {
		fs := &FixSnapshot{
			Raw:     v.rec.Raw,
			SeenUTC: v.at.Format(time.RFC3339Nano),
			AgeSec:  nowUTC.Sub(v.at).Seconds(),
		}
		if fix, err := v.rec.Parse(); err != nil {
			fs.ParseError = err.Error()
		} else {
			fs.Parsed = &fix
			if g, err := fix.Grid(); err == nil {
				fs.Grid = &g
			}
		}
		out.LastFix = fs
	}
	return out
}
