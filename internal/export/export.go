// Package export ships decoded fixes to external time-series and document
// stores. Sinks run on one worker goroutine so the supervisor's receiver loop
// never waits on a database.
package export

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"rtkbridge/internal/nmea"
	"rtkbridge/internal/supervisor"
)

// Sink stores one decoded fix.
type Sink interface {
	Name() string
	Send(ctx context.Context, f Fix) error
	Close(ctx context.Context) error
}

// Fix is what sinks receive: the raw sentence, its decoded fields and the
// time it was seen.
type Fix struct {
	SeenUTC time.Time
	Raw     string
	Parsed  nmea.Fix
}

type Exporter struct {
	sinks  []Sink
	logger *log.Logger
	now    func() time.Time

	q       chan Fix
	dropped atomic.Uint64
	sent    atomic.Uint64
	failed  atomic.Uint64

	once sync.Once
	done chan struct{}
}

// New builds an exporter with room for queue pending fixes. If queue <= 0 it
// defaults to 64.
func New(logger *log.Logger, queue int, sinks ...Sink) *Exporter {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if queue <= 0 {
		queue = 64
	}
	return &Exporter{
		sinks:  sinks,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		q:      make(chan Fix, queue),
		done:   make(chan struct{}),
	}
}

// Run delivers queued fixes until ctx is done, then closes every sink.
func (e *Exporter) Run(ctx context.Context) {
	defer close(e.done)
	defer e.closeSinks()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-e.q:
			e.deliver(ctx, f)
		}
	}
}

// Done is closed once Run has returned and the sinks are closed.
func (e *Exporter) Done() <-chan struct{} { return e.done }

func (e *Exporter) deliver(ctx context.Context, f Fix) {
	for _, s := range e.sinks {
		if err := s.Send(ctx, f); err != nil {
			e.failed.Add(1)
			e.logger.Warn("export failed", "sink", s.Name(), "err", err)
			continue
		}
		e.sent.Add(1)
	}
}

func (e *Exporter) closeSinks() {
	e.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, s := range e.sinks {
			if err := s.Close(ctx); err != nil {
				e.logger.Warn("close sink", "sink", s.Name(), "err", err)
			}
		}
	})
}

// OnFix queues rec when it decodes. A full queue drops the fix.
func (e *Exporter) OnFix(rec nmea.FixRecord) {
	fix, err := rec.Parse()
	if err != nil {
		e.logger.Debug("fix not exported", "err", err)
		return
	}
	select {
	case e.q <- Fix{SeenUTC: e.now(), Raw: rec.Raw, Parsed: fix}:
	default:
		e.dropped.Add(1)
	}
}

func (e *Exporter) OnState(supervisor.State, error) {}

type Stats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

func (e *Exporter) Stats() Stats {
	return Stats{Sent: e.sent.Load(), Failed: e.failed.Load(), Dropped: e.dropped.Load()}
}
