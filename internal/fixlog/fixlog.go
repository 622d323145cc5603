// Package fixlog appends every reported fix to a file whose name is derived
// from a strftime pattern, so "fix-%Y-%m-%d.log" gives one file per UTC day.
package fixlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"

	"rtkbridge/internal/nmea"
	"rtkbridge/internal/supervisor"
)

const header = "# utc raw\n"

const defaultQueue = 256

// Recorder writes fixes from its own goroutine; OnFix only queues them.
type Recorder struct {
	pattern *strftime.Strftime
	logger  *log.Logger
	now     func() time.Time

	q       chan entry
	dropped atomic.Uint64
	quit    chan struct{}
	done    chan struct{}
	stop    sync.Once

	mu       sync.Mutex
	f        *os.File
	openName string
	lines    uint64
}

// entry is one queued fix, or a request to close the current file.
type entry struct {
	at        time.Time
	rec       nmea.FixRecord
	closeFile bool
}

func New(pattern string, logger *log.Logger) (*Recorder, error) {
	return newRecorder(pattern, logger, defaultQueue)
}

func newRecorder(pattern string, logger *log.Logger, queue int) (*Recorder, error) {
	p, err := strftime.New(pattern)
	if err != nil {
		return nil, fmt.Errorf("fixlog: pattern %q: %w", pattern, err)
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	r := &Recorder{
		pattern: p,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		q:       make(chan entry, queue),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r, nil
}

func (r *Recorder) loop() {
	defer close(r.done)
	for {
		select {
		case e := <-r.q:
			r.handle(e)
		case <-r.quit:
			for {
				select {
				case e := <-r.q:
					r.handle(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) handle(e entry) {
	if e.closeFile {
		r.mu.Lock()
		r.closeLocked()
		r.mu.Unlock()
		return
	}
	if err := r.Record(e.at, e.rec); err != nil {
		r.logger.Warn("fix log", "err", err)
	}
}

// Record appends rec with timestamp at. The file is reopened when the
// formatted name for at differs from the one currently open.
func (r *Recorder) Record(at time.Time, rec nmea.FixRecord) error {
	if r == nil {
		return nil
	}
	at = at.UTC()
	name := r.pattern.FormatString(at)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f != nil && name != r.openName {
		r.closeLocked()
	}
	if r.f == nil {
		if err := r.openLocked(name); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(r.f, "%s %s\n", at.Format(time.RFC3339Nano), rec.Raw); err != nil {
		return fmt.Errorf("fixlog: write %s: %w", r.openName, err)
	}
	r.lines++
	return nil
}

func (r *Recorder) openLocked(name string) error {
	if dir := filepath.Dir(name); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("fixlog: mkdir %s: %w", dir, err)
		}
	}
	_, statErr := os.Stat(name)
	existed := statErr == nil

	f, err := os.OpenFile(name, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("fixlog: open %s: %w", name, err)
	}
	if !existed {
		if _, err := io.WriteString(f, header); err != nil {
			_ = f.Close()
			return fmt.Errorf("fixlog: write %s: %w", name, err)
		}
	}
	r.f = f
	r.openName = name
	r.logger.Info("opened fix log", "path", name)
	return nil
}

func (r *Recorder) closeLocked() {
	if r.f == nil {
		return
	}
	if err := r.f.Close(); err != nil {
		r.logger.Warn("close fix log", "path", r.openName, "err", err)
	}
	r.f = nil
	r.openName = ""
}

// Path is the file currently open, or "" before the first fix.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openName
}

func (r *Recorder) Lines() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lines
}

// Dropped counts fixes discarded because the queue was full.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Close writes what is still queued, stops the writer and closes the file.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.stop.Do(func() { close(r.quit) })
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
	return nil
}

// OnFix implements supervisor.Observer. It never waits on the file system: a
// full queue drops the fix. Write failures are logged only.
func (r *Recorder) OnFix(rec nmea.FixRecord) {
	select {
	case r.q <- entry{at: r.now(), rec: rec}:
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("fix log queue full, dropping fixes")
		}
	}
}

// OnState closes the file, after the fixes queued before it, when the run is
// over. The next fix reopens it.
func (r *Recorder) OnState(state supervisor.State, err error) {
	if state != supervisor.StateStopped && state != supervisor.StateFailed {
		return
	}
	select {
	case r.q <- entry{closeFile: true}:
	case <-r.done:
	}
}
