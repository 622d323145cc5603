// Package indicator drives a GPIO line high while the receiver reports an RTK
// fixed solution.
package indicator

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"rtkbridge/internal/nmea"
	"rtkbridge/internal/supervisor"
)

// line is the output the indicator drives; 1 is lit.
type line interface {
	SetValue(v int) error
	Close() error
}

type Indicator struct {
	logger *log.Logger

	mu  sync.Mutex
	out line
	lit bool
}

// Open requests lineName on chip as an output, initially low.
func Open(chip, lineName string, logger *log.Logger) (*Indicator, error) {
	lineName = strings.TrimSpace(lineName)
	if lineName == "" {
		return nil, fmt.Errorf("indicator: line name is required")
	}
	out, err := openLineFn(strings.TrimSpace(chip), lineName)
	if err != nil {
		return nil, err
	}
	return newIndicator(out, logger), nil
}

func newIndicator(out line, logger *log.Logger) *Indicator {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Indicator{out: out, logger: logger}
}

func (i *Indicator) set(on bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.out == nil || on == i.lit {
		return
	}
	v := 0
	if on {
		v = 1
	}
	if err := i.out.SetValue(v); err != nil {
		i.logger.Warn("set indicator", "value", v, "err", err)
		return
	}
	i.lit = on
	i.logger.Debug("indicator", "lit", on)
}

// Lit reports the last value successfully written.
func (i *Indicator) Lit() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lit
}

// OnFix lights the line for RTK fixed and clears it for any other quality.
// Sentences that do not parse leave it unchanged.
func (i *Indicator) OnFix(rec nmea.FixRecord) {
	fix, err := rec.Parse()
	if err != nil {
		return
	}
	i.set(fix.Quality == nmea.QualityRTKFixed)
}

// OnState clears the line whenever corrections are not flowing.
func (i *Indicator) OnState(state supervisor.State, err error) {
	if state != supervisor.StateStreaming {
		i.set(false)
	}
}

// Close turns the line off and releases it.
func (i *Indicator) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.out == nil {
		return nil
	}
	_ = i.out.SetValue(0)
	err := i.out.Close()
	i.out = nil
	i.lit = false
	return err
}
