// Package supervisor wires the caster client, the serial link and the
// downstream server together and keeps the correction relay alive.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"rtkbridge/internal/downstream"
	"rtkbridge/internal/fault"
	"rtkbridge/internal/nmea"
	"rtkbridge/internal/ntrip"
	"rtkbridge/internal/relay"
	"rtkbridge/internal/serial"
)

type Mode string

const (
	// ModeAlwaysOn re-dials the caster whenever the relay ends.
	ModeAlwaysOn Mode = "always_on"
	// ModeSingleShot fails the run when the relay ends.
	ModeSingleShot Mode = "single_shot"
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateRetrying   State = "retrying"
	StateFailed     State = "failed"
	StateStopped    State = "stopped"
)

var (
	ErrAlreadyRunning = errors.New("supervisor already running")
	ErrCasterClosed   = errors.New("caster closed the correction stream")
)

type Config struct {
	Mode Mode

	// PollInterval is how often relay completion is checked, and the delay
	// between serial read retries. If 0, defaults to 1s.
	PollInterval time.Duration

	// Baud for the receiver link. If 0, defaults to 115200.
	Baud int

	DownstreamListen string
	DownstreamQueue  int

	// ReadBufferBytes bounds one receiver read. If 0, defaults to 10 KiB.
	ReadBufferBytes int

	NTRIP ntrip.Options
}

// Request is what the operator supplies to start a run.
type Request struct {
	URL    string
	Device string
}

// Observer receives fix and lifecycle events. Calls come from supervisor
// goroutines and should return quickly.
type Observer interface {
	OnFix(rec nmea.FixRecord)
	OnState(state State, err error)
}

// Observers fans events out to several observers.
type Observers []Observer

func (o Observers) OnFix(rec nmea.FixRecord) {
	for _, obs := range o {
		if obs != nil {
			obs.OnFix(rec)
		}
	}
}

func (o Observers) OnState(state State, err error) {
	for _, obs := range o {
		if obs != nil {
			obs.OnState(state, err)
		}
	}
}

type casterStream interface {
	Next() ([]byte, error)
	Close() error
}

type Supervisor struct {
	cfg    Config
	logger *log.Logger
	obs    Observer

	openSerial func(device string, baud int) (*serial.Port, error)
	dial       func(ctx context.Context, ep ntrip.Endpoint, opts ntrip.Options) (casterStream, error)

	running atomic.Bool

	mu         sync.RWMutex
	state      State
	lastErr    string
	since      time.Time
	runID      string
	endpoint   string
	device     string
	reconnects uint64
	stats      *relay.Stats
	ds         *downstream.Server

	lastFix atomic.Value // fixSeen
}

type fixSeen struct {
	rec nmea.FixRecord
	at  time.Time
}

func New(cfg Config, logger *log.Logger, obs Observer) *Supervisor {
	if cfg.Mode == "" {
		cfg.Mode = ModeAlwaysOn
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.Baud == 0 {
		cfg.Baud = serial.DefaultBaud
	}
	if cfg.DownstreamListen == "" {
		cfg.DownstreamListen = downstream.DefaultListen
	}
	if cfg.ReadBufferBytes <= 0 {
		cfg.ReadBufferBytes = 10 * 1024
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Supervisor{
		cfg:        cfg,
		logger:     logger,
		obs:        obs,
		openSerial: serial.Open,
		dial: func(ctx context.Context, ep ntrip.Endpoint, opts ntrip.Options) (casterStream, error) {
			s, err := ntrip.Dial(ctx, ep, opts)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		state: StateIdle,
		since: time.Now().UTC(),
	}
}

// Handle controls one run started by Start.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Done is closed once the run has ended and its resources are released.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run ends. It returns nil after Stop and the failure
// otherwise.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Stop tears the run down and waits for it.
func (h *Handle) Stop() error {
	h.cancel()
	return h.Wait()
}

// Start validates the request, opens the serial link and the downstream
// listener, then runs the relay in the background. Startup failures are
// returned directly and leave the supervisor in StateFailed.
func (s *Supervisor) Start(ctx context.Context, req Request) (*Handle, error) {
	if s == nil {
		return nil, fmt.Errorf("supervisor is nil")
	}
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}

	ep, err := ntrip.ParseEndpoint(req.URL)
	if err != nil {
		return nil, s.failStart(err)
	}
	device := strings.TrimSpace(req.Device)
	runID := uuid.NewString()

	s.mu.Lock()
	s.runID = runID
	s.endpoint = ep.String()
	s.device = device
	s.reconnects = 0
	s.stats = &relay.Stats{}
	s.mu.Unlock()

	s.logger.Info("starting", "run", runID, "caster", ep.String(), "device", device, "mode", s.cfg.Mode)

	port, err := s.openSerial(device, s.cfg.Baud)
	if err != nil {
		return nil, s.failStart(err)
	}
	rd, wr, err := port.Split()
	if err != nil {
		_ = port.Close()
		return nil, s.failStart(err)
	}

	ds, err := downstream.Listen(s.cfg.DownstreamListen, downstream.Options{
		QueueChunks: s.cfg.DownstreamQueue,
		Logger:      s.logger.WithPrefix("downstream"),
	})
	if err != nil {
		_ = port.Close()
		return nil, s.failStart(err)
	}
	s.mu.Lock()
	s.ds = ds
	s.mu.Unlock()
	s.logger.Info("downstream listening", "addr", ds.Addr().String())

	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer s.running.Store(false)
		h.err = s.run(runCtx, ep, port, rd, wr, ds)
	}()
	return h, nil
}

func (s *Supervisor) failStart(err error) error {
	s.setState(StateFailed, err)
	s.running.Store(false)
	return err
}

func (s *Supervisor) run(ctx context.Context, ep ntrip.Endpoint, port *serial.Port, rd *serial.ReadHalf, wr *serial.WriteHalf, ds *downstream.Server) error {
	var wg sync.WaitGroup
	innerCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		_ = port.Close()
		_ = ds.Close()
		wg.Wait()
	}()

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := ds.Serve(innerCtx); err != nil {
			s.logger.Warn("downstream stopped", "err", err)
		}
	}()
	go func() {
		defer wg.Done()
		s.receiverLoop(innerCtx, rd, ds)
	}()

	relayDone := make(chan error, 1)
	startRelay := func() error {
		s.setState(StateConnecting, nil)
		stream, err := s.dial(innerCtx, ep, s.cfg.NTRIP)
		if err != nil {
			return err
		}
		s.logger.Info("ntrip server ok", "caster", ep.String())
		s.setState(StateStreaming, nil)

		s.mu.RLock()
		stats := s.stats
		s.mu.RUnlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			err := relay.Run(innerCtx, stream, wr, relay.Options{Stats: stats, Logger: s.logger.WithPrefix("relay")})
			_ = stream.Close()
			relayDone <- err
		}()
		return nil
	}

	relayActive := false
	if err := startRelay(); err != nil {
		if ctx.Err() != nil {
			s.setState(StateStopped, nil)
			return nil
		}
		if s.cfg.Mode == ModeSingleShot {
			s.setState(StateFailed, err)
			return err
		}
		s.setState(StateRetrying, err)
	} else {
		relayActive = true
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.setState(StateStopped, nil)
			return nil
		case <-ticker.C:
		}

		if relayActive {
			select {
			case err := <-relayDone:
				relayActive = false
				if ctx.Err() != nil {
					s.setState(StateStopped, nil)
					return nil
				}
				if err == nil {
					err = fault.IO("relay", ErrCasterClosed)
				}
				if s.cfg.Mode == ModeSingleShot {
					s.setState(StateFailed, err)
					return err
				}
				s.setState(StateRetrying, err)
			default:
				continue
			}
		}

		s.mu.Lock()
		s.reconnects++
		s.mu.Unlock()
		if err := startRelay(); err != nil {
			if ctx.Err() != nil {
				s.setState(StateStopped, nil)
				return nil
			}
			s.setState(StateRetrying, err)
			continue
		}
		relayActive = true
	}
}

// receiverLoop reads the receiver until teardown. Each chunk is scanned for a
// fix and forwarded downstream exactly once.
func (s *Supervisor) receiverLoop(ctx context.Context, rd io.Reader, ds *downstream.Server) {
	buf := make([]byte, s.cfg.ReadBufferBytes)
	for {
		n, err := rd.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if rec, ok := nmea.ExtractFix(chunk); ok {
				s.recordFix(rec)
			}
			ds.Write(chunk)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("serial read failed", "err", err)
			if !sleepCtx(ctx, s.cfg.PollInterval) {
				return
			}
		}
	}
}

func (s *Supervisor) recordFix(rec nmea.FixRecord) {
	s.lastFix.Store(fixSeen{rec: rec, at: time.Now().UTC()})
	s.logger.Info("Fix <- " + rec.Raw)
	if s.obs != nil {
		s.obs.OnFix(rec)
	}
}

func (s *Supervisor) setState(state State, err error) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	if err != nil {
		s.lastErr = err.Error()
	} else if state == StateStreaming {
		s.lastErr = ""
	}
	if changed {
		s.since = time.Now().UTC()
	}
	s.mu.Unlock()

	switch {
	case err != nil && state == StateFailed:
		s.logger.Error("state", "state", state, "kind", fault.KindOf(err), "err", err)
	case err != nil:
		s.logger.Warn("state", "state", state, "kind", fault.KindOf(err), "err", err)
	case changed:
		s.logger.Info("state", "state", state)
	}
	if s.obs != nil {
		s.obs.OnState(state, err)
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
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
