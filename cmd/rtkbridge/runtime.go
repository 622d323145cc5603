package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"rtkbridge/internal/announce"
	"rtkbridge/internal/config"
	"rtkbridge/internal/export"
	"rtkbridge/internal/fixlog"
	"rtkbridge/internal/indicator"
	"rtkbridge/internal/ntrip"
	"rtkbridge/internal/supervisor"
	"rtkbridge/internal/web"
)

// bridgeRuntime owns everything started for one run.
type bridgeRuntime struct {
	logger *log.Logger
	sup    *supervisor.Supervisor
	handle *supervisor.Handle

	fixLog *fixlog.Recorder
	led    *indicator.Indicator
	exp    *export.Exporter

	cancel  context.CancelFunc
	webDone chan error
}

func supervisorConfig(cfg config.Config) supervisor.Config {
	return supervisor.Config{
		Mode:             supervisor.Mode(cfg.Supervisor.Mode),
		PollInterval:     cfg.Supervisor.PollInterval,
		Baud:             cfg.Serial.Baud,
		DownstreamListen: cfg.Downstream.Listen,
		DownstreamQueue:  cfg.Downstream.Queue,
		NTRIP: ntrip.Options{
			ClientName:   cfg.NTRIP.UserAgent,
			NtripVersion: cfg.NTRIP.NtripVersion,
		},
	}
}

// startRuntime builds the optional observers, starts the supervisor and then
// the services that report on it. Optional services that fail to start are
// logged and skipped; only a supervisor start failure is returned.
func startRuntime(ctx context.Context, cfg config.Config, logger *log.Logger, logs *web.LogBuffer) (*bridgeRuntime, error) {
	ctx, cancel := context.WithCancel(ctx)
	rt := &bridgeRuntime{logger: logger, cancel: cancel}

	var observers supervisor.Observers
	if cfg.FixLog.Enable {
		rec, err := fixlog.New(cfg.FixLog.Path, logger.WithPrefix("fixlog"))
		if err != nil {
			logger.Warn("fix log disabled", "err", err)
		} else {
			rt.fixLog = rec
			observers = append(observers, rec)
		}
	}
	if cfg.Indicator.Enable {
		led, err := indicator.Open(cfg.Indicator.Chip, cfg.Indicator.Line, logger.WithPrefix("indicator"))
		if err != nil {
			logger.Warn("fix indicator disabled", "err", err)
		} else {
			rt.led = led
			observers = append(observers, led)
		}
	}

	if cfg.Export.Enabled() {
		if exp := startExport(ctx, cfg.Export, logger.WithPrefix("export")); exp != nil {
			rt.exp = exp
			observers = append(observers, exp)
		}
	}

	rt.sup = supervisor.New(supervisorConfig(cfg), logger, observers)
	handle, err := rt.sup.Start(ctx, supervisor.Request{URL: cfg.NTRIP.URL, Device: cfg.Serial.Device})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.handle = handle

	downAddr := cfg.Downstream.Listen
	if ds := rt.sup.Snapshot(time.Time{}).Downstream; ds != nil {
		downAddr = ds.Listen
	}

	if cfg.Web.Listen != "" {
		ln, err := web.Listen(cfg.Web.Listen)
		if err != nil {
			logger.Warn("status api disabled", "err", err)
		} else {
			status := web.NewStatus(rt.sup)
			status.SetStatic(map[string]any{
				"baud":          cfg.Serial.Baud,
				"poll_interval": cfg.Supervisor.PollInterval.String(),
				"fixlog":        fixLogSetting(cfg),
				"indicator":     rt.led != nil,
				"export":        rt.exp != nil,
			})
			rt.webDone = make(chan error, 1)
			logger.Info("status api listening", "addr", ln.Addr().String())
			go func() { rt.webDone <- web.Serve(ctx, ln, status, logs) }()
		}
	}

	if cfg.Announce.Enable {
		port, err := announce.PortOf(downAddr)
		if err == nil {
			err = announce.Start(ctx, cfg.Announce.Name, port, logger.WithPrefix("dnssd"))
		}
		if err != nil {
			logger.Warn("dns-sd announcement disabled", "err", err)
		}
	}
	return rt, nil
}

// startExport connects the configured sinks and starts the delivery worker.
// It returns nil when no sink could be connected.
func startExport(ctx context.Context, cfg config.ExportConfig, logger *log.Logger) *export.Exporter {
	var sinks []export.Sink
	if cfg.Influx.Enable {
		in, err := export.NewInflux(export.InfluxConfig{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		}, logger)
		if err != nil {
			logger.Warn("influx export disabled", "err", err)
		} else {
			sinks = append(sinks, in)
		}
	}
	if cfg.Mongo.Enable {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		m, err := export.NewMongo(cctx, export.MongoConfig{
			URI:        cfg.Mongo.URI,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
		})
		cancel()
		if err != nil {
			logger.Warn("mongo export disabled", "err", err)
		} else {
			sinks = append(sinks, m)
		}
	}
	if len(sinks) == 0 {
		return nil
	}
	exp := export.New(logger, cfg.Queue, sinks...)
	go exp.Run(ctx)
	return exp
}

func fixLogSetting(cfg config.Config) string {
	if !cfg.FixLog.Enable {
		return ""
	}
	return cfg.FixLog.Path
}

// Wait blocks until the supervisor run ends.
func (rt *bridgeRuntime) Wait() error {
	if rt.handle == nil {
		return fmt.Errorf("runtime not started")
	}
	return rt.handle.Wait()
}

// Close stops the run and releases everything startRuntime opened.
func (rt *bridgeRuntime) Close() {
	if rt.handle != nil {
		_ = rt.handle.Stop()
	}
	rt.cancel()
	if rt.webDone != nil {
		if err := <-rt.webDone; err != nil && !errors.Is(err, context.Canceled) {
			rt.logger.Warn("status api stopped", "err", err)
		}
	}
	if rt.led != nil {
		if err := rt.led.Close(); err != nil {
			rt.logger.Warn("release fix indicator", "err", err)
		}
	}
	if rt.fixLog != nil {
		_ = rt.fixLog.Close()
	}
	if rt.exp != nil {
		<-rt.exp.Done()
		st := rt.exp.Stats()
		rt.logger.Info("export summary", "sent", st.Sent, "failed", st.Failed, "dropped", st.Dropped)
	}
	if rt.sup != nil {
		snap := rt.sup.Snapshot(time.Time{})
		rt.logger.Info("summary",
			"state", snap.State,
			"correction_frames", snap.Relay.Frames,
			"correction_bytes", snap.Relay.Bytes,
			"reconnects", snap.Reconnects,
		)
	}
}
