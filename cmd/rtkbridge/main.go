package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"rtkbridge/internal/config"
	"rtkbridge/internal/serial"
	"rtkbridge/internal/web"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

type options struct {
	configPath string
	url        string
	device     string
	listen     string
	once       bool
	logLevel   string
	listPorts  bool
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := pflag.NewFlagSet("rtkbridge", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&o.configPath, "config", "c", "", "Path to YAML config.")
	fs.StringVarP(&o.url, "url", "u", "", "Caster URL, e.g. http://caster.centipede.fr:2101/GDCRT. Overrides ntrip.url.")
	fs.StringVarP(&o.device, "device", "d", "", "Receiver serial device, e.g. ttyACM0. Overrides serial.device.")
	fs.StringVarP(&o.listen, "listen", "l", "", "Downstream NMEA listen address. Overrides downstream.listen.")
	fs.BoolVar(&o.once, "once", false, "Exit when the caster stream ends instead of reconnecting.")
	fs.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error. Overrides log.level.")
	fs.BoolVar(&o.listPorts, "list-ports", false, "Print likely receiver devices and exit.")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: rtkbridge [options]\n\n")
		fmt.Fprintf(stderr, "Relays NTRIP corrections to a GNSS receiver and serves its NMEA output on TCP.\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		fs.Usage()
		return options{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return o, nil
}

// buildConfig loads the file when one is given and applies flag overrides on
// top before validating.
func buildConfig(o options) (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Read(o.configPath); err != nil {
			return config.Config{}, err
		}
	}
	if o.url != "" {
		cfg.NTRIP.URL = o.url
	}
	if o.device != "" {
		cfg.Serial.Device = o.device
	}
	if o.listen != "" {
		cfg.Downstream.Listen = o.listen
	}
	if o.once {
		cfg.Supervisor.Mode = config.ModeSingleShot
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if err := config.DefaultAndValidate(&cfg); err != nil {
		return config.Config{}, err
	}
	cfg.Serial.Device = serial.ResolveDevice(runtime.GOOS, cfg.Serial.Device)
	return cfg, nil
}

func newLogger(w io.Writer, level string) (*log.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           lvl,
	}), nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "rtkbridge: %v\n", err)
		return exitUsage
	}

	if o.listPorts {
		ports := serial.ListPorts(runtime.GOOS)
		if len(ports) == 0 {
			fmt.Fprintln(stderr, "no serial devices found")
		}
		for _, p := range ports {
			fmt.Fprintln(stdout, p)
		}
		return exitOK
	}

	cfg, err := buildConfig(o)
	if err != nil {
		fmt.Fprintf(stderr, "rtkbridge: config: %v\n", err)
		return exitUsage
	}

	logs := web.NewLogBuffer(2000)
	logger, err := newLogger(io.MultiWriter(stderr, logs), cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(stderr, "rtkbridge: %v\n", err)
		return exitUsage
	}

	rt, err := startRuntime(ctx, cfg, logger, logs)
	if err != nil {
		logger.Error("start failed", "err", err)
		return exitFailed
	}
	err = rt.Wait()
	rt.Close()
	if err != nil {
		logger.Error("stopped", "err", err)
		return exitFailed
	}
	logger.Info("stopped")
	return exitOK
}
