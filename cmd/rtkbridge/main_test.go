package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtkbridge/internal/config"
	"rtkbridge/internal/serial"
	"rtkbridge/internal/supervisor"
)

func TestBuildConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ntrip:
  url: http://caster.centipede.fr:2101/GDCRT
serial:
  device: ttyUSB0
  baud: 38400
log:
  level: warn
`), 0o644))

	o, err := parseFlags([]string{"--config", path, "-d", "ttyACM1", "--listen", "127.0.0.1:7000", "--once", "--log-level", "debug"}, &bytes.Buffer{})
	require.NoError(t, err)
	cfg, err := buildConfig(o)
	require.NoError(t, err)

	assert.Equal(t, "http://caster.centipede.fr:2101/GDCRT", cfg.NTRIP.URL)
	assert.Equal(t, serial.ResolveDevice(runtime.GOOS, "ttyACM1"), cfg.Serial.Device)
	assert.Equal(t, 38400, cfg.Serial.Baud)
	assert.Equal(t, "127.0.0.1:7000", cfg.Downstream.Listen)
	assert.Equal(t, config.ModeSingleShot, cfg.Supervisor.Mode)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestBuildConfig_FlagsOnly(t *testing.T) {
	o, err := parseFlags([]string{"--url", "http://c:2101/MP", "--device", "/dev/ttyS3"}, &bytes.Buffer{})
	require.NoError(t, err)
	cfg, err := buildConfig(o)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyS3", cfg.Serial.Device)
	assert.Equal(t, config.ModeAlwaysOn, cfg.Supervisor.Mode)
	assert.Equal(t, "0.0.0.0:6543", cfg.Downstream.Listen)

	sc := supervisorConfig(cfg)
	assert.Equal(t, supervisor.ModeAlwaysOn, sc.Mode)
	assert.Equal(t, "GpsCorrect", sc.NTRIP.ClientName)
	assert.Equal(t, time.Second, sc.PollInterval)
}

func TestRun_MissingURLIsUsageError(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--device", "ttyACM0"}, &stdout, &stderr)
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr.String(), "ntrip.url is required")
}

func TestRun_NonHTTPCasterIsUsageError(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--url", "https://caster.centipede.fr:2101/GDCRT", "--device", "ttyACM0"}, &stdout, &stderr)
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr.String(), "ntrip.url")
	assert.NotContains(t, stderr.String(), "start failed")
}

func TestRun_UnexpectedArgument(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"extra"}, &stdout, &stderr)
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr.String(), "unexpected arguments: extra")
}

func TestRun_UnknownFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--bogus"}, &stdout, &stderr)
	assert.Equal(t, exitUsage, code)
}

func TestRun_Help(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--help"}, &stdout, &stderr)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stderr.String(), "--list-ports")
}

func TestRun_ListPorts(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--list-ports"}, &stdout, &stderr)
	assert.Equal(t, exitOK, code)

	want := serial.ListPorts(runtime.GOOS)
	got := strings.Fields(stdout.String())
	if len(want) == 0 {
		assert.Empty(t, got)
		assert.Contains(t, stderr.String(), "no serial devices found")
	} else {
		assert.Equal(t, want, got)
	}
}

func TestRun_SerialOpenFailureExits(t *testing.T) {
	var stdout, stderr bytes.Buffer
	device := filepath.Join(t.TempDir(), "no-such-tty")
	code := run(context.Background(), []string{
		"--url", "http://127.0.0.1:1/MP",
		"--device", device,
		"--listen", "127.0.0.1:0",
	}, &stdout, &stderr)
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, stderr.String(), "start failed")
}

func TestStartExport_NoUsableSink(t *testing.T) {
	var logs bytes.Buffer
	cfg := config.ExportConfig{
		Queue: 4,
		Mongo: config.MongoConfig{Enable: true, URI: "bogus://nowhere"},
	}
	logger, err := newLogger(&logs, "info")
	require.NoError(t, err)
	exp := startExport(context.Background(), cfg, logger)
	assert.Nil(t, exp)
	assert.Contains(t, logs.String(), "mongo export disabled")
}
