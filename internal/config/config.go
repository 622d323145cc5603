package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
	"gopkg.in/yaml.v3"

	"rtkbridge/internal/ntrip"
)

type Config struct {
	NTRIP      NTRIPConfig      `yaml:"ntrip"`
	Serial     SerialConfig     `yaml:"serial"`
	Downstream DownstreamConfig `yaml:"downstream"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Web        WebConfig        `yaml:"web"`
	Log        LogConfig        `yaml:"log"`
	FixLog     FixLogConfig     `yaml:"fixlog"`
	Indicator  IndicatorConfig  `yaml:"indicator"`
	Announce   AnnounceConfig   `yaml:"announce"`
	Export     ExportConfig     `yaml:"export"`
}

type NTRIPConfig struct {
	URL          string `yaml:"url"`
	UserAgent    string `yaml:"user_agent"`
	NtripVersion string `yaml:"ntrip_version"`
}

type SerialConfig struct {
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
}

type DownstreamConfig struct {
	Listen string `yaml:"listen"`
	Queue  int    `yaml:"queue"`
}

type SupervisorConfig struct {
	Mode         string        `yaml:"mode"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type WebConfig struct {
	// Listen is the status API address; empty disables it.
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type FixLogConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type IndicatorConfig struct {
	Enable bool   `yaml:"enable"`
	Chip   string `yaml:"chip"`
	Line   string `yaml:"line"`
}

type AnnounceConfig struct {
	Enable bool   `yaml:"enable"`
	Name   string `yaml:"name"`
}

// ExportConfig ships decoded fixes to external stores.
type ExportConfig struct {
	Queue  int          `yaml:"queue"`
	Influx InfluxConfig `yaml:"influx"`
	Mongo  MongoConfig  `yaml:"mongo"`
}

type InfluxConfig struct {
	Enable bool   `yaml:"enable"`
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

type MongoConfig struct {
	Enable     bool   `yaml:"enable"`
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// Enabled reports whether any export sink is configured.
func (e ExportConfig) Enabled() bool { return e.Influx.Enable || e.Mongo.Enable }

const (
	ModeAlwaysOn   = "always_on"
	ModeSingleShot = "single_shot"
)

func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read parses path without applying defaults or validating, so command line
// overrides can fill in what the file leaves out.
func Read(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns a config with every default applied and no caster URL.
// Callers running without a file must set NTRIP.URL and Serial.Device before
// calling DefaultAndValidate.
func Default() Config {
	var cfg Config
	applyDefaults(&cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	cfg.NTRIP.URL = strings.TrimSpace(cfg.NTRIP.URL)
	if cfg.NTRIP.UserAgent == "" {
		cfg.NTRIP.UserAgent = "GpsCorrect"
	}
	cfg.Serial.Device = strings.TrimSpace(cfg.Serial.Device)
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = 115200
	}
	if strings.TrimSpace(cfg.Downstream.Listen) == "" {
		cfg.Downstream.Listen = "0.0.0.0:6543"
	}
	if cfg.Downstream.Queue == 0 {
		cfg.Downstream.Queue = 256
	}
	cfg.Supervisor.Mode = strings.ToLower(strings.TrimSpace(cfg.Supervisor.Mode))
	if cfg.Supervisor.Mode == "" {
		cfg.Supervisor.Mode = ModeAlwaysOn
	}
	if cfg.Supervisor.PollInterval == 0 {
		cfg.Supervisor.PollInterval = 1 * time.Second
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.FixLog.Path == "" {
		cfg.FixLog.Path = "fix-%Y-%m-%d.log"
	}
	if cfg.Indicator.Chip == "" {
		cfg.Indicator.Chip = "gpiochip0"
	}
	if cfg.Indicator.Line == "" {
		cfg.Indicator.Line = "GPIO17"
	}
	if cfg.Export.Queue == 0 {
		cfg.Export.Queue = 64
	}
	if cfg.Export.Mongo.Database == "" {
		cfg.Export.Mongo.Database = "rtkbridge"
	}
	if cfg.Export.Mongo.Collection == "" {
		cfg.Export.Mongo.Collection = "fixes"
	}
}

// DefaultAndValidate fills defaults in place and rejects unusable settings.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	applyDefaults(cfg)

	if cfg.NTRIP.URL == "" {
		return fmt.Errorf("ntrip.url is required")
	}
	if _, err := ntrip.ParseEndpoint(cfg.NTRIP.URL); err != nil {
		return fmt.Errorf("ntrip.url: %w", err)
	}
	switch cfg.NTRIP.NtripVersion {
	case "", "Ntrip/1.0", "Ntrip/2.0":
	default:
		return fmt.Errorf("ntrip.ntrip_version must be empty, 'Ntrip/1.0' or 'Ntrip/2.0'")
	}
	if cfg.Serial.Device == "" {
		return fmt.Errorf("serial.device is required")
	}
	if cfg.Serial.Baud < 0 {
		return fmt.Errorf("serial.baud must be > 0")
	}
	if cfg.Downstream.Queue < 0 {
		return fmt.Errorf("downstream.queue must be > 0")
	}
	switch cfg.Supervisor.Mode {
	case ModeAlwaysOn, ModeSingleShot:
	default:
		return fmt.Errorf("supervisor.mode must be '%s' or '%s'", ModeAlwaysOn, ModeSingleShot)
	}
	if cfg.Supervisor.PollInterval < 0 {
		return fmt.Errorf("supervisor.poll_interval must be > 0")
	}
	if _, err := log.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if cfg.FixLog.Enable {
		if _, err := strftime.New(cfg.FixLog.Path); err != nil {
			return fmt.Errorf("fixlog.path: %w", err)
		}
	}
	if cfg.Export.Queue < 0 {
		return fmt.Errorf("export.queue must be > 0")
	}
	if in := cfg.Export.Influx; in.Enable {
		if strings.TrimSpace(in.URL) == "" || in.Org == "" || in.Bucket == "" {
			return fmt.Errorf("export.influx requires url, org and bucket")
		}
	}
	if cfg.Export.Mongo.Enable && strings.TrimSpace(cfg.Export.Mongo.URI) == "" {
		return fmt.Errorf("export.mongo.uri is required")
	}
	return nil
}
