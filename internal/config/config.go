package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration written as "5s" or "1m30s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText accepts Go duration syntax; blank means zero.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = value
	return nil
}

// MarshalText renders the duration in Go syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the root of the relay TOML document.
type Config struct {
	Shim      ShimConfig        `toml:"shim"`
	Ingest    IngestConfig      `toml:"ingest"`
	Pipeline  PipelineConfig    `toml:"pipeline"`
	Log       LogConfig         `toml:"log"`
	Pprof     PprofConfig       `toml:"pprof"`
	Collector []CollectorConfig `toml:"collector"`
}

// ShimConfig holds the capture layer switches passed to emitter init.
// Params: console/exception/rejection toggles, development mode, and static global attributes.
// Returns: shim settings.
type ShimConfig struct {
	OverrideConsole          bool           `toml:"override_console"`
	ReportUncaughtExceptions bool           `toml:"report_uncaught_exceptions"`
	ReportRejectedPromises   bool           `toml:"report_rejected_promises"`
	Development              bool           `toml:"development"`
	DeviceAttributes         *bool          `toml:"device_attributes"`
	GlobalAttributes         map[string]any `toml:"global_attributes"`
}

// DeviceAttributesEnabled reports whether host facts are registered at start.
// Params: none.
// Returns: true unless explicitly disabled.
func (s ShimConfig) DeviceAttributesEnabled() bool {
	return s.DeviceAttributes == nil || *s.DeviceAttributes
}

// IngestConfig defines the HTTP API and the optional gRPC batch receiver.
// Params: listen addresses, body limit, and request timeout.
// Returns: ingest runtime settings.
type IngestConfig struct {
	Enabled    bool     `toml:"enabled"`
	Listen     string   `toml:"listen"`
	GRPCListen string   `toml:"grpc_listen"`
	MaxBody    int64    `toml:"max_body"`
	Timeout    Duration `toml:"timeout"`
}

// PipelineConfig defines event filtering and the debug log sink.
// Params: drop expressions and log sink toggle.
// Returns: pipeline settings.
type PipelineConfig struct {
	DropEvent []string `toml:"drop_event"`
	LogEvents bool     `toml:"log_events"`
}

// PprofConfig enables the /debug/pprof listener.
type PprofConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// LogConfig holds the two relay log sinks. Console is enabled when neither is.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig is one log destination; Path is used by the file sink only.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// CollectorConfig is one downstream collector.
// Addr lists failover targets tried in order; Timeout bounds a single attempt.
type CollectorConfig struct {
	Name          string               `toml:"name"`
	Addr          []string             `toml:"addr"`
	Timeout       Duration             `toml:"timeout"`
	RetryInterval Duration             `toml:"retry_interval"`
	Queue         CollectorQueueConfig `toml:"queue"`
	Batch         CollectorBatchConfig `toml:"batch"`
}

// CollectorQueueConfig configures the disk spool for undeliverable batches.
type CollectorQueueConfig struct {
	Enabled   bool     `toml:"enabled"`
	Dir       string   `toml:"dir"`
	MaxEvents uint64   `toml:"max_events"`
	MaxAge    Duration `toml:"max_age"`
	Compress  bool     `toml:"compress"`
}

// CollectorBatchConfig bounds one in-memory batch by size and by age.
type CollectorBatchConfig struct {
	MaxEvents uint64   `toml:"max_events"`
	MaxAge    Duration `toml:"max_age"`
}

// Load reads path, expands ${VAR} references, decodes TOML, fills defaults and validates.
// Params: path to one TOML file or a directory of *.toml snippets merged in name order.
// Returns: validated config or the first read/decode error, or every validation problem joined.
func Load(path string) (*Config, error) {
	raw, err := readSource(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := toml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &cfg); err != nil {
		return nil, fmt.Errorf("decode TOML %q: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
