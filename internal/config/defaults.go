package config

import (
	"strings"
	"time"
)

const (
	defaultLogLevel         = "info"
	defaultConsoleFormat    = "line"
	defaultFileFormat       = "json"
	defaultIngestListen     = "127.0.0.1:8790"
	defaultIngestMaxBody    = 1 << 20
	defaultIngestTimeout    = 10 * time.Second
	defaultPprofListen      = "127.0.0.1:6060"
	defaultCollectorTimeout = 5 * time.Second
	defaultCollectorRetry   = 3 * time.Second
	defaultBatchEvents      = 200
	defaultBatchAge         = 5 * time.Second
)

func (c *Config) applyDefaults() {
	c.Log.applyDefaults()

	if c.Shim.GlobalAttributes == nil {
		c.Shim.GlobalAttributes = map[string]any{}
	}

	c.Ingest.applyDefaults()
	if c.Pprof.Enabled {
		c.Pprof.Listen = orDefault(strings.TrimSpace(c.Pprof.Listen), defaultPprofListen)
	}
	for i := range c.Collector {
		c.Collector[i].applyDefaults()
	}
}

func (l *LogConfig) applyDefaults() {
	l.Console.Level = orDefault(normalize(l.Console.Level), defaultLogLevel)
	l.Console.Format = orDefault(normalize(l.Console.Format), defaultConsoleFormat)
	l.File.Level = orDefault(normalize(l.File.Level), defaultLogLevel)
	l.File.Format = orDefault(normalize(l.File.Format), defaultFileFormat)
	if !l.Console.Enabled && !l.File.Enabled {
		l.Console.Enabled = true
	}
}

func (i *IngestConfig) applyDefaults() {
	if i.Enabled {
		i.Listen = orDefault(strings.TrimSpace(i.Listen), defaultIngestListen)
	}
	if i.MaxBody <= 0 {
		i.MaxBody = defaultIngestMaxBody
	}
	if i.Timeout.Duration <= 0 {
		i.Timeout.Duration = defaultIngestTimeout
	}
}

func (c *CollectorConfig) applyDefaults() {
	if c.Timeout.Duration <= 0 {
		c.Timeout.Duration = defaultCollectorTimeout
	}
	if c.RetryInterval.Duration <= 0 {
		c.RetryInterval.Duration = defaultCollectorRetry
	}
	if c.Batch.MaxEvents == 0 {
		c.Batch.MaxEvents = defaultBatchEvents
	}
	if c.Batch.MaxAge.Duration <= 0 {
		c.Batch.MaxAge.Duration = defaultBatchAge
	}
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
