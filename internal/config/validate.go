package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// problems collects every validation failure so -check can report them together.
type problems []error

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Errorf(format, args...))
}

// listen records a problem unless value is a host:port address.
func (p *problems) listen(field, value string) {
	if strings.TrimSpace(value) == "" {
		p.addf("%s cannot be empty when enabled", field)
		return
	}
	if _, _, err := net.SplitHostPort(value); err != nil {
		p.addf("%s must be host:port: %w", field, err)
	}
}

func (c *Config) validate() error {
	var errs problems

	c.Log.Console.validate(&errs, "log.console", false)
	c.Log.File.validate(&errs, "log.file", true)

	if c.Pprof.Enabled {
		errs.listen("pprof.listen", c.Pprof.Listen)
	}
	if c.Ingest.Enabled {
		errs.listen("ingest.listen", c.Ingest.Listen)
	}
	if strings.TrimSpace(c.Ingest.GRPCListen) != "" {
		errs.listen("ingest.grpc_listen", c.Ingest.GRPCListen)
	}

	for key := range c.Shim.GlobalAttributes {
		if strings.TrimSpace(key) == "" {
			errs.addf("shim.global_attributes contains an empty key")
		}
	}
	for idx, expression := range c.Pipeline.DropEvent {
		if strings.TrimSpace(expression) == "" {
			errs.addf("pipeline.drop_event[%d] cannot be empty", idx)
		}
	}
	for idx := range c.Collector {
		c.Collector[idx].validate(&errs, fmt.Sprintf("collector[%d]", idx))
	}

	return errors.Join(errs...)
}

func (s LogSinkConfig) validate(errs *problems, field string, needsPath bool) {
	if s.Enabled && needsPath && strings.TrimSpace(s.Path) == "" {
		errs.addf("%s.path is required when sink is enabled", field)
	}
	switch normalize(s.Level) {
	case "debug", "info", "warn", "error", "panic":
	default:
		errs.addf("%s.level: unsupported value %q", field, s.Level)
	}
	switch normalize(s.Format) {
	case "line", "json":
	default:
		errs.addf("%s.format: unsupported value %q", field, s.Format)
	}
}

func (c CollectorConfig) validate(errs *problems, field string) {
	if len(c.Addr) == 0 {
		errs.addf("%s.addr must contain at least one host:port", field)
	}
	for idx, addr := range c.Addr {
		if strings.TrimSpace(addr) == "" {
			errs.addf("%s.addr[%d] cannot be empty", field, idx)
			continue
		}
		if _, _, err := net.SplitHostPort(strings.TrimSpace(addr)); err != nil {
			errs.addf("%s.addr[%d] must be host:port: %w", field, idx, err)
		}
	}

	if c.Timeout.Duration <= 0 {
		errs.addf("%s.timeout must be > 0", field)
	}
	if c.RetryInterval.Duration <= 0 {
		errs.addf("%s.retry_interval must be > 0", field)
	}
	if c.Batch.MaxEvents == 0 && c.Batch.MaxAge.Duration <= 0 {
		errs.addf("%s.batch requires max_events > 0 or max_age > 0", field)
	}

	if !c.Queue.Enabled {
		return
	}
	if strings.TrimSpace(c.Queue.Dir) == "" {
		errs.addf("%s.queue.dir is required when queue is enabled", field)
	}
	if c.Queue.MaxEvents == 0 && c.Queue.MaxAge.Duration <= 0 {
		errs.addf("%s.queue requires max_events > 0 or max_age > 0", field)
	}
}
