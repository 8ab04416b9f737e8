package device

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// Attribute names registered for every relay session.
const (
	AttrOS              = "os"
	AttrPlatform        = "platform"
	AttrPlatformVersion = "platformVersion"
	AttrKernelVersion   = "kernelVersion"
	AttrKernelArch      = "kernelArch"
	AttrHostname        = "hostname"
	AttrBootTime        = "bootTime"
	AttrCPUCount        = "cpuCount"
	AttrMemoryTotal     = "memoryTotal"
	AttrSessionID       = "sessionId"
)

// Collector reads host facts registered as global attributes.
// Params: gopsutil readers, replaceable in tests.
// Returns: device attribute collector.
type Collector struct {
	hostInfo   func(context.Context) (*host.InfoStat, error)
	cpuCount   func(context.Context, bool) (int, error)
	virtualMem func(context.Context) (*mem.VirtualMemoryStat, error)
}

// NewCollector creates a collector backed by gopsutil.
// Params: none.
// Returns: configured collector.
func NewCollector() *Collector {
	return &Collector{
		hostInfo:   host.InfoWithContext,
		cpuCount:   cpu.CountsWithContext,
		virtualMem: mem.VirtualMemoryWithContext,
	}
}

// Attributes returns host facts plus the session id.
// Params: ctx for cancellation; session relay session id.
// Returns: attribute map ready for SetGlobalAttributes or host info error.
func (c *Collector) Attributes(ctx context.Context, session string) (map[string]any, error) {
	info, err := c.hostInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("read host info: %w", err)
	}

	out := map[string]any{
		AttrOS:              info.OS,
		AttrPlatform:        info.Platform,
		AttrPlatformVersion: info.PlatformVersion,
		AttrKernelVersion:   info.KernelVersion,
		AttrKernelArch:      info.KernelArch,
		AttrHostname:        info.Hostname,
		AttrBootTime:        info.BootTime,
		AttrSessionID:       session,
	}

	// cpu and memory are best effort; some containers hide them.
	if count, countErr := c.cpuCount(ctx, true); countErr == nil && count > 0 {
		out[AttrCPUCount] = count
	}
	if vm, memErr := c.virtualMem(ctx); memErr == nil && vm != nil {
		out[AttrMemoryTotal] = vm.Total
	}

	return out, nil
}
