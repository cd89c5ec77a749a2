// Package telemetry is the concrete, platform-independent implementation of
// the channel client's Telemetry collaborator, built on gopsutil the way the
// rest of the pack's host-monitoring components do (github.com/shirou/gopsutil
// appears across the retrieval pack's agent-shaped repos; no pack repo
// hand-rolls /proc parsing when it's available). Battery state is left
// best-effort nil/false on any host gopsutil reports no battery for, since
// gopsutil itself carries no battery subpackage.
package telemetry

import (
	"context"
	"log"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/itskum47/fluxguard/internal/agent/channel"
)

// sampleWindow is how long cpu.Percent observes before returning a value.
var sampleWindow = 200 * time.Millisecond

// AgentVersion is stamped on every sample; overridden at build time via
// -ldflags in a packaged release.
var AgentVersion = "dev"

// DiskPath is the filesystem root sampled for disk usage.
var DiskPath = "/"

// Sampler implements channel.Telemetry over gopsutil.
type Sampler struct {
	ipAddress func() string
}

func New(ipAddress func() string) *Sampler {
	return &Sampler{ipAddress: ipAddress}
}

func (s *Sampler) Sample() channel.Sample {
	sample := channel.Sample{
		Platform:     runtime.GOOS,
		AgentVersion: AgentVersion,
	}

	if info, err := host.Info(); err == nil {
		sample.Hostname = info.Hostname
		sample.OSInfo = info.Platform + " " + info.PlatformVersion
	} else {
		log.Printf("telemetry: host.Info failed: %v", err)
	}

	if s.ipAddress != nil {
		sample.IPAddress = s.ipAddress()
	}

	if pct, err := cpu.PercentWithContext(context.Background(), sampleWindow, false); err == nil && len(pct) > 0 {
		sample.CPUPercent = pct[0]
	} else if err != nil {
		log.Printf("telemetry: cpu.Percent failed: %v", err)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		sample.RAMPercent = vm.UsedPercent
	} else {
		log.Printf("telemetry: mem.VirtualMemory failed: %v", err)
	}

	if du, err := disk.Usage(DiskPath); err == nil {
		sample.DiskPercent = du.UsedPercent
	} else {
		log.Printf("telemetry: disk.Usage(%s) failed: %v", DiskPath, err)
	}

	return sample
}
