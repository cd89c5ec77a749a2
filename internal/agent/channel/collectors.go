package channel

import (
	"fmt"
	"log"
	"math"
	"sort"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/itskum47/fluxguard/internal/protocol"
)

// processListLimit mirrors the original agent's "top 60 by CPU" cutoff.
const processListLimit = 60

func diskScan() []map[string]interface{} {
	parts, err := disk.Partitions(false)
	if err != nil {
		log.Printf("channel: disk.Partitions failed: %v", err)
		return nil
	}
	details := make([]map[string]interface{}, 0, len(parts))
	for _, part := range parts {
		u, err := disk.Usage(part.Mountpoint)
		if err != nil {
			continue
		}
		details = append(details, map[string]interface{}{
			"path":  part.Mountpoint,
			"size":  fmt.Sprintf("%.1fGB", float64(u.Used)/1e9),
			"total": fmt.Sprintf("%.1fGB", float64(u.Total)/1e9),
			"pct":   int(math.Round(u.UsedPercent)),
		})
	}
	return details
}

func getProcesses() []protocol.ProcessInfo {
	procs, err := process.Processes()
	if err != nil {
		log.Printf("channel: process.Processes failed: %v", err)
		return nil
	}

	out := make([]protocol.ProcessInfo, 0, len(procs))
	for _, p := range procs {
		name, _ := p.Name()
		cpuPct, _ := p.CPUPercent()
		var memMB float64
		if mi, err := p.MemoryInfo(); err == nil && mi != nil {
			memMB = float64(mi.RSS) / 1048576
		}
		exe, _ := p.Exe()
		out = append(out, protocol.ProcessInfo{
			PID: int(p.Pid), Name: name, CPU: round1(cpuPct), MemMB: round1(memMB), Path: exe,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CPU > out[j].CPU })
	if len(out) > processListLimit {
		out = out[:processListLimit]
	}
	return out
}

func killProcess(pid int) bool {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		log.Printf("channel: kill_process: no such pid %d: %v", pid, err)
		return false
	}
	if err := p.Kill(); err != nil {
		log.Printf("channel: kill_process: pid %d: %v", pid, err)
		return false
	}
	return true
}

func hwScan() protocol.HWReportPayload {
	var p protocol.HWReportPayload

	if infos, err := cpu.Info(); err == nil {
		for _, c := range infos {
			if p.CPUModel == "" {
				p.CPUModel = c.ModelName
			}
			p.CPUCores += int(c.Cores)
		}
	} else {
		log.Printf("channel: cpu.Info failed: %v", err)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		p.RAMTotalGB = round1(float64(vm.Total) / 1073741824)
	} else {
		log.Printf("channel: mem.VirtualMemory failed: %v", err)
	}

	if parts, err := disk.Partitions(false); err == nil {
		for _, part := range parts {
			u, err := disk.Usage(part.Mountpoint)
			if err != nil {
				continue
			}
			p.Disks = append(p.Disks, protocol.HWDisk{Path: part.Mountpoint, SizeGB: round1(float64(u.Total) / 1e9)})
		}
	} else {
		log.Printf("channel: disk.Partitions failed: %v", err)
	}

	return p
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}
