// Package device samples host health for the status channel and the
// device-status telemetry event.
package device

import (
	"context"
	"log"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/petervdpas/slotcast/internal/proto"
)

const mb = 1024 * 1024

// Identity is the fixed part of every status report.
type Identity struct {
	DeviceID   string
	DeviceName string
	MaterialID string
	SlotNumber int
	AppVersion string
}

// Sample is one reading of the host.
type Sample struct {
	Platform    string  `json:"platform"`
	OSVersion   string  `json:"osVersion"`
	Hostname    string  `json:"hostname"`
	UptimeSec   uint64  `json:"uptimeSec"`
	CPUPercent  float64 `json:"cpuPercent"`
	MemUsedMB   float64 `json:"memUsedMb"`
	MemTotalMB  float64 `json:"memTotalMb"`
	DiskUsedMB  float64 `json:"diskUsedMb"`
	DiskTotalMB float64 `json:"diskTotalMb"`
	Timestamp   int64   `json:"timestamp"`
}

// Collector reads host statistics. A failing reader leaves its fields zero
// and does not fail the sample.
type Collector struct {
	DiskPath string // filesystem to report, default "/"
}

func (c *Collector) Collect(ctx context.Context) Sample {
	s := Sample{Platform: runtime.GOOS, Timestamp: time.Now().UnixMilli()}

	if info, err := host.InfoWithContext(ctx); err == nil {
		if info.Platform != "" {
			s.Platform = info.Platform
		}
		s.OSVersion = strings.TrimSpace(info.PlatformVersion + " " + info.KernelVersion)
		s.Hostname = info.Hostname
		s.UptimeSec = info.Uptime
	} else {
		log.Printf("DEVICE: host info: %v", err)
	}

	// Interval 0 compares against the previous call.
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	} else if err != nil {
		log.Printf("DEVICE: cpu: %v", err)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		// Available includes reclaimable page cache.
		s.MemUsedMB = float64(vm.Total-vm.Available) / mb
		s.MemTotalMB = float64(vm.Total) / mb
	} else {
		log.Printf("DEVICE: memory: %v", err)
	}

	path := c.DiskPath
	if path == "" {
		path = "/"
	}
	if du, err := disk.UsageWithContext(ctx, path); err == nil {
		s.DiskUsedMB = float64(du.Used) / mb
		s.DiskTotalMB = float64(du.Total) / mb
	} else {
		log.Printf("DEVICE: disk %s: %v", path, err)
	}
	return s
}

// StatusUpdate builds the status-channel announcement.
func StatusUpdate(id Identity, s Sample) proto.StatusUpdate {
	return proto.StatusUpdate{
		Type:       proto.TypeStatusUpdate,
		DeviceID:   id.DeviceID,
		MaterialID: id.MaterialID,
		Timestamp:  s.Timestamp,
		Platform:   s.Platform,
		AppVersion: id.AppVersion,
		DeviceName: id.DeviceName,
		OSVersion:  s.OSVersion,
	}
}

// Report is the durable device-status event.
type Report struct {
	DeviceID   string `json:"deviceId"`
	MaterialID string `json:"materialId"`
	SlotNumber int    `json:"slotNumber"`
	AppVersion string `json:"appVersion"`
	Online     bool   `json:"online"`
	Sample
}

func NewReport(id Identity, s Sample, online bool) Report {
	return Report{
		DeviceID:   id.DeviceID,
		MaterialID: id.MaterialID,
		SlotNumber: id.SlotNumber,
		AppVersion: id.AppVersion,
		Online:     online,
		Sample:     s,
	}
}
