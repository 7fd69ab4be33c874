package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/waggle/pluginmanager/pkg/message"
	"github.com/waggle/pluginmanager/pkg/observability"
	"github.com/waggle/pluginmanager/pkg/plugin"
)

// CategoryStatus is the category of system_status envelopes.
const CategoryStatus = "status"

// Snapshot is one node status report.
type Snapshot struct {
	Hostname      string `json:"hostname"`
	UptimeSeconds uint64 `json:"uptime_seconds"`

	MemoryTotal       uint64  `json:"memory_total"`
	MemoryUsed        uint64  `json:"memory_used"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`

	DiskPath        string  `json:"disk_path"`
	DiskTotal       uint64  `json:"disk_total"`
	DiskUsed        uint64  `json:"disk_used"`
	DiskUsedPercent float64 `json:"disk_used_percent"`

	CPUPercent float64 `json:"cpu_percent"`

	Load1  float64 `json:"load1"`
	Load5  float64 `json:"load5"`
	Load15 float64 `json:"load15"`
}

// Collect reads a Snapshot. Sources that fail are left zero; the error is
// returned only when nothing could be read.
func Collect(ctx context.Context, diskPath string) (Snapshot, error) {
	snap := Snapshot{DiskPath: diskPath}
	var failures []error

	if info, err := host.InfoWithContext(ctx); err == nil {
		snap.Hostname = info.Hostname
		snap.UptimeSeconds = info.Uptime
	} else {
		failures = append(failures, fmt.Errorf("host: %w", err))
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryTotal = vm.Total
		snap.MemoryUsed = vm.Used
		snap.MemoryUsedPercent = vm.UsedPercent
	} else {
		failures = append(failures, fmt.Errorf("memory: %w", err))
	}

	if du, err := disk.UsageWithContext(ctx, diskPath); err == nil {
		snap.DiskTotal = du.Total
		snap.DiskUsed = du.Used
		snap.DiskUsedPercent = du.UsedPercent
	} else {
		failures = append(failures, fmt.Errorf("disk %s: %w", diskPath, err))
	}

	// Zero interval compares against the previous call; the first report is 0.
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	} else if err != nil {
		failures = append(failures, fmt.Errorf("cpu: %w", err))
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.Load1, snap.Load5, snap.Load15 = avg.Load1, avg.Load5, avg.Load15
	} else {
		failures = append(failures, fmt.Errorf("load: %w", err))
	}

	if len(failures) == 5 {
		return snap, fmt.Errorf("failed to collect node status: %w", failures[0])
	}
	return snap, nil
}

// Envelope encodes the snapshot as a status message.
func (s Snapshot) Envelope(version string) (*message.Envelope, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return message.New(SystemStatus, version, CategoryStatus, message.Value(body)), nil
}

func (s Snapshot) export() {
	observability.HostMemoryUsedPercent.Set(s.MemoryUsedPercent)
	observability.HostDiskUsedPercent.WithLabelValues(s.DiskPath).Set(s.DiskUsedPercent)
	observability.HostLoad1.Set(s.Load1)
}

// StatusEntry returns the system_status entry point: it reports a Snapshot
// every interval to the shared mailbox and mirrors it into the host gauges.
func StatusEntry(interval time.Duration, diskPath string) plugin.Entry {
	return func(ctx context.Context, env *plugin.Env) error {
		if env.Mailbox == nil {
			return fmt.Errorf("%s needs an outbound mailbox", SystemStatus)
		}
		env.Logger.Info("Starting status reporter",
			zap.Duration("interval", interval),
			zap.String("disk_path", diskPath),
		)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := env.Lifecycle.Gate(ctx); err != nil {
				return err
			}
			if err := report(ctx, env, diskPath); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				env.Logger.Error("Failed to report node status", zap.Error(err))
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
}

func report(ctx context.Context, env *plugin.Env, diskPath string) error {
	snap, err := Collect(ctx, diskPath)
	if err != nil {
		return err
	}
	snap.export()
	out, err := snap.Envelope("1")
	if err != nil {
		return err
	}
	return env.Mailbox.Put(ctx, out)
}
