package metrics_collectors

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/process"
)

// ProcessMetrics describes the relay process itself.
type ProcessMetrics struct {
	CPUUsage   float64 `json:"cpu_usage"`    // percent
	Memory     float64 `json:"memory"`       // RSS bytes
	OpenFiles  int     `json:"open_files"`   // includes sockets
	NumThreads int32   `json:"num_threads"`
}

// ProcessMetricCollector collects CPU, memory and descriptor usage of the relay.
type ProcessMetricCollector struct {
	Logger zerolog.Logger
	PID    int32 // defaults to the current process
}

func (p *ProcessMetricCollector) Name() string {
	return "process"
}

func (p *ProcessMetricCollector) Collect(ctx context.Context) interface{} {
	pid := p.PID
	if pid == 0 {
		pid = int32(os.Getpid())
	}
	proc, err := process.NewProcess(pid)
	if err != nil {
		p.Logger.Error().Err(err).Int32("pid", pid).Msg("Failed to open process")
		return nil
	}

	metrics := &ProcessMetrics{}
	if cpuPercent, err := proc.CPUPercentWithContext(ctx); err == nil {
		metrics.CPUUsage = cpuPercent
	} else {
		p.Logger.Warn().Err(err).Int32("pid", pid).Msg("Failed to get CPU usage")
	}
	if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil {
		metrics.Memory = float64(memInfo.RSS)
	} else {
		p.Logger.Warn().Err(err).Int32("pid", pid).Msg("Failed to get memory information")
	}
	if fds, err := proc.NumFDsWithContext(ctx); err == nil {
		metrics.OpenFiles = int(fds)
	}
	if threads, err := proc.NumThreadsWithContext(ctx); err == nil {
		metrics.NumThreads = threads
	}
	return metrics
}

func (p *ProcessMetricCollector) Unit() string {
	return "varied (CPU: %, Memory: bytes)"
}

func (p *ProcessMetricCollector) Description() string {
	return "CPU usage (%), resident memory (bytes), open descriptors and threads of the relay process."
}
