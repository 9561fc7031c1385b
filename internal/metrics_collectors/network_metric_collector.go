package metrics_collectors

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/net"
)

// NetworkMetrics holds the network I/O rate metrics.
type NetworkMetrics struct {
	NetworkInRate  float64 `json:"network_in,omitempty"`  // bytes/sec
	NetworkOutRate float64 `json:"network_out,omitempty"` // bytes/sec
}

// NetworkMetricCollector collects host network I/O rates between two status calls.
type NetworkMetricCollector struct {
	Logger zerolog.Logger

	mu       sync.Mutex
	lastIn   uint64
	lastOut  uint64
	lastTime time.Time
}

// Name returns the identifier for the network metric collector.
func (n *NetworkMetricCollector) Name() string {
	return "network"
}

// Collect retrieves the network I/O rates. The first call only primes the cache.
func (n *NetworkMetricCollector) Collect(ctx context.Context) interface{} {
	netStats, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		n.Logger.Error().Err(err).Msg("Failed to retrieve network statistics")
		return nil
	}
	if len(netStats) == 0 {
		n.Logger.Warn().Msg("No network statistics available")
		return nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	curr := netStats[0]
	now := time.Now()

	if n.lastTime.IsZero() {
		n.lastIn = curr.BytesRecv
		n.lastOut = curr.BytesSent
		n.lastTime = now
		return nil
	}

	secs := now.Sub(n.lastTime).Seconds()
	if secs <= 0 {
		return nil
	}

	metrics := NetworkMetrics{
		NetworkInRate:  counterRate(curr.BytesRecv, n.lastIn, secs),
		NetworkOutRate: counterRate(curr.BytesSent, n.lastOut, secs),
	}

	n.lastIn = curr.BytesRecv
	n.lastOut = curr.BytesSent
	n.lastTime = now

	return metrics
}

// counterRate is the per-second growth of a monotonic counter. A counter that
// went backwards (interface reset) reports zero for this interval.
func counterRate(curr, last uint64, secs float64) float64 {
	if curr < last {
		return 0
	}
	return float64(curr-last) / secs
}

// Unit specifies the unit for the network I/O rate metric.
func (n *NetworkMetricCollector) Unit() string {
	return "bytes per second"
}

// Description provides a summary of the network metric collected.
func (n *NetworkMetricCollector) Description() string {
	return "Network receive/send rate in bytes per second."
}
