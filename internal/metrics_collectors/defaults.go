package metrics_collectors

import (
	"time"

	"github.com/rs/zerolog"
)

// NewRelayMetrics registers the collectors shown by the status command.
func NewRelayMetrics(source StatsSource, dataPath string, timeout time.Duration, logger zerolog.Logger) *MetricsRegistry {
	reg := NewMetricsRegistry(timeout, logger)
	l := logger.With().Str("component", "metrics").Logger()
	reg.Register(&RegistryMetricCollector{Source: source})
	reg.Register(&GoroutineMetricCollector{Logger: l})
	reg.Register(&ProcessMetricCollector{Logger: l})
	reg.Register(&CPUMetricCollector{Logger: l})
	reg.Register(&MemoryMetricCollector{Logger: l})
	reg.Register(&DiskMetricCollector{Logger: l, Path: dataPath})
	reg.Register(&NetworkMetricCollector{Logger: l})
	return reg
}
