package metrics_collectors

import (
	"context"

	"github.com/benmeehan/boxrelay/internal/models"
)

// StatsSource is satisfied by the connection registry.
type StatsSource interface {
	GetStats() models.RegistryStats
}

// RegistryMetricCollector reports live connection and pending request counts.
type RegistryMetricCollector struct {
	Source StatsSource
}

func (r *RegistryMetricCollector) Name() string {
	return "registry"
}

func (r *RegistryMetricCollector) Collect(ctx context.Context) interface{} {
	stats := r.Source.GetStats()
	return &stats
}

func (r *RegistryMetricCollector) Unit() string {
	return "count"
}

func (r *RegistryMetricCollector) Description() string {
	return "Live box connections, customers and commands awaiting a reply."
}
