package metrics_collectors

import (
	"context"
)

// MetricCollector produces one named value for the relay status report.
type MetricCollector interface {
	Name() string                            // Key in the status metrics map
	Collect(ctx context.Context) interface{} // nil when the value is unavailable
	Unit() string                            // Unit of the metric (e.g., "percentage", "bytes")
	Description() string                     // Description of the metric
}
