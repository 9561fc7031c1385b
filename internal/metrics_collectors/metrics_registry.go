package metrics_collectors

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MetricsRegistry holds the collectors reported by the status endpoint.
type MetricsRegistry struct {
	mu         sync.RWMutex
	collectors map[string]MetricCollector
	timeout    time.Duration
	logger     zerolog.Logger
}

// NewMetricsRegistry creates a registry whose collectors each get timeout to
// produce a value.
func NewMetricsRegistry(timeout time.Duration, logger zerolog.Logger) *MetricsRegistry {
	return &MetricsRegistry{
		collectors: make(map[string]MetricCollector),
		timeout:    timeout,
		logger:     logger.With().Str("component", "metrics").Logger(),
	}
}

// Register adds a collector, replacing one with the same name.
func (r *MetricsRegistry) Register(collector MetricCollector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectors[collector.Name()] = collector
}

// Names lists registered collectors in order.
func (r *MetricsRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.collectors))
	for name := range r.collectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CollectAll runs every collector concurrently. Collectors that fail or miss
// the deadline are left out.
func (r *MetricsRegistry) CollectAll(ctx context.Context) map[string]any {
	r.mu.RLock()
	collectors := make([]MetricCollector, 0, len(r.collectors))
	for _, c := range r.collectors {
		collectors = append(collectors, c)
	}
	r.mu.RUnlock()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	type sample struct {
		name  string
		value interface{}
	}
	results := make(chan sample, len(collectors))
	var wg sync.WaitGroup
	for _, c := range collectors {
		wg.Add(1)
		go func(c MetricCollector) {
			defer wg.Done()
			results <- sample{name: c.Name(), value: c.Collect(ctx)}
		}(c)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	out := make(map[string]any, len(collectors))
	for {
		select {
		case s := <-results:
			if s.value != nil {
				out[s.name] = s.value
			}
		case <-done:
			// drain whatever landed between the last receive and close
			for {
				select {
				case s := <-results:
					if s.value != nil {
						out[s.name] = s.value
					}
				default:
					return out
				}
			}
		case <-ctx.Done():
			r.logger.Warn().Int("collected", len(out)).Int("total", len(collectors)).Msg("Metrics collection timed out")
			return out
		}
	}
}
