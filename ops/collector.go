// collector.go bridges rate meters into the Prometheus scrape. The
// registry covers counters, gauges and histograms; meters need derived
// per-window rate lines, so they go through a custom collector.
package ops

import (
	"sort"
	"sync"

	"github.com/bobbyswhip/x402c/metrics"
)

// MeterCollector implements metrics.CustomCollector over a named set of
// rate meters.
type MeterCollector struct {
	mu     sync.RWMutex
	meters map[string]*metrics.Meter
}

// NewMeterCollector creates an empty collector.
func NewMeterCollector() *MeterCollector {
	return &MeterCollector{meters: make(map[string]*metrics.Meter)}
}

// Add registers a meter under a base name. Each scrape derives
// <name>.count, <name>.rate1m, <name>.rate5m, <name>.rate15m and
// <name>.rate_mean from it.
func (mc *MeterCollector) Add(name string, m *metrics.Meter) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.meters[name] = m
}

// Collect returns the meter lines in deterministic name order.
func (mc *MeterCollector) Collect() []metrics.MetricLine {
	mc.mu.RLock()
	names := make([]string, 0, len(mc.meters))
	meters := make(map[string]*metrics.Meter, len(mc.meters))
	for name, m := range mc.meters {
		names = append(names, name)
		meters[name] = m
	}
	mc.mu.RUnlock()
	sort.Strings(names)

	lines := make([]metrics.MetricLine, 0, len(names)*5)
	for _, name := range names {
		m := meters[name]
		lines = append(lines,
			metrics.MetricLine{Name: name + ".count", Value: float64(m.Count())},
			metrics.MetricLine{Name: name + ".rate1m", Value: m.Rate1()},
			metrics.MetricLine{Name: name + ".rate5m", Value: m.Rate5()},
			metrics.MetricLine{Name: name + ".rate15m", Value: m.Rate15()},
			metrics.MetricLine{Name: name + ".rate_mean", Value: m.RateMean()},
		)
	}
	return lines
}

// StandardMeters returns a collector over the agent's stock rate meters.
func StandardMeters() *MeterCollector {
	mc := NewMeterCollector()
	mc.Add("watcher.event_rate", metrics.WatcherEventRate)
	mc.Add("sender.tx_rate", metrics.SenderTxRate)
	return mc
}
