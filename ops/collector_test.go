package ops

import (
	"strings"
	"testing"

	"github.com/bobbyswhip/x402c/metrics"
)

func TestMeterCollectorLines(t *testing.T) {
	mc := NewMeterCollector()
	sends := metrics.NewMeter()
	events := metrics.NewMeter()
	sends.Mark(3)
	mc.Add("sender.tx_rate", sends)
	mc.Add("watcher.event_rate", events)

	lines := mc.Collect()
	if len(lines) != 10 {
		t.Fatalf("Collect() = %d lines, want 10", len(lines))
	}
	if lines[0].Name != "sender.tx_rate.count" {
		t.Errorf("lines[0].Name = %q, want sender.tx_rate.count first in sorted order", lines[0].Name)
	}
	if lines[0].Value != 3 {
		t.Errorf("sender.tx_rate.count = %v, want 3", lines[0].Value)
	}
	if lines[5].Name != "watcher.event_rate.count" {
		t.Errorf("lines[5].Name = %q, want watcher.event_rate.count", lines[5].Name)
	}
	if lines[5].Value != 0 {
		t.Errorf("watcher.event_rate.count = %v, want 0 for unmarked meter", lines[5].Value)
	}
	suffixes := []string{".count", ".rate1m", ".rate5m", ".rate15m", ".rate_mean"}
	for i, line := range lines {
		if !strings.HasSuffix(line.Name, suffixes[i%5]) {
			t.Errorf("lines[%d].Name = %q, want suffix %q", i, line.Name, suffixes[i%5])
		}
		if line.Value < 0 {
			t.Errorf("lines[%d].Value = %v, want non-negative", i, line.Value)
		}
	}
}

func TestStandardMeters(t *testing.T) {
	lines := StandardMeters().Collect()
	if len(lines) != 10 {
		t.Fatalf("Collect() = %d lines, want 10 for the two stock meters", len(lines))
	}
	names := make(map[string]bool, len(lines))
	for _, line := range lines {
		names[line.Name] = true
	}
	if !names["watcher.event_rate.count"] || !names["sender.tx_rate.count"] {
		t.Errorf("stock meter lines missing, got %v", names)
	}
}
