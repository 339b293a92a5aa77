package ops

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/bobbyswhip/x402c/log"
	"github.com/bobbyswhip/x402c/metrics"
)

func startedServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	s := New(cfg, log.Default())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, body
}

func TestMetricsEndpoint(t *testing.T) {
	s := startedServer(t, Config{})
	metrics.SenderSubmitted.Inc()

	code, body := get(t, "http://"+s.Addr()+"/metrics")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	text := string(body)
	for _, want := range []string{
		"x402c_sender_submitted",
		"x402c_go_goroutines",
		"x402c_watcher_event_rate_rate1m",
		"x402c_sender_tx_rate_count",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestMetricsNamespaceOverride(t *testing.T) {
	s := startedServer(t, Config{Namespace: "agent"})

	code, body := get(t, "http://"+s.Addr()+"/metrics")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if !strings.Contains(string(body), "agent_sender_submitted") {
		t.Error("metrics output missing namespaced counter agent_sender_submitted")
	}
}

func TestHealthLivenessWithoutChecker(t *testing.T) {
	s := startedServer(t, Config{})

	code, body := get(t, "http://"+s.Addr()+"/health")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	var report HealthReport
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if report.Status != StatusHealthy {
		t.Errorf("Status = %q, want healthy liveness", report.Status)
	}
	if len(report.Services) != 0 {
		t.Errorf("Services = %d, want none without a checker", len(report.Services))
	}
}

func TestHealthReportsServiceBreakdown(t *testing.T) {
	hc := NewHealthChecker()
	hc.Register("sender", &stubChecker{health: &ServiceHealth{Status: StatusHealthy}})
	hc.Register("watcher", &stubChecker{health: &ServiceHealth{
		Status:  StatusDegraded,
		Message: "poll errors, backed off",
	}})
	s := startedServer(t, Config{Health: hc})

	code, body := get(t, "http://"+s.Addr()+"/health")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200 while merely degraded", code)
	}
	var report HealthReport
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if report.Status != StatusDegraded {
		t.Errorf("Status = %q, want degraded", report.Status)
	}
	if len(report.Services) != 2 || report.Services[1].Message != "poll errors, backed off" {
		t.Errorf("Services = %+v, want two with the watcher message", report.Services)
	}
}

func TestHealthUnhealthyReturns503(t *testing.T) {
	hc := NewHealthChecker()
	hc.Register("chain", &stubChecker{health: &ServiceHealth{Status: StatusUnhealthy}})
	s := startedServer(t, Config{Health: hc})

	code, _ := get(t, "http://"+s.Addr()+"/health")
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when unhealthy", code)
	}
}

func TestStatusDocument(t *testing.T) {
	hc := NewHealthChecker()
	hc.Register("cache", &stubChecker{health: &ServiceHealth{Status: StatusHealthy}})
	sm := metrics.NewSystemMetrics()
	sm.SetBlockHeightFunc(func() uint64 { return 12_345 })
	sm.SetInFlightFunc(func() int { return 3 })
	s := startedServer(t, Config{Version: "1.4.2", Health: hc, System: sm})

	code, body := get(t, "http://"+s.Addr()+"/debug/status")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	var doc struct {
		Version   string `json:"version"`
		GoVersion string `json:"goVersion"`
		System    struct {
			Goroutines  int    `json:"goroutines"`
			BlockHeight uint64 `json:"blockHeight"`
			InFlight    int    `json:"inFlight"`
		} `json:"system"`
		Health *HealthReport `json:"health"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if doc.Version != "1.4.2" {
		t.Errorf("version = %q, want 1.4.2", doc.Version)
	}
	if doc.GoVersion == "" {
		t.Error("goVersion empty")
	}
	if doc.System.Goroutines <= 0 {
		t.Errorf("goroutines = %d, want positive", doc.System.Goroutines)
	}
	if doc.System.BlockHeight != 12_345 {
		t.Errorf("blockHeight = %d, want 12345", doc.System.BlockHeight)
	}
	if doc.System.InFlight != 3 {
		t.Errorf("inFlight = %d, want 3", doc.System.InFlight)
	}
	if doc.Health == nil || doc.Health.Status != StatusHealthy {
		t.Errorf("health = %+v, want embedded healthy report", doc.Health)
	}
}

func TestWriteMethodsRejected(t *testing.T) {
	s := startedServer(t, Config{})

	for _, path := range []string{"/health", "/debug/status", "/metrics"} {
		resp, err := http.Post("http://"+s.Addr()+path, "application/json", strings.NewReader("{}"))
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("POST %s status = %d, want 405", path, resp.StatusCode)
		}
	}
}

func TestStartStopGuards(t *testing.T) {
	s := startedServer(t, Config{})
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("second Start() = nil, want error")
	}

	addr := s.Addr()
	if addr == "" {
		t.Fatal("Addr() empty after Start")
	}
	s.Stop()
	s.Stop()
	if _, err := http.Get("http://" + addr + "/health"); err == nil {
		t.Error("request succeeded after Stop, want connection failure")
	}
}

func TestAddrEmptyBeforeStart(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0"}, log.Default())
	if got := s.Addr(); got != "" {
		t.Errorf("Addr() = %q before Start, want empty", got)
	}
}
