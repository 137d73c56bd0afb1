// Package metrics provides a minimal instrumentation interface with a no-op
// default and an optional Prometheus-backed implementation.
package metrics

import (
	"os"
	"sync"
	"time"
)

// Recorder defines the metrics surface used across the codebase.
type Recorder interface {
	IncStoreOpTotal(store, op string, success bool)
	ObserveStoreOpSeconds(store, op string, success bool, seconds float64)
	IncToolTotal(tool string, success bool)
	ObserveToolSeconds(tool string, success bool, seconds float64)
	ObservePoolStats(store string, inUse, idle int)
}

type noopRecorder struct{}

func (n *noopRecorder) IncStoreOpTotal(string, string, bool)                {}
func (n *noopRecorder) ObserveStoreOpSeconds(string, string, bool, float64) {}
func (n *noopRecorder) IncToolTotal(string, bool)                           {}
func (n *noopRecorder) ObserveToolSeconds(string, bool, float64)            {}
func (n *noopRecorder) ObservePoolStats(string, int, int)                   {}

var (
	recMu    sync.RWMutex
	recorder Recorder = &noopRecorder{}
)

// Default returns the current recorder.
func Default() Recorder {
	recMu.RLock()
	defer recMu.RUnlock()
	return recorder
}

// SetRecorder swaps the global recorder implementation.
func SetRecorder(r Recorder) {
	recMu.Lock()
	defer recMu.Unlock()
	if r == nil {
		r = &noopRecorder{}
	}
	recorder = r
}

// TimeOp times one operation against a backing store.
func TimeOp(store, op string) func(success bool) {
	start := time.Now()
	return func(success bool) {
		dur := time.Since(start).Seconds()
		r := Default()
		r.IncStoreOpTotal(store, op, success)
		r.ObserveStoreOpSeconds(store, op, success, dur)
	}
}

// TimeTool times an RPC tool handler.
func TimeTool(tool string) func(success bool) {
	start := time.Now()
	return func(success bool) {
		dur := time.Since(start).Seconds()
		r := Default()
		r.IncToolTotal(tool, success)
		r.ObserveToolSeconds(tool, success, dur)
	}
}

// ObservePoolStats records connection pool usage for a store.
func ObservePoolStats(store string, inUse, idle int) {
	Default().ObservePoolStats(store, inUse, idle)
}

// Init installs the Prometheus recorder and serves /metrics and /healthz on
// addr (default :9090).
func Init(addr string) error {
	if addr == "" {
		addr = ":9090"
	}
	return enablePrometheus(addr)
}

// InitFromEnv enables the Prometheus exporter if METRICS_PROMETHEUS is set.
func InitFromEnv() {
	if os.Getenv("METRICS_PROMETHEUS") == "" {
		return
	}
	// keep the noop recorder if the exporter cannot start
	_ = Init(os.Getenv("METRICS_ADDR"))
}
