//go:build !noprom

package metrics

import (
	"net"
	"net/http"
	"strconv"

	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

type promRecorder struct {
	storeTotal   *prom.CounterVec
	storeSeconds *prom.HistogramVec
	toolTotal    *prom.CounterVec
	toolSeconds  *prom.HistogramVec
	poolInUse    *prom.GaugeVec
	poolIdle     *prom.GaugeVec
}

func (p *promRecorder) IncStoreOpTotal(store, op string, success bool) {
	p.storeTotal.WithLabelValues(store, op, strconv.FormatBool(success)).Inc()
}

func (p *promRecorder) ObserveStoreOpSeconds(store, op string, success bool, seconds float64) {
	p.storeSeconds.WithLabelValues(store, op, strconv.FormatBool(success)).Observe(seconds)
}

func (p *promRecorder) IncToolTotal(tool string, success bool) {
	p.toolTotal.WithLabelValues(tool, strconv.FormatBool(success)).Inc()
}

func (p *promRecorder) ObserveToolSeconds(tool string, success bool, seconds float64) {
	p.toolSeconds.WithLabelValues(tool, strconv.FormatBool(success)).Observe(seconds)
}

func (p *promRecorder) ObservePoolStats(store string, inUse, idle int) {
	p.poolInUse.WithLabelValues(store).Set(float64(inUse))
	p.poolIdle.WithLabelValues(store).Set(float64(idle))
}

func newPromRecorder(registry *prom.Registry) *promRecorder {
	p := &promRecorder{
		storeTotal: prom.NewCounterVec(prom.CounterOpts{
			Name: "opengin_store_ops_total",
			Help: "Total number of backing store operations",
		}, []string{"store", "op", "success"}),
		storeSeconds: prom.NewHistogramVec(prom.HistogramOpts{
			Name:    "opengin_store_op_seconds",
			Help:    "Backing store operation duration in seconds",
			Buckets: prom.DefBuckets,
		}, []string{"store", "op", "success"}),
		toolTotal: prom.NewCounterVec(prom.CounterOpts{
			Name: "opengin_tool_calls_total",
			Help: "Total number of tool handler calls",
		}, []string{"tool", "success"}),
		toolSeconds: prom.NewHistogramVec(prom.HistogramOpts{
			Name:    "opengin_tool_call_seconds",
			Help:    "Tool handler duration in seconds",
			Buckets: prom.DefBuckets,
		}, []string{"tool", "success"}),
		poolInUse: prom.NewGaugeVec(prom.GaugeOpts{
			Name: "opengin_pool_in_use",
			Help: "Connections in use per store",
		}, []string{"store"}),
		poolIdle: prom.NewGaugeVec(prom.GaugeOpts{
			Name: "opengin_pool_idle",
			Help: "Idle connections per store",
		}, []string{"store"}),
	}
	registry.MustRegister(p.storeTotal, p.storeSeconds, p.toolTotal, p.toolSeconds, p.poolInUse, p.poolIdle)
	return p
}

func enablePrometheus(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	registry := prom.NewRegistry()
	SetRecorder(newPromRecorder(registry))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	go func() { _ = http.Serve(ln, mux) }()
	return nil
}
