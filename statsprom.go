package dxmem

import "github.com/prometheus/client_golang/prometheus"

// PrometheusCounters adapts Counters onto a prometheus.CounterVec labeled
// by operation name, so an embedding application can register DXMem's
// operation counts with its own registry without the core importing
// Prometheus directly anywhere outside this adapter.
type PrometheusCounters struct {
	vec *prometheus.CounterVec
}

// NewPrometheusCounters builds a CounterVec named "dxmem_operations_total"
// with a single "op" label and registers it with reg.
func NewPrometheusCounters(reg prometheus.Registerer) *PrometheusCounters {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dxmem_operations_total",
		Help: "Count of DXMem operations by kind and outcome.",
	}, []string{"op"})
	reg.MustRegister(vec)
	return &PrometheusCounters{vec: vec}
}

func (p *PrometheusCounters) IncCreate()      { p.vec.WithLabelValues("create").Inc() }
func (p *PrometheusCounters) IncGet()         { p.vec.WithLabelValues("get").Inc() }
func (p *PrometheusCounters) IncPut()         { p.vec.WithLabelValues("put").Inc() }
func (p *PrometheusCounters) IncResize()      { p.vec.WithLabelValues("resize").Inc() }
func (p *PrometheusCounters) IncRemove()      { p.vec.WithLabelValues("remove").Inc() }
func (p *PrometheusCounters) IncLockTimeout() { p.vec.WithLabelValues("lock_timeout").Inc() }
func (p *PrometheusCounters) IncOOM()         { p.vec.WithLabelValues("out_of_memory").Inc() }
