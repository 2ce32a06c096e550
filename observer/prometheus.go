// Package observer provides iif.Observer implementations backed by external
// metrics systems
package observer

import (
	"github.com/prometheus/client_golang/prometheus"

	iif "github.com/ehrlich-b/go-iif"
)

// Prometheus exports fence events as Prometheus collectors. Counters are
// labeled by IP name where the event carries one.
type Prometheus struct {
	allocations     *prometheus.CounterVec
	retires         *prometheus.CounterVec
	lifetime        prometheus.Histogram
	signalerSubmits *prometheus.CounterVec
	signals         *prometheus.CounterVec
	waiters         *prometheus.CounterVec
	waited          *prometheus.CounterVec
	callbacks       *prometheus.CounterVec
	handles         *prometheus.CounterVec
	liveFences      prometheus.Gauge
}

// NewPrometheus creates collectors under namespace (default "iif").
// They are not registered; use Register or add them to a registry.
func NewPrometheus(namespace string) *Prometheus {
	if namespace == "" {
		namespace = "iif"
	}

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, labels)
	}

	buckets := make([]float64, len(iif.LifetimeBuckets))
	for i, ns := range iif.LifetimeBuckets {
		buckets[i] = float64(ns) / 1e9
	}

	return &Prometheus{
		allocations:     counter("allocations_total", "Fence allocation attempts.", "ip", "result"),
		retires:         counter("retires_total", "Fence IDs returned to the pool.", "ip", "kind"),
		signalerSubmits: counter("signaler_submits_total", "submit_signaler calls.", "ip", "result"),
		signals:         counter("signals_total", "signal calls.", "ip", "result"),
		waiters:         counter("waiter_submits_total", "submit_waiter calls.", "ip", "result"),
		waited:          counter("waited_total", "waited calls.", "result"),
		callbacks:       counter("callbacks_fired_total", "Callbacks fired on completion.", "kind"),
		handles:         counter("handle_events_total", "Pollable handle installs and releases.", "event"),
		lifetime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fence_lifetime_seconds",
			Help:      "Time from allocation to retirement of a fence ID.",
			Buckets:   buckets,
		}),
		liveFences: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_fences",
			Help:      "Fences currently holding an ID.",
		}),
	}
}

// Collectors returns every collector owned by p
func (p *Prometheus) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		p.allocations,
		p.retires,
		p.lifetime,
		p.signalerSubmits,
		p.signals,
		p.waiters,
		p.waited,
		p.callbacks,
		p.handles,
		p.liveFences,
	}
}

// Register registers every collector with r
func (p *Prometheus) Register(r prometheus.Registerer) error {
	for _, c := range p.Collectors() {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func result(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

func (p *Prometheus) ObserveAllocate(ip iif.IP, success bool) {
	p.allocations.WithLabelValues(ip.String(), result(success, "ok", "failed")).Inc()
	if success {
		p.liveFences.Inc()
	}
}

func (p *Prometheus) ObserveRetire(ip iif.IP, lifetimeNs uint64, early bool) {
	p.retires.WithLabelValues(ip.String(), result(early, "early", "destroyed")).Inc()
	p.lifetime.Observe(float64(lifetimeNs) / 1e9)
	p.liveFences.Dec()
}

func (p *Prometheus) ObserveSubmitSignaler(ip iif.IP, accepted bool) {
	p.signalerSubmits.WithLabelValues(ip.String(), result(accepted, "accepted", "rejected")).Inc()
}

func (p *Prometheus) ObserveSignal(ip iif.IP, double bool) {
	p.signals.WithLabelValues(ip.String(), result(double, "double", "ok")).Inc()
}

func (p *Prometheus) ObserveSubmitWaiter(waiter iif.IP, registered bool) {
	p.waiters.WithLabelValues(waiter.String(), result(registered, "registered", "deferred")).Inc()
}

func (p *Prometheus) ObserveWaited(balanced bool) {
	p.waited.WithLabelValues(result(balanced, "ok", "unbalanced")).Inc()
}

func (p *Prometheus) ObserveCallbacks(kind iif.CallbackKind, fired int) {
	p.callbacks.WithLabelValues(kind.String()).Add(float64(fired))
}

func (p *Prometheus) ObserveHandle(installed bool) {
	p.handles.WithLabelValues(result(installed, "installed", "released")).Inc()
}

var _ iif.Observer = (*Prometheus)(nil)
