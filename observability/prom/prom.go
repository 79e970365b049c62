// Package prom adapts the observability interfaces onto Prometheus
// instruments, grounded on the teacher's observability/prom package (one
// struct of registered instruments per observer interface, constructed
// against a shared *prometheus.Registry).
package prom

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cocaine-rt/cocained/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// OverseerObserver exports per-app pool/queue/balancer metrics.
type OverseerObserver struct {
	poolSize    prometheus.Gauge
	queueLen    prometheus.Gauge
	assignTotal *prometheus.CounterVec
	spawnTotal  prometheus.Counter
	deathTotal  *prometheus.CounterVec
}

// NewOverseerObserver registers overseer metrics on the registry.
func NewOverseerObserver(reg *prometheus.Registry, app string) *OverseerObserver {
	labels := prometheus.Labels{"app": app}
	o := &OverseerObserver{
		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "cocained_overseer_pool_size",
			Help:        "Current slave pool size.",
			ConstLabels: labels,
		}),
		queueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "cocained_overseer_queue_length",
			Help:        "Current pending-request queue length.",
			ConstLabels: labels,
		}),
		assignTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "cocained_overseer_assign_total",
			Help:        "Enqueue assignment attempts by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		spawnTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "cocained_overseer_slave_spawn_total",
			Help:        "Slaves that reached the active state.",
			ConstLabels: labels,
		}),
		deathTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "cocained_overseer_slave_death_total",
			Help:        "Slave deaths by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
	}
	reg.MustRegister(o.poolSize, o.queueLen, o.assignTotal, o.spawnTotal, o.deathTotal)
	return o
}

func (o *OverseerObserver) PoolSize(n int) { o.poolSize.Set(float64(n)) }
func (o *OverseerObserver) QueueLen(n int) { o.queueLen.Set(float64(n)) }
func (o *OverseerObserver) Assign(result observability.AssignResult) {
	o.assignTotal.WithLabelValues(string(result)).Inc()
}
func (o *OverseerObserver) SlaveSpawned() { o.spawnTotal.Inc() }
func (o *OverseerObserver) SlaveDied(reason observability.SlaveDeathReason) {
	o.deathTotal.WithLabelValues(string(reason)).Inc()
}

// SessionObserver exports per-session channel/wire metrics.
type SessionObserver struct {
	channelGauge prometheus.Gauge
	frameErrors  *prometheus.CounterVec
}

// NewSessionObserver registers session metrics on the registry.
func NewSessionObserver(reg *prometheus.Registry) *SessionObserver {
	o := &SessionObserver{
		channelGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cocained_session_channels",
			Help: "Current open channel count across all sessions.",
		}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cocained_session_frame_errors_total",
			Help: "Frame decode/encode errors by direction.",
		}, []string{"direction"}),
	}
	reg.MustRegister(o.channelGauge, o.frameErrors)
	return o
}

func (o *SessionObserver) ChannelCount(n int) { o.channelGauge.Set(float64(n)) }
func (o *SessionObserver) FrameError(direction observability.FrameDirection) {
	o.frameErrors.WithLabelValues(string(direction)).Inc()
}

// LocatorObserver exports locator/gateway metrics.
type LocatorObserver struct {
	resolveTotal     *prometheus.CounterVec
	consumeTotal     prometheus.Counter
	cleanupTotal     prometheus.Counter
	continuumBuildMS prometheus.Histogram
}

// NewLocatorObserver registers locator metrics on the registry.
func NewLocatorObserver(reg *prometheus.Registry) *LocatorObserver {
	o := &LocatorObserver{
		resolveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cocained_locator_resolve_total",
			Help: "resolve() calls by result.",
		}, []string{"result"}),
		consumeTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cocained_locator_gateway_consume_total",
			Help: "Gateway advertisements consumed.",
		}),
		cleanupTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cocained_locator_gateway_cleanup_total",
			Help: "Gateway advertisements removed.",
		}),
		continuumBuildMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cocained_locator_continuum_build_seconds",
			Help:    "Continuum build/refresh latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(o.resolveTotal, o.consumeTotal, o.cleanupTotal, o.continuumBuildMS)
	return o
}

func (o *LocatorObserver) Resolve(result observability.ResolveResult) {
	o.resolveTotal.WithLabelValues(string(result)).Inc()
}
func (o *LocatorObserver) ConsumeAdvertisement() { o.consumeTotal.Inc() }
func (o *LocatorObserver) CleanupAdvertisement() { o.cleanupTotal.Inc() }
func (o *LocatorObserver) ContinuumBuild(group string, d time.Duration) {
	o.continuumBuildMS.Observe(d.Seconds())
}
