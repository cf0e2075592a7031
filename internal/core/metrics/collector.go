package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/dep2p/go-zonerpc/pkg/lib/log"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

var logger = log.Logger("core/metrics")

// Collector 基于 Prometheus 的 Reporter 实现
type Collector struct {
	connections *prometheus.GaugeVec
	dispatch    *prometheus.CounterVec
	requests    *prometheus.HistogramVec
	transitions prometheus.Counter
	reconnects  *prometheus.CounterVec
	conflicts   prometheus.Counter
	warm        prometheus.Gauge
	stalls      prometheus.Counter
}

// 确保实现了接口
var _ Reporter = (*Collector)(nil)

// NewCollector 创建指标并注册到 reg
//
// 同一 reg 上重复注册时复用已注册的指标。
func NewCollector(namespace string, reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Connected and draining connections.",
		}, []string{"state"}),
		dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Request routing decisions by outcome.",
		}, []string{"outcome"}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request latency by outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"outcome"}),
		transitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "zone_transitions_total",
			Help:      "Committed zone transitions.",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts by outcome.",
		}, []string{"outcome"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manifest_conflicts_total",
			Help:      "Manifest merge conflicts resolved by policy.",
		}),
		warm: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "warm_connections",
			Help:      "Pre-established connections currently held.",
		}),
		stalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stalls_total",
			Help:      "Stall watchdog trips.",
		}),
	}
	if reg == nil {
		return c, nil
	}

	var err error
	c.connections = register(reg, c.connections, &err)
	c.dispatch = register(reg, c.dispatch, &err)
	c.requests = register(reg, c.requests, &err)
	c.transitions = register(reg, c.transitions, &err)
	c.reconnects = register(reg, c.reconnects, &err)
	c.conflicts = register(reg, c.conflicts, &err)
	c.warm = register(reg, c.warm, &err)
	c.stalls = register(reg, c.stalls, &err)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// register 注册指标，已注册时返回已有实例
func register[T prometheus.Collector](reg prometheus.Registerer, col T, errp *error) T {
	if err := reg.Register(col); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		*errp = multierr.Append(*errp, err)
	}
	return col
}

// ConnectionState 实现 Reporter
//
// 只统计 Connected 与 Draining 两种持有路由的状态。
func (c *Collector) ConnectionState(from, to types.ConnState) {
	if from == to {
		return
	}
	if counted(from) {
		c.connections.WithLabelValues(from.String()).Dec()
	}
	if counted(to) {
		c.connections.WithLabelValues(to.String()).Inc()
	}
}

func counted(s types.ConnState) bool {
	return s == types.StateConnected || s == types.StateDraining
}

// Dispatch 实现 Reporter
func (c *Collector) Dispatch(outcome string) {
	c.dispatch.WithLabelValues(outcome).Inc()
}

// Request 实现 Reporter
func (c *Collector) Request(outcome string, d time.Duration) {
	c.requests.WithLabelValues(outcome).Observe(d.Seconds())
}

// Transition 实现 Reporter
func (c *Collector) Transition() {
	c.transitions.Inc()
}

// Reconnect 实现 Reporter
func (c *Collector) Reconnect(outcome string) {
	c.reconnects.WithLabelValues(outcome).Inc()
}

// ManifestConflict 实现 Reporter
func (c *Collector) ManifestConflict() {
	c.conflicts.Inc()
}

// WarmConnections 实现 Reporter
func (c *Collector) WarmConnections(n int) {
	c.warm.Set(float64(n))
}

// Stall 实现 Reporter
func (c *Collector) Stall() {
	c.stalls.Inc()
}
