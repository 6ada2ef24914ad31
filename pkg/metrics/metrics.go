package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "dblinker"

	LblCode   = "code"
	LblResult = "result"
	LblServer = "server"
	LblStatus = "status"
)

var (
	RetryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "decisions_total",
			Help:      "Retry decisions by backend error code and result.",
		}, []string{LblCode, LblResult})

	FailoverCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "failover_total",
			Help:      "Number of replicas disabled by failover.",
		}, []string{LblServer})

	ProbeCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "health_probe_total",
			Help:      "Replica health probes by outcome.",
		}, []string{LblServer, LblStatus})

	ReplicaLagGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "replica_lag_seconds",
			Help:      "Last observed replication lag.",
		}, []string{LblServer})
)

var collectors = []prometheus.Collector{RetryCounter, FailoverCounter, ProbeCounter, ReplicaLagGauge}

// Register adds every collector to reg, ignoring ones already registered.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

// ObserveRetry records a retry decision. result is "granted" or the decline reason.
func ObserveRetry(code, result string) {
	RetryCounter.WithLabelValues(code, result).Inc()
	Count("retry.decision", 1, Tag{LblCode, code}, Tag{LblResult, result})
}

func ObserveFailover(server string) {
	FailoverCounter.WithLabelValues(server).Inc()
	Count("router.failover", 1, Tag{LblServer, server})
}

// ObserveProbe records one health probe. A nil lag leaves the gauge untouched.
func ObserveProbe(server string, healthy bool, lag *float64) {
	status := "ok"
	if !healthy {
		status = "failed"
	}
	ProbeCounter.WithLabelValues(server, status).Inc()
	Count("router.health_probe", 1, Tag{LblServer, server}, Tag{LblStatus, status})
	if lag != nil {
		ReplicaLagGauge.WithLabelValues(server).Set(*lag)
		Gauge("router.replica_lag_seconds", *lag, Tag{LblServer, server})
	}
}
