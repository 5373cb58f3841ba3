package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	recordLockCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xmysql",
			Subsystem: "lock",
			Name:      "record_lock_events_total",
			Help:      "Counter of record lock events.",
		}, []string{"type"})

	recordLockWaitHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "xmysql",
			Subsystem: "lock",
			Name:      "record_lock_wait_seconds",
			Help:      "Bucketed histogram of record lock wait duration.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 20),
		})

	lockPoolGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "xmysql",
			Subsystem: "lock",
			Name:      "pool_size",
			Help:      "Number of record lock entries in the lock pool.",
		})

	trxCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xmysql",
			Subsystem: "trx",
			Name:      "events_total",
			Help:      "Counter of transaction lifecycle events.",
		}, []string{"type"})

	activeTrxGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "xmysql",
			Subsystem: "trx",
			Name:      "active",
			Help:      "Number of active transactions.",
		})

	readViewGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "xmysql",
			Subsystem: "mvcc",
			Name:      "read_views",
			Help:      "Number of cached read views.",
		})
)

func init() {
	prometheus.MustRegister(recordLockCounter)
	prometheus.MustRegister(recordLockWaitHistogram)
	prometheus.MustRegister(lockPoolGauge)
	prometheus.MustRegister(trxCounter)
	prometheus.MustRegister(activeTrxGauge)
	prometheus.MustRegister(readViewGauge)
}
