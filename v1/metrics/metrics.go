package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockCounter tracks granted Lock calls.
	LockCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queuelock_lock_total",
		Help: "Total number of granted Lock operations",
	})
	// ReleaseCounter tracks Release calls that popped a ticket.
	ReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queuelock_release_total",
		Help: "Total number of tickets released",
	})
	// ErrorCounter tracks failed operations by operation name.
	ErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queuelock_errors_total",
		Help: "Total number of failed coordinator operations",
	}, []string{"op"})
	// WaitHistogram observes how long Lock waited before being granted.
	WaitHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "queuelock_wait_seconds",
		Help:    "Time spent waiting for a predecessor ticket",
		Buckets: []float64{.005, .05, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
	})
	// WaitingGauge reports the number of callers currently polling.
	WaitingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "queuelock_waiting",
		Help: "Current number of Lock calls waiting for their turn",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoordinatorMetrics registers the coordinator metrics on the
// provided registry.
func RegisterCoordinatorMetrics(reg prometheus.Registerer) {
	reg.MustRegister(LockCounter, ReleaseCounter, ErrorCounter, WaitHistogram, WaitingGauge)
}
