package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterCoordinatorMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCoordinatorMetrics(reg)
	LockCounter.Inc()
	ReleaseCounter.Inc()
	ErrorCounter.WithLabelValues("lock").Inc()
	WaitHistogram.Observe(0.1)
	WaitingGauge.Set(2)
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) < 5 {
		t.Fatalf("expected metrics registered, got %d", len(mfs))
	}
}

func TestRegisterCoordinatorMetricsDuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCoordinatorMetrics(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterCoordinatorMetrics(reg)
}
