// Package metrics exposes caterpillar's ambient observability surface: a
// small set of Prometheus gauges tracking the orchestrator's current
// iteration, updated flag and state, served on an optional listen address.
// This is not part of the original system's behavior; it is the kind of
// ambient instrumentation the teacher carries even where the spec it is
// implementing stays silent on it.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/dvzrv/caterpillar/internal/orchestrator"
)

var log = logrus.WithField("component", "metrics")

// Collector tracks the orchestrator's state as a set of Prometheus gauges.
type Collector struct {
	iteration prometheus.Gauge
	updated   prometheus.Gauge
	stateInfo *prometheus.GaugeVec

	lastState orchestrator.Tag
}

// NewCollector registers caterpillar's gauges with the default registry.
func NewCollector() *Collector {
	return &Collector{
		iteration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "caterpillar_iteration",
			Help: "Current update cycle iteration, incremented each time the idle state is re-entered.",
		}),
		updated: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "caterpillar_updated",
			Help: "Whether the running system has a pending successful update awaiting reboot.",
		}),
		stateInfo: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "caterpillar_state_info",
			Help: "1 for the orchestrator's current state, 0 for every other known state.",
		}, []string{"state"}),
	}
}

// Observe republishes s onto the gauges, clearing the previously-set state label.
func (c *Collector) Observe(s orchestrator.State) {
	c.iteration.Set(float64(s.Iteration))
	if s.Updated {
		c.updated.Set(1)
	} else {
		c.updated.Set(0)
	}

	if s.Tag != c.lastState {
		c.stateInfo.WithLabelValues(c.lastState.String()).Set(0)
	}
	c.stateInfo.WithLabelValues(s.Tag.String()).Set(1)
	c.lastState = s.Tag
}

// Serve starts an HTTP server exposing /metrics on addr and blocks until ctx
// is cancelled or the server fails. A caller with an empty addr should not
// call Serve at all; metrics are an opt-in surface (config.MetricsListen).
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return server.Close()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server stopped unexpectedly")
			return err
		}
		return nil
	}
}
