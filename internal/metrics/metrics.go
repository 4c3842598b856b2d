// Package metrics exports subscription and gate lifecycle events as
// prometheus collectors.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	eventbus "github.com/hanpama/liveql/internal/eventbus"
	events "github.com/hanpama/liveql/internal/events"
)

const namespace = "liveql"

// Collectors holds the liveql metrics registered on one registry.
type Collectors struct {
	ActiveSubscriptions prometheus.Gauge
	Subscriptions       *prometheus.CounterVec
	Events              *prometheus.CounterVec
	EventDuration       prometheus.Histogram
	GateWait            prometheus.Histogram
	GateInUse           prometheus.Gauge
	GateCapacity        prometheus.Gauge
	HTTPRequests        *prometheus.CounterVec
	GRPCStreams         *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Collectors {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Collectors{
		ActiveSubscriptions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_subscriptions",
			Help:      "Number of subscriptions with an open result stream",
		}),
		Subscriptions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriptions_finished_total",
			Help:      "Subscriptions that ended, by whether they ended with an error",
		}, []string{"status"}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_events_total",
			Help:      "Store events executed for subscriptions, by outcome",
		}, []string{"outcome"}),
		EventDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "subscription_event_duration_seconds",
			Help:      "Query execution time per store event",
			Buckets:   prometheus.DefBuckets,
		}),
		GateWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gate_wait_seconds",
			Help:      "Time spent waiting for an admission permit",
			Buckets:   []float64{.0001, .001, .01, .05, .1, .5, 1, 5},
		}),
		GateInUse: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gate_permits_in_use",
			Help:      "Admission permits currently held",
		}),
		GateCapacity: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gate_capacity",
			Help:      "Admission permits available in total",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, status and whether they streamed a subscription",
		}, []string{"method", "status", "stream"}),
		GRPCStreams: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_streams_total",
			Help:      "gRPC subscribe streams by status code",
		}, []string{"code"}),
		gatherer: reg,
	}
}

// Register attaches c to the global event bus.
func (c *Collectors) Register() (unregister func()) {
	offs := []func(){
		eventbus.Subscribe[events.SubscriptionStart](func(_ context.Context, _ events.SubscriptionStart) {
			c.ActiveSubscriptions.Inc()
		}),
		eventbus.Subscribe[events.SubscriptionFinish](func(_ context.Context, e events.SubscriptionFinish) {
			c.ActiveSubscriptions.Dec()
			status := "ok"
			if e.Err != nil {
				status = "error"
			}
			c.Subscriptions.WithLabelValues(status).Inc()
		}),
		eventbus.Subscribe[events.SubscriptionEventFinish](func(_ context.Context, e events.SubscriptionEventFinish) {
			c.Events.WithLabelValues(e.Outcome).Inc()
			c.EventDuration.Observe(e.Duration.Seconds())
		}),
		eventbus.Subscribe[events.GateAcquire](func(_ context.Context, e events.GateAcquire) {
			c.GateWait.Observe(e.Wait.Seconds())
			c.GateInUse.Set(float64(e.InUse))
			c.GateCapacity.Set(float64(e.Capacity))
		}),
		eventbus.Subscribe[events.GateRelease](func(_ context.Context, e events.GateRelease) {
			c.GateInUse.Set(float64(e.InUse))
		}),
		eventbus.Subscribe[events.HTTPFinish](func(_ context.Context, e events.HTTPFinish) {
			c.HTTPRequests.WithLabelValues(e.Request.Method, strconv.Itoa(e.Status), strconv.FormatBool(e.Stream)).Inc()
		}),
		eventbus.Subscribe[events.GRPCServerFinish](func(_ context.Context, e events.GRPCServerFinish) {
			c.GRPCStreams.WithLabelValues(e.Code.String()).Inc()
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

// Handler serves the registry in the prometheus text format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
