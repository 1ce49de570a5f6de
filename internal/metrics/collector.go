package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exposes poll-cycle metrics on a private registry
type Collector struct {
	reg *prometheus.Registry

	Cycles        *prometheus.CounterVec // result label: ok|fetch_error|empty
	CycleDuration prometheus.Histogram
	FetchErrors   *prometheus.CounterVec // feed label: trip_updates|vehicle_positions

	ArrivalRecords prometheus.Gauge
	Vehicles       prometheus.Gauge
	DecodeSkips    *prometheus.CounterVec // reason label

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	WSClients prometheus.Gauge

	PollInterval prometheus.Gauge // seconds
}

// NewCollector registers every metric on a new registry
func NewCollector(pollInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitsync_poll_cycles_total",
			Help: "Poll cycles by result.",
		}, []string{"result"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transitsync_poll_cycle_duration_seconds",
			Help:    "Duration of a full poll cycle.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitsync_fetch_errors_total",
			Help: "Realtime feed fetch or decode failures.",
		}, []string{"feed"}),
		ArrivalRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transitsync_arrival_records",
			Help: "Arrival records indexed in the last cycle.",
		}),
		Vehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transitsync_vehicles",
			Help: "Vehicles decoded in the last cycle.",
		}),
		DecodeSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitsync_decode_skipped_total",
			Help: "Feed entries dropped or repaired while decoding, by reason.",
		}, []string{"reason"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transitsync_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transitsync_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transitsync_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transitsync_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transitsync_ws_clients",
			Help: "Connected websocket clients.",
		}),
		PollInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transitsync_poll_interval_seconds",
			Help: "Configured poll interval in seconds.",
		}),
	}

	reg.MustRegister(
		c.Cycles, c.CycleDuration, c.FetchErrors,
		c.ArrivalRecords, c.Vehicles, c.DecodeSkips,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.WSClients, c.PollInterval,
	)
	c.PollInterval.Set(pollInterval.Seconds())

	return c
}

// Registry is exposed for tests
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Metrics: server error: %v", err)
		}
	}()
	log.Printf("Metrics: listening on %s", addr)
	return srv
}

// The methods below satisfy the publisher and websocket hub metric hooks.

func (c *Collector) NATSPublishedInc() { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc() { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) WSClientsSet(n int) { c.WSClients.Set(float64(n)) }
func (c *Collector) NATSSetConnected(connected bool) { c.NATSConnected.Set(boolGauge(connected)) }

// ObserveDecode records decode skip counters for one cycle
func (c *Collector) ObserveDecode(arrivals, vehicles int, skips map[string]int) {
	c.ArrivalRecords.Set(float64(arrivals))
	c.Vehicles.Set(float64(vehicles))
	for reason, n := range skips {
		if n > 0 {
			c.DecodeSkips.WithLabelValues(reason).Add(float64(n))
		}
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
