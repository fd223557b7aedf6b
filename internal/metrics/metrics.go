package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cryptocrawler/logger"
	"cryptocrawler/models"
)

const namespace = "cryptocrawler"

// Collector exposes crawler metrics to Prometheus and mirrors tick
// summaries through EmitMetric.
type Collector struct {
	registry *prometheus.Registry

	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	records       *prometheus.CounterVec
	published     *prometheus.CounterVec
	limits        *prometheus.CounterVec
	ticks         prometheus.Counter
	tickDuration  prometheus.Histogram
	lastTick      *prometheus.GaugeVec
	dedupSize     prometheus.Gauge
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Endpoint fetch outcomes.",
		}, []string{"exchange", "kind", "status"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Time from request start to outcome.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 3, 5},
		}, []string{"exchange", "kind"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trade_records_total",
			Help:      "Trade records seen, split into kept and duplicate.",
		}, []string{"exchange", "result"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages handed to publishers.",
		}, []string{"exchange", "kind", "result"}),
		limits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchange_limits_total",
			Help:      "Responses signalling a rate limit or IP ban.",
		}, []string{"exchange", "limit"}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Completed ticks.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Tick wall time from dispatch to barrier release.",
			Buckets:   []float64{.1, .25, .5, 1, 2, 3, 4, 5},
		}),
		lastTick: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_tick_endpoints",
			Help:      "Endpoint outcomes of the most recent tick.",
		}, []string{"status"}),
		dedupSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dedup_cache_entries",
			Help:      "Keys currently held by the dedup cache.",
		}),
	}

	c.registry.MustRegister(
		c.fetches, c.fetchDuration, c.records, c.published, c.limits,
		c.ticks, c.tickDuration, c.lastTick, c.dedupSize,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry is exposed for tests and for mounting on another server.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) ObserveFetch(ep models.Endpoint, status models.OutcomeStatus, d time.Duration) {
	c.fetches.WithLabelValues(ep.Exchange, ep.Kind.String(), status.String()).Inc()
	if status != models.StatusCancelled {
		c.fetchDuration.WithLabelValues(ep.Exchange, ep.Kind.String()).Observe(d.Seconds())
	}
}

func (c *Collector) ObserveFiltered(ep models.Endpoint, kept, dropped int) {
	c.records.WithLabelValues(ep.Exchange, "kept").Add(float64(kept))
	c.records.WithLabelValues(ep.Exchange, "duplicate").Add(float64(dropped))
}

func (c *Collector) ObservePublish(ep models.Endpoint, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.published.WithLabelValues(ep.Exchange, ep.Kind.String(), result).Inc()
}

func (c *Collector) ObserveLimit(ep models.Endpoint, limit string) {
	c.limits.WithLabelValues(ep.Exchange, limit).Inc()
}

// ObserveTick records a finished tick and emits tick_* metrics.
func (c *Collector) ObserveTick(stats models.TickStats) {
	c.ticks.Inc()
	c.tickDuration.Observe(stats.Elapsed.Seconds())
	c.lastTick.WithLabelValues("success").Set(float64(stats.Success))
	c.lastTick.WithLabelValues("failed").Set(float64(stats.Failed))
	c.lastTick.WithLabelValues("cancelled").Set(float64(stats.Cancelled))

	log := logger.GetLogger()
	EmitMetric(log, "scheduler", "tick_success", stats.Success, "gauge", nil)
	EmitMetric(log, "scheduler", "tick_failed", stats.Failed, "gauge", nil)
	EmitMetric(log, "scheduler", "tick_cancelled", stats.Cancelled, "gauge", nil)
	EmitMetric(log, "scheduler", "tick_elapsed_ms", stats.Elapsed, "gauge", logger.Fields{"unit": "Milliseconds"})
}

func (c *Collector) SetDedupSize(n int) {
	c.dedupSize.Set(float64(n))
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.GetLogger().WithComponent("metrics").WithFields(logger.Fields{"address": addr}).Info("prometheus endpoint listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
