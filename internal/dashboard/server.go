// Package dashboard serves the crawler's operational state over HTTP:
// recent ticks, metrics, log lines, host resources and the Prometheus
// exposition.
package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	appconfig "cryptocrawler/config"
	"cryptocrawler/internal/metrics"
	"cryptocrawler/logger"
	"cryptocrawler/models"
)

type Option func(*Server)

// WithEndpoints lists the polled endpoints under /api/endpoints.
func WithEndpoints(endpoints []models.Endpoint) Option {
	return func(s *Server) { s.endpoints = endpoints }
}

// WithPrometheus mounts h on /metrics.
func WithPrometheus(h http.Handler) Option {
	return func(s *Server) { s.prometheus = h }
}

// WithStaleAfter makes /healthz fail once no tick finished for d.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Server) { s.staleAfter = d }
}

type Server struct {
	cfg        appconfig.DashboardConfig
	log        *logger.Log
	endpoints  []models.Endpoint
	prometheus http.Handler
	staleAfter time.Duration
	started    time.Time

	ticks           *tickStore
	metricStore     *metricStore
	logStore        *logStore
	metricHandler   metrics.MetricHandlerID
	resourceSampler *resourceSampler
	httpServer      *http.Server
}

// NewServer returns nil when the dashboard is disabled. A nil *Server is
// safe to use: ObserveTick and Run are no-ops.
func NewServer(cfg appconfig.DashboardConfig, log *logger.Log, opts ...Option) *Server {
	if !cfg.Enabled {
		return nil
	}
	if log == nil {
		log = logger.GetLogger()
	}
	cfg.Address = normalizeAddress(cfg.Address)

	s := &Server{
		cfg:             cfg,
		log:             log,
		started:         time.Now(),
		ticks:           newTickStore(cfg.TickHistory),
		metricStore:     newMetricStore(cfg.MetricHistory),
		logStore:        newLogStore(cfg.LogHistory),
		resourceSampler: newResourceSampler(cfg.MetricHistory, cfg.SampleInterval, "/", log),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.metricHandler = metrics.RegisterMetricHandler(s.metricStore.handle)
	log.AddHook(s.logStore)
	return s
}

// ObserveTick is passed to the scheduler as a tick observer.
func (s *Server) ObserveTick(stats models.TickStats) {
	if s == nil {
		return
	}
	s.ticks.observe(stats)
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}
	s.resourceSampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("dashboard listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
	s.resourceSampler.stop()
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", s.handleHealth)

	api := router.Group("/api")
	api.GET("/ticks", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"totals": s.ticks.totals(),
			"ticks":  s.ticks.snapshot(),
		})
	})
	api.GET("/endpoints", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"endpoints": s.endpoints})
	})
	api.GET("/metrics", func(c *gin.Context) {
		snapshot := s.metricStore.snapshot()
		if name := c.Query("name"); name != "" {
			filtered := snapshot[:0]
			for _, m := range snapshot {
				if m.Name == name {
					filtered = append(filtered, m)
				}
			}
			snapshot = filtered
		}
		c.JSON(http.StatusOK, gin.H{"metrics": snapshot})
	})
	api.GET("/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
	})
	api.GET("/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.resourceSampler.snapshot()})
	})

	if s.prometheus != nil {
		router.GET("/metrics", gin.WrapH(s.prometheus))
	}
	return router, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	totals := s.ticks.totals()
	body := gin.H{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"endpoints":      len(s.endpoints),
		"totals":         totals,
	}
	if last, ok := s.ticks.last(); ok {
		body["last"] = last
	}

	reference := totals.LastTick
	if reference.IsZero() {
		reference = s.started
	}
	if s.staleAfter > 0 && time.Since(reference) > s.staleAfter {
		body["status"] = "stale"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if parsed.Host != "" {
				addr = parsed.Host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil || !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
