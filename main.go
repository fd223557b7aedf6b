package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"cryptocrawler/config"
	"cryptocrawler/converter"
	"cryptocrawler/internal/dashboard"
	"cryptocrawler/internal/dedup"
	"cryptocrawler/internal/metrics"
	"cryptocrawler/logger"
	"cryptocrawler/processor"
	"cryptocrawler/reader"
	"cryptocrawler/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	path := config.ResolvePath(*configPath)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"path": path}).Error("failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Crawler.Name,
		"version":     cfg.Crawler.Version,
		"environment": config.AppEnvironment(),
		"config":      path,
	}).Info("starting cryptocrawler")

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("cryptocrawler stopped with error")
		os.Exit(1)
	}
	log.Info("cryptocrawler stopped")
}

func run(cfg *config.Config, log *logger.Log) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if strings.EqualFold(cfg.Logging.Level, "report") {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}

	if cw := cfg.Metrics.CloudWatch; cw.Enabled {
		if err := logger.InitCloudWatch(ctx, cw.Region, cw.Namespace, cw.Dashboard); err != nil {
			log.WithError(err).Warn("cloudwatch metrics disabled")
		}
	}

	endpoints, err := config.BuildEndpoints(cfg.Exchanges)
	if err != nil {
		return err
	}

	cache := dedup.New(dedup.Options{TTL: cfg.Dedup.TTL, MaxEntries: cfg.Dedup.MaxEntries})
	processors := processor.NewRegistry(cache)
	conv := converter.New(endpoints)

	publisher, err := writer.FromConfig(ctx, cfg.Publisher)
	if err != nil {
		return fmt.Errorf("publisher: %w", err)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.WithError(err).Warn("failed to close publisher")
		}
	}()

	collector := metrics.NewCollector()
	dash := dashboard.NewServer(cfg.Dashboard, log,
		dashboard.WithEndpoints(endpoints),
		dashboard.WithPrometheus(collector.Handler()),
		dashboard.WithStaleAfter(10*cfg.Schedule.Interval+cfg.Schedule.RequestTimeout),
	)

	fetcher := reader.NewFetcher(cfg, processors, conv, publisher, reader.WithRecorder(collector))
	if err := fetcher.CheckEndpoints(endpoints); err != nil {
		return err
	}

	scheduler, err := reader.NewScheduler(cfg.Schedule.Interval, fetcher, endpoints,
		reader.WithTickObserver(dash.ObserveTick),
	)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		cache.Run(gctx, cfg.Dedup.SweepInterval, func(size int) {
			collector.SetDedupSize(size)
			log.WithComponent("dedup").WithFields(logger.Fields{
				"size":    size,
				"expired": cache.Expired(),
				"evicted": cache.Evicted(),
			}).Debug("dedup cache swept")
		})
		return nil
	})
	if cfg.Metrics.Prometheus.Enabled {
		g.Go(func() error {
			return collector.Serve(gctx, cfg.Metrics.Prometheus.Address)
		})
	}
	if dash != nil {
		g.Go(func() error {
			return dash.Run(gctx)
		})
	}

	log.WithFields(logger.Fields{
		"endpoints":  len(endpoints),
		"exchanges":  processors.Exchanges(),
		"interval":   cfg.Schedule.Interval,
		"publishers": publisher.Len(),
	}).Info("all components started")

	<-gctx.Done()
	log.Info("starting graceful shutdown")

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-time.After(cfg.Schedule.ShutdownTimeout):
		return fmt.Errorf("shutdown did not finish within %s", cfg.Schedule.ShutdownTimeout)
	}
}
