package reader

import (
	"context"
	"errors"
	"sync"
	"time"

	"cryptocrawler/logger"
	"cryptocrawler/models"
)

// TickRunner runs one tick over the given endpoints.
type TickRunner interface {
	RunTick(ctx context.Context, endpoints []models.Endpoint) models.TickStats
}

type SchedulerOption func(*Scheduler)

// WithTickObserver calls fn with the stats of every finished tick.
func WithTickObserver(fn func(models.TickStats)) SchedulerOption {
	return func(s *Scheduler) {
		if fn != nil {
			s.observers = append(s.observers, fn)
		}
	}
}

// Scheduler fires ticks at a fixed rate measured start to start. A tick
// that outlives the interval keeps running while the next one starts.
type Scheduler struct {
	interval  time.Duration
	runner    TickRunner
	endpoints []models.Endpoint
	observers []func(models.TickStats)

	inflight sync.WaitGroup
	log      *logger.Entry
}

func NewScheduler(interval time.Duration, runner TickRunner, endpoints []models.Endpoint, opts ...SchedulerOption) (*Scheduler, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("scheduler needs at least one endpoint")
	}
	if interval <= 0 {
		return nil, errors.New("scheduler interval must be positive")
	}
	if runner == nil {
		return nil, errors.New("scheduler needs a tick runner")
	}

	s := &Scheduler{
		interval:  interval,
		runner:    runner,
		endpoints: append([]models.Endpoint(nil), endpoints...),
		log:       logger.GetLogger().WithComponent("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, ep := range s.endpoints {
		s.log.WithFields(logger.Fields{
			"exchange": ep.Exchange,
			"symbol":   ep.Symbol,
			"kind":     ep.Kind.String(),
			"url":      ep.URL,
		}).Info("endpoint registered")
	}
	return s, nil
}

// Run fires the first tick immediately and then once per interval until
// ctx is cancelled. It returns after in-flight ticks have drained.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.WithFields(logger.Fields{
		"interval":  s.interval,
		"endpoints": len(s.endpoints),
	}).Info("scheduler started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.fire(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopping, waiting for in-flight ticks")
			s.inflight.Wait()
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.fire(ctx)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		stats := s.runner.RunTick(ctx, s.endpoints)
		for _, observe := range s.observers {
			observe(stats)
		}
	}()
}
