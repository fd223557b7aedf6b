// Package reader polls the endpoint registry. A Scheduler fires ticks at a
// fixed rate and a Fetcher runs each tick: one GET per endpoint, a barrier
// over all of them, then dedup, conversion and publishing of the bodies
// that came back.
package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	appconfig "cryptocrawler/config"
	"cryptocrawler/converter"
	"cryptocrawler/internal/metrics/rate"
	"cryptocrawler/logger"
	"cryptocrawler/models"
	"cryptocrawler/processor"
	"cryptocrawler/writer"
)

// ErrBodyTooLarge is returned when a response exceeds http.max_body_bytes.
var ErrBodyTooLarge = errors.New("response body too large")

// StatusError is a response outside the 2xx range.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %s", e.Status)
}

// Recorder receives per-endpoint and per-tick observations.
type Recorder interface {
	ObserveFetch(ep models.Endpoint, status models.OutcomeStatus, d time.Duration)
	ObserveFiltered(ep models.Endpoint, kept, dropped int)
	ObservePublish(ep models.Endpoint, err error)
	ObserveLimit(ep models.Endpoint, limit string)
	ObserveTick(stats models.TickStats)
}

type nopRecorder struct{}

func (nopRecorder) ObserveFetch(models.Endpoint, models.OutcomeStatus, time.Duration) {}
func (nopRecorder) ObserveFiltered(models.Endpoint, int, int)                         {}
func (nopRecorder) ObservePublish(models.Endpoint, error)                             {}
func (nopRecorder) ObserveLimit(models.Endpoint, string)                              {}
func (nopRecorder) ObserveTick(models.TickStats)                                      {}

type FetcherOption func(*Fetcher)

// WithRecorder sends observations to r instead of discarding them.
func WithRecorder(r Recorder) FetcherOption {
	return func(f *Fetcher) {
		if r != nil {
			f.recorder = r
		}
	}
}

// WithRoundTripper wraps the transport acquired for each tick.
func WithRoundTripper(wrap func(http.RoundTripper) http.RoundTripper) FetcherOption {
	return func(f *Fetcher) { f.wrap = wrap }
}

// Fetcher runs ticks. It is safe to call RunTick from overlapping ticks;
// every tick owns its client and counters.
type Fetcher struct {
	http           appconfig.HTTPConfig
	requestTimeout time.Duration
	publishTimeout time.Duration

	processors *processor.Registry
	converter  *converter.Converter
	publisher  writer.Publisher
	recorder   Recorder
	wrap       func(http.RoundTripper) http.RoundTripper

	ticks atomic.Uint64
	log   *logger.Log
}

func NewFetcher(cfg *appconfig.Config, processors *processor.Registry, conv *converter.Converter, pub writer.Publisher, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		http:           cfg.HTTP,
		requestTimeout: cfg.Schedule.RequestTimeout,
		publishTimeout: cfg.Schedule.PublishTimeout,
		processors:     processors,
		converter:      conv,
		publisher:      pub,
		recorder:       nopRecorder{},
		log:            logger.GetLogger(),
	}
	if f.requestTimeout <= 0 {
		f.requestTimeout = appconfig.DefaultRequestTimeout
	}
	if f.publishTimeout <= 0 {
		f.publishTimeout = appconfig.DefaultPublishTimeout
	}
	if f.http.MaxBodyBytes <= 0 {
		f.http.MaxBodyBytes = appconfig.DefaultMaxBodyBytes
	}
	for _, opt := range opts {
		opt(f)
	}

	f.log.WithComponent("fetcher").WithFields(logger.Fields{
		"request_timeout":    f.requestTimeout,
		"connect_timeout":    f.http.ConnectTimeout,
		"max_idle_conns":     f.http.MaxIdleConns,
		"max_conns_per_host": f.http.MaxConnsPerHost,
		"local_ip":           f.http.LocalIP,
	}).Info("fetcher initialized")
	return f
}

// CheckEndpoints fails when an endpoint's exchange has no processor.
func (f *Fetcher) CheckEndpoints(endpoints []models.Endpoint) error {
	for _, ep := range endpoints {
		if _, ok := f.processors.Lookup(ep.Exchange); !ok {
			return fmt.Errorf("no processor for exchange %q (endpoint %s)", ep.Exchange, ep.URL)
		}
	}
	return nil
}

// tickState holds the counters of one tick.
type tickState struct {
	total     int
	success   atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	published atomic.Int64
	skipped   atomic.Int64
}

func (s *tickState) record(status models.OutcomeStatus) {
	switch status {
	case models.StatusSuccess:
		s.success.Add(1)
	case models.StatusCancelled:
		s.cancelled.Add(1)
	default:
		s.failed.Add(1)
	}
}

func (s *tickState) stats(tick uint64, start time.Time, elapsed time.Duration) models.TickStats {
	return models.TickStats{
		Tick:      tick,
		StartedAt: start,
		Total:     s.total,
		Success:   int(s.success.Load()),
		Failed:    int(s.failed.Load()),
		Cancelled: int(s.cancelled.Load()),
		Published: int(s.published.Load()),
		Skipped:   int(s.skipped.Load()),
		Elapsed:   elapsed,
	}
}

// newClient builds the client used by a single tick. The caller must
// release the returned transport.
func (f *Fetcher) newClient() (*http.Client, *http.Transport) {
	dialer := &net.Dialer{
		Timeout:   f.http.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	if ip := net.ParseIP(f.http.LocalIP); ip != nil {
		dialer.LocalAddr = &net.TCPAddr{IP: ip}
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		MaxIdleConns:        f.http.MaxIdleConns,
		MaxConnsPerHost:     f.http.MaxConnsPerHost,
		IdleConnTimeout:     f.http.IdleConnTimeout,
		TLSHandshakeTimeout: f.http.ConnectTimeout,
		ForceAttemptHTTP2:   true,
	}

	var rt http.RoundTripper = transport
	if f.wrap != nil {
		rt = f.wrap(transport)
	}
	return &http.Client{Transport: rt}, transport
}

// RunTick fetches every endpoint concurrently and returns once each one has
// reached a terminal outcome. A slow endpoint is bounded by the request
// timeout, so the tick ends within that timeout plus processing time.
func (f *Fetcher) RunTick(ctx context.Context, endpoints []models.Endpoint) models.TickStats {
	tick := f.ticks.Add(1)
	start := time.Now()
	state := &tickState{total: len(endpoints)}
	log := f.log.WithComponent("fetcher").WithFields(logger.Fields{"tick": tick})

	client, transport := f.newClient()
	defer transport.CloseIdleConnections()

	var wg sync.WaitGroup
	for _, ep := range endpoints {
		wg.Add(1)
		go func(ep models.Endpoint) {
			defer wg.Done()
			f.runEndpoint(ctx, client, ep, state, log)
		}(ep)
	}
	wg.Wait()

	stats := state.stats(tick, start, time.Since(start))
	log.WithFields(logger.Fields{
		"total":      stats.Total,
		"success":    stats.Success,
		"failed":     stats.Failed,
		"cancelled":  stats.Cancelled,
		"published":  stats.Published,
		"skipped":    stats.Skipped,
		"elapsed_ms": stats.Elapsed.Milliseconds(),
	}).Info("tick completed")

	f.recorder.ObserveTick(stats)
	return stats
}

func (f *Fetcher) runEndpoint(ctx context.Context, client *http.Client, ep models.Endpoint, state *tickState, tickLog *logger.Entry) {
	log := tickLog.WithFields(logger.Fields{
		"exchange": ep.Exchange,
		"symbol":   ep.Symbol,
		"kind":     ep.Kind.String(),
		"url":      ep.URL,
	})

	recorded := false
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{"panic": fmt.Sprint(r)}).Error("endpoint pipeline panicked")
			if !recorded {
				state.failed.Add(1)
			}
		}
	}()

	outcome := f.fetch(ctx, client, ep)
	state.record(outcome.Status)
	recorded = true
	f.recorder.ObserveFetch(ep, outcome.Status, outcome.Duration)

	switch outcome.Status {
	case models.StatusSuccess:
		rate.ReportUsedWeight(f.log, ep.Exchange, f.http.LocalIP, outcome.Header)
		if outcome.Err != nil {
			// The exchange answered, but with an error page; it is never
			// published.
			state.skipped.Add(1)
			log.WithError(outcome.Err).WithFields(logger.Fields{
				"status_code": outcome.StatusCode,
				"duration_ms": outcome.Duration.Milliseconds(),
			}).Warn("endpoint returned error status")
			f.inspectLimits(ep, outcome)
			return
		}
		f.deliver(ctx, ep, outcome.Body, state, log)
	case models.StatusCancelled:
		log.WithError(outcome.Err).WithFields(logger.Fields{
			"duration_ms": outcome.Duration.Milliseconds(),
		}).Info("endpoint fetch cancelled")
	default:
		log.WithError(outcome.Err).WithFields(logger.Fields{
			"status_code": outcome.StatusCode,
			"duration_ms": outcome.Duration.Milliseconds(),
		}).Warn("endpoint fetch failed")
	}
}

func (f *Fetcher) inspectLimits(ep models.Endpoint, outcome models.FetchOutcome) {
	limit := rate.ReportLimitFromResponse(f.log, ep.Exchange, ep.Symbol, f.http.LocalIP, ep.Kind.String(),
		outcome.StatusCode, outcome.Header, outcome.Body)
	if limit.RateLimited {
		f.recorder.ObserveLimit(ep, "rate_limit")
	}
	if limit.IPBan {
		f.recorder.ObserveLimit(ep, "ip_ban")
	}
}

// fetch performs one GET and classifies the result. Any response whose body
// was read is Success; a non-2xx status is kept on the outcome as a
// *StatusError. Errors seen after the tick's context was cancelled, or caused
// by an explicit cancel, count as Cancelled. Other transport errors and
// oversized bodies are Failed.
func (f *Fetcher) fetch(ctx context.Context, client *http.Client, ep models.Endpoint) models.FetchOutcome {
	start := time.Now()
	outcome := models.FetchOutcome{Endpoint: ep}
	finish := func(status models.OutcomeStatus, err error) models.FetchOutcome {
		outcome.Status = status
		outcome.Err = err
		outcome.Duration = time.Since(start)
		return outcome
	}
	classify := func(err error) models.FetchOutcome {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return finish(models.StatusCancelled, err)
		}
		return finish(models.StatusFailed, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, ep.URL, nil)
	if err != nil {
		return finish(models.StatusFailed, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if f.http.UserAgent != "" {
		req.Header.Set("User-Agent", f.http.UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()

	outcome.StatusCode = resp.StatusCode
	outcome.Header = resp.Header

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.http.MaxBodyBytes+1))
	if err != nil {
		return classify(fmt.Errorf("read body: %w", err))
	}
	if int64(len(body)) > f.http.MaxBodyBytes {
		return finish(models.StatusFailed, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, f.http.MaxBodyBytes))
	}
	outcome.Body = body

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return finish(models.StatusSuccess, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status})
	}
	return finish(models.StatusSuccess, nil)
}

// deliver runs a successful body through processor, converter and
// publisher. Nothing here changes the Success already recorded.
func (f *Fetcher) deliver(ctx context.Context, ep models.Endpoint, body []byte, state *tickState, log *logger.Entry) {
	logger.RecordFlow("fetch_"+ep.Exchange, len(body))

	p, ok := f.processors.Lookup(ep.Exchange)
	if !ok {
		state.skipped.Add(1)
		log.Error("no processor registered for exchange")
		return
	}

	payload := body
	switch ep.Kind {
	case models.FeedTrade:
		filtered, err := p.FilterTrades(ep.Exchange, ep.Symbol, body)
		if err != nil {
			state.skipped.Add(1)
			log.WithError(err).Warn("trade payload skipped")
			return
		}
		f.recorder.ObserveFiltered(ep, filtered.Kept, filtered.Dropped)
		if filtered.Kept == 0 {
			state.skipped.Add(1)
			log.WithFields(logger.Fields{"dropped": filtered.Dropped}).Debug("no new trades")
			return
		}
		payload = filtered.Body
	case models.FeedKline:
		payload = p.ProcessKline(ep.Exchange, ep.Symbol, body)
	}

	msg, err := f.converter.Convert(ep.URL, string(payload))
	if err != nil {
		state.skipped.Add(1)
		log.WithError(err).Error("message conversion failed")
		return
	}

	// Publishing outlives shutdown so bodies already fetched are not lost.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.publishTimeout)
	defer cancel()

	err = f.publisher.Publish(pubCtx, msg)
	f.recorder.ObservePublish(ep, err)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"id": msg.ID}).Warn("publish failed, message dropped")
		return
	}
	state.published.Add(1)
	logger.LogDataFlowEntry(log, "fetcher", "publisher", 1, ep.Kind.String())
}
