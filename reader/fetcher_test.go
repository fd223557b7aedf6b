package reader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	appconfig "cryptocrawler/config"
	"cryptocrawler/converter"
	"cryptocrawler/internal/dedup"
	"cryptocrawler/models"
	"cryptocrawler/processor"
)

type capturePublisher struct {
	mu    sync.Mutex
	msgs  []models.CanonicalMessage
	err   error
	panic bool
}

func (p *capturePublisher) Publish(_ context.Context, msg models.CanonicalMessage) error {
	if p.panic {
		panic("publisher exploded")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) messages() []models.CanonicalMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.CanonicalMessage(nil), p.msgs...)
}

type recordingRecorder struct {
	nopRecorder
	mu     sync.Mutex
	limits []string
	ticks  []models.TickStats
}

func (r *recordingRecorder) ObserveLimit(_ models.Endpoint, limit string) {
	r.mu.Lock()
	r.limits = append(r.limits, limit)
	r.mu.Unlock()
}

func (r *recordingRecorder) ObserveTick(stats models.TickStats) {
	r.mu.Lock()
	r.ticks = append(r.ticks, stats)
	r.mu.Unlock()
}

func newTestFetcher(t *testing.T, endpoints []models.Endpoint, timeout time.Duration, pub *capturePublisher, opts ...FetcherOption) *Fetcher {
	t.Helper()
	cfg := appconfig.Default()
	cfg.Schedule.RequestTimeout = timeout
	cfg.Schedule.PublishTimeout = time.Second

	cache := dedup.New(dedup.Options{TTL: time.Minute, MaxEntries: 1000})
	f := NewFetcher(&cfg, processor.NewRegistry(cache), converter.New(endpoints), pub, opts...)
	if err := f.CheckEndpoints(endpoints); err != nil {
		t.Fatalf("CheckEndpoints: %v", err)
	}
	return f
}

func endpoint(exchange string, kind models.FeedKind, url string) models.Endpoint {
	return models.Endpoint{Exchange: exchange, Symbol: "btcusd", Kind: kind, URL: url}
}

// hang blocks until the client goes away.
func hang(w http.ResponseWriter, r *http.Request) {
	select {
	case <-r.Context().Done():
	case <-time.After(5 * time.Second):
	}
}

// cancelPath simulates a shutdown that hits one request mid-flight.
func cancelPath(path string, after time.Duration) FetcherOption {
	return WithRoundTripper(func(base http.RoundTripper) http.RoundTripper {
		return roundTripFunc(func(req *http.Request) (*http.Response, error) {
			if req.URL.Path != path {
				return base.RoundTrip(req)
			}
			ctx, cancel := context.WithCancel(req.Context())
			time.AfterFunc(after, cancel)
			return base.RoundTrip(req.WithContext(ctx))
		})
	})
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func TestRunTickMixedOutcomes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/trades", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `[{"tid":"1","price":"100"}]`)
	})
	mux.HandleFunc("/klines", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"data":{"ohlc":[]}}`)
	})
	mux.HandleFunc("/slow/a", hang)
	mux.HandleFunc("/slow/b", hang)
	mux.HandleFunc("/cancel", hang)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	endpoints := []models.Endpoint{
		endpoint("bitstamp", models.FeedTrade, srv.URL+"/trades"),
		endpoint("bitstamp", models.FeedKline, srv.URL+"/klines"),
		endpoint("bitstamp", models.FeedTrade, srv.URL+"/slow/a"),
		endpoint("bitstamp", models.FeedKline, srv.URL+"/slow/b"),
		endpoint("bitstamp", models.FeedKline, srv.URL+"/cancel"),
	}
	pub := &capturePublisher{}
	f := newTestFetcher(t, endpoints, 200*time.Millisecond, pub, cancelPath("/cancel", 20*time.Millisecond))

	stats := f.RunTick(context.Background(), endpoints)

	if stats.Total != 5 || stats.Success != 2 || stats.Failed != 2 || stats.Cancelled != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if !stats.Resolved() {
		t.Fatalf("tick not resolved: %+v", stats)
	}
	if stats.Published != 2 || len(pub.messages()) != 2 {
		t.Fatalf("expected 2 published messages, stats %+v", stats)
	}
}

func TestRunTickDedupAcrossTicks(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			fmt.Fprint(w, `[{"tid":1,"price":"1"},{"tid":2,"price":"2"}]`)
			return
		}
		fmt.Fprint(w, `[{"tid":2,"price":"2"},{"tid":3,"price":"3"}]`)
	}))
	defer srv.Close()

	endpoints := []models.Endpoint{endpoint("bitstamp", models.FeedTrade, srv.URL)}
	pub := &capturePublisher{}
	f := newTestFetcher(t, endpoints, time.Second, pub)

	f.RunTick(context.Background(), endpoints)
	f.RunTick(context.Background(), endpoints)

	msgs := pub.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Payload != `[{"tid":1,"price":"1"},{"tid":2,"price":"2"}]` {
		t.Errorf("tick 1 payload = %s", msgs[0].Payload)
	}
	if msgs[1].Payload != `[{"tid":3,"price":"3"}]` {
		t.Errorf("tick 2 payload = %s", msgs[1].Payload)
	}
	if msgs[1].Symbol != "BTCUSD" || msgs[1].SourceURL != srv.URL {
		t.Errorf("unexpected message %+v", msgs[1])
	}
}

func TestRunTickAllDuplicatesSkipsPublish(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `[{"tid":7}]`)
	}))
	defer srv.Close()

	endpoints := []models.Endpoint{endpoint("bitstamp", models.FeedTrade, srv.URL)}
	pub := &capturePublisher{}
	f := newTestFetcher(t, endpoints, time.Second, pub)

	f.RunTick(context.Background(), endpoints)
	stats := f.RunTick(context.Background(), endpoints)

	if stats.Success != 1 || stats.Skipped != 1 || stats.Published != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRunTickTimeoutBoundsTick(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(hang))
	defer srv.Close()

	var endpoints []models.Endpoint
	for i := 0; i < 10; i++ {
		endpoints = append(endpoints, endpoint("bitstamp", models.FeedKline, fmt.Sprintf("%s/k/%d", srv.URL, i)))
	}
	f := newTestFetcher(t, endpoints, 100*time.Millisecond, &capturePublisher{})

	stats := f.RunTick(context.Background(), endpoints)

	if stats.Failed != 10 {
		t.Fatalf("expected all endpoints to fail, got %+v", stats)
	}
	if stats.Elapsed > 100*time.Millisecond+time.Second {
		t.Fatalf("tick took %v", stats.Elapsed)
	}
}

func TestRunTickShutdownCancelsInFlight(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(hang))
	defer srv.Close()

	endpoints := []models.Endpoint{
		endpoint("bitstamp", models.FeedTrade, srv.URL+"/a"),
		endpoint("bitstamp", models.FeedKline, srv.URL+"/b"),
	}
	f := newTestFetcher(t, endpoints, 5*time.Second, &capturePublisher{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	stats := f.RunTick(ctx, endpoints)

	if stats.Cancelled != 2 || !stats.Resolved() {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("cancelled tick did not release promptly")
	}
}

func TestRunTickNon2xxIsSuccessButNotPublished(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"Too many requests"}`)
	}))
	defer srv.Close()

	endpoints := []models.Endpoint{endpoint("bitstamp", models.FeedTrade, srv.URL)}
	rec := &recordingRecorder{}
	pub := &capturePublisher{}
	f := newTestFetcher(t, endpoints, time.Second, pub, WithRecorder(rec))

	stats := f.RunTick(context.Background(), endpoints)

	if stats.Success != 1 || stats.Failed != 0 || stats.Skipped != 1 || stats.Published != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(pub.messages()) != 0 {
		t.Fatalf("error responses must not be published")
	}
	if len(rec.limits) != 1 || rec.limits[0] != "rate_limit" {
		t.Fatalf("expected rate limit observation, got %v", rec.limits)
	}
	if len(rec.ticks) != 1 || rec.ticks[0].Tick != stats.Tick {
		t.Fatalf("tick not observed")
	}
}

func TestRunTickServerErrorBodyIsNotDeduplicated(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		fmt.Fprint(w, `[{"tid":9}]`)
	}))
	defer srv.Close()

	endpoints := []models.Endpoint{endpoint("bitstamp", models.FeedTrade, srv.URL)}
	pub := &capturePublisher{}
	f := newTestFetcher(t, endpoints, time.Second, pub)

	first := f.RunTick(context.Background(), endpoints)
	if first.Success != 1 || first.Skipped != 1 || first.Published != 0 {
		t.Fatalf("503 tick: unexpected stats %+v", first)
	}

	// The 503 body never reached the processor, so tid 9 is still new.
	second := f.RunTick(context.Background(), endpoints)
	if second.Success != 1 || second.Published != 1 {
		t.Fatalf("200 tick: unexpected stats %+v", second)
	}
}

func TestRunTickParseErrorStillSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html>maintenance</html>`)
	}))
	defer srv.Close()

	endpoints := []models.Endpoint{endpoint("bitstamp", models.FeedTrade, srv.URL)}
	pub := &capturePublisher{}
	f := newTestFetcher(t, endpoints, time.Second, pub)

	stats := f.RunTick(context.Background(), endpoints)

	if stats.Success != 1 || stats.Skipped != 1 || stats.Published != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRunTickPublishErrorKeepsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	endpoints := []models.Endpoint{endpoint("bitstamp", models.FeedKline, srv.URL)}
	pub := &capturePublisher{err: errors.New("broker unavailable")}
	f := newTestFetcher(t, endpoints, time.Second, pub)

	stats := f.RunTick(context.Background(), endpoints)

	if stats.Success != 1 || stats.Published != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRunTickPanicDoesNotBlockBarrier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	endpoints := []models.Endpoint{
		endpoint("bitstamp", models.FeedKline, srv.URL+"/a"),
		endpoint("bitstamp", models.FeedKline, srv.URL+"/b"),
	}
	f := newTestFetcher(t, endpoints, time.Second, &capturePublisher{panic: true})

	done := make(chan models.TickStats, 1)
	go func() { done <- f.RunTick(context.Background(), endpoints) }()

	select {
	case stats := <-done:
		if stats.Success != 2 || !stats.Resolved() {
			t.Fatalf("unexpected stats %+v", stats)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("barrier never released")
	}
}

func TestRunTickBodyTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, strings.Repeat("x", 64))
	}))
	defer srv.Close()

	endpoints := []models.Endpoint{endpoint("bitstamp", models.FeedKline, srv.URL)}
	cfg := appconfig.Default()
	cfg.HTTP.MaxBodyBytes = 16
	f := NewFetcher(&cfg, processor.NewRegistry(dedup.New(dedup.Options{})), converter.New(endpoints), &capturePublisher{})

	stats := f.RunTick(context.Background(), endpoints)
	if stats.Failed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRunTickSendsUserAgent(t *testing.T) {
	agents := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agents <- r.UserAgent()
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	endpoints := []models.Endpoint{endpoint("bitstamp", models.FeedKline, srv.URL)}
	f := newTestFetcher(t, endpoints, time.Second, &capturePublisher{})
	f.RunTick(context.Background(), endpoints)

	if got := <-agents; got != appconfig.DefaultUserAgent {
		t.Fatalf("user agent = %q", got)
	}
}

func TestCheckEndpointsUnknownExchange(t *testing.T) {
	cfg := appconfig.Default()
	f := NewFetcher(&cfg, processor.NewRegistry(dedup.New(dedup.Options{})), converter.New(nil), &capturePublisher{})

	err := f.CheckEndpoints([]models.Endpoint{endpoint("mtgox", models.FeedTrade, "https://mtgox.test")})
	if err == nil || !strings.Contains(err.Error(), "mtgox") {
		t.Fatalf("expected unknown exchange error, got %v", err)
	}
}
