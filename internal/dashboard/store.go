package dashboard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"cryptocrawler/internal/metrics"
	"cryptocrawler/models"
)

// ring keeps the most recent limit items. It is safe for concurrent use.
type ring[T any] struct {
	mu    sync.RWMutex
	items []T
	limit int
}

func newRing[T any](limit int) *ring[T] {
	if limit <= 0 {
		limit = 200
	}
	return &ring[T]{limit: limit}
}

func (r *ring[T]) push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items = append(r.items, item)
	if len(r.items) > r.limit {
		r.items = append([]T(nil), r.items[len(r.items)-r.limit:]...)
	}
}

func (r *ring[T]) snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

func (r *ring[T]) last() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var zero T
	if len(r.items) == 0 {
		return zero, false
	}
	return r.items[len(r.items)-1], true
}

// metricStore is registered as a metrics.MetricHandler.
type metricStore struct {
	*ring[metrics.Metric]
}

func newMetricStore(limit int) *metricStore {
	return &metricStore{ring: newRing[metrics.Metric](limit)}
}

func (s *metricStore) handle(metric metrics.Metric) {
	s.push(metric)
}

// tickStore keeps finished ticks and lifetime totals.
type tickStore struct {
	*ring[models.TickStats]

	ticks     atomic.Uint64
	success   atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
	published atomic.Uint64
	lastSeen  atomic.Int64
}

type tickTotals struct {
	Ticks     uint64    `json:"ticks"`
	Success   uint64    `json:"success"`
	Failed    uint64    `json:"failed"`
	Cancelled uint64    `json:"cancelled"`
	Published uint64    `json:"published"`
	LastTick  time.Time `json:"last_tick,omitempty"`
}

func newTickStore(limit int) *tickStore {
	return &tickStore{ring: newRing[models.TickStats](limit)}
}

func (s *tickStore) observe(stats models.TickStats) {
	s.push(stats)
	s.ticks.Add(1)
	s.success.Add(uint64(stats.Success))
	s.failed.Add(uint64(stats.Failed))
	s.cancelled.Add(uint64(stats.Cancelled))
	s.published.Add(uint64(stats.Published))
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *tickStore) totals() tickTotals {
	t := tickTotals{
		Ticks:     s.ticks.Load(),
		Success:   s.success.Load(),
		Failed:    s.failed.Load(),
		Cancelled: s.cancelled.Load(),
		Published: s.published.Load(),
	}
	if ns := s.lastSeen.Load(); ns != 0 {
		t.LastTick = time.Unix(0, ns)
	}
	return t
}

// logRecord is one captured log line as served by /api/logs.
type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore is a logrus hook retaining recent lines at info and above.
type logStore struct {
	*ring[logRecord]
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	ls := &logStore{ring: newRing[logRecord](limit)}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}
	if entry.Level > logrus.InfoLevel {
		return nil
	}

	record := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	if component, ok := entry.Data["component"].(string); ok {
		record.Component = component
	}

	if len(entry.Data) > 0 {
		record.Fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if k == "component" {
				continue
			}
			switch val := v.(type) {
			case error:
				record.Fields[k] = val.Error()
			case fmt.Stringer:
				record.Fields[k] = val.String()
			default:
				record.Fields[k] = val
			}
		}
	}

	s.push(record)
	return nil
}

func (s *logStore) close() {
	s.enabled.Store(false)
}
