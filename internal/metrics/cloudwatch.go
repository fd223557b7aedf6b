package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"

	"cryptocrawler/logger"
)

// CloudWatch bills per datum, so each component/metric/dimension series is
// forwarded at most once per cloudWatchPublishInterval.
var (
	cloudWatchPublishInterval = 15 * time.Second
	timeNow                   = time.Now
	publishMetricFunc         = logger.PublishMetric

	lastPublishMu sync.Mutex
	lastPublish   = make(map[string]time.Time)
)

func resetMetricPublishTimes() {
	lastPublishMu.Lock()
	lastPublish = make(map[string]time.Time)
	lastPublishMu.Unlock()
}

func publishMetricDatum(metric Metric, value float64) {
	dims := map[string]string{"component": metric.Component}
	for k, v := range metric.Fields {
		if k == "unit" {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			dims[k] = s
		}
	}

	key := seriesKey(metric.Name, dims)
	now := timeNow()

	lastPublishMu.Lock()
	if last, ok := lastPublish[key]; ok && now.Sub(last) < cloudWatchPublishInterval {
		lastPublishMu.Unlock()
		return
	}
	lastPublish[key] = now
	lastPublishMu.Unlock()

	unit := "Count"
	if u, ok := metric.Fields["unit"].(string); ok && u != "" {
		unit = u
	}
	publishMetricFunc(metric.Name, value, unit, dims)
}

func seriesKey(name string, dims map[string]string) string {
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(dims[k])
	}
	return b.String()
}
