package rate

import (
	"net/http"
	"strings"

	"cryptocrawler/logger"
)

// usedWeight reads the request weight an exchange reports as consumed in
// the current window. ok is false when the exchange sends nothing usable.
func usedWeight(exchange string, header http.Header) (used, limit int64, ok bool) {
	switch strings.ToLower(exchange) {
	case "binance":
		for _, name := range []string{"X-MBX-USED-WEIGHT-1M", "X-MBX-USED-WEIGHT"} {
			if used, ok = firstInt(header.Get(name)); ok {
				return used, 0, true
			}
		}
	case "bybit":
		lim, hasLimit := firstInt(header.Get("X-Bapi-Limit"))
		remaining, hasRemaining := firstInt(header.Get("X-Bapi-Limit-Status"))
		if hasLimit && hasRemaining {
			return lim - remaining, lim, true
		}
	case "kucoin":
		lim, hasLimit := firstInt(header.Get("gw-ratelimit-limit"))
		remaining, hasRemaining := firstInt(header.Get("gw-ratelimit-remaining"))
		if hasLimit && hasRemaining {
			return lim - remaining, lim, true
		}
	}
	lim, hasLimit := firstInt(header.Get("X-RateLimit-Limit"))
	remaining, hasRemaining := firstInt(header.Get("X-RateLimit-Remaining"))
	if hasLimit && hasRemaining {
		return lim - remaining, lim, true
	}
	return 0, 0, false
}

// ReportUsedWeight emits a used_weight gauge when the response headers
// carry one.
func ReportUsedWeight(log *logger.Log, exchange, ip string, header http.Header) {
	used, limit, ok := usedWeight(exchange, header)
	if !ok {
		return
	}
	component := strings.ToLower(exchange) + "_reader"
	fields := logger.Fields{"exchange": strings.ToLower(exchange), "ip": ip}
	if limit > 0 {
		fields["limit"] = limit
	}
	log.WithComponent(component).LogMetric(component, "used_weight", used, "gauge", fields)
}
