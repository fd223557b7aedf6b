package rate

import (
	"net/http"
	"strings"
	"time"

	"cryptocrawler/logger"
)

// Limit describes what an exchange response said about request limits.
type Limit struct {
	RateLimited bool
	IPBan       bool
	// RetryAfter is zero when the exchange did not say.
	RetryAfter time.Duration
}

func (l Limit) Any() bool { return l.RateLimited || l.IPBan }

// ReportRateLimitExceeded logs and counts a rate limit response.
func ReportRateLimitExceeded(log *logger.Log, exchange, symbol, ip, dataType string) {
	reportLimit(log, "rate_limit_exceeded", exchange, symbol, ip, dataType).Warn("rate limit exceeded")
}

// ReportIPBan logs and counts an IP ban response.
func ReportIPBan(log *logger.Log, exchange, symbol, ip, dataType string) {
	reportLimit(log, "ip_ban", exchange, symbol, ip, dataType).Error("ip banned")
}

func reportLimit(log *logger.Log, metric, exchange, symbol, ip, dataType string) *logger.Entry {
	component := strings.ToLower(exchange) + "_" + strings.ToLower(dataType)
	fields := logger.Fields{
		"exchange": strings.ToLower(exchange),
		"symbol":   symbol,
		"ip":       ip,
		"type":     strings.ToLower(dataType),
	}
	l := log.WithComponent(component)
	l.LogMetric(component, metric, int64(1), "counter", fields)
	return l.WithFields(fields)
}

// detectLimit looks for exchange specific rate limit and ban wording.
func detectLimit(exchange, msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	switch strings.ToLower(exchange) {
	case "binance":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	case "okx":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "frequency limit")
		ipBan = strings.Contains(lowerMsg, "ip") && (strings.Contains(lowerMsg, "blocked") || strings.Contains(lowerMsg, "ban"))
	case "kucoin":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "limit") && strings.Contains(lowerMsg, "triggered")
	case "bybit":
		ipBan = strings.Contains(lowerMsg, "ip rate limit") || (strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban"))
		rateLimit = !ipBan && (strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "too many visits"))
	case "bitstamp":
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && (strings.Contains(lowerMsg, "ban") || strings.Contains(lowerMsg, "blocked"))
	default:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	}
	return
}

// Inspect classifies a non-2xx response. 429 is a rate limit everywhere;
// Binance answers 418 once an IP is banned.
func Inspect(exchange string, status int, header http.Header, body []byte) Limit {
	rateLimit, ipBan := detectLimit(exchange, string(body))
	switch status {
	case http.StatusTooManyRequests:
		rateLimit = rateLimit || !ipBan
	case http.StatusTeapot:
		if strings.EqualFold(exchange, "binance") {
			ipBan = true
		}
	}
	return Limit{RateLimited: rateLimit, IPBan: ipBan, RetryAfter: retryAfter(header)}
}

// ReportLimitFromResponse inspects a response and reports whatever limit it
// signals. Nothing is throttled; the result is informational.
func ReportLimitFromResponse(log *logger.Log, exchange, symbol, ip, dataType string, status int, header http.Header, body []byte) Limit {
	limit := Inspect(exchange, status, header, body)
	if limit.RateLimited {
		ReportRateLimitExceeded(log, exchange, symbol, ip, dataType)
	}
	if limit.IPBan {
		ReportIPBan(log, exchange, symbol, ip, dataType)
	}
	return limit
}
