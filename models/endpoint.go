package models

import (
	"fmt"
	"strings"
)

// FeedKind identifies which market-data feed an endpoint serves.
type FeedKind int

const (
	FeedTrade FeedKind = iota + 1
	FeedKline
)

func (k FeedKind) String() string {
	switch k {
	case FeedTrade:
		return "trade"
	case FeedKline:
		return "kline"
	default:
		return fmt.Sprintf("FeedKind(%d)", int(k))
	}
}

// ParseFeedKind accepts "trade"/"trades" and "kline"/"klines"/"candles".
func ParseFeedKind(s string) (FeedKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trade", "trades":
		return FeedTrade, nil
	case "kline", "klines", "candle", "candles":
		return FeedKline, nil
	default:
		return 0, fmt.Errorf("unknown feed kind %q", s)
	}
}

func (k FeedKind) MarshalText() ([]byte, error) {
	if k != FeedTrade && k != FeedKline {
		return nil, fmt.Errorf("unknown feed kind %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *FeedKind) UnmarshalText(b []byte) error {
	parsed, err := ParseFeedKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Endpoint is one polled URL. Endpoints are built once at startup and never
// mutated afterwards.
type Endpoint struct {
	Exchange string   `json:"exchange"`
	Symbol   string   `json:"symbol"`
	Kind     FeedKind `json:"kind"`
	URL      string   `json:"url"`
}

func (e Endpoint) String() string {
	return e.Exchange + "/" + e.Symbol + "/" + e.Kind.String()
}
