// Package processor filters exchange payloads before they are converted
// and published. Trade feeds are deduplicated against records emitted on
// earlier ticks; kline feeds pass through untouched.
package processor

import (
	"encoding/json"
	"fmt"
	"time"

	"cryptocrawler/internal/dedup"
	"cryptocrawler/logger"
)

// ExchangeProcessor is the per-exchange payload hook used by the fetcher.
type ExchangeProcessor interface {
	ProcessTrade(exchange, symbol string, body []byte) ([]byte, error)
	ProcessKline(exchange, symbol string, body []byte) []byte
}

// TradeCodec knows one exchange's trade feed wire shape. Codecs never see
// the dedup cache.
type TradeCodec interface {
	// Split returns the individual trade records, byte for byte.
	Split(body []byte) ([]json.RawMessage, error)
	// RecordID returns the exchange assigned id of one record.
	RecordID(record json.RawMessage) (string, error)
	// Join rebuilds a body of the original shape holding only kept.
	Join(body []byte, kept []json.RawMessage) ([]byte, error)
}

// Seen is satisfied by *dedup.Cache.
type Seen interface {
	Add(key string) bool
}

// ParseError reports a trade body that could not be understood. The
// endpoint is skipped for the tick.
type ParseError struct {
	Exchange string
	Symbol   string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s %s trades: %v", e.Exchange, e.Symbol, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Filtered is the result of deduplicating one trade body.
type Filtered struct {
	Body    []byte
	Kept    int
	Dropped int
}

// Processor applies the shared dedup rule on top of an exchange codec.
type Processor struct {
	name  string
	codec TradeCodec
	seen  Seen
	log   *logger.Entry
}

var _ ExchangeProcessor = (*Processor)(nil)

func New(name string, codec TradeCodec, seen Seen) *Processor {
	return &Processor{
		name:  name,
		codec: codec,
		seen:  seen,
		log:   logger.GetLogger().WithComponent("processor").WithFields(logger.Fields{"processor": name}),
	}
}

func (p *Processor) Name() string { return p.name }

// FilterTrades drops records whose key was already emitted and marks the
// rest as emitted. Every record id is validated before the cache is touched,
// so a malformed body leaves the cache unchanged.
func (p *Processor) FilterTrades(exchange, symbol string, body []byte) (Filtered, error) {
	start := time.Now()

	records, err := p.codec.Split(body)
	if err != nil {
		return Filtered{}, &ParseError{Exchange: exchange, Symbol: symbol, Err: err}
	}

	ids := make([]string, len(records))
	for i, record := range records {
		id, err := p.codec.RecordID(record)
		if err != nil {
			return Filtered{}, &ParseError{Exchange: exchange, Symbol: symbol, Err: fmt.Errorf("record %d: %w", i, err)}
		}
		ids[i] = id
	}

	kept := make([]json.RawMessage, 0, len(records))
	for i, record := range records {
		if p.seen.Add(dedup.Key(exchange, symbol, ids[i])) {
			kept = append(kept, record)
		}
	}

	out, err := p.codec.Join(body, kept)
	if err != nil {
		return Filtered{}, &ParseError{Exchange: exchange, Symbol: symbol, Err: err}
	}

	logger.LogPerformanceEntry(p.log, "processor", "filter_trades", time.Since(start), logger.Fields{
		"exchange": exchange,
		"symbol":   symbol,
		"kept":     len(kept),
		"dropped":  len(records) - len(kept),
	})

	return Filtered{Body: out, Kept: len(kept), Dropped: len(records) - len(kept)}, nil
}

func (p *Processor) ProcessTrade(exchange, symbol string, body []byte) ([]byte, error) {
	f, err := p.FilterTrades(exchange, symbol, body)
	if err != nil {
		return nil, err
	}
	return f.Body, nil
}

// ProcessKline returns body unchanged. Kline rows are revised in place by
// exchanges while the candle is open, so they are never deduplicated.
func (p *Processor) ProcessKline(_, _ string, body []byte) []byte {
	return body
}
