package processor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/adshao/go-binance/v2/common"
)

// Bitstamp /api/v2/transactions: [{"date":"..","tid":"123",..}]
func bitstampCodec() TradeCodec { return arrayCodec{idFields: []string{"tid"}} }

// Coinbase /products/{id}/trades: [{"trade_id":123,..}]
func coinbaseCodec() TradeCodec { return arrayCodec{idFields: []string{"trade_id"}} }

// binanceCodec accepts both /trades ("id") and /aggTrades ("a") bodies.
type binanceCodec struct{}

// Split rejects a Binance error object such as {"code":-1121,"msg":"Invalid symbol."}
// with the exchange's own code and message.
func (binanceCodec) Split(body []byte) ([]json.RawMessage, error) {
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '{' {
		apiErr := &common.APIError{}
		if err := json.Unmarshal(trimmed, apiErr); err == nil && (apiErr.Code != 0 || apiErr.Message != "") {
			return nil, fmt.Errorf("exchange returned error: %w", apiErr)
		}
	}
	return splitArray(body)
}

// RecordID only decodes the id fields; the remaining fields are carried
// verbatim and their types are not checked. Presence decides, so id 0 is
// a valid trade id.
func (binanceCodec) RecordID(record json.RawMessage) (string, error) {
	var ids struct {
		ID  json.RawMessage `json:"id"`
		Agg json.RawMessage `json:"a"`
	}
	if err := json.Unmarshal(record, &ids); err != nil {
		return "", err
	}
	if present(ids.ID) {
		id, err := scalarID(ids.ID)
		if err != nil {
			return "", fmt.Errorf("field \"id\": %w", err)
		}
		if id == "" {
			return "", fmt.Errorf("field \"id\" is empty")
		}
		return id, nil
	}
	if present(ids.Agg) {
		id, err := scalarID(ids.Agg)
		if err != nil {
			return "", fmt.Errorf("field \"a\": %w", err)
		}
		if id == "" {
			return "", fmt.Errorf("field \"a\" is empty")
		}
		return "a" + id, nil
	}
	return "", fmt.Errorf("binance record has neither id nor a")
}

func (binanceCodec) Join(_ []byte, kept []json.RawMessage) ([]byte, error) { return joinArray(kept) }

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// OKX /api/v5/market/trades: {"code":"0","msg":"","data":[{"tradeId":"..",..}]}
func okxCodec() TradeCodec {
	return envelopeCodec{
		path:     []string{"data"},
		idFields: []string{"tradeId"},
		check:    expectCode("code", "0", "msg"),
	}
}

// KuCoin /api/v1/market/histories: {"code":"200000","data":[{"sequence":"..",..}]}
func kucoinCodec() TradeCodec {
	return envelopeCodec{
		path:     []string{"data"},
		idFields: []string{"tradeId", "sequence"},
		check:    expectCode("code", "200000", "msg"),
	}
}

// Bybit /v5/market/recent-trade: {"retCode":0,"result":{"list":[{"execId":"..",..}]}}
func bybitCodec() TradeCodec {
	return envelopeCodec{
		path:     []string{"result", "list"},
		idFields: []string{"execId"},
		check:    expectCode("retCode", "0", "retMsg"),
	}
}

// expectCode fails unless env[field] equals want, as string or number.
func expectCode(field, want, msgField string) func(map[string]json.RawMessage) error {
	return func(env map[string]json.RawMessage) error {
		raw, ok := env[field]
		if !ok {
			return fmt.Errorf("missing field %q", field)
		}
		got, err := scalarID(raw)
		if err != nil {
			return fmt.Errorf("field %q: %w", field, err)
		}
		if got == want {
			return nil
		}
		var msg string
		if m, ok := env[msgField]; ok {
			msg, _ = scalarID(m)
		}
		return fmt.Errorf("exchange returned %s=%s: %s", field, got, msg)
	}
}

var builtinCodecs = map[string]func() TradeCodec{
	"bitstamp": bitstampCodec,
	"binance":  func() TradeCodec { return binanceCodec{} },
	"coinbase": coinbaseCodec,
	"okx":      okxCodec,
	"kucoin":   kucoinCodec,
	"bybit":    bybitCodec,
}

// Registry resolves the processor for an exchange id.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]*Processor
}

// NewRegistry returns a registry holding every built-in exchange, all
// sharing seen.
func NewRegistry(seen Seen) *Registry {
	r := &Registry{processors: make(map[string]*Processor, len(builtinCodecs))}
	for name, codec := range builtinCodecs {
		r.processors[name] = New(name, codec(), seen)
	}
	return r
}

// Register adds or replaces the processor for exchange.
func (r *Registry) Register(exchange string, p *Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[strings.ToLower(exchange)] = p
}

func (r *Registry) Lookup(exchange string) (*Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[strings.ToLower(exchange)]
	return p, ok
}

// Exchanges lists the registered exchange ids in sorted order.
func (r *Registry) Exchanges() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.processors))
	for name := range r.processors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
