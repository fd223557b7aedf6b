package processor

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"cryptocrawler/internal/dedup"
)

func newTestRegistry() (*Registry, *dedup.Cache) {
	cache := dedup.New(dedup.Options{})
	return NewRegistry(cache), cache
}

func mustLookup(t *testing.T, r *Registry, exchange string) *Processor {
	t.Helper()
	p, ok := r.Lookup(exchange)
	if !ok {
		t.Fatalf("no processor for %s", exchange)
	}
	return p
}

func tids(t *testing.T, body []byte) []string {
	t.Helper()
	var records []map[string]interface{}
	if err := json.Unmarshal(body, &records); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	var out []string
	for _, r := range records {
		out = append(out, r["tid"].(string))
	}
	return out
}

func TestBitstampOverlapAcrossTicks(t *testing.T) {
	r, _ := newTestRegistry()
	p := mustLookup(t, r, "bitstamp")

	first, err := p.ProcessTrade("bitstamp", "btcusd", []byte(`[{"tid":"1","price":"10"},{"tid":"2","price":"11"}]`))
	if err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if got := tids(t, first); strings.Join(got, ",") != "1,2" {
		t.Fatalf("tick 1 emitted %v", got)
	}

	second, err := p.ProcessTrade("bitstamp", "btcusd", []byte(`[{"tid":"2","price":"11"},{"tid":"3","price":"12"}]`))
	if err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if got := tids(t, second); strings.Join(got, ",") != "3" {
		t.Fatalf("tick 2 emitted %v, want only 3", got)
	}
}

func TestRecordsAreRetainedVerbatim(t *testing.T) {
	r, _ := newTestRegistry()
	p := mustLookup(t, r, "bitstamp")

	body := []byte(`[{"tid":"7","price":"100.10","amount":"0.5","type":"0"}]`)
	out, err := p.ProcessTrade("bitstamp", "btcusd", body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, body) {
		t.Fatalf("record changed:\n got %s\nwant %s", out, body)
	}
}

func TestSameIDDifferentSymbolIsNotDuplicate(t *testing.T) {
	r, _ := newTestRegistry()
	p := mustLookup(t, r, "bitstamp")

	body := []byte(`[{"tid":1}]`)
	if f, _ := p.FilterTrades("bitstamp", "btcusd", body); f.Kept != 1 {
		t.Fatalf("btcusd kept %d", f.Kept)
	}
	if f, _ := p.FilterTrades("bitstamp", "ethusd", body); f.Kept != 1 {
		t.Fatalf("ethusd kept %d", f.Kept)
	}
	if f, _ := p.FilterTrades("bitstamp", "btcusd", body); f.Kept != 0 || f.Dropped != 1 {
		t.Fatalf("repeat should be dropped: %+v", f)
	}
}

func TestNumericAndStringIDsMatch(t *testing.T) {
	r, _ := newTestRegistry()
	p := mustLookup(t, r, "bitstamp")

	if _, err := p.FilterTrades("bitstamp", "btcusd", []byte(`[{"tid":42}]`)); err != nil {
		t.Fatal(err)
	}
	f, err := p.FilterTrades("bitstamp", "btcusd", []byte(`[{"tid":"42"}]`))
	if err != nil {
		t.Fatal(err)
	}
	if f.Kept != 0 {
		t.Fatalf("42 and \"42\" should be the same record")
	}
}

func TestAllDuplicatesYieldsEmptyArray(t *testing.T) {
	r, _ := newTestRegistry()
	p := mustLookup(t, r, "coinbase")

	body := []byte(`[{"trade_id":1},{"trade_id":2}]`)
	if _, err := p.ProcessTrade("coinbase", "BTC-USD", body); err != nil {
		t.Fatal(err)
	}
	f, err := p.FilterTrades("coinbase", "BTC-USD", body)
	if err != nil {
		t.Fatal(err)
	}
	if string(f.Body) != "[]" || f.Kept != 0 || f.Dropped != 2 {
		t.Fatalf("unexpected result %+v (%s)", f, f.Body)
	}
}

func TestMalformedTradeBody(t *testing.T) {
	r, cache := newTestRegistry()
	p := mustLookup(t, r, "bitstamp")

	bodies := []string{
		``,
		`not json`,
		`{"status":"error","reason":"Invalid currency pair"}`,
		`[{"tid":"1"},{"price":"no id"}]`,
		`[{"tid":{"nested":true}}]`,
	}
	for _, body := range bodies {
		_, err := p.ProcessTrade("bitstamp", "btcusd", []byte(body))
		var perr *ParseError
		if !errors.As(err, &perr) {
			t.Fatalf("body %q: expected ParseError, got %v", body, err)
		}
		if perr.Exchange != "bitstamp" || perr.Symbol != "btcusd" {
			t.Fatalf("parse error lost context: %+v", perr)
		}
	}
	if cache.Len() != 0 {
		t.Fatalf("malformed bodies must not touch the cache, len=%d", cache.Len())
	}
}

func TestProcessKlineIsIdentity(t *testing.T) {
	r, cache := newTestRegistry()
	for _, exchange := range r.Exchanges() {
		p := mustLookup(t, r, exchange)
		for _, body := range [][]byte{
			[]byte(`[[1700000000000,"1","2","0.5","1.5","10"]]`),
			[]byte(`{{{ not json`),
			{},
			nil,
		} {
			if out := p.ProcessKline(exchange, "X", body); !bytes.Equal(out, body) {
				t.Fatalf("%s: kline body changed: %q -> %q", exchange, body, out)
			}
		}
	}
	if cache.Len() != 0 {
		t.Fatalf("kline processing must not touch the cache")
	}
}

func TestBinanceTradesAndAggTrades(t *testing.T) {
	r, _ := newTestRegistry()
	p := mustLookup(t, r, "binance")

	trades := []byte(`[{"id":28457,"price":"4.00000100","qty":"12.00000000","quoteQty":"48.000012","time":1499865549590,"isBuyerMaker":true,"isBestMatch":true}]`)
	f, err := p.FilterTrades("binance", "BTCUSDT", trades)
	if err != nil || f.Kept != 1 {
		t.Fatalf("trades: %+v %v", f, err)
	}

	agg := []byte(`[{"a":26129,"p":"0.01633102","q":"4.70443515","f":27781,"l":27781,"T":1498793709153,"m":true,"M":true}]`)
	f, err = p.FilterTrades("binance", "BTCUSDT", agg)
	if err != nil || f.Kept != 1 {
		t.Fatalf("aggTrades: %+v %v", f, err)
	}
	f, _ = p.FilterTrades("binance", "BTCUSDT", agg)
	if f.Kept != 0 {
		t.Fatalf("aggTrade repeat should be dropped")
	}

	if _, err := p.FilterTrades("binance", "BTCUSDT", []byte(`[{"price":"1"}]`)); err == nil {
		t.Fatalf("expected error for record without id")
	}
}

func TestBinanceIDIsReadByPresence(t *testing.T) {
	r, _ := newTestRegistry()
	p := mustLookup(t, r, "binance")

	// id 0 is a real id, and field types outside the id are not checked.
	body := []byte(`[{"id":0,"price":4.0000001,"qty":12,"time":"1499865549590"}]`)
	f, err := p.FilterTrades("binance", "BTCUSDT", body)
	if err != nil || f.Kept != 1 {
		t.Fatalf("first pass: %+v %v", f, err)
	}
	if !bytes.Equal(f.Body, body) {
		t.Fatalf("record changed:\n got %s\nwant %s", f.Body, body)
	}
	if f, _ = p.FilterTrades("binance", "BTCUSDT", body); f.Kept != 0 {
		t.Fatalf("id 0 repeat should be dropped")
	}

	// aggTrade 0 and trade 0 are different records.
	if f, err = p.FilterTrades("binance", "BTCUSDT", []byte(`[{"a":0,"p":"1"}]`)); err != nil || f.Kept != 1 {
		t.Fatalf("aggTrade 0: %+v %v", f, err)
	}

	for _, bad := range []string{`[{"id":null,"price":"1"}]`, `[{"id":""}]`, `[{"id":{"x":1}}]`} {
		if _, err := p.FilterTrades("binance", "BTCUSDT", []byte(bad)); err == nil {
			t.Fatalf("%s: expected error", bad)
		}
	}
}

func TestBinanceErrorObject(t *testing.T) {
	r, _ := newTestRegistry()
	p := mustLookup(t, r, "binance")

	_, err := p.ProcessTrade("binance", "NOPE", []byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	var perr *ParseError
	if !errors.As(err, &perr) || !strings.Contains(err.Error(), "-1121") || !strings.Contains(err.Error(), "Invalid symbol.") {
		t.Fatalf("expected ParseError carrying the exchange code, got %v", err)
	}
}

func TestRepeatedIDWithinOneBody(t *testing.T) {
	r, cache := newTestRegistry()
	p := mustLookup(t, r, "bitstamp")

	f, err := p.FilterTrades("bitstamp", "btcusd", []byte(`[{"tid":1,"price":"1"},{"tid":1,"price":"1"},{"tid":2}]`))
	if err != nil {
		t.Fatal(err)
	}
	if f.Kept != 2 || f.Dropped != 1 {
		t.Fatalf("expected the second copy to be dropped, got %+v", f)
	}
	if string(f.Body) != `[{"tid":1,"price":"1"},{"tid":2}]` {
		t.Fatalf("unexpected body %s", f.Body)
	}
	if cache.Len() != 2 {
		t.Fatalf("expected 2 keys, got %d", cache.Len())
	}
}

func TestOKXEnvelope(t *testing.T) {
	r, _ := newTestRegistry()
	p := mustLookup(t, r, "okx")

	body := []byte(`{"code":"0","msg":"","data":[{"instId":"BTC-USDT","tradeId":"1","px":"1"},{"instId":"BTC-USDT","tradeId":"2","px":"2"}]}`)
	if _, err := p.ProcessTrade("okx", "BTC-USDT", body); err != nil {
		t.Fatal(err)
	}
	next := []byte(`{"code":"0","msg":"","data":[{"instId":"BTC-USDT","tradeId":"2","px":"2"},{"instId":"BTC-USDT","tradeId":"3","px":"3"}]}`)
	out, err := p.ProcessTrade("okx", "BTC-USDT", next)
	if err != nil {
		t.Fatal(err)
	}

	var env struct {
		Code string                   `json:"code"`
		Data []map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(out, &env); err != nil {
		t.Fatalf("decode %s: %v", out, err)
	}
	if env.Code != "0" || len(env.Data) != 1 || env.Data[0]["tradeId"] != "3" {
		t.Fatalf("unexpected envelope %s", out)
	}

	_, err = p.ProcessTrade("okx", "BTC-USDT", []byte(`{"code":"51001","msg":"Instrument ID does not exist","data":[]}`))
	var perr *ParseError
	if !errors.As(err, &perr) || !strings.Contains(err.Error(), "51001") {
		t.Fatalf("expected ParseError with exchange code, got %v", err)
	}
}

func TestKucoinFallsBackToSequence(t *testing.T) {
	r, _ := newTestRegistry()
	p := mustLookup(t, r, "kucoin")

	body := []byte(`{"code":"200000","data":[{"sequence":"1545896668571","price":"0.07","size":"0.004","side":"buy","time":1545904567062140823}]}`)
	f, err := p.FilterTrades("kucoin", "BTC-USDT", body)
	if err != nil || f.Kept != 1 {
		t.Fatalf("%+v %v", f, err)
	}
	f, _ = p.FilterTrades("kucoin", "BTC-USDT", body)
	if f.Kept != 0 {
		t.Fatalf("repeat should be dropped")
	}
}

func TestBybitNestedList(t *testing.T) {
	r, _ := newTestRegistry()
	p := mustLookup(t, r, "bybit")

	body := []byte(`{"retCode":0,"retMsg":"OK","result":{"category":"spot","list":[{"execId":"a1","symbol":"BTCUSDT"},{"execId":"a2","symbol":"BTCUSDT"}]},"time":1672053054358}`)
	if _, err := p.ProcessTrade("bybit", "BTCUSDT", body); err != nil {
		t.Fatal(err)
	}
	more := []byte(`{"retCode":0,"retMsg":"OK","result":{"category":"spot","list":[{"execId":"a2","symbol":"BTCUSDT"},{"execId":"a3","symbol":"BTCUSDT"}]},"time":1672053054359}`)
	out, err := p.ProcessTrade("bybit", "BTCUSDT", more)
	if err != nil {
		t.Fatal(err)
	}

	var env struct {
		RetCode int `json:"retCode"`
		Result  struct {
			Category string              `json:"category"`
			List     []map[string]string `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(out, &env); err != nil {
		t.Fatalf("decode %s: %v", out, err)
	}
	if env.Result.Category != "spot" || len(env.Result.List) != 1 || env.Result.List[0]["execId"] != "a3" {
		t.Fatalf("unexpected envelope %s", out)
	}

	if _, err := p.ProcessTrade("bybit", "BTCUSDT", []byte(`{"retCode":10001,"retMsg":"params error"}`)); err == nil {
		t.Fatalf("expected error for non-zero retCode")
	}
}

func TestRegistryLookup(t *testing.T) {
	r, cache := newTestRegistry()
	if _, ok := r.Lookup("BITSTAMP"); !ok {
		t.Fatalf("lookup should be case-insensitive")
	}
	if _, ok := r.Lookup("kraken"); ok {
		t.Fatalf("unexpected processor for kraken")
	}
	r.Register("kraken", New("kraken", arrayCodec{idFields: []string{"id"}}, cache))
	if _, ok := r.Lookup("kraken"); !ok {
		t.Fatalf("registered processor not found")
	}
	want := "binance,bitstamp,bybit,coinbase,kraken,kucoin,okx"
	if got := strings.Join(r.Exchanges(), ","); got != want {
		t.Fatalf("Exchanges() = %s, want %s", got, want)
	}
}

var _ ExchangeProcessor = (*Processor)(nil)
