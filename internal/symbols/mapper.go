package symbols

import "strings"

// Canonical converts an exchange-specific symbol into the upper-case,
// separator-free form used on the broker, e.g. "BTC-USDT" -> "BTCUSDT".
// XBT is reported as BTC. Contract multipliers such as 1000PEPE are kept
// since those instruments quote a different unit.
func Canonical(exchange, sym string) string {
	sym = strings.TrimSpace(sym)
	switch strings.ToLower(exchange) {
	case "kucoin":
		sym = strings.ReplaceAll(sym, "-", "")
		// futures contracts carry a trailing M, e.g. XBTUSDTM
		if strings.HasSuffix(sym, "USDTM") || strings.HasSuffix(sym, "USDM") {
			sym = strings.TrimSuffix(sym, "M")
		}
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
	case "kraken":
		sym = strings.ReplaceAll(sym, "/", "")
	}

	sym = strings.ToUpper(strings.NewReplacer("-", "", "_", "", "/", "").Replace(sym))
	if strings.HasPrefix(sym, "XBT") {
		sym = "BTC" + sym[3:]
	}
	return sym
}
