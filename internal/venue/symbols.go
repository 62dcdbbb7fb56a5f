package venue

import "strings"

// Symbol translation between the canonical BASEQUOTE form ("BTCUSDT") and each
// venue's perpetual-contract notation. Both directions are pure, total
// functions and round-trip for every listed symbol.

// knownQuotes are the quote assets recognized when splitting a canonical
// symbol. Order matters: longer quotes are checked first.
var knownQuotes = []string{"USDT", "USDC", "USD"}

// SplitCanonical splits "BTCUSDT" into ("BTC", "USDT"). The second return is
// empty when no known quote asset matches.
func SplitCanonical(symbol string) (base, quote string) {
	for _, q := range knownQuotes {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return symbol[:len(symbol)-len(q)], q
		}
	}
	return symbol, ""
}

// ToDashed renders the canonical symbol with a separator between base and
// quote plus an optional suffix: ToDashed("BTCUSDT", "-", "-SWAP") yields
// "BTC-USDT-SWAP". Used by the OKX and Gate connectors.
func ToDashed(symbol, sep, suffix string) string {
	base, quote := SplitCanonical(symbol)
	if quote == "" {
		return symbol + suffix
	}
	return base + sep + quote + suffix
}

// FromDashed reverses ToDashed: FromDashed("BTC-USDT-SWAP", "-", "-SWAP")
// yields "BTCUSDT".
func FromDashed(venueSymbol, sep, suffix string) string {
	s := strings.TrimSuffix(venueSymbol, suffix)
	return strings.ReplaceAll(s, sep, "")
}
