package exchange

import "strings"

// The analyzer speaks "BTC/USDT", the venue wants "BTCUSDT" (optionally with
// a dialect suffix), and position responses come back in venue form. All
// conversion lives here so the rest of the system never concatenates symbols.

// PairToSymbol converts an analyzer pair like "BTC/USDT" to the venue symbol.
func PairToSymbol(pair, suffix string) string {
	symbol := strings.ReplaceAll(pair, "/", "")
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if suffix != "" && !strings.HasSuffix(symbol, suffix) {
		symbol += suffix
	}
	return symbol
}

// SymbolToPair converts a venue symbol back to analyzer form. Only the quote
// currencies the universe actually trades are recognized; anything else is
// returned unchanged.
func SymbolToPair(symbol, suffix string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if suffix != "" {
		s = strings.TrimSuffix(s, suffix)
	}
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return s[:len(s)-len(quote)] + "/" + quote
		}
	}
	return s
}
