package util

import "strings"

// NormalizeSymbol canonicalizes an instrument symbol for matching:
// whitespace trimmed, upper-cased, and any settlement-currency suffix after
// ':' removed, so "btc/usdc:USDC" and "BTC/USDC" compare equal. The function
// is idempotent and maps the empty string to itself.
func NormalizeSymbol(symbol string) string {
	s := strings.TrimSpace(symbol)
	if s == "" {
		return s
	}
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[:i]
	}
	return strings.ToUpper(s)
}

// SymbolsEqual reports whether two symbols refer to the same instrument
// after normalization.
func SymbolsEqual(a, b string) bool {
	return NormalizeSymbol(a) == NormalizeSymbol(b)
}
