package erc20

import (
	"fmt"
	"math/big"
	"strings"
)

// ToBaseUnits converts a decimal token amount ("12.5") into the integer
// base-unit representation. It parses digit-exact rather than through
// floating point, so amounts survive the round trip unchanged. Excess
// fractional digits beyond the token's decimal count are rejected, not
// truncated.
func ToBaseUnits(amount string) (*big.Int, error) {
	s := strings.TrimSpace(amount)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	neg := strings.HasPrefix(s, "-")
	if neg {
		return nil, fmt.Errorf("negative amount %q", amount)
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Decimals {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", amount, Decimals)
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	n, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", amount)
	}
	return n, nil
}

// FromBaseUnits renders a base-unit amount as a decimal token string
// with trailing zeros trimmed.
func FromBaseUnits(raw *big.Int) string {
	if raw == nil {
		return "0"
	}
	s := raw.String()
	if len(s) <= Decimals {
		s = strings.Repeat("0", Decimals-len(s)+1) + s
	}
	cut := len(s) - Decimals
	whole, frac := s[:cut], s[cut:]
	frac = strings.TrimRight(frac, "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}
