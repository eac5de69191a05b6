package payment

import (
	"math/big"
	"strings"

	xerrors "AgentPay-Chain/internal/errors"
)

// ParseBaseUnits parses a non-negative integer amount in the asset's
// smallest unit, e.g. "1000000" for 1 USDC.
func ParseBaseUnits(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "invalid base unit amount",
			xerrors.WithMetadata("amount", s))
	}
	return v, nil
}

// ParseUnits converts a human decimal amount ("10.50") into base units for an
// asset with the given decimals. More fractional digits than decimals is an
// error rather than a silent truncation.
func ParseUnits(s string, decimals int) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "invalid amount",
			xerrors.WithMetadata("amount", s))
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "invalid amount",
			xerrors.WithMetadata("amount", s))
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	r.Mul(r, new(big.Rat).SetInt(scale))
	if !r.IsInt() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "amount has too many decimal places",
			xerrors.WithMetadata("amount", s))
	}
	return new(big.Int).Set(r.Num()), nil
}

// FormatUnits renders base units as a decimal string with at least minFrac
// fractional digits and no trailing zeros beyond that.
func FormatUnits(v *big.Int, decimals, minFrac int) string {
	if v == nil {
		v = new(big.Int)
	}
	neg := v.Sign() < 0
	abs := new(big.Int).Abs(v)
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(abs, scale, new(big.Int))

	out := whole.String()
	if decimals > 0 {
		fs := frac.String()
		fs = strings.Repeat("0", decimals-len(fs)) + fs
		fs = strings.TrimRight(fs, "0")
		if minFrac > decimals {
			minFrac = decimals
		}
		if len(fs) < minFrac {
			fs += strings.Repeat("0", minFrac-len(fs))
		}
		if fs != "" {
			out += "." + fs
		}
	}
	if neg {
		out = "-" + out
	}
	return out
}
