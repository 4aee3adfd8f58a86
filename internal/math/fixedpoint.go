// internal/math/fixedpoint.go
package math

import (
	"fmt"
	"math/big"
	"math/bits"
	"sync"

	"github.com/shopspring/decimal"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// RateConfig is the precision of the voucher exchange rate (base per voucher).
	RateConfig = DecimalConfig{DecimalPrecision: 18, Scale: 1_000_000_000_000_000_000}
	// RatioConfig is the precision of fractional parameters such as the reserve factor.
	RatioConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}
)

var (
	rateScale = big.NewInt(RateConfig.Scale)
	maxU64    = new(big.Int).SetUint64(^uint64(0))
)

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

type RoundingMode int

const (
	RoundDown RoundingMode = iota // Floor, the default for all pool accounting
	RoundHalfEven
	RoundUp
)

// divide performs numerator / denominator with rounding. Both are non-negative.
func divide(numerator, denominator *big.Int, mode RoundingMode) *big.Int {
	quotient := new(big.Int)
	remainder := getInt128()
	defer putInt128(remainder)

	quotient.QuoRem(numerator, denominator, remainder)
	if remainder.Sign() == 0 {
		return quotient
	}

	switch mode {
	case RoundUp:
		quotient.Add(quotient, big.NewInt(1))
	case RoundHalfEven:
		twice := getInt128()
		defer putInt128(twice)
		twice.Lsh(remainder, 1)
		cmp := twice.Cmp(denominator)
		if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
			quotient.Add(quotient, big.NewInt(1))
		}
	}
	return quotient
}

// ===== Rate =====

// Rate is an unsigned fixed-point number with 18 decimals. The zero value is
// the "not computable" rate; every operation on it reports failure.
type Rate struct {
	raw *big.Int
}

// RateFromRational returns numerator/denominator floored to rate precision.
// ok is false when the denominator is zero.
func RateFromRational(numerator, denominator uint64) (Rate, bool) {
	if denominator == 0 {
		return Rate{}, false
	}
	n := new(big.Int).SetUint64(numerator)
	n.Mul(n, rateScale)
	return Rate{raw: divide(n, new(big.Int).SetUint64(denominator), RoundDown)}, true
}

// RateFromInt returns the rate equal to the whole number n.
func RateFromInt(n uint64) Rate {
	r, _ := RateFromRational(n, 1)
	return r
}

// ParseRate parses a decimal string such as "1.05".
func ParseRate(s string) (Rate, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Rate{}, fmt.Errorf("parse rate %q: %w", s, err)
	}
	if d.IsNegative() {
		return Rate{}, fmt.Errorf("parse rate %q: negative", s)
	}
	if d.Exponent() < -int32(RateConfig.DecimalPrecision) {
		return Rate{}, fmt.Errorf("parse rate %q: more than %d decimals", s, RateConfig.DecimalPrecision)
	}
	raw := d.Shift(int32(RateConfig.DecimalPrecision)).BigInt()
	return Rate{raw: raw}, nil
}

// RateFromRaw builds a rate from its scaled integer representation.
func RateFromRaw(raw *big.Int) Rate {
	if raw == nil || raw.Sign() < 0 {
		return Rate{}
	}
	return Rate{raw: new(big.Int).Set(raw)}
}

// Raw returns a copy of the scaled integer representation, nil for the zero Rate.
func (r Rate) Raw() *big.Int {
	if r.raw == nil {
		return nil
	}
	return new(big.Int).Set(r.raw)
}

// Valid reports whether the rate is computable and non-zero.
func (r Rate) Valid() bool {
	return r.raw != nil && r.raw.Sign() > 0
}

// Defined reports whether the rate holds a value, zero included.
func (r Rate) Defined() bool {
	return r.raw != nil
}

// Cmp compares two rates. An undefined rate orders below every defined one.
func (r Rate) Cmp(o Rate) int {
	switch {
	case r.raw == nil && o.raw == nil:
		return 0
	case r.raw == nil:
		return -1
	case o.raw == nil:
		return 1
	}
	return r.raw.Cmp(o.raw)
}

// Reciprocal returns 1/r. ok is false for an undefined or zero rate.
func (r Rate) Reciprocal() (Rate, bool) {
	if !r.Valid() {
		return Rate{}, false
	}
	n := getInt128()
	defer putInt128(n)
	n.Mul(rateScale, rateScale)
	return Rate{raw: divide(n, r.raw, RoundDown)}, true
}

// CheckedMulInt returns floor(r * x). ok is false when r is undefined or the
// result does not fit in 64 bits.
func (r Rate) CheckedMulInt(x uint64) (uint64, bool) {
	if r.raw == nil {
		return 0, false
	}
	p := getInt128()
	defer putInt128(p)
	p.SetUint64(x)
	p.Mul(p, r.raw)
	q := divide(p, rateScale, RoundDown)
	if q.Cmp(maxU64) > 0 {
		return 0, false
	}
	return q.Uint64(), true
}

// Decimal renders the rate as an exact decimal.
func (r Rate) Decimal() decimal.Decimal {
	if r.raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(r.raw, -int32(RateConfig.DecimalPrecision))
}

func (r Rate) String() string {
	if r.raw == nil {
		return "undefined"
	}
	return r.Decimal().String()
}

// Float64 is for metrics only; never feed it back into accounting.
func (r Rate) Float64() float64 {
	f, _ := r.Decimal().Float64()
	return f
}

// ===== Ratio =====

// Ratio is a fraction in [0, 1] stored in parts per million.
type Ratio uint32

const RatioOne Ratio = Ratio(1_000_000)

// RatioFromPerMill builds a ratio from parts per million.
func RatioFromPerMill(ppm uint32) (Ratio, error) {
	if ppm > uint32(RatioOne) {
		return 0, fmt.Errorf("ratio %d ppm exceeds one", ppm)
	}
	return Ratio(ppm), nil
}

// ParseRatio parses a decimal string such as "0.01".
func ParseRatio(s string) (Ratio, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse ratio %q: %w", s, err)
	}
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
		return 0, fmt.Errorf("parse ratio %q: outside [0, 1]", s)
	}
	ppm := d.Shift(int32(RatioConfig.DecimalPrecision))
	if !ppm.Equal(ppm.Truncate(0)) {
		return 0, fmt.Errorf("parse ratio %q: more than %d decimals", s, RatioConfig.DecimalPrecision)
	}
	return Ratio(ppm.IntPart()), nil
}

// MulFloor returns floor(x * ratio).
func (p Ratio) MulFloor(x uint64) uint64 {
	hi, lo := bits.Mul64(x, uint64(p))
	// x * p < 2^64 * 10^6, so the quotient always fits in 64 bits.
	q, _ := bits.Div64(hi, lo, uint64(RatioConfig.Scale))
	return q
}

func (p Ratio) PerMill() uint32 { return uint32(p) }

func (p Ratio) String() string {
	return decimal.New(int64(p), -int32(RatioConfig.DecimalPrecision)).String()
}

// ===== Checked integer arithmetic =====

func CheckedAdd(a, b uint64) (uint64, bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry == 0
}

func CheckedSub(a, b uint64) (uint64, bool) {
	diff, borrow := bits.Sub64(a, b, 0)
	return diff, borrow == 0
}

func SaturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
