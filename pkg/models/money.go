package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	// TokenDecimals is the fixed-point precision of the rental token
	TokenDecimals = 18

	// SecondsPerHour converts on-chain per-second prices to human per-hour prices
	SecondsPerHour = 3600
)

var secondsPerHour = big.NewInt(SecondsPerHour)

// Wei is an integer amount in the token's smallest unit.
// It is encoded in JSON as a decimal string so 18-decimal values survive
// clients that parse numbers as float64.
type Wei big.Int

// NewWei wraps a big.Int. The value is copied.
func NewWei(x *big.Int) *Wei {
	if x == nil {
		return nil
	}
	return (*Wei)(new(big.Int).Set(x))
}

// WeiFromInt64 creates a Wei from an int64
func WeiFromInt64(x int64) *Wei {
	return (*Wei)(big.NewInt(x))
}

// ParseWei parses a base-10 integer string
func ParseWei(s string) (*Wei, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid wei amount: %q", s)
	}
	return (*Wei)(n), nil
}

// Big returns a copy of the value as a big.Int. A nil Wei yields zero.
func (w *Wei) Big() *big.Int {
	if w == nil {
		return new(big.Int)
	}
	return new(big.Int).Set((*big.Int)(w))
}

// String returns the base-10 representation
func (w *Wei) String() string {
	if w == nil {
		return "0"
	}
	return (*big.Int)(w).String()
}

// Cmp compares two amounts, treating nil as zero
func (w *Wei) Cmp(other *Wei) int {
	return w.Big().Cmp(other.Big())
}

// MarshalJSON encodes the amount as a quoted decimal string
func (w *Wei) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.String())
}

// UnmarshalJSON accepts a quoted decimal string or a bare JSON number
func (w *Wei) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	s := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("invalid wei amount: %s", string(data))
	}
	*w = Wei(*n)
	return nil
}

// PerSecondToPerHour converts an on-chain per-second price to a per-hour price
func PerSecondToPerHour(perSecond *big.Int) *big.Int {
	return new(big.Int).Mul(perSecond, secondsPerHour)
}

// PerHourToPerSecond converts a per-hour price to the on-chain per-second price.
// exact is false when the per-hour value is not a multiple of 3600 wei and the
// result was truncated.
func PerHourToPerSecond(perHour *big.Int) (perSecond *big.Int, exact bool) {
	q, r := new(big.Int).QuoRem(perHour, secondsPerHour, new(big.Int))
	return q, r.Sign() == 0
}

// ExtensionCost returns pricePerSecond × minutes × 60
func ExtensionCost(pricePerSecond *big.Int, minutes int) *big.Int {
	cost := new(big.Int).Mul(pricePerSecond, big.NewInt(int64(minutes)))
	return cost.Mul(cost, big.NewInt(60))
}

// FormatTokens renders a wei amount as a human token value ("3.6")
func FormatTokens(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -TokenDecimals).String()
}

// FormatTokensFixed renders a wei amount with a fixed number of decimal places
func FormatTokensFixed(wei *big.Int, places int32) string {
	if wei == nil {
		wei = new(big.Int)
	}
	return decimal.NewFromBigInt(wei, -TokenDecimals).StringFixed(places)
}

// ParseTokens parses a human token value ("3.6") into wei.
// Values with more than 18 fractional digits are rejected.
func ParseTokens(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid token amount %q: %w", s, err)
	}
	shifted := d.Shift(TokenDecimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("invalid token amount %q: more than %d decimal places", s, TokenDecimals)
	}
	return shifted.BigInt(), nil
}

// TokensToDecimal converts wei into a decimal token value for further arithmetic
func TokensToDecimal(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -TokenDecimals)
}
