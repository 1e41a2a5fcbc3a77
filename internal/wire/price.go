package wire

import "github.com/shopspring/decimal"

// Price is a price carried as integer hundredths of currency, e.g. 250000
// means 2500.00. Decoding and the snapshot store keep prices in this
// representation. This package also provides the exact decimal
// conversions (Decimal, PctChange) that the alert engine uses for its
// percentage thresholds and the renderers use for display.
type Price int64

// PriceFromHundredths wraps a raw hundredths value read off the wire.
func PriceFromHundredths(v uint32) Price {
	return Price(int64(v))
}

// Decimal converts to a two-decimal-place decimal.Decimal for display.
func (p Price) Decimal() decimal.Decimal {
	return decimal.New(int64(p), -2)
}

// Sub returns the hundredths difference p - other.
func (p Price) Sub(other Price) Price {
	return p - other
}

// PctChange returns 100*(p-base)/base as a decimal, or a zero value if
// base is zero (avoids a division-by-zero panic on an unprimed entry).
func PctChange(p, base Price) decimal.Decimal {
	if base == 0 {
		return decimal.Zero
	}
	num := decimal.New(int64(p-base), 0)
	den := decimal.New(int64(base), 0)
	return num.Div(den).Mul(decimal.New(100, 0))
}
