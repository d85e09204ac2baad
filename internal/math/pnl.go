package math

import "github.com/shopspring/decimal"

// WeightedPrice returns notional / size, or zero when size is zero.
func WeightedPrice(notional, size decimal.Decimal) decimal.Decimal {
	if size.IsZero() {
		return decimal.Zero
	}
	return notional.DivRound(size, DivisionPlaces)
}

// ComputeRealizedPnL returns (exit - entry) * size * sign - fees.
// size is the closed quantity (non-negative); sign is +1 long, -1 short.
func ComputeRealizedPnL(entryPrice, exitPrice, closedSize decimal.Decimal, sideSign int64, fees decimal.Decimal) decimal.Decimal {
	return exitPrice.Sub(entryPrice).
		Mul(closedSize).
		Mul(decimal.NewFromInt(sideSign)).
		Sub(fees)
}

// ComputeUnrealizedPnL returns (mark - entry) * size * sign for an open position.
func ComputeUnrealizedPnL(markPrice, entryPrice, openSize decimal.Decimal, sideSign int64) decimal.Decimal {
	return markPrice.Sub(entryPrice).
		Mul(openSize).
		Mul(decimal.NewFromInt(sideSign))
}

// ComputeNotional returns |size| * price.
func ComputeNotional(size, price decimal.Decimal) decimal.Decimal {
	return size.Abs().Mul(price)
}

// Ratio returns num / den rounded to DivisionPlaces, zero when den is zero.
func Ratio(num, den decimal.Decimal) decimal.Decimal {
	if den.IsZero() {
		return decimal.Zero
	}
	return num.DivRound(den, DivisionPlaces)
}
