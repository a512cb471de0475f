package trading

import (
	"github.com/shopspring/decimal"

	"bybit-levels-bot/internal/database"
)

var (
	hundred = decimal.NewFromInt(100)

	// invalidation thresholds
	maxDeviationPct   = decimal.NewFromFloat(2.0) // beyond this the level is irrelevant
	levelBreakPct     = decimal.NewFromFloat(0.2) // broken against the trade direction
	allowedBasePct    = decimal.NewFromFloat(0.4)
	allowedVolFactor  = decimal.NewFromFloat(0.3)
	allowedFloorPct   = decimal.NewFromFloat(0.2)
	allowedCeilingPct = decimal.NewFromFloat(1.0)
	tooFarFactor      = decimal.NewFromInt(3)
)

// deviationPct is the distance of current from level: |current/level - 1| * 100.
func deviationPct(current, level decimal.Decimal) decimal.Decimal {
	if level.IsZero() {
		return decimal.Zero
	}
	return current.Div(level).Sub(decimal.NewFromInt(1)).Abs().Mul(hundred)
}

// invalidate evaluates the invalidation predicate. It returns the parking
// status and true when the signal is currently invalid.
func invalidate(side database.Side, level, current decimal.Decimal) (database.TradeStatus, bool) {
	if deviationPct(current, level).GreaterThan(maxDeviationPct) {
		return database.TradeStatusPriceDeviation, true
	}

	// Broken level: price crossed to the wrong side of the level by more
	// than the break threshold.
	switch side {
	case database.SideLong:
		if current.LessThan(level) {
			broken := level.Sub(current).Div(level).Mul(hundred)
			if broken.GreaterThan(levelBreakPct) {
				return database.TradeStatusLevelBroken, true
			}
		}
	case database.SideShort:
		if current.GreaterThan(level) {
			broken := current.Sub(level).Div(level).Mul(hundred)
			if broken.GreaterThan(levelBreakPct) {
				return database.TradeStatusLevelBroken, true
			}
		}
	}
	return "", false
}

// allowedDeviationPct scales the entry window with recent volatility:
// clamp(0.4 + vol*0.3, 0.2, 1.0). A volatility fetch failure falls back to
// the base window.
func allowedDeviationPct(volPct decimal.Decimal, volErr error) decimal.Decimal {
	if volErr != nil {
		return allowedBasePct
	}
	allowed := allowedBasePct.Add(volPct.Mul(allowedVolFactor))
	if allowed.LessThan(allowedFloorPct) {
		return allowedFloorPct
	}
	if allowed.GreaterThan(allowedCeilingPct) {
		return allowedCeilingPct
	}
	return allowed
}

// tooFarPct is the give-up distance derived from the allowed window.
func tooFarPct(allowed decimal.Decimal) decimal.Decimal {
	return allowed.Mul(tooFarFactor)
}
