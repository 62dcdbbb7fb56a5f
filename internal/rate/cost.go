package rate

import "github.com/shopspring/decimal"

// Cost model defaults, expressed as rate fractions. A round trip touches four
// legs (open long, open short, close long, close short), each paying the taker
// fee. The total of 0.37% is the single documented cost constant.
var (
	// DefaultTakerFee is the per-leg taker fee: 0.05%.
	DefaultTakerFee = decimal.RequireFromString("0.0005")

	// DefaultSlippage covers expected execution slippage: 0.05%.
	DefaultSlippage = decimal.RequireFromString("0.0005")

	// DefaultPriceGap covers the inter-venue price difference paid on entry:
	// 0.07%.
	DefaultPriceGap = decimal.RequireFromString("0.0007")

	// DefaultSafetyMargin is the buffer against estimate error: 0.05%.
	DefaultSafetyMargin = decimal.RequireFromString("0.0005")
)

// legsPerRoundTrip is the number of taker fills for one full position cycle.
const legsPerRoundTrip = 4

// CostModel computes the total cost rate of one delta-neutral round trip and
// decides profitability against it.
type CostModel struct {
	TakerFee     decimal.Decimal // per leg
	Slippage     decimal.Decimal
	PriceGap     decimal.Decimal
	SafetyMargin decimal.Decimal
}

// DefaultCostModel returns the documented default cost model (0.37% total).
func DefaultCostModel() CostModel {
	return CostModel{
		TakerFee:     DefaultTakerFee,
		Slippage:     DefaultSlippage,
		PriceGap:     DefaultPriceGap,
		SafetyMargin: DefaultSafetyMargin,
	}
}

// TotalCostRate is the summed cost rate over a full round trip.
func (m CostModel) TotalCostRate() decimal.Decimal {
	return m.TakerFee.Mul(decimal.NewFromInt(legsPerRoundTrip)).
		Add(m.Slippage).
		Add(m.PriceGap).
		Add(m.SafetyMargin)
}

// NetCost returns the absolute cost of a round trip for the given position
// size (notional).
func (m CostModel) NetCost(positionSize decimal.Decimal) decimal.Decimal {
	return positionSize.Mul(m.TotalCostRate())
}

// IsProfitable reports whether a spread fraction clears the total cost rate.
func (m CostModel) IsProfitable(spread decimal.Decimal) bool {
	return spread.GreaterThan(m.TotalCostRate())
}

// EstimatedExitCost is the cost of unwinding an open position: two closing
// legs of taker fees plus slippage.
func (m CostModel) EstimatedExitCost(positionSize decimal.Decimal) decimal.Decimal {
	exitRate := m.TakerFee.Mul(decimal.NewFromInt(2)).Add(m.Slippage)
	return positionSize.Mul(exitRate)
}
