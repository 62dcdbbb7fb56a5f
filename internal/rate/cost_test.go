package rate

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestTotalCostRate(t *testing.T) {
	m := DefaultCostModel()

	// 4 * 0.05% + 0.05% + 0.07% + 0.05% = 0.37%
	want := dec("0.0037")
	if got := m.TotalCostRate(); !got.Equal(want) {
		t.Errorf("TotalCostRate = %s, want %s", got, want)
	}
}

func TestNetCost(t *testing.T) {
	m := DefaultCostModel()
	got := m.NetCost(dec("1000"))
	if !got.Equal(dec("3.7")) {
		t.Errorf("NetCost(1000) = %s, want 3.7", got)
	}
}

func TestIsProfitable(t *testing.T) {
	m := DefaultCostModel()
	total := m.TotalCostRate()

	cases := []struct {
		spread string
		want   bool
	}{
		{"0.0038", true},
		{"0.01", true},
		{"0.0037", false}, // exactly at cost is not profitable
		{"0.001", false},
		{"0", false},
		{"-0.002", false},
	}
	for _, c := range cases {
		spread := dec(c.spread)
		if got := m.IsProfitable(spread); got != c.want {
			t.Errorf("IsProfitable(%s) = %v, want %v", c.spread, got, c.want)
		}
		// The definition is exactly spread > totalCostRate.
		if got := m.IsProfitable(spread); got != spread.GreaterThan(total) {
			t.Errorf("IsProfitable(%s) disagrees with spread > totalCostRate", c.spread)
		}
	}
}

func TestEstimatedExitCost(t *testing.T) {
	m := DefaultCostModel()
	// Two closing legs of taker fee plus slippage: 2*0.05% + 0.05% = 0.15%.
	got := m.EstimatedExitCost(decimal.NewFromInt(1000))
	if !got.Equal(dec("1.5")) {
		t.Errorf("EstimatedExitCost(1000) = %s, want 1.5", got)
	}
}
