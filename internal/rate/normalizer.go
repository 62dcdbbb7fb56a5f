// Package rate holds the pure financial arithmetic of the engine: settlement
// interval normalization, annualized return, the cost model, and order-size
// splitting. Everything is computed with shopspring decimals; no persisted or
// compared financial quantity ever touches a binary float.
package rate

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/q0821/fundingarb/internal/domain"
)

// HoursPerYear is used by AnnualizedReturn: 365 * 24.
const HoursPerYear = 8760

var (
	hundred      = decimal.NewFromInt(100)
	hoursPerYear = decimal.NewFromInt(HoursPerYear)
)

// Normalize converts a funding rate quoted per fromHours to the equivalent
// rate per toHours. It is the identity when the intervals match.
func Normalize(rate decimal.Decimal, fromHours, toHours int) (decimal.Decimal, error) {
	if fromHours <= 0 {
		return decimal.Zero, domain.NewValidationError("fromHours", "must be positive")
	}
	if toHours <= 0 {
		return decimal.Zero, domain.NewValidationError("toHours", "must be positive")
	}
	if fromHours == toHours {
		return rate, nil
	}
	return rate.Mul(decimal.NewFromInt(int64(toHours))).
		Div(decimal.NewFromInt(int64(fromHours))), nil
}

// DetectInterval infers the settlement interval from a series of settlement
// timestamps. It rounds each consecutive delta to the nearest hour and returns
// the modal value. Fewer than two timestamps is not enough signal; the second
// return is false in that case.
func DetectInterval(times []time.Time) (int, bool) {
	if len(times) < 2 {
		return 0, false
	}

	sorted := make([]time.Time, len(times))
	copy(sorted, times)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	counts := make(map[int]int)
	for i := 1; i < len(sorted); i++ {
		delta := sorted[i].Sub(sorted[i-1])
		hours := int((delta + 30*time.Minute) / time.Hour)
		if hours <= 0 {
			continue
		}
		counts[hours]++
	}
	if len(counts) == 0 {
		return 0, false
	}

	best, bestCount := 0, 0
	for h, c := range counts {
		if c > bestCount || (c == bestCount && h < best) {
			best, bestCount = h, c
		}
	}
	return best, true
}

// AnnualizedReturn projects a spread at the given settlement basis to a yearly
// percentage: spread * (8760 / basisHours) * 100.
func AnnualizedReturn(spread decimal.Decimal, basisHours int) decimal.Decimal {
	if basisHours <= 0 {
		return decimal.Zero
	}
	return spread.Mul(hoursPerYear).
		Div(decimal.NewFromInt(int64(basisHours))).
		Mul(hundred)
}

// SplitSize divides total into count buckets using whole-unit floor division,
// assigning the remainder to the leading bucket(s) so the parts always sum
// exactly to total. 100 split 3 ways yields [34, 33, 33].
func SplitSize(total decimal.Decimal, count int) ([]decimal.Decimal, error) {
	if count < 1 {
		return nil, domain.NewValidationError("count", "must be at least 1")
	}
	if total.Sign() <= 0 {
		return nil, domain.NewValidationError("total", "must be positive")
	}

	countDec := decimal.NewFromInt(int64(count))
	base := total.Div(countDec).Floor()
	remainder := total.Sub(base.Mul(countDec))

	buckets := make([]decimal.Decimal, count)
	one := decimal.NewFromInt(1)
	for i := range buckets {
		buckets[i] = base
	}
	for i := 0; i < count && remainder.Sign() > 0; i++ {
		if remainder.GreaterThanOrEqual(one) {
			buckets[i] = buckets[i].Add(one)
			remainder = remainder.Sub(one)
			continue
		}
		buckets[i] = buckets[i].Add(remainder)
		remainder = decimal.Zero
	}
	return buckets, nil
}
