package venue

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/q0821/fundingarb/internal/domain"
)

// ParseDecimal parses a venue-quoted numeric string. Venues quote every number
// as a string; a malformed one is an API error, not a transport error.
func ParseDecimal(exchange, field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &domain.APIError{
			Exchange: exchange,
			Code:     "bad_decimal",
			Message:  field + ": " + s,
		}
	}
	return d, nil
}

// ParseDecimalPtr is ParseDecimal for optional fields; empty input yields nil.
func ParseDecimalPtr(exchange, field, s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := ParseDecimal(exchange, field, s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ParseMillis converts an epoch-milliseconds string to a time. Zero or empty
// input yields the zero time.
func ParseMillis(s string) time.Time {
	if s == "" || s == "0" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
