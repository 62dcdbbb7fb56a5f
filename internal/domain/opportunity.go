package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OpportunityStatus tracks the opportunity state machine.
type OpportunityStatus string

const (
	OpportunityActive  OpportunityStatus = "active"
	OpportunityExpired OpportunityStatus = "expired"
	OpportunityClosed  OpportunityStatus = "closed"
)

// EndReason records why an opportunity left the active state.
type EndReason string

const (
	EndReasonSpreadNarrowed EndReason = "spread_narrowed"
	EndReasonUserClosed     EndReason = "user_closed"
	EndReasonSampleLost     EndReason = "sample_lost"
)

// Opportunity is one detected funding-rate arbitrage, keyed by
// (symbol, long exchange, short exchange). At most one active row exists per
// key at any time; the store enforces this with a partial unique index.
type Opportunity struct {
	ID            string
	Symbol        string
	LongExchange  string
	ShortExchange string
	Status        OpportunityStatus

	InitialSpread decimal.Decimal
	CurrentSpread decimal.Decimal
	MaxSpread     decimal.Decimal
	MaxSpreadAt   time.Time

	InitialAPY decimal.Decimal
	CurrentAPY decimal.Decimal
	MaxAPY     decimal.Decimal

	LongIntervalHours  int
	ShortIntervalHours int

	NotificationCount int
	DetectedAt        time.Time
	EndedAt           *time.Time
	DurationMs        *int64 // frozen once status leaves active
}

// Key returns the detection key for this opportunity.
func (o Opportunity) Key() string {
	return OpportunityKey(o.Symbol, o.LongExchange, o.ShortExchange)
}

// OpportunityKey builds the canonical detection key.
func OpportunityKey(symbol, longExchange, shortExchange string) string {
	return fmt.Sprintf("%s:%s:%s", symbol, longExchange, shortExchange)
}

// OpportunityHistory is the immutable snapshot written exactly once when an
// opportunity leaves the active state.
type OpportunityHistory struct {
	ID                string
	OpportunityID     string
	Symbol            string
	LongExchange      string
	ShortExchange     string
	InitialSpread     decimal.Decimal
	MaxSpread         decimal.Decimal
	AvgSpread         decimal.Decimal
	InitialAPY        decimal.Decimal
	MaxAPY            decimal.Decimal
	DurationMs        int64
	NotificationCount int
	EndReason         EndReason
	DetectedAt        time.Time
	EndedAt           time.Time
}

// NotificationRecord is one row of the append-only notification log. Suppressed
// records note how many earlier events the debounce window folded into this one.
type NotificationRecord struct {
	ID              string
	OpportunityKey  string
	Event           string // "opportunity_detected", "opportunity_expired", "exit_suggested", ...
	Suppressed      bool
	SuppressedCount int // prior events folded into this notification
	Message         string
	SentAt          time.Time
}

// RateValidationRecord is one row of the funding-rate validation audit: a
// venue-reported interval checked against the interval detected from
// settlement history.
type RateValidationRecord struct {
	ID               string
	Exchange         string
	Symbol           string
	ReportedInterval int
	DetectedInterval int
	Match            bool
	CheckedAt        time.Time
}
