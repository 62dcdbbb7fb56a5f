package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus tracks the two-leg position lifecycle.
type PositionStatus string

const (
	PositionPending PositionStatus = "pending"
	PositionOpening PositionStatus = "opening"
	PositionOpen    PositionStatus = "open"
	PositionPartial PositionStatus = "partial" // one leg live, one leg failed; manual reconciliation
	PositionClosing PositionStatus = "closing"
	PositionClosed  PositionStatus = "closed"
	PositionFailed  PositionStatus = "failed"
)

// LegSide is the direction of one leg of a delta-neutral position.
type LegSide string

const (
	LegLong  LegSide = "long"
	LegShort LegSide = "short"
)

// LegStatus tracks one leg's execution state.
type LegStatus string

const (
	LegPendingStatus LegStatus = "pending"
	LegFilled        LegStatus = "filled"
	LegFailedStatus  LegStatus = "failed"
	LegClosedStatus  LegStatus = "closed"
)

// PositionLeg is one side of a delta-neutral position on a single venue.
type PositionLeg struct {
	Exchange   string
	Side       LegSide
	Symbol     string
	EntryPrice decimal.Decimal
	ExitPrice  *decimal.Decimal
	Size       decimal.Decimal
	Leverage   int
	OrderID    string
	CloseID    string
	Status     LegStatus
	FailReason string // preserved for manual reconciliation on partial failure
}

// Position is a two-leg delta-neutral position owned by one user. Legs[0] is
// the long leg and Legs[1] the short leg.
type Position struct {
	ID       string
	UserID   string
	Symbol   string
	GroupID  string // empty when not part of a split group
	Legs     [2]PositionLeg
	Status   PositionStatus

	StopLossPct   *decimal.Decimal
	TakeProfitPct *decimal.Decimal

	ExitSuggested   bool
	ExitReason      string
	ExitSuggestedAt *time.Time

	// CachedFundingPnL is the last successfully computed cumulative funding
	// income, used as a fallback when live recomputation fails.
	CachedFundingPnL *decimal.Decimal

	OpenedAt  time.Time
	ClosedAt  *time.Time
	UpdatedAt time.Time
}

// Long returns the long leg.
func (p *Position) Long() *PositionLeg { return &p.Legs[0] }

// Short returns the short leg.
func (p *Position) Short() *PositionLeg { return &p.Legs[1] }

// Notional returns the position size valued at the long leg's entry price.
func (p Position) Notional() decimal.Decimal {
	return p.Legs[0].EntryPrice.Mul(p.Legs[0].Size)
}

// PositionGroup is a derived aggregation over all positions sharing a group
// ID. It is computed on read and never stored.
type PositionGroup struct {
	GroupID       string
	Symbol        string
	LongExchange  string
	ShortExchange string
	Positions     []Position

	TotalSize     decimal.Decimal
	AvgLongEntry  decimal.Decimal // weighted by size
	AvgShortEntry decimal.Decimal
	TotalPnL      decimal.Decimal
	MinStopLoss   *decimal.Decimal // tightest stop among members
	MaxTakeProfit *decimal.Decimal
	OpenCount     int
}

// ClosedTrade is the realized-trade record written when both legs of a
// position close successfully.
type ClosedTrade struct {
	ID         string
	PositionID string
	UserID     string
	Symbol     string
	PricePnL   decimal.Decimal
	FundingPnL decimal.Decimal
	Fees       decimal.Decimal
	NetPnL     decimal.Decimal
	ClosedAt   time.Time
}

// CloseOutcome classifies the result of closing one position.
type CloseOutcome string

const (
	CloseSuccess CloseOutcome = "success"
	ClosePartial CloseOutcome = "partial"
	CloseFailure CloseOutcome = "failure"
)

// CloseResult is the structured result of a single-position close. Partial
// failure is represented as data, never as an error, so callers can always
// report the surviving leg.
type CloseResult struct {
	PositionID string
	Outcome    CloseOutcome
	Trade      *ClosedTrade // set on full success
	FailedLeg  LegSide      // set on partial failure
	FailReason string
	EstPnL     decimal.Decimal
}

// BatchCloseResult aggregates a group close.
type BatchCloseResult struct {
	GroupID     string
	ClosedCount int
	FailedCount int
	Outcome     CloseOutcome
	Results     []CloseResult
}

// Classify sets Outcome from the closed/failed counters.
func (r *BatchCloseResult) Classify() {
	total := r.ClosedCount + r.FailedCount
	switch {
	case total == 0 || r.ClosedCount == 0:
		r.Outcome = CloseFailure
	case r.FailedCount == 0:
		r.Outcome = CloseSuccess
	default:
		r.Outcome = ClosePartial
	}
}
