package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OpportunityStore persists arbitrage opportunities. UpsertActive must be
// atomic per key: it creates the active row if none exists, otherwise updates
// current values and raises max values monotonically.
type OpportunityStore interface {
	UpsertActive(ctx context.Context, opp Opportunity) (Opportunity, error)
	GetActive(ctx context.Context, symbol, longExchange, shortExchange string) (Opportunity, error)
	GetByID(ctx context.Context, id string) (Opportunity, error)
	ListActive(ctx context.Context) ([]Opportunity, error)
	List(ctx context.Context, opts ListOpts) ([]Opportunity, error)
	// End transitions an active opportunity to expired/closed, freezing its
	// duration. It is a no-op returning ErrNotFound when no active row exists.
	End(ctx context.Context, id string, status OpportunityStatus, endedAt time.Time) (Opportunity, error)
	IncrementNotificationCount(ctx context.Context, id string) error
}

// HistoryStore persists immutable opportunity history snapshots. The archiver
// deletes by ID so a retention run only prunes rows it has exported.
type HistoryStore interface {
	Insert(ctx context.Context, h OpportunityHistory) error
	ListBySymbol(ctx context.Context, symbol string, opts ListOpts) ([]OpportunityHistory, error)
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]OpportunityHistory, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// NotificationStore persists the append-only notification log.
type NotificationStore interface {
	Insert(ctx context.Context, rec NotificationRecord) error
	ListByKey(ctx context.Context, key string, opts ListOpts) ([]NotificationRecord, error)
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]NotificationRecord, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// PositionStore persists two-leg positions.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	UpdateStatus(ctx context.Context, id string, status PositionStatus) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListOpen(ctx context.Context, userID string) ([]Position, error)
	ListOpenBySymbol(ctx context.Context, symbol string) ([]Position, error)
	ListByGroup(ctx context.Context, groupID string) ([]Position, error)
	ListWithTriggers(ctx context.Context) ([]Position, error)
	ListHistory(ctx context.Context, userID string, opts ListOpts) ([]Position, error)
	SetExitSuggestion(ctx context.Context, id string, suggested bool, reason string, at *time.Time) error
	SetCachedFundingPnL(ctx context.Context, id string, pnl decimal.Decimal) error
}

// TradeStore persists realized trades from closed positions.
type TradeStore interface {
	Insert(ctx context.Context, t ClosedTrade) error
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]ClosedTrade, error)
	SumNetPnL(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error)
}

// ValidationStore persists the funding-rate validation audit.
type ValidationStore interface {
	Insert(ctx context.Context, rec RateValidationRecord) error
	ListMismatches(ctx context.Context, opts ListOpts) ([]RateValidationRecord, error)
}
