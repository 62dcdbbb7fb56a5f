package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// SubscriptionType selects a real-time stream on a venue.
type SubscriptionType string

const (
	SubFundingRate SubscriptionType = "fundingRate"
	SubMarkPrice   SubscriptionType = "markPrice"
	SubPosition    SubscriptionType = "position"
	SubBalance     SubscriptionType = "balance"
)

// ConnectorEventType identifies an event emitted by a venue connector.
type ConnectorEventType string

const (
	EventConnected      ConnectorEventType = "connected"
	EventDisconnected   ConnectorEventType = "disconnected"
	EventFundingRate    ConnectorEventType = "fundingRate"
	EventPositionUpdate ConnectorEventType = "positionUpdate"
	EventBalanceUpdate  ConnectorEventType = "balanceUpdate"
)

// ConnectorEvent is a single event from a venue connector's stream.
type ConnectorEvent struct {
	Type     ConnectorEventType
	Exchange string
	Sample   *FundingRateSample // set for fundingRate events
	Position *VenuePosition     // set for positionUpdate events
	Balance  *Balance           // set for balanceUpdate events
	At       time.Time
}

// SymbolInfo is venue metadata for one perpetual contract.
type SymbolInfo struct {
	Symbol        string // canonical
	VenueSymbol   string // venue-native notation
	PricePrecision int
	SizePrecision  int
	MinOrderSize   decimal.Decimal
	MaxLeverage    int
	FundingIntervalHours int // 0 when the venue does not report it
}

// Balance is the futures-account balance on one venue.
type Balance struct {
	Exchange  string
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
}

// VenuePosition is a live position as reported by a venue.
type VenuePosition struct {
	Exchange   string
	Symbol     string
	Side       LegSide
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	MarkPrice  decimal.Decimal
	Leverage   int
	UnrealizedPnL decimal.Decimal
}

// OrderRequest is a venue-agnostic order.
type OrderRequest struct {
	Symbol     string
	Side       LegSide // long opens/closes the long leg, short the short leg
	Reduce     bool    // true when closing
	Size       decimal.Decimal
	Leverage   int
	ClientID   string
}

// VenueOrder is the venue's view of a submitted order.
type VenueOrder struct {
	Exchange    string
	OrderID     string
	ClientID    string
	Symbol      string
	Side        LegSide
	Reduce      bool
	Size        decimal.Decimal
	FilledSize  decimal.Decimal
	AvgPrice    decimal.Decimal
	Status      string // venue-normalized: "new", "filled", "cancelled", "rejected"
	Fee         decimal.Decimal
	CreatedAt   time.Time
}

// VenueConnector is the uniform per-venue contract. Implementations own symbol
// translation, interval resolution, retry wrapping, and the real-time
// subscription supervisor. All methods are safe for concurrent use.
type VenueConnector interface {
	Name() string
	Connect(ctx context.Context) error
	Close() error

	GetFundingRate(ctx context.Context, symbol string) (FundingRateSample, error)
	GetFundingRates(ctx context.Context, symbols []string) (map[string]FundingRateSample, error)
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetSymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error)
	GetBalance(ctx context.Context, asset string) (Balance, error)
	GetPosition(ctx context.Context, symbol string) (*VenuePosition, error)
	GetPositions(ctx context.Context) ([]VenuePosition, error)

	CreateOrder(ctx context.Context, req OrderRequest) (VenueOrder, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (VenueOrder, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetPositionMode(ctx context.Context, hedged bool) error

	Subscribe(ctx context.Context, typ SubscriptionType, symbol string) error
	Unsubscribe(typ SubscriptionType, symbol string) error

	// Events returns the connector's event stream. The channel is closed when
	// the connector is closed.
	Events() <-chan ConnectorEvent
}
