// Package lifecycle manages delta-neutral positions from open to close: split
// opens across size buckets, single and batch closes with partial-failure
// semantics, database-only reconciliation for manually closed legs, and the
// stop-loss/take-profit and exit-suggestion monitors.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/q0821/fundingarb/internal/domain"
	"github.com/q0821/fundingarb/internal/rate"
)

// Manager opens, closes, and reconciles two-leg positions. One leg lives on
// each venue; leg failures surface as position state, never as lost errors.
type Manager struct {
	positions  domain.PositionStore
	trades     domain.TradeStore
	connectors map[string]domain.VenueConnector
	bus        domain.SignalBus
	listCache  domain.PositionListCache
	costs      rate.CostModel
	logger     *slog.Logger
	now        func() time.Time
}

// NewManager wires a Manager. The connectors map is keyed by exchange name.
func NewManager(
	positions domain.PositionStore,
	trades domain.TradeStore,
	connectors map[string]domain.VenueConnector,
	bus domain.SignalBus,
	listCache domain.PositionListCache,
	costs rate.CostModel,
	logger *slog.Logger,
) *Manager {
	if costs.TotalCostRate().IsZero() {
		costs = rate.DefaultCostModel()
	}
	return &Manager{
		positions:  positions,
		trades:     trades,
		connectors: connectors,
		bus:        bus,
		listCache:  listCache,
		costs:      costs,
		logger:     logger.With(slog.String("component", "lifecycle")),
		now:        time.Now,
	}
}

// OpenRequest describes one open operation. SplitCount > 1 divides Size into
// that many positions sharing a fresh group ID.
type OpenRequest struct {
	UserID        string
	Symbol        string
	LongExchange  string
	ShortExchange string
	Size          decimal.Decimal
	Leverage      int
	SplitCount    int
	StopLossPct   *decimal.Decimal
	TakeProfitPct *decimal.Decimal
}

func (r OpenRequest) validate() error {
	if r.Symbol == "" {
		return &domain.ValidationError{Field: "symbol", Message: "required"}
	}
	if r.LongExchange == r.ShortExchange {
		return &domain.ValidationError{Field: "shortExchange", Message: "legs must be on distinct venues"}
	}
	if !r.Size.IsPositive() {
		return &domain.ValidationError{Field: "size", Message: "must be positive"}
	}
	if r.Leverage < 1 {
		return &domain.ValidationError{Field: "leverage", Message: "must be at least 1"}
	}
	return nil
}

func (m *Manager) connector(exchange string) (domain.VenueConnector, error) {
	conn, ok := m.connectors[exchange]
	if !ok {
		return nil, &domain.ValidationError{Field: "exchange", Message: "unknown venue " + exchange}
	}
	return conn, nil
}

// Open opens one position per split bucket. Each position's two legs execute
// sequentially (long first); a leg failure marks that position partial or
// failed and moves on to the next bucket. It returns every position created,
// whatever its final state.
func (m *Manager) Open(ctx context.Context, req OpenRequest) ([]domain.Position, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if _, err := m.connector(req.LongExchange); err != nil {
		return nil, err
	}
	if _, err := m.connector(req.ShortExchange); err != nil {
		return nil, err
	}

	count := req.SplitCount
	if count < 1 {
		count = 1
	}
	sizes, err := rate.SplitSize(req.Size, count)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: split size: %w", err)
	}

	groupID := ""
	if count > 1 {
		groupID = uuid.New().String()
	}

	positions := make([]domain.Position, 0, count)
	for i, size := range sizes {
		pos, err := m.openOne(ctx, req, size, groupID)
		if err != nil {
			return positions, fmt.Errorf("lifecycle: open bucket %d/%d: %w", i+1, count, err)
		}
		positions = append(positions, pos)
	}

	m.invalidateList(ctx, req.UserID)
	return positions, nil
}

// openOne creates and executes a single position. Venue rejections become
// position state; only store failures return an error.
func (m *Manager) openOne(ctx context.Context, req OpenRequest, size decimal.Decimal, groupID string) (domain.Position, error) {
	now := m.now()
	pos := domain.Position{
		ID:      uuid.New().String(),
		UserID:  req.UserID,
		Symbol:  req.Symbol,
		GroupID: groupID,
		Status:  domain.PositionPending,
		Legs: [2]domain.PositionLeg{
			{Exchange: req.LongExchange, Side: domain.LegLong, Symbol: req.Symbol, Size: size, Leverage: req.Leverage, Status: domain.LegPendingStatus},
			{Exchange: req.ShortExchange, Side: domain.LegShort, Symbol: req.Symbol, Size: size, Leverage: req.Leverage, Status: domain.LegPendingStatus},
		},
		StopLossPct:   req.StopLossPct,
		TakeProfitPct: req.TakeProfitPct,
		OpenedAt:      now,
	}
	if err := m.positions.Create(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("create position: %w", err)
	}

	pos.Status = domain.PositionOpening
	if err := m.positions.UpdateStatus(ctx, pos.ID, domain.PositionOpening); err != nil {
		return domain.Position{}, fmt.Errorf("mark opening: %w", err)
	}

	for i := range pos.Legs {
		m.executeOpenLeg(ctx, &pos.Legs[i])
	}

	switch {
	case pos.Legs[0].Status == domain.LegFilled && pos.Legs[1].Status == domain.LegFilled:
		pos.Status = domain.PositionOpen
	case pos.Legs[0].Status == domain.LegFilled || pos.Legs[1].Status == domain.LegFilled:
		pos.Status = domain.PositionPartial
		m.logger.Warn("one leg failed during open",
			slog.String("position_id", pos.ID),
			slog.String("symbol", pos.Symbol),
		)
	default:
		pos.Status = domain.PositionFailed
	}

	if err := m.positions.Update(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("record open result: %w", err)
	}
	m.logger.Info("position opened",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("status", string(pos.Status)),
		slog.String("size", size.String()),
	)
	return pos, nil
}

// executeOpenLeg sets leverage and submits the opening order for one leg,
// recording the outcome on the leg itself.
func (m *Manager) executeOpenLeg(ctx context.Context, leg *domain.PositionLeg) {
	conn, err := m.connector(leg.Exchange)
	if err != nil {
		leg.Status = domain.LegFailedStatus
		leg.FailReason = err.Error()
		return
	}
	if err := conn.SetLeverage(ctx, leg.Symbol, leg.Leverage); err != nil {
		leg.Status = domain.LegFailedStatus
		leg.FailReason = fmt.Sprintf("set leverage: %v", err)
		return
	}
	order, err := conn.CreateOrder(ctx, domain.OrderRequest{
		Symbol:   leg.Symbol,
		Side:     leg.Side,
		Size:     leg.Size,
		Leverage: leg.Leverage,
	})
	if err != nil {
		leg.Status = domain.LegFailedStatus
		leg.FailReason = err.Error()
		return
	}
	leg.OrderID = order.OrderID
	leg.EntryPrice = order.AvgPrice
	if order.FilledSize.IsPositive() {
		leg.Size = order.FilledSize
	}
	leg.Status = domain.LegFilled
}

// CloseEstimate is the pre-close quote shown for confirmation.
type CloseEstimate struct {
	PositionID  string          `json:"positionId"`
	LongMark    decimal.Decimal `json:"longMark"`
	ShortMark   decimal.Decimal `json:"shortMark"`
	PricePnL    decimal.Decimal `json:"pricePnl"`
	EstExitCost decimal.Decimal `json:"estExitCost"`
	EstNetPnL   decimal.Decimal `json:"estNetPnl"`
}

// EstimateClose fetches live marks for both legs and quotes the estimated net
// PnL of closing now.
func (m *Manager) EstimateClose(ctx context.Context, positionID string) (CloseEstimate, error) {
	pos, err := m.positions.GetByID(ctx, positionID)
	if err != nil {
		return CloseEstimate{}, fmt.Errorf("lifecycle: load position: %w", err)
	}
	longMark, shortMark, err := m.liveMarks(ctx, pos)
	if err != nil {
		return CloseEstimate{}, err
	}
	pricePnL := pricePnL(pos, longMark, shortMark)
	exitCost := m.costs.EstimatedExitCost(pos.Notional())
	return CloseEstimate{
		PositionID:  pos.ID,
		LongMark:    longMark,
		ShortMark:   shortMark,
		PricePnL:    pricePnL,
		EstExitCost: exitCost,
		EstNetPnL:   pricePnL.Sub(exitCost),
	}, nil
}

func (m *Manager) liveMarks(ctx context.Context, pos domain.Position) (longMark, shortMark decimal.Decimal, err error) {
	longConn, err := m.connector(pos.Long().Exchange)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	shortConn, err := m.connector(pos.Short().Exchange)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	longMark, err = longConn.GetPrice(ctx, pos.Symbol)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("lifecycle: long mark %s: %w", pos.Long().Exchange, err)
	}
	shortMark, err = shortConn.GetPrice(ctx, pos.Symbol)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("lifecycle: short mark %s: %w", pos.Short().Exchange, err)
	}
	return longMark, shortMark, nil
}

// pricePnL values both legs at the given marks: long gains when price rises,
// short gains when it falls.
func pricePnL(pos domain.Position, longMark, shortMark decimal.Decimal) decimal.Decimal {
	long := pos.Long()
	short := pos.Short()
	longPnL := longMark.Sub(long.EntryPrice).Mul(long.Size)
	shortPnL := short.EntryPrice.Sub(shortMark).Mul(short.Size)
	return longPnL.Add(shortPnL)
}

// Close unwinds one position. Both legs ok → closed with a realized-trade
// record; one ok → partial with the failed leg preserved; both fail → status
// restored and the failure surfaced in the result. The error return is
// reserved for load/store problems.
func (m *Manager) Close(ctx context.Context, positionID string) (domain.CloseResult, error) {
	pos, err := m.positions.GetByID(ctx, positionID)
	if err != nil {
		return domain.CloseResult{}, fmt.Errorf("lifecycle: load position: %w", err)
	}
	if pos.Status != domain.PositionOpen {
		return domain.CloseResult{}, &domain.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("position is %s, not open", pos.Status),
		}
	}

	if err := m.positions.UpdateStatus(ctx, pos.ID, domain.PositionClosing); err != nil {
		return domain.CloseResult{}, fmt.Errorf("lifecycle: mark closing: %w", err)
	}
	m.publishClose(ctx, domain.ChannelCloseProgress, pos, nil)

	result := m.executeClose(ctx, &pos)

	if err := m.positions.Update(ctx, pos); err != nil {
		return domain.CloseResult{}, fmt.Errorf("lifecycle: record close result: %w", err)
	}

	switch result.Outcome {
	case domain.CloseSuccess:
		if result.Trade != nil {
			if err := m.trades.Insert(ctx, *result.Trade); err != nil {
				m.logger.Error("record trade",
					slog.String("position_id", pos.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		m.publishClose(ctx, domain.ChannelCloseSuccess, pos, &result)
	case domain.ClosePartial:
		m.publishClose(ctx, domain.ChannelClosePartial, pos, &result)
	default:
		m.publishClose(ctx, domain.ChannelCloseFailed, pos, &result)
	}

	m.invalidateList(ctx, pos.UserID)
	m.logger.Info("position close finished",
		slog.String("position_id", pos.ID),
		slog.String("outcome", string(result.Outcome)),
	)
	return result, nil
}

// executeClose closes both legs sequentially and mutates pos into its final
// state. Filled legs are always closed even when the sibling already failed.
func (m *Manager) executeClose(ctx context.Context, pos *domain.Position) domain.CloseResult {
	now := m.now()
	result := domain.CloseResult{PositionID: pos.ID}

	var fees decimal.Decimal
	var exitLong, exitShort *decimal.Decimal
	failures := 0
	for i := range pos.Legs {
		leg := &pos.Legs[i]
		if leg.Status != domain.LegFilled {
			continue
		}
		order, err := m.closeLeg(ctx, leg)
		if err != nil {
			failures++
			result.FailedLeg = leg.Side
			result.FailReason = err.Error()
			leg.FailReason = err.Error()
			continue
		}
		leg.CloseID = order.OrderID
		px := order.AvgPrice
		leg.ExitPrice = &px
		leg.Status = domain.LegClosedStatus
		fees = fees.Add(order.Fee)
		if leg.Side == domain.LegLong {
			exitLong = &px
		} else {
			exitShort = &px
		}
	}

	switch failures {
	case 0:
		pos.Status = domain.PositionClosed
		pos.ClosedAt = &now
		trade := m.buildTrade(pos, exitLong, exitShort, fees, now)
		result.Outcome = domain.CloseSuccess
		result.Trade = &trade
		result.EstPnL = trade.NetPnL
	case 1:
		pos.Status = domain.PositionPartial
		result.Outcome = domain.ClosePartial
	default:
		// Both legs still live; leave it open for a retry.
		pos.Status = domain.PositionOpen
		result.Outcome = domain.CloseFailure
	}
	return result
}

func (m *Manager) closeLeg(ctx context.Context, leg *domain.PositionLeg) (domain.VenueOrder, error) {
	conn, err := m.connector(leg.Exchange)
	if err != nil {
		return domain.VenueOrder{}, err
	}
	return conn.CreateOrder(ctx, domain.OrderRequest{
		Symbol: leg.Symbol,
		Side:   leg.Side,
		Reduce: true,
		Size:   leg.Size,
	})
}

func (m *Manager) buildTrade(pos *domain.Position, exitLong, exitShort *decimal.Decimal, fees decimal.Decimal, now time.Time) domain.ClosedTrade {
	longMark := pos.Long().EntryPrice
	if exitLong != nil {
		longMark = *exitLong
	}
	shortMark := pos.Short().EntryPrice
	if exitShort != nil {
		shortMark = *exitShort
	}
	price := pricePnL(*pos, longMark, shortMark)
	funding := decimal.Zero
	if pos.CachedFundingPnL != nil {
		funding = *pos.CachedFundingPnL
	}
	return domain.ClosedTrade{
		PositionID: pos.ID,
		UserID:     pos.UserID,
		Symbol:     pos.Symbol,
		PricePnL:   price,
		FundingPnL: funding,
		Fees:       fees,
		NetPnL:     price.Add(funding).Sub(fees),
		ClosedAt:   now,
	}
}

// MarkClosed reconciles a partial or failed position in the database only.
// It never contacts a venue; the operator has already flattened the surviving
// leg on the exchange.
func (m *Manager) MarkClosed(ctx context.Context, positionID string) (domain.Position, error) {
	pos, err := m.positions.GetByID(ctx, positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("lifecycle: load position: %w", err)
	}
	if pos.Status != domain.PositionPartial && pos.Status != domain.PositionFailed {
		return domain.Position{}, &domain.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("mark-closed applies to partial/failed positions, not %s", pos.Status),
		}
	}
	now := m.now()
	pos.Status = domain.PositionClosed
	pos.ClosedAt = &now
	for i := range pos.Legs {
		if pos.Legs[i].Status == domain.LegFilled {
			pos.Legs[i].Status = domain.LegClosedStatus
		}
	}
	if err := m.positions.Update(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("lifecycle: mark closed: %w", err)
	}
	m.invalidateList(ctx, pos.UserID)
	m.logger.Info("position marked closed", slog.String("position_id", pos.ID))
	return pos, nil
}

// MarkGroupClosed applies MarkClosed to every reconcilable member of a group.
func (m *Manager) MarkGroupClosed(ctx context.Context, groupID string) (int, error) {
	members, err := m.positions.ListByGroup(ctx, groupID)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: list group: %w", err)
	}
	updated := 0
	for _, pos := range members {
		if pos.Status != domain.PositionPartial && pos.Status != domain.PositionFailed {
			continue
		}
		if _, err := m.MarkClosed(ctx, pos.ID); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

// closeEvent is the payload published on the per-position close channels.
type closeEvent struct {
	PositionID string              `json:"positionId"`
	Symbol     string              `json:"symbol"`
	Status     string              `json:"status"`
	Outcome    domain.CloseOutcome `json:"outcome,omitempty"`
	FailedLeg  domain.LegSide      `json:"failedLeg,omitempty"`
	FailReason string              `json:"failReason,omitempty"`
	Room       string              `json:"room"`
}

func (m *Manager) publishClose(ctx context.Context, channel string, pos domain.Position, result *domain.CloseResult) {
	if m.bus == nil {
		return
	}
	evt := closeEvent{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Status:     string(pos.Status),
		Room:       domain.PositionRoom(pos.ID),
	}
	if result != nil {
		evt.Outcome = result.Outcome
		evt.FailedLeg = result.FailedLeg
		evt.FailReason = result.FailReason
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := m.bus.Publish(ctx, channel, payload); err != nil {
		m.logger.Warn("publish close event",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) invalidateList(ctx context.Context, userID string) {
	if m.listCache == nil {
		return
	}
	if err := m.listCache.Invalidate(ctx, userID); err != nil {
		m.logger.Warn("invalidate position list cache",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}
