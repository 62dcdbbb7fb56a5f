package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/q0821/fundingarb/internal/domain"
)

const (
	// batchConcurrency bounds concurrent position closes within one group.
	// Legs inside a position stay sequential.
	batchConcurrency = 3

	// batchLockTTL caps how long a stuck batch can hold its group lock.
	batchLockTTL = 5 * time.Minute
)

// batchEvent is the payload streamed on the batch:close:* channels. Streams
// (not plain pub/sub) carry it so a client reconnecting mid-batch can replay
// the progress it missed.
type batchEvent struct {
	GroupID     string              `json:"groupId"`
	Room        string              `json:"room"`
	Index       int                 `json:"index,omitempty"`
	Total       int                 `json:"total,omitempty"`
	PositionID  string              `json:"positionId,omitempty"`
	Outcome     domain.CloseOutcome `json:"outcome,omitempty"`
	FailReason  string              `json:"failReason,omitempty"`
	ClosedCount int                 `json:"closedCount,omitempty"`
	FailedCount int                 `json:"failedCount,omitempty"`
}

// BatchClose closes every open position in a group. Positions run
// concurrently under a bounded group; a failing position never halts its
// siblings. Progress streams to the group's room, the cached position list is
// invalidated regardless of outcome, and the aggregate is classified
// success/partial/failure.
func (m *Manager) BatchClose(ctx context.Context, groupID string, locks domain.LockManager) (domain.BatchCloseResult, error) {
	if locks != nil {
		unlock, err := locks.Acquire(ctx, "batch:close:"+groupID, batchLockTTL)
		if err != nil {
			return domain.BatchCloseResult{}, fmt.Errorf("lifecycle: acquire group lock %s: %w", groupID, err)
		}
		defer unlock()
	}

	members, err := m.positions.ListByGroup(ctx, groupID)
	if err != nil {
		return domain.BatchCloseResult{}, fmt.Errorf("lifecycle: list group %s: %w", groupID, err)
	}

	open := members[:0:0]
	var userID string
	for _, pos := range members {
		userID = pos.UserID
		if pos.Status == domain.PositionOpen {
			open = append(open, pos)
		}
	}
	defer m.invalidateList(ctx, userID)

	result := domain.BatchCloseResult{GroupID: groupID}
	if len(open) == 0 {
		result.Classify()
		m.publishBatch(ctx, domain.ChannelBatchFailed, batchEvent{
			GroupID:    groupID,
			Room:       domain.GroupRoom(groupID),
			FailReason: "no open positions in group",
		})
		return result, nil
	}

	results := make([]domain.CloseResult, len(open))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, pos := range open {
		g.Go(func() error {
			m.publishBatch(gctx, domain.ChannelBatchProgress, batchEvent{
				GroupID:    groupID,
				Room:       domain.GroupRoom(groupID),
				Index:      i + 1,
				Total:      len(open),
				PositionID: pos.ID,
			})

			res, err := m.Close(gctx, pos.ID)
			if err != nil {
				res = domain.CloseResult{
					PositionID: pos.ID,
					Outcome:    domain.CloseFailure,
					FailReason: err.Error(),
				}
				m.logger.Error("batch member close failed",
					slog.String("group_id", groupID),
					slog.String("position_id", pos.ID),
					slog.String("error", err.Error()),
				)
			}
			results[i] = res

			m.publishBatch(gctx, domain.ChannelBatchPositionComplete, batchEvent{
				GroupID:    groupID,
				Room:       domain.GroupRoom(groupID),
				Index:      i + 1,
				Total:      len(open),
				PositionID: pos.ID,
				Outcome:    res.Outcome,
				FailReason: res.FailReason,
			})
			return nil
		})
	}
	// Workers never return errors; partial failure is data.
	_ = g.Wait()

	for _, res := range results {
		result.Results = append(result.Results, res)
		if res.Outcome == domain.CloseSuccess {
			result.ClosedCount++
		} else {
			result.FailedCount++
		}
	}
	result.Classify()

	channel := domain.ChannelBatchComplete
	if result.Outcome == domain.CloseFailure {
		channel = domain.ChannelBatchFailed
	}
	m.publishBatch(ctx, channel, batchEvent{
		GroupID:     groupID,
		Room:        domain.GroupRoom(groupID),
		Total:       len(open),
		Outcome:     result.Outcome,
		ClosedCount: result.ClosedCount,
		FailedCount: result.FailedCount,
	})

	m.logger.Info("batch close finished",
		slog.String("group_id", groupID),
		slog.Int("closed", result.ClosedCount),
		slog.Int("failed", result.FailedCount),
		slog.String("outcome", string(result.Outcome)),
	)
	return result, nil
}

// publishBatch fans a batch event out twice: pub/sub for live listeners and a
// per-group stream so reconnecting clients can replay missed progress.
func (m *Manager) publishBatch(ctx context.Context, channel string, evt batchEvent) {
	if m.bus == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := m.bus.Publish(ctx, channel, payload); err != nil {
		m.logger.Warn("publish batch event",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
	if err := m.bus.StreamAppend(ctx, "batch:close:stream:"+evt.GroupID, payload); err != nil {
		m.logger.Warn("append batch stream",
			slog.String("group_id", evt.GroupID),
			slog.String("error", err.Error()),
		)
	}
}

// Group materializes the derived aggregate view over a group's positions.
func (m *Manager) Group(ctx context.Context, groupID string) (domain.PositionGroup, error) {
	members, err := m.positions.ListByGroup(ctx, groupID)
	if err != nil {
		return domain.PositionGroup{}, fmt.Errorf("lifecycle: list group %s: %w", groupID, err)
	}
	if len(members) == 0 {
		return domain.PositionGroup{}, domain.ErrNotFound
	}
	return aggregateGroup(groupID, members), nil
}

// aggregateGroup derives the group view: size-weighted average entries,
// summed size and funding PnL, tightest stop and widest take among members.
func aggregateGroup(groupID string, members []domain.Position) domain.PositionGroup {
	g := domain.PositionGroup{
		GroupID:       groupID,
		Symbol:        members[0].Symbol,
		LongExchange:  members[0].Long().Exchange,
		ShortExchange: members[0].Short().Exchange,
		Positions:     members,
	}
	var longWeighted, shortWeighted decimal.Decimal
	for _, pos := range members {
		size := pos.Long().Size
		g.TotalSize = g.TotalSize.Add(size)
		longWeighted = longWeighted.Add(pos.Long().EntryPrice.Mul(size))
		shortWeighted = shortWeighted.Add(pos.Short().EntryPrice.Mul(size))
		if pos.CachedFundingPnL != nil {
			g.TotalPnL = g.TotalPnL.Add(*pos.CachedFundingPnL)
		}
		if pos.Status == domain.PositionOpen {
			g.OpenCount++
		}
		if pos.StopLossPct != nil {
			if g.MinStopLoss == nil || pos.StopLossPct.LessThan(*g.MinStopLoss) {
				v := *pos.StopLossPct
				g.MinStopLoss = &v
			}
		}
		if pos.TakeProfitPct != nil {
			if g.MaxTakeProfit == nil || pos.TakeProfitPct.GreaterThan(*g.MaxTakeProfit) {
				v := *pos.TakeProfitPct
				g.MaxTakeProfit = &v
			}
		}
	}
	if g.TotalSize.IsPositive() {
		g.AvgLongEntry = longWeighted.Div(g.TotalSize)
		g.AvgShortEntry = shortWeighted.Div(g.TotalSize)
	}
	return g
}
