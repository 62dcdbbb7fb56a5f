package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/q0821/fundingarb/internal/domain"
)

// defaultScanInterval is how often the monitor sweeps triggered positions.
const defaultScanInterval = 30 * time.Second

// ConditionalMonitor sweeps open positions carrying stop-loss or take-profit
// percentages against live mark prices and closes breached positions through
// the normal close path. Callers construct and own exactly one handle; Stop
// waits for an in-flight scan to finish.
type ConditionalMonitor struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewConditionalMonitor creates a monitor; interval <= 0 uses the default.
func NewConditionalMonitor(manager *Manager, interval time.Duration, logger *slog.Logger) *ConditionalMonitor {
	if interval <= 0 {
		interval = defaultScanInterval
	}
	return &ConditionalMonitor{
		manager:  manager,
		interval: interval,
		logger:   logger.With(slog.String("component", "conditional_monitor")),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run scans until Stop is called or the context ends.
func (c *ConditionalMonitor) Run(ctx context.Context) {
	defer close(c.done)
	c.logger.Info("conditional monitor started",
		slog.Duration("interval", c.interval),
	)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.Scan(ctx)
		}
	}
}

// Stop signals the run loop and waits for the current scan to complete.
func (c *ConditionalMonitor) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

// Scan runs one sweep. A failure on one position never skips the rest.
func (c *ConditionalMonitor) Scan(ctx context.Context) {
	positions, err := c.manager.positions.ListWithTriggers(ctx)
	if err != nil {
		c.logger.Error("list triggered positions", slog.String("error", err.Error()))
		return
	}
	for _, pos := range positions {
		triggered, reason, err := c.check(ctx, pos)
		if err != nil {
			c.logger.Warn("trigger check failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !triggered {
			continue
		}
		c.logger.Info("conditional trigger hit",
			slog.String("position_id", pos.ID),
			slog.String("symbol", pos.Symbol),
			slog.String("reason", reason),
		)
		if _, err := c.manager.Close(ctx, pos.ID); err != nil {
			c.logger.Error("triggered close failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// check evaluates one position's PnL percentage against its triggers.
func (c *ConditionalMonitor) check(ctx context.Context, pos domain.Position) (bool, string, error) {
	longMark, shortMark, err := c.manager.liveMarks(ctx, pos)
	if err != nil {
		return false, "", err
	}
	notional := pos.Notional()
	if !notional.IsPositive() {
		return false, "", nil
	}
	pnlPct := pricePnL(pos, longMark, shortMark).Div(notional).Mul(decimal.NewFromInt(100))

	if pos.StopLossPct != nil && pnlPct.LessThanOrEqual(pos.StopLossPct.Neg()) {
		return true, fmt.Sprintf("stop loss: pnl %s%% <= -%s%%", pnlPct.Round(4), pos.StopLossPct), nil
	}
	if pos.TakeProfitPct != nil && pnlPct.GreaterThanOrEqual(*pos.TakeProfitPct) {
		return true, fmt.Sprintf("take profit: pnl %s%% >= %s%%", pnlPct.Round(4), pos.TakeProfitPct), nil
	}
	return false, "", nil
}
