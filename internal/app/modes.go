package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/q0821/fundingarb/internal/archive"
	"github.com/q0821/fundingarb/internal/config"
	"github.com/q0821/fundingarb/internal/detector"
	"github.com/q0821/fundingarb/internal/domain"
	"github.com/q0821/fundingarb/internal/feed"
	"github.com/q0821/fundingarb/internal/lifecycle"
	"github.com/q0821/fundingarb/internal/rate"
	"github.com/q0821/fundingarb/internal/server"
	"github.com/q0821/fundingarb/internal/server/handler"
	"github.com/q0821/fundingarb/internal/server/ws"
)

// validatorSweepInterval is how often reported settlement intervals are
// checked against the ones detected from observed settlements.
const validatorSweepInterval = 10 * time.Minute

// DetectMode runs the funding feed and the opportunity detector without any
// position management or HTTP surface. Useful for scouting on a box with no
// trading credentials.
func (a *App) DetectMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting detect mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startFeed(ctx, g, deps)
	a.startDetector(ctx, g, deps)

	return g.Wait()
}

// ServerMode runs the HTTP API, the WebSocket hub, and the position lifecycle
// without opportunity detection or notifications.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	fd := a.startFeed(ctx, g, deps)
	manager := a.newLifecycleManager(deps)
	a.startHTTPServer(ctx, g, deps, fd, manager)

	return g.Wait()
}

// FullMode starts every subsystem: feed, detection, lifecycle monitors, HTTP
// server, and archival.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	fd := a.startFeed(ctx, g, deps)
	a.startDetector(ctx, g, deps)

	manager := a.newLifecycleManager(deps)

	// Stop-loss / take-profit monitor.
	monitor := lifecycle.NewConditionalMonitor(manager, a.cfg.Lifecycle.ScanInterval.Duration, a.logger)
	g.Go(func() error {
		monitor.Run(ctx)
		return nil
	})

	// Exit suggestion monitor.
	exit := lifecycle.NewExitMonitor(
		deps.PositionStore,
		deps.SignalBus,
		a.newDebouncer(deps),
		decimal.NewFromFloat(a.cfg.Lifecycle.ExitThresholdAPY),
		costModelFromConfig(a.cfg.Detector),
		a.logger,
	)
	g.Go(func() error {
		return exit.Run(ctx)
	})

	a.startHTTPServer(ctx, g, deps, fd, manager)

	// Cold-storage archival.
	if a.cfg.Archive.Enabled && deps.BlobWriter != nil {
		retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
		archiver := archive.New(deps.BlobWriter, deps.HistoryStore, deps.NotificationStore, retention, a.logger)
		sched, err := archive.NewScheduler(archiver, a.cfg.Archive.Cron, a.logger)
		if err != nil {
			return fmt.Errorf("full mode: archive scheduler: %w", err)
		}
		sched.Start()
		g.Go(func() error {
			<-ctx.Done()
			sched.Stop()
			return ctx.Err()
		})
	}

	return g.Wait()
}

// startFeed connects every venue and runs the funding feed plus the interval
// validator sweep. A venue that fails to connect is skipped with a warning so
// one dead exchange does not take the engine down.
func (a *App) startFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies) *feed.Feed {
	var connected []domain.VenueConnector
	for name, conn := range deps.Connectors {
		if err := conn.Connect(ctx); err != nil {
			a.logger.WarnContext(ctx, "venue connect failed, skipping",
				slog.String("exchange", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		connected = append(connected, conn)
	}

	fd := feed.New(connected, a.cfg.Feed.Symbols, deps.SignalBus, a.logger)

	validator := feed.NewValidator(deps.ValidationStore, a.logger)
	fd.SetValidator(validator)

	g.Go(func() error {
		return fd.Run(ctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(validatorSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				validator.Sweep(ctx, fd.ReportedInterval)
			}
		}
	})

	return fd
}

// startDetector runs the opportunity state machine over the rate-updated
// stream.
func (a *App) startDetector(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	det := detector.New(
		detector.Config{
			ThresholdAPY: decimal.NewFromFloat(a.cfg.Detector.ThresholdAPY),
			Costs:        costModelFromConfig(a.cfg.Detector),
		},
		deps.OpportunityStore,
		deps.HistoryStore,
		deps.SignalBus,
		a.newDebouncer(deps),
		a.logger,
	)
	g.Go(func() error {
		return det.Run(ctx)
	})
}

// newDebouncer builds a notification debouncer over the shared notifier and
// notification log.
func (a *App) newDebouncer(deps *Dependencies) *detector.Debouncer {
	return detector.NewDebouncer(
		a.cfg.Detector.DebounceWindow.Duration,
		deps.Notifier,
		deps.NotificationStore,
		a.logger,
	)
}

// newLifecycleManager builds the position lifecycle manager over the wired
// stores and connectors.
func (a *App) newLifecycleManager(deps *Dependencies) *lifecycle.Manager {
	return lifecycle.NewManager(
		deps.PositionStore,
		deps.TradeStore,
		deps.Connectors,
		deps.SignalBus,
		deps.PositionListCache,
		costModelFromConfig(a.cfg.Detector),
		a.logger,
	)
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// given errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	fd *feed.Feed,
	manager *lifecycle.Manager,
) {
	if !a.cfg.Server.Enabled {
		a.logger.Info("http server disabled")
		return
	}

	hub := ws.NewHub(deps.SignalBus, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:        handler.NewHealthHandler(a.logger),
		Rates:         handler.NewRatesHandler(fd, a.logger),
		Opportunities: handler.NewOpportunityHandler(deps.OpportunityStore, deps.HistoryStore, a.logger),
		Positions:     handler.NewPositionHandler(manager, deps.PositionStore, deps.PositionListCache, a.logger),
		Groups:        handler.NewGroupHandler(manager, deps.LockManager, a.logger),
		Trades:        handler.NewTradeHandler(deps.TradeStore, a.logger),
		Validation:    handler.NewValidationHandler(deps.ValidationStore, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown failed", slog.String("error", err.Error()))
		}
		return ctx.Err()
	})
}

// costModelFromConfig builds the round-trip cost model from config. When every
// rate is left at zero the documented defaults apply.
func costModelFromConfig(d config.DetectorConfig) rate.CostModel {
	m := rate.CostModel{
		TakerFee:     decimal.NewFromFloat(d.TakerFee),
		Slippage:     decimal.NewFromFloat(d.Slippage),
		PriceGap:     decimal.NewFromFloat(d.PriceGap),
		SafetyMargin: decimal.NewFromFloat(d.SafetyMargin),
	}
	if m.TotalCostRate().IsZero() {
		return rate.DefaultCostModel()
	}
	return m
}
