package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// APIMode serves the HTTP + WebSocket API only. Accrual and settlement are
// left to a separate worker process.
func (a *App) APIMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting api mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startHTTPServer(ctx, g, deps)

	return g.Wait()
}

// WorkerMode runs the background loops only: the accrual poller, the
// settlement worker, and the archival loop. No HTTP surface is exposed.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startBackgroundLoops(ctx, g, deps)

	return g.Wait()
}

// FullMode runs everything in a single process: the API surface plus the
// accrual, settlement, and archival loops.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startHTTPServer(ctx, g, deps)
	a.startBackgroundLoops(ctx, g, deps)

	return g.Wait()
}

// startHTTPServer launches the WebSocket hub and the HTTP server, plus a
// watcher goroutine that shuts the server down when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Server == nil {
		a.logger.WarnContext(ctx, "server is disabled in configuration; no HTTP surface")
		return
	}

	if deps.Hub != nil {
		g.Go(func() error {
			return deps.Hub.Run(ctx)
		})
	} else {
		a.logger.InfoContext(ctx, "redis disabled; WebSocket event bridge unavailable")
	}

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
		)
		return deps.Server.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return deps.Server.Shutdown(shutCtx)
	})
}

// startBackgroundLoops launches the accrual poller, the settlement worker,
// and the archival loop, each when configured.
func (a *App) startBackgroundLoops(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.AccrualPoller != nil {
		g.Go(func() error {
			return deps.AccrualPoller.Run(ctx)
		})
	} else {
		a.logger.InfoContext(ctx, "accrual poller disabled; balances settle on owner operations only")
	}

	g.Go(func() error {
		return deps.Worker.Run(ctx)
	})

	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		g.Go(func() error {
			return a.runArchiveLoop(ctx, deps)
		})
	}
}

// runArchiveLoop periodically moves confirmed claims and audit entries older
// than the retention window to cold storage.
func (a *App) runArchiveLoop(ctx context.Context, deps *Dependencies) error {
	interval := a.cfg.Archive.Interval.Duration
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.InfoContext(ctx, "archive loop started",
		slog.Duration("interval", interval),
		slog.Int("retention_days", a.cfg.Archive.RetentionDays),
	)

	for {
		select {
		case <-ctx.Done():
			a.logger.InfoContext(ctx, "archive loop stopped")
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-retention)

			claims, err := deps.Archiver.ArchiveClaims(ctx, cutoff)
			if err != nil {
				a.logger.ErrorContext(ctx, "claim archival failed",
					slog.String("error", err.Error()),
				)
			} else if claims > 0 {
				a.logger.InfoContext(ctx, "archived claims",
					slog.Int64("count", claims),
					slog.Time("cutoff", cutoff),
				)
			}

			audit, err := deps.Archiver.ArchiveAudit(ctx, cutoff)
			if err != nil {
				a.logger.ErrorContext(ctx, "audit archival failed",
					slog.String("error", err.Error()),
				)
			} else if audit > 0 {
				a.logger.InfoContext(ctx, "archived audit entries",
					slog.Int64("count", audit),
					slog.Time("cutoff", cutoff),
				)
			}
		}
	}
}
