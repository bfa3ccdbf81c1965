package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Monitor coordinates the background loops: the coverage sweep ticker and
// the archive cron.
type Monitor struct {
	coverage      *CoverageMonitor
	archive       *ArchiveRunner
	sweepInterval time.Duration
	archiveCron   string
	logger        *slog.Logger
}

// NewMonitor creates a Monitor. archive may be nil when cold storage is not
// configured; the cron loop is then skipped.
func NewMonitor(
	coverage *CoverageMonitor,
	archive *ArchiveRunner,
	sweepInterval time.Duration,
	archiveCron string,
	logger *slog.Logger,
) *Monitor {
	return &Monitor{
		coverage:      coverage,
		archive:       archive,
		sweepInterval: sweepInterval,
		archiveCron:   archiveCron,
		logger:        logger.With(slog.String("component", "monitor")),
	}
}

// Run starts the loops as concurrent goroutines in an errgroup. Each loop
// respects cancellation; a non-context error from either loop cancels the
// other and is returned.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.InfoContext(ctx, "monitor: starting",
		slog.Duration("sweep_interval", m.sweepInterval),
		slog.String("archive_cron", m.archiveCron),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := m.coverage.RunLoop(ctx, m.sweepInterval)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("coverage monitor: %w", err)
	})

	if m.archive != nil && m.archiveCron != "" {
		g.Go(func() error {
			err := m.archive.RunCron(ctx, m.archiveCron)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("archive runner: %w", err)
		})
	}

	if err := g.Wait(); err != nil {
		m.logger.ErrorContext(ctx, "monitor: stopped with error", slog.String("error", err.Error()))
		return err
	}

	m.logger.InfoContext(ctx, "monitor: stopped cleanly")
	return nil
}
