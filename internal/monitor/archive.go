package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"bracketd/internal/domain"
)

// ArchiveRunner moves closed positions past the retention window into cold
// storage on a cron schedule.
type ArchiveRunner struct {
	archiver      domain.Archiver
	retentionDays int
	logger        *slog.Logger
}

// NewArchiveRunner creates an ArchiveRunner.
func NewArchiveRunner(archiver domain.Archiver, retentionDays int, logger *slog.Logger) *ArchiveRunner {
	return &ArchiveRunner{
		archiver:      archiver,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archive_runner")),
	}
}

// Run executes a single archive pass using the configured retention window.
func (a *ArchiveRunner) Run(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	a.logger.InfoContext(ctx, "archive_runner: starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	archived, err := a.archiver.ArchivePositions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("monitor: archiving positions before %v: %w", cutoff, err)
	}

	a.logger.InfoContext(ctx, "archive_runner: archive run complete",
		slog.Int64("positions_archived", archived),
	)
	return nil
}

// RunCron runs the archiver on a cron schedule until the context is
// cancelled. It supports the standard 5-field format:
// "minute hour day-of-month month day-of-week".
func (a *ArchiveRunner) RunCron(ctx context.Context, cronExpr string) error {
	a.logger.InfoContext(ctx, "archive_runner: cron started", slog.String("cron", cronExpr))

	for {
		next, err := nextCronTime(cronExpr, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("monitor: parsing cron expression %q: %w", cronExpr, err)
		}

		a.logger.InfoContext(ctx, "archive_runner: waiting for next cron trigger",
			slog.Time("next_run", next),
		)

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.InfoContext(ctx, "archive_runner: cron stopped")
			return ctx.Err()
		case <-timer.C:
			if err := a.Run(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive_runner: archive run failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// cronField is one parsed cron field.
type cronField struct {
	wildcard bool
	values   []int
}

func (f cronField) matches(val int) bool {
	if f.wildcard {
		return true
	}
	for _, v := range f.values {
		if v == val {
			return true
		}
	}
	return false
}

// parseCronField parses a single cron field (e.g. "0", "*", "1,15").
func parseCronField(field string) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true}, nil
	}

	parts := strings.Split(field, ",")
	values := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return cronField{}, fmt.Errorf("invalid cron field value %q: %w", p, err)
		}
		values = append(values, v)
	}
	return cronField{values: values}, nil
}

type parsedCron struct {
	minute     cronField
	hour       cronField
	dayOfMonth cronField
	month      cronField
	dayOfWeek  cronField
}

func (c parsedCron) matchesTime(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dayOfMonth.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dayOfWeek.matches(int(t.Weekday()))
}

// parseCron parses a 5-field cron expression.
func parseCron(expr string) (parsedCron, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return parsedCron{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	var (
		parsed parsedCron
		err    error
	)
	targets := []struct {
		name string
		dst  *cronField
		raw  string
	}{
		{"minute", &parsed.minute, fields[0]},
		{"hour", &parsed.hour, fields[1]},
		{"day-of-month", &parsed.dayOfMonth, fields[2]},
		{"month", &parsed.month, fields[3]},
		{"day-of-week", &parsed.dayOfWeek, fields[4]},
	}
	for _, t := range targets {
		*t.dst, err = parseCronField(t.raw)
		if err != nil {
			return parsedCron{}, fmt.Errorf("parsing %s field: %w", t.name, err)
		}
	}
	return parsed, nil
}

// nextCronTime finds the first time after 'after' matching the expression,
// searching minute-by-minute up to one year ahead.
func nextCronTime(cronExpr string, after time.Time) (time.Time, error) {
	cron, err := parseCron(cronExpr)
	if err != nil {
		return time.Time{}, err
	}

	candidate := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)

	for candidate.Before(limit) {
		if cron.matchesTime(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}

	return time.Time{}, fmt.Errorf("no matching cron time found within one year for %q", cronExpr)
}
