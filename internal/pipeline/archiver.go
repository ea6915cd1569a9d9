package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tradehook/internal/domain"
	"github.com/alanyoungcy/tradehook/internal/metrics"
)

// ArchiveJob exports the last Days whole UTC days, ending yesterday, to
// object storage. Days already exported are skipped by the archiver, so
// overlapping runs are harmless.
type ArchiveJob struct {
	archiver domain.Archiver
	days     int
	logger   *slog.Logger
	now      func() time.Time
}

// NewArchiveJob creates an ArchiveJob. days below one is treated as one.
func NewArchiveJob(archiver domain.Archiver, days int, logger *slog.Logger) *ArchiveJob {
	return &ArchiveJob{
		archiver: archiver,
		days:     max(days, 1),
		logger:   logger.With(slog.String("component", "archive")),
		now:      time.Now,
	}
}

// Run exports every day in the window, oldest first. A failed day does not
// stop later days; all failures are returned together.
func (j *ArchiveJob) Run(ctx context.Context) error {
	today := j.now().UTC().Truncate(24 * time.Hour)

	var errs []error
	var positions, events int64
	for i := j.days; i >= 1; i-- {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		day := today.AddDate(0, 0, -i)

		n, err := j.archiver.ArchivePositions(ctx, day)
		if err != nil {
			errs = append(errs, fmt.Errorf("positions %s: %w", day.Format(time.DateOnly), err))
		}
		positions += n

		n, err = j.archiver.ArchiveEvents(ctx, day)
		if err != nil {
			errs = append(errs, fmt.Errorf("events %s: %w", day.Format(time.DateOnly), err))
		}
		events += n
	}

	metrics.ArchivedRecords.WithLabelValues("positions").Add(float64(positions))
	metrics.ArchivedRecords.WithLabelValues("events").Add(float64(events))
	j.logger.Info("archive run complete",
		slog.Int("days", j.days),
		slog.Int64("positions", positions),
		slog.Int64("events", events),
	)
	return errors.Join(errs...)
}
