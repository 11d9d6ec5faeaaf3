package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smhunt/meterscience-verify-worker/internal/config"
	"github.com/smhunt/meterscience-verify-worker/internal/db"
)

// ErrSuppressed is returned when a group's statistics are withheld. A group
// with too few distinct contributors is omitted entirely rather than merged
// into a coarser bucket, so callers cannot distinguish "suppressed" from
// "never computed".
var ErrSuppressed = errors.New("aggregate suppressed below privacy floor")

// Contribution is one user's total verified usage within the window for a
// group. Contributor counting is by distinct user, not by reading.
type Contribution struct {
	UserID     uuid.UUID
	TotalUsage float64
}

// GroupUsage is the raw per-group input to a recompute pass
type GroupUsage struct {
	GroupKey      string
	MeterType     string
	ReadingCount  int
	Contributions []Contribution
}

// Store is the persistence surface the aggregator needs. ReplaceAggregates
// must atomically swap the period's rows so readers never observe a half
// materialized pass.
type Store interface {
	ListVerifiedUsage(ctx context.Context, since, until time.Time) ([]GroupUsage, error)
	ReplaceAggregates(ctx context.Context, periodStart time.Time, stats []db.AggregateStat) error
	GetAggregate(ctx context.Context, groupKey, meterType string, periodStart time.Time) (*db.AggregateStat, error)
}

// Aggregator materializes privacy-safe neighborhood statistics over verified
// readings. It runs on a schedule rather than per write, which bounds cost
// and keeps the privacy floor independent of individual write timing.
type Aggregator struct {
	store           Store
	windowDays      int
	minContributors int
	logger          *zap.Logger
}

// NewAggregator creates a neighborhood aggregator
func NewAggregator(store Store, cfg config.AggregateConfig, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		store:           store,
		windowDays:      cfg.WindowDays,
		minContributors: cfg.MinContributors,
		logger:          logger,
	}
}

// Recompute materializes aggregate statistics for the trailing window ending
// at now. Groups below the minimum distinct-contributor count are suppressed.
func (a *Aggregator) Recompute(ctx context.Context, now time.Time) error {
	periodEnd := now.UTC().Truncate(time.Hour)
	periodStart := periodEnd.AddDate(0, 0, -a.windowDays)

	groups, err := a.store.ListVerifiedUsage(ctx, periodStart, periodEnd)
	if err != nil {
		return fmt.Errorf("failed to list verified usage: %w", err)
	}

	stats := make([]db.AggregateStat, 0, len(groups))
	suppressed := 0
	for _, g := range groups {
		stat, ok := a.computeGroup(g, periodStart, periodEnd)
		if !ok {
			suppressed++
			continue
		}
		stats = append(stats, stat)
	}

	if err := a.store.ReplaceAggregates(ctx, periodStart, stats); err != nil {
		return fmt.Errorf("failed to store aggregates: %w", err)
	}

	a.logger.Info("aggregates recomputed",
		zap.Time("period_start", periodStart),
		zap.Int("groups_emitted", len(stats)),
		zap.Int("groups_suppressed", suppressed),
	)
	return nil
}

// GetAggregate returns the materialized statistic for a group and period, or
// ErrSuppressed when none exists.
func (a *Aggregator) GetAggregate(ctx context.Context, groupKey, meterType string, periodStart time.Time) (*db.AggregateStat, error) {
	stat, err := a.store.GetAggregate(ctx, groupKey, meterType, periodStart)
	if err != nil {
		return nil, err
	}
	if stat == nil {
		return nil, ErrSuppressed
	}
	return stat, nil
}

// computeGroup reduces one group's contributions to a statistic. The second
// return is false when the group must be suppressed.
func (a *Aggregator) computeGroup(g GroupUsage, periodStart, periodEnd time.Time) (db.AggregateStat, bool) {
	if len(g.Contributions) < a.minContributors {
		return db.AggregateStat{}, false
	}

	days := float64(a.windowDays)
	rates := make([]float64, 0, len(g.Contributions))
	for _, c := range g.Contributions {
		rates = append(rates, c.TotalUsage/days)
	}

	return db.AggregateStat{
		GroupKey:         g.GroupKey,
		MeterType:        g.MeterType,
		PeriodStart:      periodStart,
		PeriodEnd:        periodEnd,
		ContributorCount: len(g.Contributions),
		ReadingCount:     g.ReadingCount,
		MeanDailyUsage:   Mean(rates),
		MedianDailyUsage: Median(rates),
		P25DailyUsage:    Percentile(rates, 0.25),
		P75DailyUsage:    Percentile(rates, 0.75),
		P90DailyUsage:    Percentile(rates, 0.90),
		ComputedAt:       time.Now().UTC(),
	}, true
}
