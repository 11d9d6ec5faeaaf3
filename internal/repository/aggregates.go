package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/smhunt/meterscience-verify-worker/internal/aggregate"
	"github.com/smhunt/meterscience-verify-worker/internal/db"
)

// ListVerifiedUsage sums verified usage per (group, meter type, user) over a
// window. Contributor counting by distinct user happens here, not per
// reading, which is what the privacy floor is defined over.
func (r *Repository) ListVerifiedUsage(ctx context.Context, since, until time.Time) ([]aggregate.GroupUsage, error) {
	query := `
		SELECT group_key, meter_type, user_id, SUM(usage_since_last), COUNT(*)
		FROM readings
		WHERE verification_status = 'verified'
		  AND usage_since_last IS NOT NULL
		  AND usage_since_last >= 0
		  AND captured_at >= $1
		  AND captured_at < $2
		GROUP BY group_key, meter_type, user_id
		ORDER BY group_key, meter_type
	`

	rows, err := r.pool.Query(ctx, query, since, until)
	if err != nil {
		return nil, fmt.Errorf("failed to query verified usage: %w", err)
	}
	defer rows.Close()

	var groups []aggregate.GroupUsage
	index := make(map[string]int)
	for rows.Next() {
		var (
			groupKey  string
			meterType string
			userID    uuid.UUID
			total     float64
			count     int
		)
		if err := rows.Scan(&groupKey, &meterType, &userID, &total, &count); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}

		key := groupKey + "/" + meterType
		i, ok := index[key]
		if !ok {
			groups = append(groups, aggregate.GroupUsage{GroupKey: groupKey, MeterType: meterType})
			i = len(groups) - 1
			index[key] = i
		}
		groups[i].ReadingCount += count
		groups[i].Contributions = append(groups[i].Contributions, aggregate.Contribution{
			UserID:     userID,
			TotalUsage: total,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return groups, nil
}

// ReplaceAggregates atomically swaps the materialized statistics for a
// period. Readers never observe a half-written pass.
func (r *Repository) ReplaceAggregates(ctx context.Context, periodStart time.Time, stats []db.AggregateStat) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM aggregate_stats WHERE period_start = $1`, periodStart); err != nil {
		return fmt.Errorf("failed to clear previous aggregates: %w", err)
	}

	insertQuery := `
		INSERT INTO aggregate_stats (
			group_key, meter_type, period_start, period_end,
			contributor_count, reading_count,
			mean_daily_usage, median_daily_usage,
			p25_daily_usage, p75_daily_usage, p90_daily_usage,
			computed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	for _, s := range stats {
		_, err := tx.Exec(ctx, insertQuery,
			s.GroupKey,
			s.MeterType,
			s.PeriodStart,
			s.PeriodEnd,
			s.ContributorCount,
			s.ReadingCount,
			s.MeanDailyUsage,
			s.MedianDailyUsage,
			s.P25DailyUsage,
			s.P75DailyUsage,
			s.P90DailyUsage,
			s.ComputedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert aggregate: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit aggregates: %w", err)
	}
	return nil
}

// GetAggregate returns the statistic for a group and period, the most recent
// period when periodStart is zero. A nil result means no row cleared the
// privacy floor.
func (r *Repository) GetAggregate(ctx context.Context, groupKey, meterType string, periodStart time.Time) (*db.AggregateStat, error) {
	query := `
		SELECT group_key, meter_type, period_start, period_end,
		       contributor_count, reading_count,
		       mean_daily_usage, median_daily_usage,
		       p25_daily_usage, p75_daily_usage, p90_daily_usage,
		       computed_at
		FROM aggregate_stats
		WHERE group_key = $1 AND meter_type = $2
	`
	args := []interface{}{groupKey, meterType}
	if periodStart.IsZero() {
		query += ` ORDER BY period_start DESC LIMIT 1`
	} else {
		query += ` AND period_start = $3`
		args = append(args, periodStart)
	}

	var s db.AggregateStat
	err := r.pool.QueryRow(ctx, query, args...).Scan(
		&s.GroupKey,
		&s.MeterType,
		&s.PeriodStart,
		&s.PeriodEnd,
		&s.ContributorCount,
		&s.ReadingCount,
		&s.MeanDailyUsage,
		&s.MedianDailyUsage,
		&s.P25DailyUsage,
		&s.P75DailyUsage,
		&s.P90DailyUsage,
		&s.ComputedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregate: %w", err)
	}
	return &s, nil
}
