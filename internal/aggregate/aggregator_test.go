package aggregate_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smhunt/meterscience-verify-worker/internal/aggregate"
	"github.com/smhunt/meterscience-verify-worker/internal/config"
	"github.com/smhunt/meterscience-verify-worker/internal/db"
)

var testAggConfig = config.AggregateConfig{WindowDays: 30, MinContributors: 5}

type fakeStore struct {
	groups []aggregate.GroupUsage
	stored map[string]db.AggregateStat
}

func newFakeStore(groups ...aggregate.GroupUsage) *fakeStore {
	return &fakeStore{groups: groups, stored: make(map[string]db.AggregateStat)}
}

func key(groupKey, meterType string) string {
	return groupKey + "/" + meterType
}

func (f *fakeStore) ListVerifiedUsage(_ context.Context, _, _ time.Time) ([]aggregate.GroupUsage, error) {
	return f.groups, nil
}

func (f *fakeStore) ReplaceAggregates(_ context.Context, _ time.Time, stats []db.AggregateStat) error {
	f.stored = make(map[string]db.AggregateStat)
	for _, s := range stats {
		f.stored[key(s.GroupKey, s.MeterType)] = s
	}
	return nil
}

func (f *fakeStore) GetAggregate(_ context.Context, groupKey, meterType string, _ time.Time) (*db.AggregateStat, error) {
	if s, ok := f.stored[key(groupKey, meterType)]; ok {
		return &s, nil
	}
	return nil, nil
}

func groupOf(groupKey string, contributors int, usagePerContributor float64) aggregate.GroupUsage {
	g := aggregate.GroupUsage{
		GroupKey:     groupKey,
		MeterType:    "electric",
		ReadingCount: contributors * 4,
	}
	for i := 0; i < contributors; i++ {
		g.Contributions = append(g.Contributions, aggregate.Contribution{
			UserID:     uuid.New(),
			TotalUsage: usagePerContributor,
		})
	}
	return g
}

func TestRecompute_PrivacyFloorOverPopulationSizes(t *testing.T) {
	// Property: no statistic is ever emitted for a group with fewer than 5
	// distinct contributing users, for synthetic populations of size 1-10.
	for contributors := 1; contributors <= 10; contributors++ {
		t.Run(fmt.Sprintf("contributors_%d", contributors), func(t *testing.T) {
			store := newFakeStore(groupOf("SW1", contributors, 300))
			agg := aggregate.NewAggregator(store, testAggConfig, zap.NewNop())

			require.NoError(t, agg.Recompute(context.Background(), time.Now()))

			_, err := agg.GetAggregate(context.Background(), "SW1", "electric", time.Time{})
			if contributors < testAggConfig.MinContributors {
				assert.ErrorIs(t, err, aggregate.ErrSuppressed)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRecompute_SuppressionIsPerGroup(t *testing.T) {
	store := newFakeStore(
		groupOf("SW1", 6, 300),
		groupOf("NW3", 2, 300),
	)
	agg := aggregate.NewAggregator(store, testAggConfig, zap.NewNop())

	require.NoError(t, agg.Recompute(context.Background(), time.Now()))

	stat, err := agg.GetAggregate(context.Background(), "SW1", "electric", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 6, stat.ContributorCount)

	_, err = agg.GetAggregate(context.Background(), "NW3", "electric", time.Time{})
	assert.ErrorIs(t, err, aggregate.ErrSuppressed, "small group is omitted, not merged")
}

func TestRecompute_DailyRates(t *testing.T) {
	// 300 units over a 30-day window per contributor = 10/day each
	store := newFakeStore(groupOf("SW1", 5, 300))
	agg := aggregate.NewAggregator(store, testAggConfig, zap.NewNop())

	require.NoError(t, agg.Recompute(context.Background(), time.Now()))

	stat, err := agg.GetAggregate(context.Background(), "SW1", "electric", time.Time{})
	require.NoError(t, err)
	assert.InDelta(t, 10.0, stat.MeanDailyUsage, 1e-9)
	assert.InDelta(t, 10.0, stat.MedianDailyUsage, 1e-9)
	assert.Equal(t, 20, stat.ReadingCount)
}

func TestRecompute_PeriodBounds(t *testing.T) {
	store := newFakeStore(groupOf("SW1", 5, 300))
	agg := aggregate.NewAggregator(store, testAggConfig, zap.NewNop())

	now := time.Date(2026, 3, 15, 10, 42, 7, 0, time.UTC)
	require.NoError(t, agg.Recompute(context.Background(), now))

	stat, err := agg.GetAggregate(context.Background(), "SW1", "electric", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC), stat.PeriodEnd)
	assert.Equal(t, time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC), stat.PeriodStart)
}
