package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smhunt/meterscience-verify-worker/internal/aggregate"
	"github.com/smhunt/meterscience-verify-worker/internal/anomaly"
	"github.com/smhunt/meterscience-verify-worker/internal/config"
	"github.com/smhunt/meterscience-verify-worker/internal/consensus"
	"github.com/smhunt/meterscience-verify-worker/internal/db"
	"github.com/smhunt/meterscience-verify-worker/internal/verification"
)

// Tx is an alias for pgx.Tx
type Tx = pgx.Tx

// Repository handles database operations
type Repository struct {
	pool         *pgxpool.Pool
	initialTrust int
	claimLease   time.Duration
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, cfg *config.Config) *Repository {
	return &Repository{
		pool:         pool,
		initialTrust: cfg.Trust.InitialScore,
		claimLease:   cfg.Webhook.ClaimLease,
	}
}

// BeginTx starts a new transaction
func (r *Repository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

const readingColumns = `
	id, meter_id, user_id, meter_type, group_key,
	raw_value, normalized_value, numeric_value, confidence, captured_at,
	verification_status, consensus_outcome, verification_score, corrected_value,
	flag_reason, usage_since_last, days_since_last, trust_settled, created_at
`

func scanReading(row pgx.Row) (*db.Reading, error) {
	var reading db.Reading
	err := row.Scan(
		&reading.ID,
		&reading.MeterID,
		&reading.UserID,
		&reading.MeterType,
		&reading.GroupKey,
		&reading.RawValue,
		&reading.NormalizedValue,
		&reading.NumericValue,
		&reading.Confidence,
		&reading.CapturedAt,
		&reading.VerificationStatus,
		&reading.ConsensusOutcome,
		&reading.VerificationScore,
		&reading.CorrectedValue,
		&reading.FlagReason,
		&reading.UsageSinceLast,
		&reading.DaysSinceLast,
		&reading.TrustSettled,
		&reading.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &reading, nil
}

// GetReading retrieves a reading by ID
func (r *Repository) GetReading(ctx context.Context, id uuid.UUID) (*db.Reading, error) {
	query := `
		SELECT ` + readingColumns + `
		FROM readings
		WHERE id = $1
	`

	reading, err := scanReading(r.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, consensus.ErrReadingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query reading: %w", err)
	}
	return reading, nil
}

// InsertReadingTx inserts a classified reading within a transaction
func (r *Repository) InsertReadingTx(ctx context.Context, tx pgx.Tx, reading *db.Reading) error {
	query := `
		INSERT INTO readings (
			id, meter_id, user_id, meter_type, group_key,
			raw_value, normalized_value, numeric_value, confidence, captured_at,
			verification_status, consensus_outcome, verification_score, corrected_value,
			flag_reason, usage_since_last, days_since_last, trust_settled, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`

	_, err := tx.Exec(ctx, query,
		reading.ID,
		reading.MeterID,
		reading.UserID,
		reading.MeterType,
		reading.GroupKey,
		reading.RawValue,
		reading.NormalizedValue,
		reading.NumericValue,
		reading.Confidence,
		reading.CapturedAt,
		reading.VerificationStatus,
		reading.ConsensusOutcome,
		reading.VerificationScore,
		reading.CorrectedValue,
		reading.FlagReason,
		reading.UsageSinceLast,
		reading.DaysSinceLast,
		reading.TrustSettled,
		reading.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}

	return nil
}

// GetBaseline loads the meter history a new reading is judged against: the
// most recent non-rejected reading plus the trailing median daily usage rate.
func (r *Repository) GetBaseline(ctx context.Context, meterID uuid.UUID, windowDays int) (anomaly.Baseline, error) {
	var baseline anomaly.Baseline

	prevQuery := `
		SELECT numeric_value, captured_at
		FROM readings
		WHERE meter_id = $1 AND verification_status <> 'rejected'
		ORDER BY captured_at DESC
		LIMIT 1
	`

	var prev anomaly.PreviousReading
	err := r.pool.QueryRow(ctx, prevQuery, meterID).Scan(&prev.NumericValue, &prev.CapturedAt)
	if err == pgx.ErrNoRows {
		return baseline, nil
	}
	if err != nil {
		return baseline, fmt.Errorf("failed to query previous reading: %w", err)
	}
	baseline.Previous = &prev

	rateQuery := `
		SELECT usage_since_last / days_since_last
		FROM readings
		WHERE meter_id = $1
		  AND verification_status <> 'rejected'
		  AND usage_since_last IS NOT NULL
		  AND usage_since_last >= 0
		  AND days_since_last > 0
		  AND captured_at >= now() - make_interval(days => $2)
	`

	rows, err := r.pool.Query(ctx, rateQuery, meterID, windowDays)
	if err != nil {
		return baseline, fmt.Errorf("failed to query usage history: %w", err)
	}
	defer rows.Close()

	var rates []float64
	for rows.Next() {
		var rate float64
		if err := rows.Scan(&rate); err != nil {
			return baseline, fmt.Errorf("failed to scan usage rate: %w", err)
		}
		rates = append(rates, rate)
	}
	if err := rows.Err(); err != nil {
		return baseline, fmt.Errorf("rows iteration error: %w", err)
	}

	baseline.HistoryCount = len(rates)
	if len(rates) > 0 {
		baseline.MedianDailyRate = aggregate.Median(rates)
	}
	return baseline, nil
}

// ListOpenCandidates lists flagged and queued readings a voter is eligible
// for, with current vote counts. Ownership and already-voted exclusion here
// is advisory; the vote uniqueness constraint settles races at write time.
func (r *Repository) ListOpenCandidates(ctx context.Context, voterID uuid.UUID, limit int) ([]verification.Candidate, error) {
	query := `
		SELECT ` + readingColumns + `,
			(SELECT count(*) FROM verification_votes v WHERE v.reading_id = readings.id) AS vote_count
		FROM readings
		WHERE verification_status IN ('queued', 'flagged')
		  AND user_id <> $1
		  AND NOT EXISTS (
			SELECT 1 FROM verification_votes v
			WHERE v.reading_id = readings.id AND v.voter_id = $1
		  )
		ORDER BY created_at
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, voterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query open candidates: %w", err)
	}
	defer rows.Close()

	var candidates []verification.Candidate
	for rows.Next() {
		var c verification.Candidate
		err := rows.Scan(
			&c.Reading.ID,
			&c.Reading.MeterID,
			&c.Reading.UserID,
			&c.Reading.MeterType,
			&c.Reading.GroupKey,
			&c.Reading.RawValue,
			&c.Reading.NormalizedValue,
			&c.Reading.NumericValue,
			&c.Reading.Confidence,
			&c.Reading.CapturedAt,
			&c.Reading.VerificationStatus,
			&c.Reading.ConsensusOutcome,
			&c.Reading.VerificationScore,
			&c.Reading.CorrectedValue,
			&c.Reading.FlagReason,
			&c.Reading.UsageSinceLast,
			&c.Reading.DaysSinceLast,
			&c.Reading.TrustSettled,
			&c.Reading.CreatedAt,
			&c.VoteCount,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return candidates, nil
}
