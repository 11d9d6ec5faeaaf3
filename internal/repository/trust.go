package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/smhunt/meterscience-verify-worker/internal/db"
	"github.com/smhunt/meterscience-verify-worker/internal/trust"
)

// GetTrustScore returns a user's current trust score, the configured initial
// score for users with no row yet.
func (r *Repository) GetTrustScore(ctx context.Context, userID uuid.UUID) (int, error) {
	query := `
		SELECT score
		FROM trust_scores
		WHERE user_id = $1
	`

	var score int
	err := r.pool.QueryRow(ctx, query, userID).Scan(&score)
	if err == pgx.ErrNoRows {
		return r.initialTrust, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query trust score: %w", err)
	}
	return score, nil
}

// GetTrustRecord returns a user's full trust row, a default row at the
// initial score for users with no history.
func (r *Repository) GetTrustRecord(ctx context.Context, userID uuid.UUID) (*db.TrustScore, error) {
	query := `
		SELECT user_id, score, matched_votes, mismatched_votes, updated_at
		FROM trust_scores
		WHERE user_id = $1
	`

	var record db.TrustScore
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&record.UserID,
		&record.Score,
		&record.MatchedVotes,
		&record.MismatchedVotes,
		&record.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return &db.TrustScore{UserID: userID, Score: r.initialTrust}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query trust record: %w", err)
	}
	return &record, nil
}

// SettleReadingTrust applies all trust deltas for a finalized reading and
// marks it settled, in a single transaction. The settled flag is
// checked-and-set with the updates so an outcome contributes to trust totals
// at most once. Returns false when the reading was already settled.
func (r *Repository) SettleReadingTrust(ctx context.Context, readingID uuid.UUID, deltas []trust.Delta) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	markQuery := `
		UPDATE readings
		SET trust_settled = TRUE
		WHERE id = $1 AND trust_settled = FALSE
	`

	tag, err := tx.Exec(ctx, markQuery, readingID)
	if err != nil {
		return false, fmt.Errorf("failed to mark reading settled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	upsertQuery := `
		INSERT INTO trust_scores (user_id, score, matched_votes, mismatched_votes, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET score = LEAST(100, GREATEST(0, trust_scores.score + $6)),
		    matched_votes = trust_scores.matched_votes + $3,
		    mismatched_votes = trust_scores.mismatched_votes + $4,
		    updated_at = $5
	`

	now := time.Now().UTC()
	for _, d := range deltas {
		matched, mismatched := 0, 0
		if d.MatchedVote {
			matched = 1
		}
		if d.MismatchedVote {
			mismatched = 1
		}

		_, err := tx.Exec(ctx, upsertQuery,
			d.UserID,
			trust.Clamp(r.initialTrust+d.Amount),
			matched,
			mismatched,
			now,
			d.Amount,
		)
		if err != nil {
			return false, fmt.Errorf("failed to apply trust delta: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit trust settlement: %w", err)
	}
	return true, nil
}
