package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/smhunt/meterscience-verify-worker/internal/consensus"
	"github.com/smhunt/meterscience-verify-worker/internal/db"
	"github.com/smhunt/meterscience-verify-worker/internal/validator"
)

const uniqueViolation = "23505"

// InsertVote stores a verification vote. A unique (reading_id, voter_id)
// violation is mapped to consensus.ErrDuplicateVote so the constraint, not
// query filtering, deduplicates concurrent submissions.
func (r *Repository) InsertVote(ctx context.Context, vote *db.VerificationVote) error {
	query := `
		INSERT INTO verification_votes (
			id, reading_id, voter_id, vote, suggested_value, voter_trust_score, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		vote.ID,
		vote.ReadingID,
		vote.VoterID,
		vote.Vote,
		vote.SuggestedValue,
		vote.VoterTrustScore,
		vote.CreatedAt,
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return consensus.ErrDuplicateVote
		}
		return fmt.Errorf("failed to insert vote: %w", err)
	}

	return nil
}

// ListVotes returns all votes on a reading in submission order
func (r *Repository) ListVotes(ctx context.Context, readingID uuid.UUID) ([]db.VerificationVote, error) {
	query := `
		SELECT id, reading_id, voter_id, vote, suggested_value, voter_trust_score, created_at
		FROM verification_votes
		WHERE reading_id = $1
		ORDER BY created_at
	`

	rows, err := r.pool.Query(ctx, query, readingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query votes: %w", err)
	}
	defer rows.Close()

	return scanVotes(rows)
}

// ListVoterHistory returns a voter's most recent votes
func (r *Repository) ListVoterHistory(ctx context.Context, voterID uuid.UUID, limit int) ([]db.VerificationVote, error) {
	query := `
		SELECT id, reading_id, voter_id, vote, suggested_value, voter_trust_score, created_at
		FROM verification_votes
		WHERE voter_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, voterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query voter history: %w", err)
	}
	defer rows.Close()

	return scanVotes(rows)
}

func scanVotes(rows pgx.Rows) ([]db.VerificationVote, error) {
	var votes []db.VerificationVote
	for rows.Next() {
		var v db.VerificationVote
		err := rows.Scan(
			&v.ID,
			&v.ReadingID,
			&v.VoterID,
			&v.Vote,
			&v.SuggestedValue,
			&v.VoterTrustScore,
			&v.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vote: %w", err)
		}
		votes = append(votes, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return votes, nil
}

// FinalizeReading conditionally moves a non-final reading to its terminal
// status. It returns false when another finalizer already won the race.
func (r *Repository) FinalizeReading(ctx context.Context, readingID uuid.UUID, status, outcome string, score float64, correctedValue *string) (bool, error) {
	if correctedValue != nil {
		return r.finalizeCorrected(ctx, readingID, status, outcome, score, *correctedValue)
	}

	query := `
		UPDATE readings
		SET verification_status = $2,
		    consensus_outcome = $3,
		    verification_score = $4,
		    corrected_value = NULL
		WHERE id = $1
		  AND verification_status IN ('pending', 'queued', 'flagged')
	`

	tag, err := r.pool.Exec(ctx, query, readingID, status, outcome, score)
	if err != nil {
		return false, fmt.Errorf("failed to finalize reading: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// finalizeCorrected finalizes a reading whose incorrect voters agreed on a
// replacement value. The correction replaces the stored normalized and
// numeric values, so baselines and aggregates see the community-agreed
// reading rather than the misread one, and the usage delta shifts by the
// same amount. A NULL usage delta stays NULL.
func (r *Repository) finalizeCorrected(ctx context.Context, readingID uuid.UUID, status, outcome string, score float64, corrected string) (bool, error) {
	numeric, err := validator.ParseMeterValue(corrected)
	if err != nil {
		return false, fmt.Errorf("corrected value %q does not parse: %w", corrected, err)
	}

	query := `
		UPDATE readings
		SET verification_status = $2,
		    consensus_outcome = $3,
		    verification_score = $4,
		    corrected_value = $5,
		    normalized_value = $5,
		    numeric_value = $6,
		    usage_since_last = usage_since_last + $6 - numeric_value
		WHERE id = $1
		  AND verification_status IN ('pending', 'queued', 'flagged')
	`

	tag, err := r.pool.Exec(ctx, query, readingID, status, outcome, score, corrected, numeric)
	if err != nil {
		return false, fmt.Errorf("failed to finalize corrected reading: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// ClearFlag demotes a flagged reading back to queued
func (r *Repository) ClearFlag(ctx context.Context, readingID uuid.UUID) error {
	query := `
		UPDATE readings
		SET verification_status = 'queued', flag_reason = NULL
		WHERE id = $1 AND verification_status = 'flagged'
	`

	if _, err := r.pool.Exec(ctx, query, readingID); err != nil {
		return fmt.Errorf("failed to clear flag: %w", err)
	}
	return nil
}
