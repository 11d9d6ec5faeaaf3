package trust

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smhunt/meterscience-verify-worker/internal/config"
	"github.com/smhunt/meterscience-verify-worker/internal/db"
)

// ErrNotFinalized is returned when settlement is requested for a reading
// that has no consensus outcome yet.
var ErrNotFinalized = errors.New("reading has no consensus outcome")

// Delta is one participant's trust adjustment for a settled reading
type Delta struct {
	UserID         uuid.UUID
	Amount         int
	MatchedVote    bool
	MismatchedVote bool
}

// Store is the persistence surface the ledger needs. SettleReadingTrust must
// apply all deltas and the per-reading settled flag in a single transaction:
// the flag is checked-and-set with the score updates so a given reading's
// outcome contributes to trust totals at most once, and partial application
// is never observable. It returns false when the reading was already settled.
type Store interface {
	GetReading(ctx context.Context, id uuid.UUID) (*db.Reading, error)
	ListVotes(ctx context.Context, readingID uuid.UUID) ([]db.VerificationVote, error)
	GetTrustScore(ctx context.Context, userID uuid.UUID) (int, error)
	// GetTrustRecord returns the full trust row, a default row at the initial
	// score for users with no history.
	GetTrustRecord(ctx context.Context, userID uuid.UUID) (*db.TrustScore, error)
	ListVoterHistory(ctx context.Context, voterID uuid.UUID, limit int) ([]db.VerificationVote, error)
	SettleReadingTrust(ctx context.Context, readingID uuid.UUID, deltas []Delta) (bool, error)
}

// Ledger applies consensus outcomes to participant trust scores
type Ledger struct {
	store  Store
	cfg    config.TrustConfig
	logger *zap.Logger
}

// NewLedger creates a trust ledger
func NewLedger(store Store, cfg config.TrustConfig, logger *zap.Logger) *Ledger {
	return &Ledger{store: store, cfg: cfg, logger: logger}
}

// ScoreOf returns a user's current trust score, the configured initial score
// for users with no history.
func (l *Ledger) ScoreOf(ctx context.Context, userID uuid.UUID) (int, error) {
	return l.store.GetTrustScore(ctx, userID)
}

// VerifierStats summarizes a user's verification track record
type VerifierStats struct {
	Score           int
	MatchedVotes    int
	MismatchedVotes int
	// Accuracy is the share of settled non-unclear votes that matched the
	// consensus outcome, 0 for a user with no settled votes.
	Accuracy float64
}

// StatsOf returns a user's verification statistics
func (l *Ledger) StatsOf(ctx context.Context, userID uuid.UUID) (VerifierStats, error) {
	record, err := l.store.GetTrustRecord(ctx, userID)
	if err != nil {
		return VerifierStats{}, fmt.Errorf("failed to load trust record: %w", err)
	}

	stats := VerifierStats{
		Score:           record.Score,
		MatchedVotes:    record.MatchedVotes,
		MismatchedVotes: record.MismatchedVotes,
	}
	if total := record.MatchedVotes + record.MismatchedVotes; total > 0 {
		stats.Accuracy = float64(record.MatchedVotes) / float64(total)
	}
	return stats, nil
}

// HistoryOf returns a voter's most recent votes, newest first. Votes carry
// the trust score snapshotted at submission, not the voter's current one.
func (l *Ledger) HistoryOf(ctx context.Context, voterID uuid.UUID, limit int) ([]db.VerificationVote, error) {
	votes, err := l.store.ListVoterHistory(ctx, voterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load voter history: %w", err)
	}
	return votes, nil
}

// ApplyOutcome settles trust for a finalized reading.
//
// Idempotent: all deltas derive from the stored outcome and vote snapshots,
// and the settled flag guards re-application, so calling this twice produces
// no additional score change. Unresolved readings settle nothing but still
// mark the flag so the reading is not revisited.
func (l *Ledger) ApplyOutcome(ctx context.Context, readingID uuid.UUID) error {
	reading, err := l.store.GetReading(ctx, readingID)
	if err != nil {
		return fmt.Errorf("failed to load reading: %w", err)
	}
	if reading.ConsensusOutcome == nil {
		return ErrNotFinalized
	}
	outcome := *reading.ConsensusOutcome

	var deltas []Delta
	if outcome == db.OutcomeVerified || outcome == db.OutcomeRejected {
		votes, err := l.store.ListVotes(ctx, readingID)
		if err != nil {
			return fmt.Errorf("failed to list votes: %w", err)
		}
		deltas = l.outcomeDeltas(reading, votes, outcome)
	}

	applied, err := l.store.SettleReadingTrust(ctx, readingID, deltas)
	if err != nil {
		return fmt.Errorf("failed to settle trust: %w", err)
	}
	if !applied {
		return nil
	}

	l.logger.Info("trust settled",
		zap.String("reading_id", readingID.String()),
		zap.String("outcome", outcome),
		zap.Int("participants", len(deltas)),
	)
	return nil
}

// outcomeDeltas computes per-participant adjustments. Voters matching the
// outcome gain, disagreeing voters lose more than they could have gained,
// and unclear votes carry no adjustment. The submitter gains on verified and
// loses on rejected.
func (l *Ledger) outcomeDeltas(reading *db.Reading, votes []db.VerificationVote, outcome string) []Delta {
	matching := db.VoteCorrect
	if outcome == db.OutcomeRejected {
		matching = db.VoteIncorrect
	}

	deltas := make([]Delta, 0, len(votes)+1)
	for _, v := range votes {
		if v.Vote == db.VoteUnclear {
			continue
		}
		if v.Vote == matching {
			deltas = append(deltas, Delta{UserID: v.VoterID, Amount: l.cfg.VoterMatchDelta, MatchedVote: true})
		} else {
			deltas = append(deltas, Delta{UserID: v.VoterID, Amount: l.cfg.VoterMismatchDelta, MismatchedVote: true})
		}
	}

	submitterDelta := l.cfg.SubmitterVerifiedDelta
	if outcome == db.OutcomeRejected {
		submitterDelta = l.cfg.SubmitterRejectedDelta
	}
	deltas = append(deltas, Delta{UserID: reading.UserID, Amount: submitterDelta})

	return deltas
}

// Clamp bounds a trust score to [0, 100]
func Clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
