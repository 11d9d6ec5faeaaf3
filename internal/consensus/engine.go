package consensus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smhunt/meterscience-verify-worker/internal/config"
	"github.com/smhunt/meterscience-verify-worker/internal/db"
	"github.com/smhunt/meterscience-verify-worker/internal/validator"
)

// Store is the persistence surface the engine needs. InsertVote must map the
// unique (reading_id, voter_id) constraint violation to ErrDuplicateVote:
// the constraint, not query filtering, is the deduplication source of truth
// under concurrent submissions.
type Store interface {
	GetReading(ctx context.Context, id uuid.UUID) (*db.Reading, error)
	GetTrustScore(ctx context.Context, userID uuid.UUID) (int, error)
	InsertVote(ctx context.Context, vote *db.VerificationVote) error
	ListVotes(ctx context.Context, readingID uuid.UUID) ([]db.VerificationVote, error)
	// FinalizeReading conditionally moves a non-final reading to its terminal
	// status. It returns false when another finalizer already won the race.
	// A non-nil correctedValue replaces the reading's normalized and numeric
	// values and shifts its stored usage delta by the same amount, so later
	// baselines and aggregates are computed against the agreed value.
	FinalizeReading(ctx context.Context, readingID uuid.UUID, status, outcome string, score float64, correctedValue *string) (bool, error)
	// ClearFlag demotes a flagged reading back to queued.
	ClearFlag(ctx context.Context, readingID uuid.UUID) error
}

// Settler applies trust outcomes once a reading is finalized
type Settler interface {
	ApplyOutcome(ctx context.Context, readingID uuid.UUID) error
}

// Emitter publishes domain events after a verdict. Implementations must not
// block on third-party I/O; delivery happens asynchronously.
type Emitter interface {
	ReadingFinalized(ctx context.Context, reading *db.Reading, status, outcome string, score float64, correctedValue *string)
}

// VoteResult reports the stored vote and any verdict it triggered
type VoteResult struct {
	Vote      *db.VerificationVote
	Finalized bool
	Status    string
	Outcome   string
	Score     float64
}

const finalizeRetryDelay = 50 * time.Millisecond

// Engine drives the reading verification state machine:
// pending/flagged/queued -> verified, rejected or unresolved.
type Engine struct {
	store   Store
	settler Settler
	emitter Emitter
	rules   Rules
	retries int
	initial int
	logger  *zap.Logger
}

// NewEngine creates a consensus engine
func NewEngine(store Store, settler Settler, emitter Emitter, cfg *config.Config, logger *zap.Logger) *Engine {
	return &Engine{
		store:   store,
		settler: settler,
		emitter: emitter,
		rules: Rules{
			MinQuorum:      cfg.Consensus.MinQuorum,
			MaxVotes:       cfg.Consensus.MaxVotes,
			ScoreThreshold: cfg.Consensus.ScoreThreshold,
		},
		retries: cfg.Consensus.FinalizeRetries,
		initial: cfg.Trust.InitialScore,
		logger:  logger,
	}
}

// SubmitVote records a verification vote and recomputes consensus.
//
// The voter's trust score is snapshotted onto the vote at write time and
// never recomputed retroactively. Multiple voters may race on the same
// reading; the unique constraint and the conditional finalize keep the
// result consistent regardless of arrival order.
func (e *Engine) SubmitVote(ctx context.Context, readingID, voterID uuid.UUID, verdict string, suggestedValue *string) (*VoteResult, error) {
	if err := validateVerdict(verdict, suggestedValue); err != nil {
		return nil, err
	}

	reading, err := e.store.GetReading(ctx, readingID)
	if err != nil {
		return nil, err
	}
	if reading.UserID == voterID {
		return nil, ErrSelfVerification
	}
	if reading.Finalized() {
		return nil, ErrReadingNotEligible
	}

	trust, err := e.store.GetTrustScore(ctx, voterID)
	if err != nil {
		e.logger.Warn("failed to load voter trust score, using initial",
			zap.Error(err),
			zap.String("voter_id", voterID.String()),
		)
		trust = e.initial
	}

	vote := &db.VerificationVote{
		ID:              uuid.New(),
		ReadingID:       readingID,
		VoterID:         voterID,
		Vote:            verdict,
		SuggestedValue:  suggestedValue,
		VoterTrustScore: trust,
		CreatedAt:       time.Now().UTC(),
	}

	if err := e.store.InsertVote(ctx, vote); err != nil {
		return nil, err
	}

	result := &VoteResult{Vote: vote}

	res, status, err := e.Recompute(ctx, reading)
	if err != nil {
		// The vote is stored; finalization will be re-evaluated on the next
		// vote or recompute. Surface nothing to the caller.
		e.logger.Error("consensus recompute failed after vote",
			zap.Error(err),
			zap.String("reading_id", readingID.String()),
		)
		return result, nil
	}

	result.Score = res.Score
	if res.Outcome != "" {
		result.Finalized = true
		result.Status = status
		result.Outcome = res.Outcome
	}

	return result, nil
}

// Recompute re-evaluates consensus for a reading. Safe to run repeatedly and
// concurrently: the scoring formula is order-independent and the terminal
// transition is a conditional update applied at most once.
func (e *Engine) Recompute(ctx context.Context, reading *db.Reading) (Resolution, string, error) {
	votes, err := e.store.ListVotes(ctx, reading.ID)
	if err != nil {
		return Resolution{}, "", fmt.Errorf("failed to list votes: %w", err)
	}

	res := Resolve(votes, e.rules)

	if res.Outcome == "" {
		if res.ClearFlag && reading.VerificationStatus == db.StatusFlagged {
			if err := e.store.ClearFlag(ctx, reading.ID); err != nil {
				return res, "", fmt.Errorf("failed to clear flag: %w", err)
			}
			e.logger.Info("flag cleared by community votes",
				zap.String("reading_id", reading.ID.String()),
				zap.Float64("score", res.Score),
			)
		}
		return res, "", nil
	}

	status := statusForOutcome(res)
	if err := e.finalize(ctx, reading, status, res); err != nil {
		return res, "", err
	}

	return res, status, nil
}

// finalize applies the terminal transition, settles trust and emits events.
// Contention with a concurrent finalizer is retried a bounded number of
// times and is invisible to the caller.
func (e *Engine) finalize(ctx context.Context, reading *db.Reading, status string, res Resolution) error {
	var applied bool
	var err error

	for attempt := 0; attempt <= e.retries; attempt++ {
		applied, err = e.store.FinalizeReading(ctx, reading.ID, status, res.Outcome, res.Score, res.CorrectedValue)
		if err == nil {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(finalizeRetryDelay * time.Duration(attempt+1)):
		}
	}
	if err != nil {
		return fmt.Errorf("failed to finalize reading: %w", err)
	}

	if !applied {
		// A concurrent vote already finalized this reading.
		return nil
	}

	e.logger.Info("reading finalized",
		zap.String("reading_id", reading.ID.String()),
		zap.String("status", status),
		zap.String("outcome", res.Outcome),
		zap.Float64("score", res.Score),
	)

	if res.Outcome != db.OutcomeUnresolved {
		if err := e.settler.ApplyOutcome(ctx, reading.ID); err != nil {
			// Settlement is idempotent and derives everything from stored
			// state, so a later retry can pick this up.
			e.logger.Error("failed to settle trust for finalized reading",
				zap.Error(err),
				zap.String("reading_id", reading.ID.String()),
			)
		}
	}

	if e.emitter != nil {
		e.emitter.ReadingFinalized(ctx, reading, status, res.Outcome, res.Score, res.CorrectedValue)
	}

	return nil
}

// statusForOutcome maps a consensus outcome to the reading's visible status.
// A rejection with a majority-agreed correction is corrected-and-verified
// rather than discarded.
func statusForOutcome(res Resolution) string {
	switch res.Outcome {
	case db.OutcomeVerified:
		return db.StatusVerified
	case db.OutcomeRejected:
		if res.CorrectedValue != nil {
			return db.StatusVerified
		}
		return db.StatusRejected
	default:
		return db.StatusUnresolved
	}
}

func validateVerdict(verdict string, suggestedValue *string) error {
	switch verdict {
	case db.VoteCorrect, db.VoteUnclear:
	case db.VoteIncorrect:
		if suggestedValue == nil || *suggestedValue == "" {
			return ErrSuggestedValueRequired
		}
	default:
		return ErrInvalidVerdict
	}

	if suggestedValue != nil && *suggestedValue != "" {
		if _, err := validator.ParseMeterValue(*suggestedValue); err != nil {
			return fmt.Errorf("%w: %q", ErrMalformedSuggestedValue, *suggestedValue)
		}
	}
	return nil
}
