package consensus

import (
	"context"

	"github.com/google/uuid"

	"github.com/smhunt/meterscience-verify-worker/internal/db"
)

// Tally is the current vote standing of a reading, including the caller's
// own vote when present.
type Tally struct {
	ReadingID  uuid.UUID
	Status     string
	Outcome    *string
	Correct    int
	Incorrect  int
	Unclear    int
	Score      float64
	CallerVote *db.VerificationVote
}

// TallyFor returns the vote standing of a reading. The score is the live
// trust-weighted score, which for finalized readings matches the stored
// verification score.
func (e *Engine) TallyFor(ctx context.Context, readingID, callerID uuid.UUID) (*Tally, error) {
	reading, err := e.store.GetReading(ctx, readingID)
	if err != nil {
		return nil, err
	}

	votes, err := e.store.ListVotes(ctx, readingID)
	if err != nil {
		return nil, err
	}

	tally := &Tally{
		ReadingID: readingID,
		Status:    reading.VerificationStatus,
		Outcome:   reading.ConsensusOutcome,
		Score:     WeightedScore(votes),
	}
	for i, v := range votes {
		switch v.Vote {
		case db.VoteCorrect:
			tally.Correct++
		case db.VoteIncorrect:
			tally.Incorrect++
		case db.VoteUnclear:
			tally.Unclear++
		}
		if v.VoterID == callerID {
			tally.CallerVote = &votes[i]
		}
	}

	return tally, nil
}
