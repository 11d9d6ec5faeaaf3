package consensus

import (
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smhunt/meterscience-verify-worker/internal/db"
)

var testRules = Rules{MinQuorum: 3, MaxVotes: 7, ScoreThreshold: 0.6}

func vote(verdict string, trust int, suggested string) db.VerificationVote {
	v := db.VerificationVote{
		ID:              uuid.New(),
		ReadingID:       uuid.New(),
		VoterID:         uuid.New(),
		Vote:            verdict,
		VoterTrustScore: trust,
	}
	if suggested != "" {
		v.SuggestedValue = &suggested
	}
	return v
}

func TestWeightedScore_UnclearDilutesWithoutDirection(t *testing.T) {
	votes := []db.VerificationVote{
		vote(db.VoteCorrect, 50, ""),
		vote(db.VoteUnclear, 50, ""),
	}

	// 50/100: unclear counts toward the denominator only
	assert.InDelta(t, 0.5, WeightedScore(votes), 1e-9)
}

func TestWeightedScore_ZeroWeight(t *testing.T) {
	assert.Equal(t, 0.0, WeightedScore(nil))
	assert.Equal(t, 0.0, WeightedScore([]db.VerificationVote{vote(db.VoteCorrect, 0, "")}))
}

func TestWeightedScore_OrderIndependent(t *testing.T) {
	votes := []db.VerificationVote{
		vote(db.VoteCorrect, 80, ""),
		vote(db.VoteIncorrect, 30, "1200"),
		vote(db.VoteUnclear, 55, ""),
		vote(db.VoteCorrect, 10, ""),
		vote(db.VoteIncorrect, 65, "1200"),
	}

	reference := WeightedScore(votes)
	refRes := Resolve(votes, testRules)

	permute(votes, func(p []db.VerificationVote) {
		assert.InDelta(t, reference, WeightedScore(p), 1e-9)

		res := Resolve(p, testRules)
		assert.Equal(t, refRes.Outcome, res.Outcome)
		assert.Equal(t, refRes.ClearFlag, res.ClearFlag)
	})
}

// permute calls fn with every permutation of votes (Heap's algorithm).
func permute(votes []db.VerificationVote, fn func([]db.VerificationVote)) {
	var generate func(k int)
	generate = func(k int) {
		if k == 1 {
			fn(votes)
			return
		}
		for i := 0; i < k; i++ {
			generate(k - 1)
			if k%2 == 0 {
				votes[i], votes[k-1] = votes[k-1], votes[i]
			} else {
				votes[0], votes[k-1] = votes[k-1], votes[0]
			}
		}
	}
	generate(len(votes))
}

func TestResolve_BelowQuorumNoOutcome(t *testing.T) {
	votes := []db.VerificationVote{
		vote(db.VoteCorrect, 90, ""),
		vote(db.VoteCorrect, 90, ""),
	}

	res := Resolve(votes, testRules)
	assert.Empty(t, res.Outcome)
}

func TestResolve_VerifiedAtThreshold(t *testing.T) {
	votes := []db.VerificationVote{
		vote(db.VoteCorrect, 80, ""),
		vote(db.VoteCorrect, 80, ""),
		vote(db.VoteIncorrect, 40, "100"),
	}

	// (80+80-40)/200 = 0.6, exactly at the threshold
	res := Resolve(votes, testRules)
	assert.Equal(t, db.OutcomeVerified, res.Outcome)
}

func TestResolve_RejectedWithCorrectedValue(t *testing.T) {
	// Reading misread as "0950" against prior value 1000: two incorrect
	// votes (trust 80 and 70) agree on "1050", one correct vote (trust 20).
	votes := []db.VerificationVote{
		vote(db.VoteIncorrect, 80, "1050"),
		vote(db.VoteIncorrect, 70, "1050"),
		vote(db.VoteCorrect, 20, ""),
	}

	res := Resolve(votes, testRules)

	// (80*-1 + 70*-1 + 20*+1)/170 = -130/170
	require.InDelta(t, -130.0/170.0, res.Score, 1e-9)
	assert.True(t, math.Abs(res.Score) > 0.6)
	assert.Equal(t, db.OutcomeRejected, res.Outcome)
	require.NotNil(t, res.CorrectedValue)
	assert.Equal(t, "1050", *res.CorrectedValue)
}

func TestResolve_RejectedWithoutMajoritySuggestion(t *testing.T) {
	votes := []db.VerificationVote{
		vote(db.VoteIncorrect, 80, "1050"),
		vote(db.VoteIncorrect, 70, "1060"),
		vote(db.VoteIncorrect, 60, ""),
	}

	res := Resolve(votes, testRules)
	assert.Equal(t, db.OutcomeRejected, res.Outcome)
	assert.Nil(t, res.CorrectedValue, "no single value carries a strict majority of incorrect votes")
}

func TestResolve_UnresolvedAtMaxVotes(t *testing.T) {
	votes := []db.VerificationVote{
		vote(db.VoteCorrect, 50, ""),
		vote(db.VoteIncorrect, 50, "1"),
		vote(db.VoteCorrect, 50, ""),
		vote(db.VoteIncorrect, 50, "1"),
		vote(db.VoteCorrect, 50, ""),
		vote(db.VoteIncorrect, 50, "1"),
		vote(db.VoteUnclear, 50, ""),
	}

	res := Resolve(votes, testRules)
	assert.Equal(t, db.OutcomeUnresolved, res.Outcome)
}

func TestResolve_InconclusivePositiveLeanClearsFlag(t *testing.T) {
	votes := []db.VerificationVote{
		vote(db.VoteCorrect, 50, ""),
		vote(db.VoteCorrect, 50, ""),
		vote(db.VoteIncorrect, 60, "1"),
	}

	// score = 40/160 = 0.25: inconclusive but leaning correct
	res := Resolve(votes, testRules)
	assert.Empty(t, res.Outcome)
	assert.True(t, res.ClearFlag)
}

func TestResolve_InconclusiveNegativeLeanKeepsFlag(t *testing.T) {
	votes := []db.VerificationVote{
		vote(db.VoteIncorrect, 50, "1"),
		vote(db.VoteCorrect, 40, ""),
		vote(db.VoteUnclear, 50, ""),
	}

	res := Resolve(votes, testRules)
	assert.Empty(t, res.Outcome)
	assert.False(t, res.ClearFlag)
}
