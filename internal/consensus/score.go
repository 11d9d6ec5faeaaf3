package consensus

import (
	"github.com/smhunt/meterscience-verify-worker/internal/db"
)

// Resolution is the decision reached for a reading after a recompute.
// Outcome is empty while the reading is still collecting votes.
type Resolution struct {
	Outcome        string
	Score          float64
	CorrectedValue *string
	ClearFlag      bool
}

// Rules holds the thresholds a resolution is evaluated against
type Rules struct {
	MinQuorum      int
	MaxVotes       int
	ScoreThreshold float64
}

// WeightedScore computes the trust-weighted vote score in [-1, +1].
//
// score = sum(trust * sign(vote)) / sum(trust), with sign(correct) = +1,
// sign(incorrect) = -1, sign(unclear) = 0. Unclear votes still contribute
// their weight to the denominator so they count toward quorum dilution. The
// formula is a pure sum over the vote set, so the result is independent of
// vote arrival order. Returns 0 when total weight is 0.
func WeightedScore(votes []db.VerificationVote) float64 {
	var numerator, denominator float64
	for _, v := range votes {
		weight := float64(v.VoterTrustScore)
		denominator += weight
		switch v.Vote {
		case db.VoteCorrect:
			numerator += weight
		case db.VoteIncorrect:
			numerator -= weight
		}
	}
	if denominator == 0 {
		return 0
	}
	return numerator / denominator
}

// Resolve evaluates the resolution rule over the current vote set.
//
// Below quorum nothing happens. At or above quorum: score >= +threshold
// verifies, score <= -threshold rejects (carrying the majority suggested
// value, if any, as a correction), and a vote count at or above MaxVotes
// without a threshold crossing escalates to unresolved. A flagged reading
// whose quorum leans correct but has not concluded gets its flag cleared so
// it competes with ordinary queued readings.
func Resolve(votes []db.VerificationVote, rules Rules) Resolution {
	res := Resolution{Score: WeightedScore(votes)}

	if len(votes) < rules.MinQuorum {
		return res
	}

	switch {
	case res.Score >= rules.ScoreThreshold:
		res.Outcome = db.OutcomeVerified
	case res.Score <= -rules.ScoreThreshold:
		res.Outcome = db.OutcomeRejected
		res.CorrectedValue = majoritySuggestedValue(votes)
	case len(votes) >= rules.MaxVotes:
		res.Outcome = db.OutcomeUnresolved
	case res.Score >= 0:
		res.ClearFlag = true
	}

	return res
}

// majoritySuggestedValue returns the value proposed by a strict majority of
// the incorrect votes, or nil when no value has majority agreement.
func majoritySuggestedValue(votes []db.VerificationVote) *string {
	counts := make(map[string]int)
	incorrect := 0
	for _, v := range votes {
		if v.Vote != db.VoteIncorrect {
			continue
		}
		incorrect++
		if v.SuggestedValue != nil && *v.SuggestedValue != "" {
			counts[*v.SuggestedValue]++
		}
	}

	for value, count := range counts {
		if count*2 > incorrect {
			v := value
			return &v
		}
	}
	return nil
}
