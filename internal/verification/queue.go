package verification

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smhunt/meterscience-verify-worker/internal/db"
)

// ErrNoCandidate is returned when no reading is eligible for the voter.
var ErrNoCandidate = errors.New("no reading awaiting verification")

const defaultFetchLimit = 50

// Candidate is an open reading with its current vote count
type Candidate struct {
	Reading   db.Reading
	VoteCount int
}

// Store lists open readings a voter is eligible for: flagged or queued, not
// owned by the voter and not yet voted on by the voter. Exclusion by query
// is advisory only; the vote uniqueness constraint settles races at write
// time.
type Store interface {
	ListOpenCandidates(ctx context.Context, voterID uuid.UUID, limit int) ([]Candidate, error)
}

// Queue selects the next reading a voter should look at
type Queue struct {
	store  Store
	logger *zap.Logger
}

// NewQueue creates a verification queue
func NewQueue(store Store, logger *zap.Logger) *Queue {
	return &Queue{store: store, logger: logger}
}

// NextCandidate returns the most urgent eligible reading for the voter, or
// ErrNoCandidate. Offering a candidate does not reserve it: several voters
// may be offered the same reading concurrently.
func (q *Queue) NextCandidate(ctx context.Context, voterID uuid.UUID) (*db.Reading, error) {
	candidates, err := q.store.ListOpenCandidates(ctx, voterID, defaultFetchLimit)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoCandidate
	}

	orderCandidates(candidates)
	return &candidates[0].Reading, nil
}

// orderCandidates sorts by selection priority: flagged readings first,
// oldest first; then queued readings by ascending vote count so votes spread
// thinly across the backlog, ties broken by age.
func orderCandidates(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		aFlagged := a.Reading.VerificationStatus == db.StatusFlagged
		bFlagged := b.Reading.VerificationStatus == db.StatusFlagged

		if aFlagged != bFlagged {
			return aFlagged
		}
		if aFlagged {
			return a.Reading.CreatedAt.Before(b.Reading.CreatedAt)
		}
		if a.VoteCount != b.VoteCount {
			return a.VoteCount < b.VoteCount
		}
		return a.Reading.CreatedAt.Before(b.Reading.CreatedAt)
	})
}
