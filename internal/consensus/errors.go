package consensus

import "errors"

// Input errors surfaced synchronously to the caller; never retried.
var (
	ErrReadingNotFound         = errors.New("reading not found")
	ErrSelfVerification        = errors.New("cannot verify your own reading")
	ErrDuplicateVote           = errors.New("already voted on this reading")
	ErrReadingNotEligible      = errors.New("reading is already finalized")
	ErrInvalidVerdict          = errors.New("verdict must be correct, incorrect or unclear")
	ErrSuggestedValueRequired  = errors.New("suggested value required when voting incorrect")
	ErrMalformedSuggestedValue = errors.New("suggested value is not a meter value")
)
