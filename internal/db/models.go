package db

import (
	"time"

	"github.com/google/uuid"
)

// Reading verification statuses.
const (
	StatusPending    = "pending"
	StatusQueued     = "queued"
	StatusFlagged    = "flagged"
	StatusVerified   = "verified"
	StatusRejected   = "rejected"
	StatusUnresolved = "unresolved"
)

// Vote verdicts.
const (
	VoteCorrect   = "correct"
	VoteIncorrect = "incorrect"
	VoteUnclear   = "unclear"
)

// Consensus outcomes recorded on finalization. The outcome is distinct from
// the visible status: a rejected reading whose incorrect voters agreed on a
// replacement value ends up with status "verified" and outcome "rejected".
const (
	OutcomeVerified   = "verified"
	OutcomeRejected   = "rejected"
	OutcomeUnresolved = "unresolved"
)

// Reading represents a submitted meter reading in the database
type Reading struct {
	ID                 uuid.UUID
	MeterID            uuid.UUID
	UserID             uuid.UUID
	MeterType          string
	GroupKey           string
	RawValue           string
	NormalizedValue    string
	NumericValue       float64
	Confidence         float64
	CapturedAt         time.Time
	VerificationStatus string
	ConsensusOutcome   *string
	VerificationScore  *float64
	CorrectedValue     *string
	FlagReason         *string
	UsageSinceLast     *float64
	DaysSinceLast      *float64
	TrustSettled       bool
	CreatedAt          time.Time
}

// Finalized reports whether the reading has reached a terminal consensus.
func (r *Reading) Finalized() bool {
	switch r.VerificationStatus {
	case StatusVerified, StatusRejected, StatusUnresolved:
		return true
	}
	return false
}

// VerificationVote represents a single community vote on a reading.
// Votes are immutable once written; (ReadingID, VoterID) is unique.
type VerificationVote struct {
	ID              uuid.UUID
	ReadingID       uuid.UUID
	VoterID         uuid.UUID
	Vote            string
	SuggestedValue  *string
	VoterTrustScore int
	CreatedAt       time.Time
}

// TrustScore holds a user's current trust standing
type TrustScore struct {
	UserID          uuid.UUID
	Score           int
	MatchedVotes    int
	MismatchedVotes int
	UpdatedAt       time.Time
}

// AggregateStat is a materialized neighborhood statistic for one
// (group bucket, meter type, period). Rows only exist for groups that
// cleared the minimum-contributor privacy floor.
type AggregateStat struct {
	GroupKey         string
	MeterType        string
	PeriodStart      time.Time
	PeriodEnd        time.Time
	ContributorCount int
	ReadingCount     int
	MeanDailyUsage   float64
	MedianDailyUsage float64
	P25DailyUsage    float64
	P75DailyUsage    float64
	P90DailyUsage    float64
	ComputedAt       time.Time
}

// WebhookSubscription represents a subscriber endpoint
type WebhookSubscription struct {
	ID              uuid.UUID
	OwnerID         uuid.UUID
	URL             string
	Events          []string
	Secret          string
	IsActive        bool
	FailureCount    int
	LastTriggeredAt *time.Time
	LastSuccessAt   *time.Time
	CreatedAt       time.Time
}

// Delivery statuses for webhook deliveries.
const (
	DeliveryPending    = "pending"
	DeliveryDelivering = "delivering"
	DeliveryDelivered  = "delivered"
	DeliveryFailed     = "failed"
)

// WebhookDelivery is one durable delivery of an event to a subscription,
// retried with backoff until delivered or the attempt budget is spent.
// ClaimedAt leases a delivering row to one dispatcher; an expired lease makes
// the row claimable again.
type WebhookDelivery struct {
	ID             uuid.UUID
	SubscriptionID uuid.UUID
	Event          string
	Payload        []byte
	Status         string
	AttemptCount   int
	NextAttemptAt  time.Time
	ClaimedAt      *time.Time
	LastError      *string
	CreatedAt      time.Time
	DeliveredAt    *time.Time
}
