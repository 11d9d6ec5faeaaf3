package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smhunt/meterscience-verify-worker/internal/consensus"
	"github.com/smhunt/meterscience-verify-worker/internal/logging"
)

// VoteMessage represents an incoming vote submission from RabbitMQ
type VoteMessage struct {
	RequestID      string    `json:"request_id"`
	ReadingID      uuid.UUID `json:"reading_id"`
	VoterID        uuid.UUID `json:"voter_id"`
	Verdict        string    `json:"verdict"`
	SuggestedValue *string   `json:"suggested_value,omitempty"`
}

// VoteSubmitter records a verification vote and drives consensus
type VoteSubmitter interface {
	SubmitVote(ctx context.Context, readingID, voterID uuid.UUID, verdict string, suggestedValue *string) (*consensus.VoteResult, error)
}

// VoteService consumes vote submissions off the bus
type VoteService struct {
	engine VoteSubmitter
	logger *zap.Logger
}

// NewVoteService creates a new vote service
func NewVoteService(engine VoteSubmitter, logger *zap.Logger) *VoteService {
	return &VoteService{engine: engine, logger: logger}
}

// ProcessMessage processes one vote submission message.
//
// Rejected votes (self-verification, duplicates, finalized readings, bad
// verdicts) are permanent: they are logged and acknowledged, since redelivery
// can never change the answer. Only unmarshalable bodies and infrastructure
// failures surface as errors.
func (s *VoteService) ProcessMessage(ctx context.Context, body []byte) error {
	var msg VoteMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal vote message: %w", err)
	}

	reqLogger := logging.WithRequestID(s.logger, msg.RequestID)

	result, err := s.engine.SubmitVote(ctx, msg.ReadingID, msg.VoterID, msg.Verdict, msg.SuggestedValue)
	if err != nil {
		if isVoteInputError(err) {
			reqLogger.Warn("vote rejected",
				zap.Error(err),
				zap.String("reading_id", msg.ReadingID.String()),
				zap.String("voter_id", msg.VoterID.String()),
			)
			return nil
		}
		reqLogger.Error("failed to submit vote", zap.Error(err))
		return err
	}

	fields := []zap.Field{
		zap.String("reading_id", msg.ReadingID.String()),
		zap.String("verdict", msg.Verdict),
	}
	if result.Finalized {
		fields = append(fields,
			zap.String("status", result.Status),
			zap.String("outcome", result.Outcome),
			zap.Float64("score", result.Score),
		)
	}
	reqLogger.Info("vote recorded", fields...)

	return nil
}

func isVoteInputError(err error) bool {
	for _, input := range []error{
		consensus.ErrReadingNotFound,
		consensus.ErrSelfVerification,
		consensus.ErrDuplicateVote,
		consensus.ErrReadingNotEligible,
		consensus.ErrInvalidVerdict,
		consensus.ErrSuggestedValueRequired,
		consensus.ErrMalformedSuggestedValue,
	} {
		if errors.Is(err, input) {
			return true
		}
	}
	return false
}
