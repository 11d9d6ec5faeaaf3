package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smhunt/meterscience-verify-worker/internal/anomaly"
	"github.com/smhunt/meterscience-verify-worker/internal/config"
	"github.com/smhunt/meterscience-verify-worker/internal/db"
	"github.com/smhunt/meterscience-verify-worker/internal/logging"
	"github.com/smhunt/meterscience-verify-worker/internal/repository"
	"github.com/smhunt/meterscience-verify-worker/internal/validator"
)

// IngestMessage represents the incoming message from RabbitMQ
type IngestMessage struct {
	RequestID  string      `json:"request_id"`
	UserID     uuid.UUID   `json:"user_id"`
	MeterID    uuid.UUID   `json:"meter_id"`
	MeterType  string      `json:"meter_type"`
	PostalCode string      `json:"postal_code"`
	ReceivedAt time.Time   `json:"received_at"`
	Reading    ReadingData `json:"reading"`
}

// ReadingData is the captured reading inside an ingest message
type ReadingData struct {
	RawValue        string  `json:"raw_value"`
	NormalizedValue string  `json:"normalized_value"`
	Confidence      float64 `json:"confidence"`
	CapturedAt      string  `json:"captured_at"`
}

// ProcessorService classifies incoming readings and stores them
type ProcessorService struct {
	repo      *repository.Repository
	emitter   *EventEmitter
	detector  *anomaly.Detector
	validator *validator.Validator
	cfg       *config.Config
	logger    *zap.Logger
}

// NewProcessorService creates a new processor service
func NewProcessorService(
	repo *repository.Repository,
	emitter *EventEmitter,
	detector *anomaly.Detector,
	validator *validator.Validator,
	cfg *config.Config,
	logger *zap.Logger,
) *ProcessorService {
	return &ProcessorService{
		repo:      repo,
		emitter:   emitter,
		detector:  detector,
		validator: validator,
		cfg:       cfg,
		logger:    logger,
	}
}

// ProcessMessage processes one incoming meter reading message.
//
// A malformed message body is a permanent failure and surfaces as an error so
// the consumer dead-letters it. A reading that parses but fails validation is
// stored flagged for community review rather than dropped.
func (s *ProcessorService) ProcessMessage(ctx context.Context, body []byte) error {
	var msg IngestMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}

	reqLogger := logging.WithRequestID(s.logger, msg.RequestID)
	reqLogger.Info("processing reading",
		zap.String("meter_id", msg.MeterID.String()),
		zap.String("meter_type", msg.MeterType),
	)

	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	reading, err := s.classify(ctx, &msg, receivedAt, reqLogger)
	if err != nil {
		reqLogger.Error("failed to classify reading", zap.Error(err))
		return err
	}

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		reqLogger.Error("failed to begin transaction", zap.Error(err))
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.InsertReadingTx(ctx, tx, reading); err != nil {
		reqLogger.Error("failed to insert reading", zap.Error(err))
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		reqLogger.Error("failed to commit transaction", zap.Error(err))
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	// Events go out only after the reading is durably stored.
	s.emitter.ReadingStored(ctx, reading)

	reqLogger.Info("reading stored",
		zap.String("reading_id", reading.ID.String()),
		zap.String("status", reading.VerificationStatus),
	)

	return nil
}

// classify validates the reading and decides its initial status
func (s *ProcessorService) classify(ctx context.Context, msg *IngestMessage, receivedAt time.Time, logger *zap.Logger) (*db.Reading, error) {
	value, capturedAt, result := s.validator.ValidateReadingData(validator.ReadingData{
		RawValue:        msg.Reading.RawValue,
		NormalizedValue: msg.Reading.NormalizedValue,
		Confidence:      msg.Reading.Confidence,
		CapturedAt:      msg.Reading.CapturedAt,
	}, receivedAt)

	if capturedAt.IsZero() {
		capturedAt = receivedAt
	}

	reading := &db.Reading{
		ID:              uuid.New(),
		MeterID:         msg.MeterID,
		UserID:          msg.UserID,
		MeterType:       msg.MeterType,
		GroupKey:        GroupKey(msg.PostalCode),
		RawValue:        msg.Reading.RawValue,
		NormalizedValue: msg.Reading.NormalizedValue,
		NumericValue:    value,
		Confidence:      msg.Reading.Confidence,
		CapturedAt:      capturedAt,
		CreatedAt:       time.Now().UTC(),
	}

	if !result.IsValid {
		reading.VerificationStatus = db.StatusFlagged
		reading.FlagReason = &result.Reason
		logger.Warn("reading failed validation, flagging",
			zap.String("reason", result.Reason),
		)
		return reading, nil
	}

	baseline, err := s.repo.GetBaseline(ctx, msg.MeterID, s.cfg.Anomaly.MedianWindowDays)
	if err != nil {
		// A missing baseline degrades to "no anomaly signal"; a query failure
		// does not, or a transient database error would silently pass spikes.
		return nil, fmt.Errorf("failed to load meter baseline: %w", err)
	}

	c := s.detector.Classify(value, msg.Reading.Confidence, capturedAt, baseline)
	reading.VerificationStatus = c.Status
	reading.UsageSinceLast = c.UsageSinceLast
	reading.DaysSinceLast = c.DaysSinceLast
	if c.FlagReason != "" {
		reading.FlagReason = &c.FlagReason
	}

	return reading, nil
}

// GroupKey buckets a postal code into its neighborhood prefix. Three leading
// characters keeps buckets large enough that aggregates can clear the privacy
// floor in typical districts.
func GroupKey(postalCode string) string {
	normalized := strings.ToUpper(strings.ReplaceAll(postalCode, " ", ""))
	if len(normalized) > 3 {
		return normalized[:3]
	}
	return normalized
}
