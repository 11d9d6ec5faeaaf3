package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/smhunt/meterscience-verify-worker/internal/db"
	"github.com/smhunt/meterscience-verify-worker/internal/mq"
	"github.com/smhunt/meterscience-verify-worker/internal/webhook"
)

// EventEmitter fans reading lifecycle events out to the message bus and the
// webhook queue. Emission is best effort: the reading's stored state is the
// source of truth and a lost event never blocks processing.
type EventEmitter struct {
	publisher *mq.Publisher
	webhooks  *webhook.Manager
	logger    *zap.Logger
}

// NewEventEmitter creates an event emitter
func NewEventEmitter(publisher *mq.Publisher, webhooks *webhook.Manager, logger *zap.Logger) *EventEmitter {
	return &EventEmitter{publisher: publisher, webhooks: webhooks, logger: logger}
}

// ReadingStored emits events for a newly stored reading
func (e *EventEmitter) ReadingStored(ctx context.Context, reading *db.Reading) {
	e.emit(ctx, reading, webhook.EventReadingCreated, mq.ReadingEvent{
		EventType:  webhook.EventReadingCreated,
		ReadingID:  reading.ID.String(),
		MeterID:    reading.MeterID.String(),
		MeterType:  reading.MeterType,
		Status:     reading.VerificationStatus,
		FlagReason: reading.FlagReason,
	})

	switch reading.VerificationStatus {
	case db.StatusFlagged:
		e.emit(ctx, reading, webhook.EventReadingFlagged, mq.ReadingEvent{
			EventType:  webhook.EventReadingFlagged,
			ReadingID:  reading.ID.String(),
			MeterID:    reading.MeterID.String(),
			MeterType:  reading.MeterType,
			Status:     reading.VerificationStatus,
			FlagReason: reading.FlagReason,
		})
	case db.StatusVerified:
		// Auto-verified on confidence, without a consensus round.
		e.emit(ctx, reading, webhook.EventReadingVerified, mq.ReadingEvent{
			EventType: webhook.EventReadingVerified,
			ReadingID: reading.ID.String(),
			MeterID:   reading.MeterID.String(),
			MeterType: reading.MeterType,
			Status:    reading.VerificationStatus,
		})
	}
}

// ReadingFinalized emits events for a reading that reached a consensus
// verdict. Implements the consensus engine's emitter.
func (e *EventEmitter) ReadingFinalized(ctx context.Context, reading *db.Reading, status, outcome string, score float64, correctedValue *string) {
	event := webhook.EventReadingUnresolved
	switch status {
	case db.StatusVerified:
		event = webhook.EventReadingVerified
	case db.StatusRejected:
		event = webhook.EventReadingRejected
	}

	e.emit(ctx, reading, event, mq.ReadingEvent{
		EventType:      event,
		ReadingID:      reading.ID.String(),
		MeterID:        reading.MeterID.String(),
		MeterType:      reading.MeterType,
		Status:         status,
		Outcome:        outcome,
		Score:          &score,
		CorrectedValue: correctedValue,
	})
}

func (e *EventEmitter) emit(ctx context.Context, reading *db.Reading, event string, payload mq.ReadingEvent) {
	if err := e.publisher.PublishReadingEvent(ctx, payload); err != nil {
		e.logger.Error("failed to publish reading event",
			zap.Error(err),
			zap.String("event", event),
			zap.String("reading_id", reading.ID.String()),
		)
	}

	if err := e.webhooks.Publish(ctx, reading.UserID, event, payload); err != nil {
		e.logger.Error("failed to enqueue webhook deliveries",
			zap.Error(err),
			zap.String("event", event),
			zap.String("reading_id", reading.ID.String()),
		)
	}
}
