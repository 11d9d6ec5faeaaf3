package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smhunt/meterscience-verify-worker/internal/config"
	"github.com/smhunt/meterscience-verify-worker/internal/db"
)

// Event names deliverable to subscribers.
const (
	EventReadingCreated    = "reading.created"
	EventReadingFlagged    = "reading.flagged"
	EventReadingVerified   = "reading.verified"
	EventReadingRejected   = "reading.rejected"
	EventReadingUnresolved = "reading.unresolved"
)

var knownEvents = map[string]bool{
	EventReadingCreated:    true,
	EventReadingFlagged:    true,
	EventReadingVerified:   true,
	EventReadingRejected:   true,
	EventReadingUnresolved: true,
}

var (
	ErrUnknownEvent         = errors.New("unknown webhook event")
	ErrNoEvents             = errors.New("subscription must name at least one event")
	ErrInvalidURL           = errors.New("webhook URL must be absolute http or https")
	ErrDuplicateURL         = errors.New("owner already has a subscription for this URL")
	ErrSubscriptionLimit    = errors.New("owner has reached the subscription limit")
	ErrSubscriptionNotFound = errors.New("webhook subscription not found")
)

// SubscriptionStore is the persistence surface for subscription management
type SubscriptionStore interface {
	CountSubscriptions(ctx context.Context, ownerID uuid.UUID) (int, error)
	HasSubscriptionURL(ctx context.Context, ownerID uuid.UUID, url string) (bool, error)
	InsertSubscription(ctx context.Context, sub *db.WebhookSubscription) error
	GetSubscription(ctx context.Context, id uuid.UUID) (*db.WebhookSubscription, error)
	ListSubscriptions(ctx context.Context, ownerID uuid.UUID) ([]db.WebhookSubscription, error)
	UpdateSubscriptionSecret(ctx context.Context, id uuid.UUID, secret string) error
	SetSubscriptionActive(ctx context.Context, id uuid.UUID, active bool) error
	EnqueueDeliveries(ctx context.Context, ownerID uuid.UUID, event string, payload []byte) (int, error)
}

// Manager handles the subscription lifecycle and fans events out into
// durable delivery rows for the dispatcher to work through.
type Manager struct {
	store       SubscriptionStore
	maxPerOwner int
	logger      *zap.Logger
}

// NewManager creates a webhook subscription manager
func NewManager(store SubscriptionStore, cfg config.WebhookConfig, logger *zap.Logger) *Manager {
	return &Manager{
		store:       store,
		maxPerOwner: cfg.MaxPerOwner,
		logger:      logger,
	}
}

// Register creates a subscription for an owner and returns it with a freshly
// generated signing secret. The secret is only readable here and on rotation.
func (m *Manager) Register(ctx context.Context, ownerID uuid.UUID, rawURL string, events []string) (*db.WebhookSubscription, error) {
	if err := validateEvents(events); err != nil {
		return nil, err
	}
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}

	count, err := m.store.CountSubscriptions(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to count subscriptions: %w", err)
	}
	if count >= m.maxPerOwner {
		return nil, ErrSubscriptionLimit
	}

	exists, err := m.store.HasSubscriptionURL(ctx, ownerID, rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to check subscription URL: %w", err)
	}
	if exists {
		return nil, ErrDuplicateURL
	}

	secret, err := GenerateSecret()
	if err != nil {
		return nil, err
	}

	sub := &db.WebhookSubscription{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		URL:       rawURL,
		Events:    events,
		Secret:    secret,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.InsertSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to insert subscription: %w", err)
	}

	m.logger.Info("webhook subscription registered",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("owner_id", ownerID.String()),
		zap.Strings("events", events),
	)
	return sub, nil
}

// List returns an owner's subscriptions
func (m *Manager) List(ctx context.Context, ownerID uuid.UUID) ([]db.WebhookSubscription, error) {
	return m.store.ListSubscriptions(ctx, ownerID)
}

// RotateSecret replaces a subscription's signing secret and returns the new
// value. Deliveries already enqueued are signed with the secret current at
// send time, not enqueue time.
func (m *Manager) RotateSecret(ctx context.Context, id uuid.UUID) (string, error) {
	sub, err := m.store.GetSubscription(ctx, id)
	if err != nil {
		return "", err
	}
	if sub == nil {
		return "", ErrSubscriptionNotFound
	}

	secret, err := GenerateSecret()
	if err != nil {
		return "", err
	}
	if err := m.store.UpdateSubscriptionSecret(ctx, id, secret); err != nil {
		return "", fmt.Errorf("failed to rotate secret: %w", err)
	}

	m.logger.Info("webhook secret rotated", zap.String("subscription_id", id.String()))
	return secret, nil
}

// Deactivate stops deliveries to a subscription
func (m *Manager) Deactivate(ctx context.Context, id uuid.UUID) error {
	return m.setActive(ctx, id, false)
}

// Reactivate resumes deliveries to a subscription. The consecutive failure
// counter is reset so an endpoint fixed after auto-disable gets a clean slate.
func (m *Manager) Reactivate(ctx context.Context, id uuid.UUID) error {
	return m.setActive(ctx, id, true)
}

func (m *Manager) setActive(ctx context.Context, id uuid.UUID, active bool) error {
	sub, err := m.store.GetSubscription(ctx, id)
	if err != nil {
		return err
	}
	if sub == nil {
		return ErrSubscriptionNotFound
	}
	if err := m.store.SetSubscriptionActive(ctx, id, active); err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	m.logger.Info("webhook subscription state changed",
		zap.String("subscription_id", id.String()),
		zap.Bool("active", active),
	)
	return nil
}

// Payload is the JSON body delivered to subscriber endpoints
type Payload struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Publish enqueues one durable delivery per active subscription of the
// reading's owner that listens for event. It never blocks on subscriber
// endpoints; the dispatcher drains the queue asynchronously.
func (m *Manager) Publish(ctx context.Context, ownerID uuid.UUID, event string, data interface{}) error {
	if !knownEvents[event] {
		return ErrUnknownEvent
	}

	body, err := json.Marshal(Payload{Event: event, Timestamp: time.Now().UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	enqueued, err := m.store.EnqueueDeliveries(ctx, ownerID, event, body)
	if err != nil {
		return fmt.Errorf("failed to enqueue webhook deliveries: %w", err)
	}
	if enqueued > 0 {
		m.logger.Debug("webhook deliveries enqueued",
			zap.String("event", event),
			zap.Int("count", enqueued),
		)
	}
	return nil
}

func validateEvents(events []string) error {
	if len(events) == 0 {
		return ErrNoEvents
	}
	for _, e := range events {
		if !knownEvents[e] {
			return fmt.Errorf("%w: %s", ErrUnknownEvent, e)
		}
	}
	return nil
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return ErrInvalidURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrInvalidURL
	}
	return nil
}
