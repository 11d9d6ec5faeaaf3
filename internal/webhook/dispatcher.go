package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smhunt/meterscience-verify-worker/internal/config"
	"github.com/smhunt/meterscience-verify-worker/internal/db"
)

// DeliveryJob couples a due delivery with its subscription's current state.
// The secret is read at send time so rotation applies to queued deliveries.
type DeliveryJob struct {
	Delivery     db.WebhookDelivery
	Subscription db.WebhookSubscription
}

// FailureRecord captures the outcome of a failed delivery attempt.
// NextAttemptAt is nil when the attempt budget is spent.
type FailureRecord struct {
	DeliveryID     uuid.UUID
	SubscriptionID uuid.UUID
	AttemptCount   int
	NextAttemptAt  *time.Time
	Terminal       bool
	Error          string
	Deactivate     bool
}

// DeliveryStore is the persistence surface for the dispatcher. Claiming must
// be exclusive across dispatcher instances so a delivery is attempted once
// per due time, and a claim a dispatcher never reported on (crash, lost
// connection) must become claimable again once its lease expires.
type DeliveryStore interface {
	ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]DeliveryJob, error)
	RecordDeliverySuccess(ctx context.Context, deliveryID, subscriptionID uuid.UUID, at time.Time) error
	RecordDeliveryFailure(ctx context.Context, rec FailureRecord) error
}

// Dispatcher drains the webhook delivery queue: it polls for due deliveries
// and posts them to subscriber endpoints from a fixed pool of workers.
type Dispatcher struct {
	store  DeliveryStore
	cfg    config.WebhookConfig
	client *http.Client
	logger *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a webhook dispatcher
func NewDispatcher(store DeliveryStore, cfg config.WebhookConfig, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.DeliveryTimeout},
		logger: logger,
	}
}

// Start launches the poll loop and delivery workers
func (d *Dispatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	jobs := make(chan DeliveryJob)

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			// Only polling observes the cancel. Jobs already claimed run to
			// completion under their own delivery timeout, so a shutdown never
			// burns an attempt on a dead context or strands a claimed row.
			for job := range jobs {
				d.attempt(context.Background(), job)
			}
		}()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(jobs)
		d.poll(ctx, jobs)
	}()

	d.logger.Info("webhook dispatcher started",
		zap.Int("workers", d.cfg.Workers),
		zap.Duration("poll_interval", d.cfg.PollInterval),
	)
}

// Stop halts polling and waits for claimed deliveries to run to completion
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("webhook dispatcher stopped")
}

func (d *Dispatcher) poll(ctx context.Context, jobs chan<- DeliveryJob) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		claimed, err := d.store.ClaimDueDeliveries(ctx, time.Now().UTC(), d.cfg.PollBatch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("failed to claim webhook deliveries", zap.Error(err))
		}
		for _, job := range claimed {
			select {
			case jobs <- job:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

const recordTimeout = 10 * time.Second

// attempt posts one delivery and records the outcome. A 2xx response is the
// only success; everything else consumes an attempt from the backoff budget.
func (d *Dispatcher) attempt(ctx context.Context, job DeliveryJob) {
	err := d.send(ctx, job)
	now := time.Now().UTC()

	// Bookkeeping runs on its own deadline: a send timeout or cancelled
	// caller must not leave the row stuck in delivering.
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err == nil {
		if recErr := d.store.RecordDeliverySuccess(recCtx, job.Delivery.ID, job.Subscription.ID, now); recErr != nil {
			d.logger.Error("failed to record webhook delivery success",
				zap.String("delivery_id", job.Delivery.ID.String()),
				zap.Error(recErr),
			)
		}
		d.logger.Debug("webhook delivered",
			zap.String("delivery_id", job.Delivery.ID.String()),
			zap.String("event", job.Delivery.Event),
		)
		return
	}

	rec := failureRecord(job, d.cfg, now, err)
	if recErr := d.store.RecordDeliveryFailure(recCtx, rec); recErr != nil {
		d.logger.Error("failed to record webhook delivery failure",
			zap.String("delivery_id", job.Delivery.ID.String()),
			zap.Error(recErr),
		)
		return
	}

	d.logger.Warn("webhook delivery failed",
		zap.String("delivery_id", job.Delivery.ID.String()),
		zap.String("url", job.Subscription.URL),
		zap.Int("attempt", rec.AttemptCount),
		zap.Bool("terminal", rec.Terminal),
		zap.Bool("subscription_deactivated", rec.Deactivate),
		zap.Error(err),
	)
}

func (d *Dispatcher) send(ctx context.Context, job DeliveryJob) error {
	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, job.Subscription.URL, bytes.NewReader(job.Delivery.Payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", job.Delivery.Event)
	req.Header.Set(SignatureHeader, SignatureValue(job.Subscription.Secret, job.Delivery.Payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// failureRecord derives the retry decision for a failed attempt. The first
// attempt is free; retry n waits schedule[n-1] and the delivery is terminal
// once the schedule is exhausted. The subscription is deactivated when its
// consecutive failure count reaches the threshold.
func failureRecord(job DeliveryJob, cfg config.WebhookConfig, now time.Time, sendErr error) FailureRecord {
	attempts := job.Delivery.AttemptCount + 1
	rec := FailureRecord{
		DeliveryID:     job.Delivery.ID,
		SubscriptionID: job.Subscription.ID,
		AttemptCount:   attempts,
		Error:          sendErr.Error(),
		Deactivate:     job.Subscription.FailureCount+1 >= cfg.FailureThreshold,
	}

	retryIdx := attempts - 1
	if retryIdx >= len(cfg.BackoffSchedule) {
		rec.Terminal = true
		return rec
	}
	next := now.Add(cfg.BackoffSchedule[retryIdx])
	rec.NextAttemptAt = &next
	return rec
}
