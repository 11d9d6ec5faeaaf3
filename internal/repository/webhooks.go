package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/smhunt/meterscience-verify-worker/internal/db"
	"github.com/smhunt/meterscience-verify-worker/internal/webhook"
)

// CountSubscriptions counts an owner's subscriptions, active or not
func (r *Repository) CountSubscriptions(ctx context.Context, ownerID uuid.UUID) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM webhook_subscriptions WHERE owner_id = $1`, ownerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count subscriptions: %w", err)
	}
	return count, nil
}

// HasSubscriptionURL reports whether the owner already subscribed this URL
func (r *Repository) HasSubscriptionURL(ctx context.Context, ownerID uuid.UUID, url string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM webhook_subscriptions WHERE owner_id = $1 AND url = $2)`,
		ownerID, url,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check subscription URL: %w", err)
	}
	return exists, nil
}

// InsertSubscription stores a new webhook subscription
func (r *Repository) InsertSubscription(ctx context.Context, sub *db.WebhookSubscription) error {
	query := `
		INSERT INTO webhook_subscriptions (
			id, owner_id, url, events, secret, is_active, failure_count, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.pool.Exec(ctx, query,
		sub.ID,
		sub.OwnerID,
		sub.URL,
		sub.Events,
		sub.Secret,
		sub.IsActive,
		sub.FailureCount,
		sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

const subscriptionColumns = `
	id, owner_id, url, events, secret, is_active, failure_count,
	last_triggered_at, last_success_at, created_at
`

func scanSubscription(row pgx.Row) (*db.WebhookSubscription, error) {
	var sub db.WebhookSubscription
	err := row.Scan(
		&sub.ID,
		&sub.OwnerID,
		&sub.URL,
		&sub.Events,
		&sub.Secret,
		&sub.IsActive,
		&sub.FailureCount,
		&sub.LastTriggeredAt,
		&sub.LastSuccessAt,
		&sub.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetSubscription retrieves a subscription by ID, nil when absent
func (r *Repository) GetSubscription(ctx context.Context, id uuid.UUID) (*db.WebhookSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM webhook_subscriptions
		WHERE id = $1
	`

	sub, err := scanSubscription(r.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptions returns an owner's subscriptions, newest first
func (r *Repository) ListSubscriptions(ctx context.Context, ownerID uuid.UUID) ([]db.WebhookSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM webhook_subscriptions
		WHERE owner_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []db.WebhookSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return subs, nil
}

// UpdateSubscriptionSecret replaces a subscription's signing secret
func (r *Repository) UpdateSubscriptionSecret(ctx context.Context, id uuid.UUID, secret string) error {
	if _, err := r.pool.Exec(ctx, `UPDATE webhook_subscriptions SET secret = $2 WHERE id = $1`, id, secret); err != nil {
		return fmt.Errorf("failed to update subscription secret: %w", err)
	}
	return nil
}

// SetSubscriptionActive toggles a subscription. Reactivation resets the
// consecutive failure counter.
func (r *Repository) SetSubscriptionActive(ctx context.Context, id uuid.UUID, active bool) error {
	query := `
		UPDATE webhook_subscriptions
		SET is_active = $2,
		    failure_count = CASE WHEN $2 THEN 0 ELSE failure_count END
		WHERE id = $1
	`

	if _, err := r.pool.Exec(ctx, query, id, active); err != nil {
		return fmt.Errorf("failed to update subscription state: %w", err)
	}
	return nil
}

// EnqueueDeliveries creates one pending delivery per active subscription of
// the owner that listens for the event. Returns the number enqueued.
func (r *Repository) EnqueueDeliveries(ctx context.Context, ownerID uuid.UUID, event string, payload []byte) (int, error) {
	query := `
		INSERT INTO webhook_deliveries (
			id, subscription_id, event, payload, status, attempt_count, next_attempt_at, created_at
		)
		SELECT gen_random_uuid(), id, $2, $3, 'pending', 0, now(), now()
		FROM webhook_subscriptions
		WHERE owner_id = $1 AND is_active AND $2 = ANY(events)
	`

	tag, err := r.pool.Exec(ctx, query, ownerID, event, payload)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue deliveries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ClaimDueDeliveries exclusively claims up to limit due deliveries for active
// subscriptions. SKIP LOCKED keeps concurrent dispatcher instances from
// attempting the same delivery. Rows stuck in delivering past the claim
// lease are reclaimed, so a crashed dispatcher or a failed bookkeeping write
// delays the delivery instead of losing it.
func (r *Repository) ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]webhook.DeliveryJob, error) {
	query := `
		WITH claimed AS (
			SELECT d.id
			FROM webhook_deliveries d
			JOIN webhook_subscriptions s ON s.id = d.subscription_id
			WHERE ((d.status = 'pending' AND d.next_attempt_at <= $1)
			   OR (d.status = 'delivering' AND d.claimed_at <= $3))
			  AND s.is_active
			ORDER BY d.next_attempt_at
			LIMIT $2
			FOR UPDATE OF d SKIP LOCKED
		)
		UPDATE webhook_deliveries d
		SET status = 'delivering', claimed_at = $1
		FROM claimed, webhook_subscriptions s
		WHERE d.id = claimed.id AND s.id = d.subscription_id
		RETURNING d.id, d.subscription_id, d.event, d.payload, d.attempt_count, d.created_at,
		          s.owner_id, s.url, s.secret, s.failure_count
	`

	rows, err := r.pool.Query(ctx, query, now, limit, now.Add(-r.claimLease))
	if err != nil {
		return nil, fmt.Errorf("failed to claim deliveries: %w", err)
	}
	defer rows.Close()

	var jobs []webhook.DeliveryJob
	for rows.Next() {
		var job webhook.DeliveryJob
		err := rows.Scan(
			&job.Delivery.ID,
			&job.Delivery.SubscriptionID,
			&job.Delivery.Event,
			&job.Delivery.Payload,
			&job.Delivery.AttemptCount,
			&job.Delivery.CreatedAt,
			&job.Subscription.OwnerID,
			&job.Subscription.URL,
			&job.Subscription.Secret,
			&job.Subscription.FailureCount,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed delivery: %w", err)
		}
		job.Delivery.Status = db.DeliveryDelivering
		job.Subscription.ID = job.Delivery.SubscriptionID
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return jobs, nil
}

// RecordDeliverySuccess marks a delivery delivered and resets the
// subscription's consecutive failure counter.
func (r *Repository) RecordDeliverySuccess(ctx context.Context, deliveryID, subscriptionID uuid.UUID, at time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	deliveryQuery := `
		UPDATE webhook_deliveries
		SET status = 'delivered', delivered_at = $2, last_error = NULL
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, deliveryQuery, deliveryID, at); err != nil {
		return fmt.Errorf("failed to mark delivery delivered: %w", err)
	}

	subQuery := `
		UPDATE webhook_subscriptions
		SET failure_count = 0, last_triggered_at = $2, last_success_at = $2
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, subQuery, subscriptionID, at); err != nil {
		return fmt.Errorf("failed to update subscription counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit delivery success: %w", err)
	}
	return nil
}

// RecordDeliveryFailure records a failed attempt: the delivery goes back to
// pending with its next due time, or to failed when the budget is spent, and
// the subscription's failure counter advances, deactivating it at threshold.
func (r *Repository) RecordDeliveryFailure(ctx context.Context, rec webhook.FailureRecord) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	status := db.DeliveryPending
	if rec.Terminal {
		status = db.DeliveryFailed
	}

	deliveryQuery := `
		UPDATE webhook_deliveries
		SET status = $2,
		    attempt_count = $3,
		    next_attempt_at = COALESCE($4, next_attempt_at),
		    last_error = $5
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, deliveryQuery, rec.DeliveryID, status, rec.AttemptCount, rec.NextAttemptAt, rec.Error); err != nil {
		return fmt.Errorf("failed to record delivery failure: %w", err)
	}

	subQuery := `
		UPDATE webhook_subscriptions
		SET failure_count = failure_count + 1,
		    last_triggered_at = now(),
		    is_active = is_active AND NOT $2
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, subQuery, rec.SubscriptionID, rec.Deactivate); err != nil {
		return fmt.Errorf("failed to update subscription counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit delivery failure: %w", err)
	}
	return nil
}
