package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smhunt/meterscience-verify-worker/internal/config"
	"github.com/smhunt/meterscience-verify-worker/internal/db"
)

var testWebhookConfig = config.WebhookConfig{
	BackoffSchedule:  []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute, 2 * time.Hour, 12 * time.Hour},
	FailureThreshold: 10,
	DeliveryTimeout:  2 * time.Second,
	Workers:          2,
	PollInterval:     10 * time.Millisecond,
	PollBatch:        50,
}

type recordingStore struct {
	mu        sync.Mutex
	successes []uuid.UUID
	failures  []FailureRecord
}

func (r *recordingStore) ClaimDueDeliveries(context.Context, time.Time, int) ([]DeliveryJob, error) {
	return nil, nil
}

func (r *recordingStore) RecordDeliverySuccess(ctx context.Context, deliveryID, _ uuid.UUID, _ time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes = append(r.successes, deliveryID)
	return nil
}

func (r *recordingStore) RecordDeliveryFailure(ctx context.Context, rec FailureRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, rec)
	return nil
}

func jobFor(url, secret string) DeliveryJob {
	return DeliveryJob{
		Delivery: db.WebhookDelivery{
			ID:      uuid.New(),
			Event:   EventReadingVerified,
			Payload: []byte(`{"event":"reading.verified"}`),
		},
		Subscription: db.WebhookSubscription{
			ID:     uuid.New(),
			URL:    url,
			Secret: secret,
		},
	}
}

func TestAttempt_SignsAndDelivers(t *testing.T) {
	var mu sync.Mutex
	var gotSignature, gotEvent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotSignature = r.Header.Get(SignatureHeader)
		gotEvent = r.Header.Get("X-Webhook-Event")
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := &recordingStore{}
	d := NewDispatcher(store, testWebhookConfig, zap.NewNop())
	job := jobFor(srv.URL, "s3cret")

	d.attempt(context.Background(), job)

	require.Len(t, store.successes, 1)
	assert.Empty(t, store.failures)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, EventReadingVerified, gotEvent)
	assert.True(t, VerifySignature("s3cret", job.Delivery.Payload, gotSignature))
}

func TestAttempt_Non2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := &recordingStore{}
	d := NewDispatcher(store, testWebhookConfig, zap.NewNop())

	d.attempt(context.Background(), jobFor(srv.URL, "s3cret"))

	require.Len(t, store.failures, 1)
	rec := store.failures[0]
	assert.Equal(t, 1, rec.AttemptCount)
	assert.False(t, rec.Terminal)
	require.NotNil(t, rec.NextAttemptAt)
}

func TestAttempt_RecordsFailureAfterContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := &recordingStore{}
	d := NewDispatcher(store, testWebhookConfig, zap.NewNop())

	// The send fails on the dead context, but the failure must still be
	// written so the delivery comes back as pending instead of sticking in
	// delivering until the lease expires.
	d.attempt(ctx, jobFor("http://127.0.0.1:0/hook", "s3cret"))

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.failures, 1)
	assert.Equal(t, 1, store.failures[0].AttemptCount)
	assert.Empty(t, store.successes)
}

func TestFailureRecord_BackoffSchedule(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sendErr := errors.New("connection refused")

	cases := []struct {
		priorAttempts int
		wantDelay     time.Duration
		wantTerminal  bool
	}{
		{0, time.Minute, false},
		{1, 5 * time.Minute, false},
		{2, 30 * time.Minute, false},
		{3, 2 * time.Hour, false},
		{4, 12 * time.Hour, false},
		{5, 0, true},
		{9, 0, true},
	}
	for _, c := range cases {
		job := jobFor("https://example.com/hook", "s")
		job.Delivery.AttemptCount = c.priorAttempts

		rec := failureRecord(job, testWebhookConfig, now, sendErr)

		assert.Equal(t, c.priorAttempts+1, rec.AttemptCount)
		assert.Equal(t, c.wantTerminal, rec.Terminal, "prior attempts %d", c.priorAttempts)
		if c.wantTerminal {
			assert.Nil(t, rec.NextAttemptAt)
		} else {
			require.NotNil(t, rec.NextAttemptAt)
			assert.Equal(t, now.Add(c.wantDelay), *rec.NextAttemptAt, "prior attempts %d", c.priorAttempts)
		}
	}
}

func TestFailureRecord_DeactivatesAtThreshold(t *testing.T) {
	now := time.Now().UTC()
	sendErr := errors.New("timeout")

	job := jobFor("https://example.com/hook", "s")
	job.Subscription.FailureCount = 8
	rec := failureRecord(job, testWebhookConfig, now, sendErr)
	assert.False(t, rec.Deactivate)

	job.Subscription.FailureCount = 9
	rec = failureRecord(job, testWebhookConfig, now, sendErr)
	assert.True(t, rec.Deactivate)
}

func TestDispatcher_DrainsQueueThroughWorkers(t *testing.T) {
	var mu sync.Mutex
	received := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		received++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &queueStore{recordingStore: &recordingStore{}}
	for i := 0; i < 5; i++ {
		store.pending = append(store.pending, jobFor(srv.URL, "s"))
	}

	d := NewDispatcher(store, testWebhookConfig, zap.NewNop())
	d.Start()
	defer d.Stop()

	deadline := time.After(2 * time.Second)
	for {
		store.recordingStore.mu.Lock()
		done := len(store.recordingStore.successes) == 5
		store.recordingStore.mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("dispatcher did not drain the queue in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, received)
}

func TestDispatcher_StopCompletesInFlightDelivery(t *testing.T) {
	entered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &queueStore{recordingStore: &recordingStore{}}
	store.pending = append(store.pending, jobFor(srv.URL, "s"))

	d := NewDispatcher(store, testWebhookConfig, zap.NewNop())
	d.Start()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never reached the endpoint")
	}
	d.Stop()

	store.recordingStore.mu.Lock()
	defer store.recordingStore.mu.Unlock()
	require.Len(t, store.recordingStore.successes, 1)
	assert.Empty(t, store.recordingStore.failures)
}

type queueStore struct {
	*recordingStore
	qmu     sync.Mutex
	pending []DeliveryJob
}

func (q *queueStore) ClaimDueDeliveries(_ context.Context, _ time.Time, limit int) ([]DeliveryJob, error) {
	q.qmu.Lock()
	defer q.qmu.Unlock()
	n := len(q.pending)
	if n > limit {
		n = limit
	}
	claimed := q.pending[:n]
	q.pending = q.pending[n:]
	return claimed, nil
}
