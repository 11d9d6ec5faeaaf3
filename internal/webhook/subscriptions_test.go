package webhook_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smhunt/meterscience-verify-worker/internal/config"
	"github.com/smhunt/meterscience-verify-worker/internal/db"
	"github.com/smhunt/meterscience-verify-worker/internal/webhook"
)

type fakeSubStore struct {
	subs     map[uuid.UUID]*db.WebhookSubscription
	enqueued []enqueuedEvent
}

type enqueuedEvent struct {
	ownerID uuid.UUID
	event   string
	payload []byte
}

func newFakeSubStore() *fakeSubStore {
	return &fakeSubStore{subs: make(map[uuid.UUID]*db.WebhookSubscription)}
}

func (f *fakeSubStore) CountSubscriptions(_ context.Context, ownerID uuid.UUID) (int, error) {
	n := 0
	for _, s := range f.subs {
		if s.OwnerID == ownerID {
			n++
		}
	}
	return n, nil
}

func (f *fakeSubStore) HasSubscriptionURL(_ context.Context, ownerID uuid.UUID, url string) (bool, error) {
	for _, s := range f.subs {
		if s.OwnerID == ownerID && s.URL == url {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeSubStore) InsertSubscription(_ context.Context, sub *db.WebhookSubscription) error {
	cp := *sub
	f.subs[sub.ID] = &cp
	return nil
}

func (f *fakeSubStore) GetSubscription(_ context.Context, id uuid.UUID) (*db.WebhookSubscription, error) {
	if s, ok := f.subs[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeSubStore) ListSubscriptions(_ context.Context, ownerID uuid.UUID) ([]db.WebhookSubscription, error) {
	var out []db.WebhookSubscription
	for _, s := range f.subs {
		if s.OwnerID == ownerID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeSubStore) UpdateSubscriptionSecret(_ context.Context, id uuid.UUID, secret string) error {
	f.subs[id].Secret = secret
	return nil
}

func (f *fakeSubStore) SetSubscriptionActive(_ context.Context, id uuid.UUID, active bool) error {
	f.subs[id].IsActive = active
	if active {
		f.subs[id].FailureCount = 0
	}
	return nil
}

func (f *fakeSubStore) EnqueueDeliveries(_ context.Context, ownerID uuid.UUID, event string, payload []byte) (int, error) {
	f.enqueued = append(f.enqueued, enqueuedEvent{ownerID: ownerID, event: event, payload: payload})
	n := 0
	for _, s := range f.subs {
		if s.OwnerID != ownerID || !s.IsActive {
			continue
		}
		for _, e := range s.Events {
			if e == event {
				n++
				break
			}
		}
	}
	return n, nil
}

func newManager(store *fakeSubStore) *webhook.Manager {
	return webhook.NewManager(store, config.WebhookConfig{MaxPerOwner: 10}, zap.NewNop())
}

func TestRegister(t *testing.T) {
	store := newFakeSubStore()
	mgr := newManager(store)
	owner := uuid.New()

	sub, err := mgr.Register(context.Background(), owner, "https://example.com/hook", []string{webhook.EventReadingVerified})
	require.NoError(t, err)
	assert.True(t, sub.IsActive)
	assert.NotEmpty(t, sub.Secret)
	assert.Len(t, store.subs, 1)
}

func TestRegister_RejectsUnknownEvent(t *testing.T) {
	mgr := newManager(newFakeSubStore())

	_, err := mgr.Register(context.Background(), uuid.New(), "https://example.com/hook", []string{"reading.exploded"})
	assert.ErrorIs(t, err, webhook.ErrUnknownEvent)

	_, err = mgr.Register(context.Background(), uuid.New(), "https://example.com/hook", nil)
	assert.ErrorIs(t, err, webhook.ErrNoEvents)
}

func TestRegister_RejectsBadURL(t *testing.T) {
	mgr := newManager(newFakeSubStore())
	events := []string{webhook.EventReadingCreated}

	for _, bad := range []string{"", "example.com/hook", "ftp://example.com/hook", "https://"} {
		_, err := mgr.Register(context.Background(), uuid.New(), bad, events)
		assert.ErrorIs(t, err, webhook.ErrInvalidURL, "url %q", bad)
	}
}

func TestRegister_DuplicateURLPerOwner(t *testing.T) {
	store := newFakeSubStore()
	mgr := newManager(store)
	owner := uuid.New()
	events := []string{webhook.EventReadingVerified}

	_, err := mgr.Register(context.Background(), owner, "https://example.com/hook", events)
	require.NoError(t, err)

	_, err = mgr.Register(context.Background(), owner, "https://example.com/hook", events)
	assert.ErrorIs(t, err, webhook.ErrDuplicateURL)

	// Same URL under a different owner is fine.
	_, err = mgr.Register(context.Background(), uuid.New(), "https://example.com/hook", events)
	assert.NoError(t, err)
}

func TestRegister_OwnerLimit(t *testing.T) {
	store := newFakeSubStore()
	mgr := webhook.NewManager(store, config.WebhookConfig{MaxPerOwner: 2}, zap.NewNop())
	owner := uuid.New()
	events := []string{webhook.EventReadingFlagged}

	_, err := mgr.Register(context.Background(), owner, "https://example.com/a", events)
	require.NoError(t, err)
	_, err = mgr.Register(context.Background(), owner, "https://example.com/b", events)
	require.NoError(t, err)

	_, err = mgr.Register(context.Background(), owner, "https://example.com/c", events)
	assert.ErrorIs(t, err, webhook.ErrSubscriptionLimit)
}

func TestRotateSecret(t *testing.T) {
	store := newFakeSubStore()
	mgr := newManager(store)

	sub, err := mgr.Register(context.Background(), uuid.New(), "https://example.com/hook", []string{webhook.EventReadingVerified})
	require.NoError(t, err)
	old := sub.Secret

	rotated, err := mgr.RotateSecret(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.NotEqual(t, old, rotated)
	assert.Equal(t, rotated, store.subs[sub.ID].Secret)

	_, err = mgr.RotateSecret(context.Background(), uuid.New())
	assert.ErrorIs(t, err, webhook.ErrSubscriptionNotFound)
}

func TestReactivate_ResetsFailureCount(t *testing.T) {
	store := newFakeSubStore()
	mgr := newManager(store)

	sub, err := mgr.Register(context.Background(), uuid.New(), "https://example.com/hook", []string{webhook.EventReadingVerified})
	require.NoError(t, err)

	store.subs[sub.ID].IsActive = false
	store.subs[sub.ID].FailureCount = 10

	require.NoError(t, mgr.Reactivate(context.Background(), sub.ID))
	assert.True(t, store.subs[sub.ID].IsActive)
	assert.Equal(t, 0, store.subs[sub.ID].FailureCount)
}

func TestPublish(t *testing.T) {
	store := newFakeSubStore()
	mgr := newManager(store)
	owner := uuid.New()

	_, err := mgr.Register(context.Background(), owner, "https://example.com/hook", []string{webhook.EventReadingVerified})
	require.NoError(t, err)

	err = mgr.Publish(context.Background(), owner, webhook.EventReadingVerified, map[string]string{"reading_id": "r1"})
	require.NoError(t, err)
	require.Len(t, store.enqueued, 1)

	var payload webhook.Payload
	require.NoError(t, json.Unmarshal(store.enqueued[0].payload, &payload))
	assert.Equal(t, webhook.EventReadingVerified, payload.Event)
	assert.False(t, payload.Timestamp.IsZero())

	err = mgr.Publish(context.Background(), owner, "not.an.event", nil)
	assert.ErrorIs(t, err, webhook.ErrUnknownEvent)
}
