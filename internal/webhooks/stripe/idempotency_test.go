package stripewebhook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	keys   map[string]string
	setErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{keys: map[string]string{}}
}

func (s *fakeStore) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if s.setErr != nil {
		return false, s.setErr
	}
	if _, ok := s.keys[key]; ok {
		return false, nil
	}
	s.keys[key] = "1"
	return true, nil
}

func (s *fakeStore) IdempotencyKey(scope, id string) string {
	return "test:" + scope + ":" + id
}

func (s *fakeStore) Del(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		delete(s.keys, key)
	}
	return nil
}

func TestIdempotencyGuard(t *testing.T) {
	ctx := context.Background()

	t.Run("first delivery passes, replay is flagged", func(t *testing.T) {
		guard, err := NewIdempotencyGuard(newFakeStore(), time.Hour, "stripe")
		require.NoError(t, err)

		replayed, err := guard.CheckAndMark(ctx, "evt_1")
		require.NoError(t, err)
		assert.False(t, replayed)

		replayed, err = guard.CheckAndMark(ctx, "evt_1")
		require.NoError(t, err)
		assert.True(t, replayed)
	})

	t.Run("delete releases the mark for redelivery", func(t *testing.T) {
		guard, err := NewIdempotencyGuard(newFakeStore(), time.Hour, "stripe")
		require.NoError(t, err)

		_, err = guard.CheckAndMark(ctx, "evt_2")
		require.NoError(t, err)
		require.NoError(t, guard.Delete(ctx, "evt_2"))

		replayed, err := guard.CheckAndMark(ctx, "evt_2")
		require.NoError(t, err)
		assert.False(t, replayed)
	})

	t.Run("store failure surfaces", func(t *testing.T) {
		store := newFakeStore()
		store.setErr = errors.New("redis down")
		guard, err := NewIdempotencyGuard(store, time.Hour, "stripe")
		require.NoError(t, err)

		_, err = guard.CheckAndMark(ctx, "evt_3")
		require.Error(t, err)
	})

	t.Run("empty event id is rejected", func(t *testing.T) {
		guard, err := NewIdempotencyGuard(newFakeStore(), time.Hour, "stripe")
		require.NoError(t, err)

		_, err = guard.CheckAndMark(ctx, "")
		require.Error(t, err)
	})
}
