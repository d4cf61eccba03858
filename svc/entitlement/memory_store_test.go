package entitlement_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotakit/svc/entitlement"
)

// storeContract runs the behaviour every Store must share.
func storeContract(t *testing.T, newStore func(t *testing.T) entitlement.Store) {
	ctx := context.Background()
	day := entitlement.Day(time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC))

	t.Run("credits are created on first read", func(t *testing.T) {
		s := newStore(t)
		c, err := s.Credits(ctx, "u1", day, 3)
		require.NoError(t, err)
		assert.Equal(t, 0, c.Used)
		assert.Equal(t, 3, c.Limit)
		assert.Equal(t, 3, c.Remaining())
	})

	t.Run("spend respects the limit", func(t *testing.T) {
		s := newStore(t)
		p := entitlement.SpendParams{UserID: "u1", Feature: "f", Day: day, Limit: 2}
		for range 2 {
			res, err := s.SpendCredit(ctx, p)
			require.NoError(t, err)
			assert.True(t, res.Spent)
		}
		res, err := s.SpendCredit(ctx, p)
		require.NoError(t, err)
		assert.False(t, res.Spent)
		assert.Equal(t, 2, res.Credits.Used)
	})

	t.Run("session replay", func(t *testing.T) {
		s := newStore(t)
		p := entitlement.SpendParams{UserID: "u1", Feature: "f", SessionID: "s1", Day: day, Limit: 5}
		first, err := s.SpendCredit(ctx, p)
		require.NoError(t, err)
		again, err := s.SpendCredit(ctx, p)
		require.NoError(t, err)
		assert.False(t, first.Replayed)
		assert.True(t, again.Replayed)
		assert.Equal(t, 1, again.Credits.Used)
	})

	t.Run("unmetered spend", func(t *testing.T) {
		s := newStore(t)
		res, err := s.SpendCredit(ctx, entitlement.SpendParams{UserID: "u1", Feature: "f", Day: day, Limit: 1, Unmetered: true})
		require.NoError(t, err)
		assert.True(t, res.Spent)
		assert.Zero(t, res.Credits.Used)
	})

	t.Run("reset clears past days only", func(t *testing.T) {
		s := newStore(t)
		yesterday := day.AddDate(0, 0, -1)
		_, err := s.SpendCredit(ctx, entitlement.SpendParams{UserID: "u1", Feature: "f", Day: yesterday, Limit: 5})
		require.NoError(t, err)
		_, err = s.SpendCredit(ctx, entitlement.SpendParams{UserID: "u1", Feature: "f", Day: day, Limit: 5})
		require.NoError(t, err)

		n, err := s.ResetCredits(ctx, day)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		c, err := s.Credits(ctx, "u1", day, 5)
		require.NoError(t, err)
		assert.Equal(t, 1, c.Used)
	})

	t.Run("trials", func(t *testing.T) {
		s := newStore(t)
		p := entitlement.TrialParams{UserID: "u1", Feature: "f", Day: day, Limit: 2}
		for want := 1; want <= 2; want++ {
			res, err := s.SpendTrial(ctx, p)
			require.NoError(t, err)
			assert.True(t, res.Granted)
			assert.Equal(t, want, res.Used)
		}
		res, err := s.SpendTrial(ctx, p)
		require.NoError(t, err)
		assert.False(t, res.Granted)

		used, err := s.TrialsUsed(ctx, "u1", day)
		require.NoError(t, err)
		assert.Equal(t, 2, used)

		used, err = s.TrialsUsed(ctx, "u1", day.AddDate(0, 0, 1))
		require.NoError(t, err)
		assert.Zero(t, used)
	})

	t.Run("subscriptions", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Subscription(ctx, "u1")
		assert.ErrorIs(t, err, entitlement.ErrSubscriptionNotFound)

		exp := day.Add(30 * 24 * time.Hour)
		sub := entitlement.Subscription{
			UserID:    "u1",
			Status:    "pro",
			Tier:      "pro_monthly",
			StartedAt: day,
			ExpiresAt: &exp,
			UpdatedAt: day,
		}
		require.NoError(t, s.SaveSubscription(ctx, sub))

		got, err := s.Subscription(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, sub.Status, got.Status)
		assert.Equal(t, sub.Tier, got.Tier)
		require.NotNil(t, got.ExpiresAt)
		assert.True(t, exp.Equal(*got.ExpiresAt))

		sub.Status = "cancelled"
		require.NoError(t, s.SaveSubscription(ctx, sub))
		got, err = s.Subscription(ctx, "u1")
		require.NoError(t, err)
		assert.EqualValues(t, "cancelled", got.Status)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, newStore(t).Ping(ctx))
	})
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	storeContract(t, func(*testing.T) entitlement.Store { return entitlement.NewMemoryStore() })
}

func TestDay(t *testing.T) {
	t.Parallel()
	ist := time.FixedZone("IST", 5*3600+1800)
	got := entitlement.Day(time.Date(2026, 3, 11, 2, 0, 0, 0, ist))
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), got)
}

func TestMemoryStore_ResetDropsPastDays(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	day := entitlement.Day(time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC))
	yesterday := day.AddDate(0, 0, -1)

	s := entitlement.NewMemoryStore()
	for i := range 3 {
		user := fmt.Sprintf("u%d", i)
		_, err := s.SpendCredit(ctx, entitlement.SpendParams{UserID: user, Feature: "f", SessionID: "s1", Day: yesterday, Limit: 5})
		require.NoError(t, err)
		_, err = s.SpendTrial(ctx, entitlement.TrialParams{UserID: user, Feature: "f", SessionID: "t1", Day: yesterday, Limit: 5})
		require.NoError(t, err)
	}
	_, err := s.SpendCredit(ctx, entitlement.SpendParams{UserID: "u0", Feature: "f", Day: day, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 7, s.Len())

	n, err := s.ResetCredits(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, s.Len(), "only today's counter is kept")

	c, err := s.Credits(ctx, "u0", day, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Used)

	// Sessions of a dropped day are forgotten with it.
	res, err := s.SpendCredit(ctx, entitlement.SpendParams{UserID: "u1", Feature: "f", SessionID: "s1", Day: day, Limit: 5})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
}
