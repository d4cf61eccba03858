package usagecache_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotakit/pkg/entitlement"
	"github.com/dmitrymomot/quotakit/pkg/usagecache"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCache_LoadFresh(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	c := usagecache.New(usagecache.NewMemoryStore(), usagecache.WithClock(clock.Now))

	s, err := c.Load(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", s.UserID)
	assert.Equal(t, entitlement.StatusFree, s.Record.Status)
	assert.Equal(t, 0, s.Quota.Count)
	assert.Equal(t, entitlement.DefaultDailyCredits, s.Quota.Limit)
	assert.Equal(t, entitlement.DefaultDailyTrials, s.Trial.DailyLimit)
	assert.Equal(t, clock.Now(), s.Quota.LastResetAt)
}

func TestCache_EmptyUser(t *testing.T) {
	t.Parallel()

	c := usagecache.New(usagecache.NewMemoryStore())
	_, err := c.Load(context.Background(), "")
	assert.ErrorIs(t, err, usagecache.ErrEmptyUserID)

	_, err = c.Update(context.Background(), "", func(*usagecache.Snapshot) error { return nil })
	assert.ErrorIs(t, err, usagecache.ErrEmptyUserID)
}

func TestCache_UpdatePersists(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := usagecache.NewMemoryStore()
	clock := newTestClock()

	c := usagecache.New(store, usagecache.WithClock(clock.Now))
	_, err := c.Update(ctx, "u1", func(s *usagecache.Snapshot) error {
		s.Quota.Count = 3
		s.Quota.LastUsedAt = clock.Now()
		return nil
	})
	require.NoError(t, err)

	// A second cache over the same store sees the persisted value.
	other := usagecache.New(store, usagecache.WithClock(clock.Now))
	s, err := other.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, s.Quota.Count)
	assert.Equal(t, []string{"usage_u1"}, store.Keys())
}

func TestCache_UpdateErrorLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := usagecache.New(usagecache.NewMemoryStore())
	errBoom := errors.New("boom")

	_, err := c.Update(ctx, "u1", func(s *usagecache.Snapshot) error {
		s.Quota.Count = 2
		return nil
	})
	require.NoError(t, err)

	got, err := c.Update(ctx, "u1", func(s *usagecache.Snapshot) error {
		s.Quota.Count = 5
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 2, got.Quota.Count)

	s, err := c.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Quota.Count)
}

func TestCache_CountIsClamped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := usagecache.New(usagecache.NewMemoryStore())

	s, err := c.Update(ctx, "u1", func(s *usagecache.Snapshot) error {
		s.Quota.Count = 99
		s.Trial.Used = -4
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, s.Quota.Limit, s.Quota.Count)
	assert.Equal(t, 0, s.Trial.Used)
}

func TestCache_DailyResetOncePerWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newTestClock()
	c := usagecache.New(usagecache.NewMemoryStore(), usagecache.WithClock(clock.Now))

	_, err := c.Update(ctx, "u1", func(s *usagecache.Snapshot) error {
		s.Quota.Count = 5
		s.Trial.Used = 2
		return nil
	})
	require.NoError(t, err)

	clock.Advance(23*time.Hour + 59*time.Minute)
	s, err := c.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 5, s.Quota.Count, "no reset before the window elapses")

	clock.Advance(time.Minute)
	s, err = c.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, s.Quota.Count)
	assert.Equal(t, 0, s.Trial.Used)
	resetAt := s.Quota.LastResetAt

	_, err = c.Update(ctx, "u1", func(s *usagecache.Snapshot) error {
		s.Quota.Count = 1
		return nil
	})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	s, err = c.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Quota.Count, "second load in the same window must not reset again")
	assert.Equal(t, resetAt, s.Quota.LastResetAt)
}

func TestCache_ConcurrentUpdatesSerialise(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := usagecache.New(usagecache.NewMemoryStore(), usagecache.WithDefaults(usagecache.Defaults{DailyCredits: 50}))

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Update(ctx, "u1", func(s *usagecache.Snapshot) error {
				s.Quota.Count++
				return nil
			})
		}()
	}
	wg.Wait()

	s, err := c.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 50, s.Quota.Count)
}

func TestCache_CorruptBlobIsDiscarded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := usagecache.NewMemoryStore()
	require.NoError(t, store.Set(ctx, usagecache.UsageKey("u1"), []byte("{not json")))

	c := usagecache.New(store)
	s, err := c.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, s.Quota.Count)
}

func TestCache_BlobUnderAnotherKeyTakesKeyUser(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newTestClock()
	store := usagecache.NewMemoryStore()
	b, err := usagecache.Encode(usagecache.Snapshot{
		UserID: "u1",
		Record: entitlement.FreeRecord("u1"),
		Quota:  entitlement.QuotaCounter{Count: 3, Limit: 5, LastResetAt: clock.Now()},
	})
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, usagecache.UsageKey("u2"), b))

	clock.Advance(25 * time.Hour)
	c := usagecache.New(store, usagecache.WithClock(clock.Now))
	s, err := c.Load(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "u2", s.UserID)
	assert.Equal(t, "u2", s.Record.UserID)
	assert.Zero(t, s.Quota.Count, "the due reset ran")

	// The renewed snapshot is written back under its own key only.
	_, err = store.Get(ctx, usagecache.UsageKey("u1"))
	assert.ErrorIs(t, err, usagecache.ErrNotFound)
}

func TestCache_ReturnsCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := usagecache.New(usagecache.NewMemoryStore())
	_, err := c.Update(ctx, "u1", func(s *usagecache.Snapshot) error {
		s.Record.Features = []entitlement.Feature{entitlement.DeepStudyMode}
		return nil
	})
	require.NoError(t, err)

	s, err := c.Load(ctx, "u1")
	require.NoError(t, err)
	s.Record.Features[0] = "tampered"

	again, err := c.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.DeepStudyMode, again.Record.Features[0])
}

func TestCache_Identity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := usagecache.New(usagecache.NewMemoryStore())

	_, err := c.Identity(ctx, "u1")
	assert.ErrorIs(t, err, usagecache.ErrNotFound)

	id := usagecache.Identity{UserID: "u1", Email: "a@example.com", Name: "Asha"}
	require.NoError(t, c.SetIdentity(ctx, id))

	got, err := c.Identity(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	require.NoError(t, c.Forget(ctx, "u1"))
	_, err = c.Identity(ctx, "u1")
	assert.ErrorIs(t, err, usagecache.ErrNotFound)
}

type failingStore struct {
	usagecache.MemoryStore
	err error
}

func (f *failingStore) Get(context.Context, string) ([]byte, error) { return nil, f.err }

func TestCache_StoreErrorSurfaces(t *testing.T) {
	t.Parallel()

	errDown := errors.New("disk gone")
	c := usagecache.New(&failingStore{err: errDown})

	_, err := c.Load(context.Background(), "u1")
	assert.ErrorIs(t, err, errDown)
}
