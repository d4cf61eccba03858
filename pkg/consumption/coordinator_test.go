package consumption_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotakit/pkg/consumption"
	"github.com/dmitrymomot/quotakit/pkg/entitlement"
	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/remote"
	"github.com/dmitrymomot/quotakit/pkg/usagecache"
)

const userID = "user-1"

type confirmFunc func(ctx context.Context, req remote.ConsumeRequest) (remote.ConsumeResult, error)

func (f confirmFunc) ConsumeCredit(ctx context.Context, req remote.ConsumeRequest) (remote.ConsumeResult, error) {
	return f(ctx, req)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
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

type fixture struct {
	cache *usagecache.Cache
	clock *testClock
}

func newFixture(t *testing.T, limit int) fixture {
	t.Helper()
	clk := newTestClock()
	cache := usagecache.New(usagecache.NewMemoryStore(),
		usagecache.WithDefaults(usagecache.Defaults{DailyCredits: limit, DailyTrials: 3}),
		usagecache.WithClock(clk.Now),
		usagecache.WithLogger(logger.Discard()),
	)
	return fixture{cache: cache, clock: clk}
}

func (f fixture) seed(t *testing.T, used int) {
	t.Helper()
	_, err := f.cache.Update(context.Background(), userID, func(s *usagecache.Snapshot) error {
		s.Quota.Count = used
		return nil
	})
	require.NoError(t, err)
}

func (f fixture) quota(t *testing.T) entitlement.QuotaCounter {
	t.Helper()
	s, err := f.cache.Load(context.Background(), userID)
	require.NoError(t, err)
	return s.Quota
}

func (f fixture) coordinator(confirmer consumption.Confirmer, opts ...consumption.Option) *consumption.Coordinator {
	base := []consumption.Option{
		consumption.WithClock(f.clock.Now),
		consumption.WithLogger(logger.Discard()),
	}
	return consumption.New(f.cache, confirmer, append(base, opts...)...)
}

func TestConsume_ExhaustedMakesNoCall(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 5)
	f.seed(t, 5)

	var calls atomic.Int32
	coord := f.coordinator(confirmFunc(func(context.Context, remote.ConsumeRequest) (remote.ConsumeResult, error) {
		calls.Add(1)
		return remote.ConsumeResult{Success: true}, nil
	}))

	c, err := coord.Consume(context.Background(), userID, entitlement.DeepStudyMode)
	require.NoError(t, err)
	assert.True(t, c.Settled())
	assert.Equal(t, consumption.Result{Remaining: 0, State: consumption.StateNotApplied}, c.Snapshot())
	assert.False(t, c.Pending().Applied)

	res, err := c.Await(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Applied)

	coord.Wait()
	assert.Zero(t, calls.Load())
	assert.Equal(t, 5, f.quota(t).Count)
}

func TestConsume_ServerValueWins(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		serverRemaining int
		wantRemaining   int
	}{
		{name: "agrees with local", serverRemaining: 2, wantRemaining: 2},
		{name: "server knows more spends", serverRemaining: 0, wantRemaining: 0},
		{name: "server granted more", serverRemaining: 4, wantRemaining: 4},
		{name: "server value above limit is clamped", serverRemaining: 9, wantRemaining: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, 5)
			f.seed(t, 2)

			var got remote.ConsumeRequest
			coord := f.coordinator(confirmFunc(func(_ context.Context, req remote.ConsumeRequest) (remote.ConsumeResult, error) {
				got = req
				return remote.ConsumeResult{Success: true, Remaining: tt.serverRemaining}, nil
			}))

			c, err := coord.Consume(context.Background(), userID, entitlement.DeepStudyMode)
			require.NoError(t, err)
			assert.Equal(t, consumption.Result{Applied: true, Remaining: 2, State: consumption.StatePending}, c.Snapshot())

			res, err := c.AwaitWithTimeout(time.Second)
			require.NoError(t, err)
			assert.Equal(t, consumption.StateConfirmed, res.State)
			assert.Equal(t, tt.wantRemaining, res.Remaining)
			assert.Equal(t, tt.wantRemaining, f.quota(t).Remaining())

			assert.Equal(t, userID, got.UserID)
			assert.Equal(t, "deep_study_mode", got.Feature)
			assert.Equal(t, c.Pending().ID, got.SessionID)
			assert.Zero(t, coord.InFlight(userID))
		})
	}
}

func TestConsume_RollbackIsExact(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		reply   func(ctx context.Context) (remote.ConsumeResult, error)
		wantErr error
	}{
		{
			name: "network error",
			reply: func(context.Context) (remote.ConsumeResult, error) {
				return remote.ConsumeResult{}, errors.Join(remote.ErrUnavailable, errors.New("connection refused"))
			},
			wantErr: remote.ErrUnavailable,
		},
		{
			name: "malformed response",
			reply: func(context.Context) (remote.ConsumeResult, error) {
				return remote.ConsumeResult{}, remote.ErrMalformedResponse
			},
			wantErr: remote.ErrMalformedResponse,
		},
		{
			name: "server refusal",
			reply: func(context.Context) (remote.ConsumeResult, error) {
				return remote.ConsumeResult{Success: false, Message: "Daily credit limit reached"}, nil
			},
			wantErr: consumption.ErrRejected,
		},
		{
			name: "rejected status",
			reply: func(context.Context) (remote.ConsumeResult, error) {
				return remote.ConsumeResult{}, remote.ErrRejected
			},
			wantErr: remote.ErrRejected,
		},
		{
			name: "confirm times out",
			reply: func(ctx context.Context) (remote.ConsumeResult, error) {
				<-ctx.Done()
				return remote.ConsumeResult{}, ctx.Err()
			},
			wantErr: consumption.ErrConfirmTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, 5)
			f.seed(t, 1)
			coord := f.coordinator(confirmFunc(func(ctx context.Context, _ remote.ConsumeRequest) (remote.ConsumeResult, error) {
				return tt.reply(ctx)
			}), consumption.WithConfirmTimeout(20*time.Millisecond))

			c, err := coord.Consume(context.Background(), userID, entitlement.ProblemGenerator)
			require.NoError(t, err)
			assert.Equal(t, 3, c.Snapshot().Remaining)

			res, err := c.AwaitWithTimeout(time.Second)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, consumption.StateRolledBack, res.State)
			assert.False(t, res.Applied)
			assert.Equal(t, 4, res.Remaining)
			assert.Equal(t, 1, f.quota(t).Count)
		})
	}
}

// A confirm that times out after the optimistic 5 -> 4 restores 5 and
// surfaces the error even when the confirmer ignores its context.
func TestConsume_TimeoutWithStuckConfirmer(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 5)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	coord := f.coordinator(confirmFunc(func(context.Context, remote.ConsumeRequest) (remote.ConsumeResult, error) {
		<-release
		return remote.ConsumeResult{Success: true, Remaining: 4}, nil
	}), consumption.WithConfirmTimeout(30*time.Millisecond))

	c, err := coord.Consume(context.Background(), userID, entitlement.DeepStudyMode)
	require.NoError(t, err)
	assert.Equal(t, 4, c.Snapshot().Remaining)
	assert.Equal(t, 4, f.quota(t).Remaining())

	res, err := c.AwaitWithTimeout(time.Second)
	require.ErrorIs(t, err, consumption.ErrConfirmTimeout)
	assert.Equal(t, 5, res.Remaining)
	assert.Equal(t, 5, f.quota(t).Remaining())
}

func TestConsume_CallerCancellationDoesNotAbortConfirm(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 5)
	ctx, cancel := context.WithCancel(context.Background())

	proceed := make(chan struct{})
	coord := f.coordinator(confirmFunc(func(ctx context.Context, _ remote.ConsumeRequest) (remote.ConsumeResult, error) {
		<-proceed
		if err := ctx.Err(); err != nil {
			return remote.ConsumeResult{}, err
		}
		return remote.ConsumeResult{Success: true, Remaining: 4}, nil
	}))

	c, err := coord.Consume(ctx, userID, entitlement.DeepStudyMode)
	require.NoError(t, err)
	cancel()
	close(proceed)

	res, err := c.AwaitWithTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, consumption.StateConfirmed, res.State)
	assert.Equal(t, 4, f.quota(t).Remaining())
}

func TestConsume_RollbackAfterResetLeavesFreshWindow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 5)
	f.seed(t, 3)

	proceed := make(chan struct{})
	coord := f.coordinator(confirmFunc(func(context.Context, remote.ConsumeRequest) (remote.ConsumeResult, error) {
		<-proceed
		return remote.ConsumeResult{}, remote.ErrUnavailable
	}))

	c, err := coord.Consume(context.Background(), userID, entitlement.DeepStudyMode)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Snapshot().Remaining)

	f.clock.Advance(25 * time.Hour)
	close(proceed)

	res, err := c.AwaitWithTimeout(time.Second)
	require.ErrorIs(t, err, remote.ErrUnavailable)
	assert.Equal(t, 5, res.Remaining)
	assert.Zero(t, f.quota(t).Count)
}

// Two spends in flight, confirmed out of order. Until the last one settles the
// other spend stays applied on top of the server value; afterwards the last
// reply stands verbatim until the next sync.
func TestConsume_ConcurrentConfirmsSettleInAnyOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 5)

	var seq atomic.Int32
	gates := map[string]chan remote.ConsumeResult{
		"a": make(chan remote.ConsumeResult, 1),
		"b": make(chan remote.ConsumeResult, 1),
	}
	coord := f.coordinator(
		confirmFunc(func(_ context.Context, req remote.ConsumeRequest) (remote.ConsumeResult, error) {
			return <-gates[req.SessionID], nil
		}),
		consumption.WithIDGenerator(func() string {
			if seq.Add(1) == 1 {
				return "a"
			}
			return "b"
		}),
	)

	a, err := coord.Consume(context.Background(), userID, entitlement.DeepStudyMode)
	require.NoError(t, err)
	b, err := coord.Consume(context.Background(), userID, entitlement.StudyPlanGenerator)
	require.NoError(t, err)
	assert.Equal(t, 3, b.Snapshot().Remaining)
	assert.Equal(t, 2, coord.InFlight(userID))

	gates["b"] <- remote.ConsumeResult{Success: true, Remaining: 1}
	res, err := b.AwaitWithTimeout(time.Second)
	require.NoError(t, err)
	assert.Zero(t, res.Remaining, "a is still applied on top of the server value")

	gates["a"] <- remote.ConsumeResult{Success: true, Remaining: 2}
	res, err = a.AwaitWithTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Remaining)
	assert.Equal(t, 2, f.quota(t).Remaining())
	assert.Zero(t, coord.InFlight(userID))
}

func TestConsume_CountStaysWithinLimit(t *testing.T) {
	t.Parallel()

	const limit = 5
	f := newFixture(t, limit)

	var mu sync.Mutex
	serverRemaining := limit
	var n atomic.Int32
	coord := f.coordinator(confirmFunc(func(context.Context, remote.ConsumeRequest) (remote.ConsumeResult, error) {
		if n.Add(1)%3 == 0 {
			return remote.ConsumeResult{}, remote.ErrUnavailable
		}
		mu.Lock()
		defer mu.Unlock()
		if serverRemaining == 0 {
			return remote.ConsumeResult{Success: false, Message: "Daily credit limit reached"}, nil
		}
		serverRemaining--
		return remote.ConsumeResult{Success: true, Remaining: serverRemaining}, nil
	}))

	var wg sync.WaitGroup
	var applied atomic.Int32
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := coord.Consume(context.Background(), userID, entitlement.ProAIChat)
			if !assert.NoError(t, err, "consume %d", i) {
				return
			}
			if c.Snapshot().Applied {
				applied.Add(1)
			}
			s, err := f.cache.Load(context.Background(), userID)
			if assert.NoError(t, err) {
				assert.GreaterOrEqual(t, s.Quota.Count, 0)
				assert.LessOrEqual(t, s.Quota.Count, limit)
			}
		}()
	}
	wg.Wait()
	coord.Wait()

	assert.GreaterOrEqual(t, applied.Load(), int32(limit))
	q := f.quota(t)
	assert.GreaterOrEqual(t, q.Count, 0)
	assert.LessOrEqual(t, q.Count, limit)
	assert.Zero(t, coord.InFlight(userID))
}

func TestConsume_ConcurrentSpendsNeverOverdrawLocally(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 5)
	release := make(chan struct{})
	coord := f.coordinator(confirmFunc(func(context.Context, remote.ConsumeRequest) (remote.ConsumeResult, error) {
		<-release
		return remote.ConsumeResult{}, remote.ErrUnavailable
	}))

	var wg sync.WaitGroup
	var applied atomic.Int32
	for range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := coord.Consume(context.Background(), userID, entitlement.DeepStudyMode)
			if assert.NoError(t, err) && c.Snapshot().Applied {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), applied.Load())
	assert.Equal(t, 5, f.quota(t).Count)
	assert.Equal(t, 5, coord.InFlight(userID))

	close(release)
	coord.Wait()
	assert.Zero(t, f.quota(t).Count)
}

func TestConsume_EmptyUser(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 5)
	coord := f.coordinator(confirmFunc(func(context.Context, remote.ConsumeRequest) (remote.ConsumeResult, error) {
		t.Error("confirm must not be called")
		return remote.ConsumeResult{}, nil
	}))

	_, err := coord.Consume(context.Background(), "", entitlement.DeepStudyMode)
	assert.ErrorIs(t, err, usagecache.ErrEmptyUserID)
}

func TestConsume_Metrics(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	reg := prometheus.NewRegistry()
	coord := f.coordinator(confirmFunc(func(context.Context, remote.ConsumeRequest) (remote.ConsumeResult, error) {
		return remote.ConsumeResult{Success: true, Remaining: 0}, nil
	}), consumption.WithRegisterer(reg))

	c, err := coord.Consume(context.Background(), userID, entitlement.DeepStudyMode)
	require.NoError(t, err)
	_, err = c.AwaitWithTimeout(time.Second)
	require.NoError(t, err)

	_, err = coord.Consume(context.Background(), userID, entitlement.DeepStudyMode)
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	outcomes := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "quotakit_consumption_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" {
					outcomes[l.GetValue()] = m.GetCounter().GetValue()
				}
			}
		}
	}
	assert.Equal(t, map[string]float64{"confirmed": 1, "not_applied": 1}, outcomes)
}

func TestConsumption_AwaitWithTimeoutWhilePending(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 5)
	release := make(chan struct{})
	coord := f.coordinator(confirmFunc(func(context.Context, remote.ConsumeRequest) (remote.ConsumeResult, error) {
		<-release
		return remote.ConsumeResult{Success: true, Remaining: 4}, nil
	}))

	c, err := coord.Consume(context.Background(), userID, entitlement.DeepStudyMode)
	require.NoError(t, err)

	res, err := c.AwaitWithTimeout(10 * time.Millisecond)
	assert.ErrorIs(t, err, consumption.ErrAwaitTimeout)
	assert.Equal(t, c.Snapshot(), res)
	assert.False(t, c.Settled())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-c.Done()
	res, err = c.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, consumption.StateConfirmed, res.State)
}

func TestState_String(t *testing.T) {
	t.Parallel()

	for s, want := range map[consumption.State]string{
		consumption.StatePending:    "pending",
		consumption.StateConfirmed:  "confirmed",
		consumption.StateRolledBack: "rolled_back",
		consumption.StateNotApplied: "not_applied",
		consumption.StateWaived:     "waived",
		consumption.State(42):       "unknown",
	} {
		assert.Equal(t, want, s.String(), fmt.Sprint(int(s)))
	}
}
