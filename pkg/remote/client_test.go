package remote_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotakit/pkg/entitlement"
	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/remote"
)

func newClient(t *testing.T, h http.Handler, opts ...remote.Option) *remote.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	base := []remote.Option{
		remote.WithLogger(logger.Discard()),
		remote.WithBackoff(remote.ConstantBackoff(time.Millisecond)),
	}
	c, err := remote.New(srv.URL, append(base, opts...)...)
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNew(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "localhost:8080", "ftp://example.com", "http://"} {
		_, err := remote.New(raw)
		assert.ErrorIs(t, err, remote.ErrInvalidBaseURL, "url %q", raw)
	}

	c, err := remote.New("https://api.example.com/v1")
	require.NoError(t, err)
	assert.Nil(t, c.Breaker())
}

func TestClient_CreditStatus(t *testing.T) {
	t.Parallel()

	t.Run("parses counter", func(t *testing.T) {
		t.Parallel()
		c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "/api/credits/status/user%201", r.URL.EscapedPath())
			writeJSON(w, http.StatusOK, map[string]any{
				"credits_used":      2,
				"credits_remaining": 3,
				"credits_limit":     5,
				"credits_date":      "2026-10-15",
				"is_pro_user":       false,
			})
		}), remote.WithPathPrefix("/api"))

		cs, err := c.CreditStatus(context.Background(), "user 1")
		require.NoError(t, err)
		assert.Equal(t, remote.CreditStatus{Used: 2, Remaining: 3, Limit: 5, Date: "2026-10-15"}, cs)
	})

	t.Run("escapes user id once", func(t *testing.T) {
		t.Parallel()
		c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/credits/status/team%2Falice%25", r.URL.EscapedPath())
			writeJSON(w, http.StatusOK, map[string]any{"credits_remaining": 5, "credits_limit": 5})
		}), remote.WithPathPrefix("/api"))

		_, err := c.CreditStatus(context.Background(), "team/alice%")
		require.NoError(t, err)
	})

	t.Run("derives used when absent", func(t *testing.T) {
		t.Parallel()
		c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"credits_remaining": 1, "credits_limit": 5})
		}))

		cs, err := c.CreditStatus(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, 4, cs.Used)
	})

	t.Run("missing fields are malformed", func(t *testing.T) {
		t.Parallel()
		c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"credits_used": 1})
		}))

		_, err := c.CreditStatus(context.Background(), "u1")
		assert.ErrorIs(t, err, remote.ErrMalformedResponse)
		assert.True(t, remote.IsUnavailable(err))
	})

	t.Run("garbage body is malformed", func(t *testing.T) {
		t.Parallel()
		c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>oops</html>"))
		}))

		_, err := c.CreditStatus(context.Background(), "u1")
		assert.ErrorIs(t, err, remote.ErrMalformedResponse)
	})

	t.Run("empty user id", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
		}))

		_, err := c.CreditStatus(context.Background(), "")
		assert.ErrorIs(t, err, remote.ErrEmptyUserID)
		assert.Zero(t, calls.Load())
	})
}

func TestClient_ConsumeCredit(t *testing.T) {
	t.Parallel()

	t.Run("sends body and idempotency key", func(t *testing.T) {
		t.Parallel()
		c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/credits/consume", r.URL.Path)
			assert.Equal(t, "sess-1", r.Header.Get("Idempotency-Key"))
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))

			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, map[string]string{
				"user_id":      "u1",
				"feature_name": "deep_study_mode",
				"session_id":   "sess-1",
			}, body)

			writeJSON(w, http.StatusOK, map[string]any{"success": true, "credits_remaining": 2, "message": "ok"})
		}), remote.WithHeader("X-Api-Key", "secret"))

		res, err := c.ConsumeCredit(context.Background(), remote.ConsumeRequest{
			UserID:    "u1",
			Feature:   "deep_study_mode",
			SessionID: "sess-1",
		})
		require.NoError(t, err)
		assert.Equal(t, remote.ConsumeResult{Success: true, Remaining: 2, Message: "ok"}, res)
	})

	t.Run("refusal body is a result not an error", func(t *testing.T) {
		t.Parallel()
		c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "Daily credit limit reached"})
		}))

		res, err := c.ConsumeCredit(context.Background(), remote.ConsumeRequest{UserID: "u1", Feature: "x"})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, "Daily credit limit reached", res.Message)
	})

	t.Run("success without remaining is malformed", func(t *testing.T) {
		t.Parallel()
		c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"success": true})
		}))

		_, err := c.ConsumeCredit(context.Background(), remote.ConsumeRequest{UserID: "u1", Feature: "x"})
		assert.ErrorIs(t, err, remote.ErrMalformedResponse)
	})

	t.Run("4xx is rejected and not retried", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeJSON(w, http.StatusForbidden, map[string]any{"detail": "no"})
		}))

		_, err := c.ConsumeCredit(context.Background(), remote.ConsumeRequest{UserID: "u1", Feature: "x"})
		assert.ErrorIs(t, err, remote.ErrRejected)
		assert.False(t, remote.IsUnavailable(err))

		var serr *remote.StatusError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, http.StatusForbidden, serr.Code)
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestClient_Retries(t *testing.T) {
	t.Parallel()

	t.Run("5xx is retried until success", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		keys := make(chan string, 3)
		c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			keys <- r.Header.Get("Idempotency-Key")
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "trial_sessions_remaining": 4})
		}), remote.WithMaxRetries(2))

		res, err := c.UseTrial(context.Background(), remote.TrialRequest{UserID: "u1", Feature: "deep_study_mode"})
		require.NoError(t, err)
		assert.Equal(t, 4, res.Remaining)
		assert.Equal(t, int32(3), calls.Load())

		first := <-keys
		assert.NotEmpty(t, first)
		assert.Equal(t, first, <-keys, "retries reuse the idempotency key")
		assert.Equal(t, first, <-keys)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusTooManyRequests)
		}), remote.WithMaxRetries(1))

		_, err := c.SubscriptionStatus(context.Background(), "u1")
		assert.ErrorIs(t, err, remote.ErrUnavailable)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("timeout is unavailable", func(t *testing.T) {
		t.Parallel()
		release := make(chan struct{})
		t.Cleanup(func() { close(release) })
		c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}), remote.WithMaxRetries(0), remote.WithRequestTimeout(20*time.Millisecond))

		_, err := c.CreditStatus(context.Background(), "u1")
		assert.ErrorIs(t, err, remote.ErrUnavailable)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestClient_Breaker(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	b := remote.NewBreaker(2, time.Hour)
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}), remote.WithMaxRetries(0), remote.WithBreaker(b))

	for range 2 {
		_, err := c.CreditStatus(context.Background(), "u1")
		assert.ErrorIs(t, err, remote.ErrUnavailable)
	}
	assert.Equal(t, remote.BreakerOpen, b.State())

	_, err := c.CreditStatus(context.Background(), "u1")
	assert.ErrorIs(t, err, remote.ErrCircuitOpen)
	assert.ErrorIs(t, err, remote.ErrUnavailable)
	assert.Equal(t, int32(2), calls.Load(), "open breaker short-circuits")
}

func TestClient_SubscriptionStatus(t *testing.T) {
	t.Parallel()

	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/subscription/status", r.URL.Path)
		assert.Equal(t, "u1", r.URL.Query().Get("user_id"))
		writeJSON(w, http.StatusOK, map[string]any{
			"status":               "pro",
			"tier":                 "pro_monthly",
			"trial_sessions_used":  1,
			"trial_sessions_limit": 5,
			"expires_at":           "2026-11-14T10:00:00",
			"features":             []string{"deep_study_mode", "pro_ai_chat"},
		})
	}))

	st, err := c.SubscriptionStatus(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusPro, st.Status)
	assert.Equal(t, entitlement.TierProMonthly, st.Tier)
	assert.Equal(t, 1, st.TrialUsed)
	require.NotNil(t, st.ExpiresAt)
	assert.Equal(t, time.Date(2026, 11, 14, 10, 0, 0, 0, time.UTC), *st.ExpiresAt)

	rec := st.Record("u1")
	assert.Equal(t, "u1", rec.UserID)
	assert.True(t, rec.HasFeature(entitlement.DeepStudyMode))

	t.Run("unknown status is malformed", func(t *testing.T) {
		t.Parallel()
		c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"status": "platinum"})
		}))
		_, err := c.SubscriptionStatus(context.Background(), "u1")
		assert.ErrorIs(t, err, remote.ErrMalformedResponse)
	})
}

func TestClient_UpgradeCancelFeatures(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /subscription/upgrade", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "pro_yearly", body["tier"])
		assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))
		writeJSON(w, http.StatusOK, remote.ActionResult{Success: true, Message: "upgraded"})
	})
	mux.HandleFunc("POST /subscription/cancel", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "u1", body["user_id"])
		writeJSON(w, http.StatusOK, remote.ActionResult{Success: true, Message: "cancelled"})
	})
	mux.HandleFunc("GET /features", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []remote.FeatureInfo{{Name: "deep_study_mode", RequiresPro: true, CreditsRequired: 1}})
	})
	mux.HandleFunc("POST /credits/reset", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "reset_count": 7})
	})
	c := newClient(t, mux)
	ctx := context.Background()

	up, err := c.Upgrade(ctx, remote.UpgradeRequest{UserID: "u1", Tier: "pro_yearly"})
	require.NoError(t, err)
	assert.True(t, up.Success)

	cn, err := c.Cancel(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", cn.Message)

	fs, err := c.Features(ctx)
	require.NoError(t, err)
	require.Len(t, fs, 1)
	assert.True(t, fs[0].RequiresPro)

	n, err := c.ResetCredits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestClient_Metrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"credits_remaining": 5, "credits_limit": 5})
	}), remote.WithRegisterer(reg))

	_, err := c.CreditStatus(context.Background(), "u1")
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() == "quotakit_remote_requests_total" {
			found = true
			require.Len(t, mf.GetMetric(), 1)
			assert.InDelta(t, 1, mf.GetMetric()[0].GetCounter().GetValue(), 0)
		}
	}
	assert.True(t, found)
}

func TestIsUnavailable(t *testing.T) {
	t.Parallel()

	assert.True(t, remote.IsUnavailable(errors.Join(remote.ErrUnavailable, errors.New("dial"))))
	assert.True(t, remote.IsUnavailable(remote.ErrMalformedResponse))
	assert.False(t, remote.IsUnavailable(remote.ErrRejected))
	assert.False(t, remote.IsUnavailable(nil))
}
