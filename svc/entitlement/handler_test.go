package entitlement_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ent "github.com/dmitrymomot/quotakit/pkg/entitlement"
	"github.com/dmitrymomot/quotakit/pkg/remote"
	"github.com/dmitrymomot/quotakit/svc/entitlement"
)

func newAPI(t *testing.T, opts ...entitlement.HandlerOption) (*httptest.Server, *remote.Client) {
	t.Helper()
	reg := prometheus.NewRegistry()
	svc, _, _ := newService(t, entitlement.WithRegisterer(reg))
	srv := httptest.NewServer(entitlement.NewHandler(svc, append([]entitlement.HandlerOption{
		entitlement.WithMetricsHandler(reg),
	}, opts...)...))
	t.Cleanup(srv.Close)

	client, err := remote.New(srv.URL, remote.WithMaxRetries(0))
	require.NoError(t, err)
	return srv, client
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return resp, out
}

func TestHandlerWithClient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("credits", func(t *testing.T) {
		t.Parallel()
		_, client := newAPI(t)

		cs, err := client.CreditStatus(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, ent.DefaultDailyCredits, cs.Remaining)
		assert.Equal(t, ent.DefaultDailyCredits, cs.Limit)
		assert.Equal(t, "2026-03-10", cs.Date)
		assert.False(t, cs.IsPro)

		req := remote.ConsumeRequest{UserID: "u1", Feature: string(ent.DeepStudyMode), SessionID: "s-1"}
		res, err := client.ConsumeCredit(ctx, req)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, ent.DefaultDailyCredits-1, res.Remaining)

		res, err = client.ConsumeCredit(ctx, req)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, ent.DefaultDailyCredits-1, res.Remaining, "same session is not charged twice")

		cs, err = client.CreditStatus(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 1, cs.Used)
	})

	t.Run("user ids that need escaping", func(t *testing.T) {
		t.Parallel()
		_, client := newAPI(t)

		for _, id := range []string{"alice smith", "team/alice", "50%off", "a?b#c"} {
			res, err := client.ConsumeCredit(ctx, remote.ConsumeRequest{UserID: id, Feature: string(ent.DeepStudyMode)})
			require.NoError(t, err, id)
			require.True(t, res.Success, id)

			cs, err := client.CreditStatus(ctx, id)
			require.NoError(t, err, id)
			assert.Equal(t, 1, cs.Used, id)
			assert.Equal(t, res.Remaining, cs.Remaining, id)
		}
	})

	t.Run("exhausted credits are not an error", func(t *testing.T) {
		t.Parallel()
		_, client := newAPI(t)
		req := remote.ConsumeRequest{UserID: "u1", Feature: string(ent.ProAIChat)}
		for range ent.DefaultDailyCredits {
			_, err := client.ConsumeCredit(ctx, req)
			require.NoError(t, err)
		}
		res, err := client.ConsumeCredit(ctx, req)
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, "No credits remaining", res.Message)
	})

	t.Run("unknown feature is rejected", func(t *testing.T) {
		t.Parallel()
		_, client := newAPI(t)
		_, err := client.ConsumeCredit(ctx, remote.ConsumeRequest{UserID: "u1", Feature: "teleport"})
		assert.ErrorIs(t, err, remote.ErrRejected)
	})

	t.Run("trial", func(t *testing.T) {
		t.Parallel()
		_, client := newAPI(t)

		res, err := client.UseTrial(ctx, remote.TrialRequest{UserID: "u1", Feature: string(ent.StudyPlanGenerator)})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, ent.DefaultDailyTrials-1, res.Remaining)

		st, err := client.SubscriptionStatus(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 1, st.TrialUsed)
		assert.Equal(t, ent.DefaultDailyTrials, st.TrialLimit)
	})

	t.Run("subscription", func(t *testing.T) {
		t.Parallel()
		_, client := newAPI(t)

		st, err := client.SubscriptionStatus(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, ent.StatusFree, st.Status)
		assert.Nil(t, st.ExpiresAt)

		up, err := client.Upgrade(ctx, remote.UpgradeRequest{UserID: "u1", Tier: string(ent.TierProYearly)})
		require.NoError(t, err)
		assert.True(t, up.Success)

		st, err = client.SubscriptionStatus(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, ent.StatusPro, st.Status)
		assert.Equal(t, ent.TierProYearly, st.Tier)
		assert.ElementsMatch(t, ent.ProFeatures, st.Features)
		require.NotNil(t, st.ExpiresAt)

		cs, err := client.CreditStatus(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, cs.IsPro)

		cancelled, err := client.Cancel(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, cancelled.Success)

		st, err = client.SubscriptionStatus(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, ent.StatusCancelled, st.Status)
		assert.Empty(t, st.Features)
	})

	t.Run("invalid tier is rejected", func(t *testing.T) {
		t.Parallel()
		_, client := newAPI(t)
		_, err := client.Upgrade(ctx, remote.UpgradeRequest{UserID: "u1", Tier: "gold"})
		assert.ErrorIs(t, err, remote.ErrRejected)
	})

	t.Run("features and reset", func(t *testing.T) {
		t.Parallel()
		_, client := newAPI(t)

		features, err := client.Features(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, features)
		assert.Equal(t, string(ent.DeepStudyMode), features[0].Name)
		assert.True(t, features[0].RequiresPro)

		n, err := client.ResetCredits(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestHandlerValidation(t *testing.T) {
	t.Parallel()
	srv, _ := newAPI(t)

	resp, body := postJSON(t, srv.URL+"/credits/consume", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation failed", body["error"])
	assert.Equal(t, map[string]any{"user_id": "required", "feature_name": "required"}, body["details"])

	resp, body = postJSON(t, srv.URL+"/subscription/upgrade", `{"user_id":"u1","tier":"free"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, map[string]any{"tier": "oneof"}, body["details"])

	resp, body = postJSON(t, srv.URL+"/subscription/cancel", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid JSON body", body["error"])

	get, err := http.Get(srv.URL + "/subscription/status")
	require.NoError(t, err)
	_ = get.Body.Close()
	assert.Equal(t, http.StatusBadRequest, get.StatusCode)
}

func TestHandlerIdempotencyKey(t *testing.T) {
	t.Parallel()
	srv, client := newAPI(t)

	send := func() {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/credits/consume",
			strings.NewReader(`{"user_id":"u1","feature_name":"deep_study_mode"}`))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", "key-1")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	send()
	send()

	cs, err := client.CreditStatus(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, cs.Used)
}

func TestHandlerRateLimit(t *testing.T) {
	t.Parallel()
	srv, _ := newAPI(t, entitlement.WithRateLimit(0.001, 2))

	body := `{"user_id":"u1","feature_name":"quick_help"}`
	for range 2 {
		resp, _ := postJSON(t, srv.URL+"/credits/consume", body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, out := postJSON(t, srv.URL+"/credits/consume", body)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Equal(t, "rate limit exceeded, try again later", out["error"])

	resp, _ = postJSON(t, srv.URL+"/credits/consume", `{"user_id":"u2","feature_name":"quick_help"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "limits are per user")
}

func TestHandlerRateLimitByTrustedHeader(t *testing.T) {
	t.Parallel()
	srv, _ := newAPI(t,
		entitlement.WithRateLimit(0.001, 1),
		entitlement.WithTrustedProxyHeaders("X-Forwarded-For"),
	)

	send := func(ip string) int {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/credits/consume", strings.NewReader(`{}`))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", ip)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusBadRequest, send("203.0.113.1"))
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.1"))
	assert.Equal(t, http.StatusBadRequest, send("203.0.113.2"), "anonymous requests are limited per client address")
}

func TestHandlerProbesAndMetrics(t *testing.T) {
	t.Parallel()
	srv, client := newAPI(t)

	_, err := client.ConsumeCredit(context.Background(), remote.ConsumeRequest{UserID: "u1", Feature: string(ent.DeepStudyMode)})
	require.NoError(t, err)

	for path, want := range map[string]int{"/healthz": http.StatusOK, "/readyz": http.StatusOK} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, want, resp.StatusCode, path)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `quotakit_service_credit_spends_total{outcome="spent"} 1`)
	assert.Contains(t, string(raw), `quotakit_service_http_requests_total{code="2xx",method="POST",route="/credits/consume"} 1`)
}
