package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotakit/pkg/logger"
)

const (
	endpointCreditStatus = "credits_status"
	endpointConsume      = "credits_consume"
	endpointResetCredits = "credits_reset"
	endpointTrialUse     = "trial_use"
	endpointSubscription = "subscription_status"
	endpointUpgrade      = "subscription_upgrade"
	endpointCancel       = "subscription_cancel"
	endpointFeatures     = "features"
	maxResponseBody      = 64 * 1024
	idempotencyKeyHeader = "Idempotency-Key"
	userAgent            = "quotakit-client/1.0"
)

// StatusError carries a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("entitlement service returned status %d", e.Code)
	}
	return fmt.Sprintf("entitlement service returned status %d: %s", e.Code, e.Body)
}

// Client talks to the entitlement service. Safe for concurrent use.
type Client struct {
	base       *url.URL
	prefix     string
	http       *http.Client
	timeout    time.Duration
	maxRetries int
	backoff    Backoff
	breaker    *Breaker
	headers    http.Header
	log        *slog.Logger
	metrics    *metrics
}

// New returns a Client for the service rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Join(ErrInvalidBaseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, baseURL)
	}

	c := &Client{
		base: u,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		timeout:    5 * time.Second,
		maxRetries: 2,
		backoff:    ExponentialBackoff{Jitter: 0.1},
		headers:    make(http.Header),
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Breaker returns the client's circuit breaker, or nil.
func (c *Client) Breaker() *Breaker { return c.breaker }

// CreditStatus fetches the authoritative daily credit counter.
func (c *Client) CreditStatus(ctx context.Context, userID string) (CreditStatus, error) {
	if userID == "" {
		return CreditStatus{}, ErrEmptyUserID
	}
	var w creditStatusWire
	path := "/credits/status/" + url.PathEscape(userID)
	if err := c.do(ctx, endpointCreditStatus, http.MethodGet, path, nil, nil, "", &w); err != nil {
		return CreditStatus{}, err
	}
	return w.convert()
}

// ConsumeCredit spends one credit. SessionID doubles as the idempotency key,
// so repeating a call with the same SessionID never spends twice.
func (c *Client) ConsumeCredit(ctx context.Context, req ConsumeRequest) (ConsumeResult, error) {
	if req.UserID == "" {
		return ConsumeResult{}, ErrEmptyUserID
	}
	var w consumeWire
	if err := c.do(ctx, endpointConsume, http.MethodPost, "/credits/consume", nil, req, req.SessionID, &w); err != nil {
		return ConsumeResult{}, err
	}
	return w.convert()
}

// UseTrial spends one trial session on the server.
func (c *Client) UseTrial(ctx context.Context, req TrialRequest) (TrialResult, error) {
	if req.UserID == "" {
		return TrialResult{}, ErrEmptyUserID
	}
	var w trialWire
	if err := c.do(ctx, endpointTrialUse, http.MethodPost, "/subscription/trial/use", nil, req, uuid.NewString(), &w); err != nil {
		return TrialResult{}, err
	}
	return w.convert()
}

// SubscriptionStatus fetches the user's subscription record and trial usage.
func (c *Client) SubscriptionStatus(ctx context.Context, userID string) (SubscriptionStatus, error) {
	if userID == "" {
		return SubscriptionStatus{}, ErrEmptyUserID
	}
	var w subscriptionWire
	q := url.Values{"user_id": []string{userID}}
	if err := c.do(ctx, endpointSubscription, http.MethodGet, "/subscription/status", q, nil, "", &w); err != nil {
		return SubscriptionStatus{}, err
	}
	return w.convert()
}

// Upgrade moves the user to a paid tier.
func (c *Client) Upgrade(ctx context.Context, req UpgradeRequest) (ActionResult, error) {
	if req.UserID == "" {
		return ActionResult{}, ErrEmptyUserID
	}
	var out ActionResult
	err := c.do(ctx, endpointUpgrade, http.MethodPost, "/subscription/upgrade", nil, req, uuid.NewString(), &out)
	return out, err
}

// Cancel cancels the user's subscription.
func (c *Client) Cancel(ctx context.Context, userID string) (ActionResult, error) {
	if userID == "" {
		return ActionResult{}, ErrEmptyUserID
	}
	var out ActionResult
	body := map[string]string{"user_id": userID}
	err := c.do(ctx, endpointCancel, http.MethodPost, "/subscription/cancel", nil, body, uuid.NewString(), &out)
	return out, err
}

// Features lists the feature catalogue.
func (c *Client) Features(ctx context.Context) ([]FeatureInfo, error) {
	var out []FeatureInfo
	if err := c.do(ctx, endpointFeatures, http.MethodGet, "/features", nil, nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ResetCredits runs the daily reset on the server and returns how many
// counters it cleared.
func (c *Client) ResetCredits(ctx context.Context) (int, error) {
	var out struct {
		Success    bool `json:"success"`
		ResetCount int  `json:"reset_count"`
	}
	if err := c.do(ctx, endpointResetCredits, http.MethodPost, "/credits/reset", nil, struct{}{}, uuid.NewString(), &out); err != nil {
		return 0, err
	}
	return out.ResetCount, nil
}

func (c *Client) do(ctx context.Context, name, method, path string, query url.Values, body any, idemKey string, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: marshal request: %w", err)
		}
		payload = b
	}

	if c.breaker != nil && !c.breaker.Allow() {
		c.metrics.observe(name, "circuit_open", 0)
		return errors.Join(ErrUnavailable, ErrCircuitOpen)
	}

	endpoint := c.endpointURL(path, query)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(ErrUnavailable, ctx.Err(), lastErr)
			case <-time.After(c.backoff.NextInterval(attempt)):
			}
		}

		start := time.Now()
		status, err := c.attempt(ctx, method, endpoint, payload, idemKey, out)
		elapsed := time.Since(start)
		c.metrics.observe(name, outcome(err), elapsed)

		if c.breaker != nil {
			if IsUnavailable(err) {
				c.breaker.RecordFailure()
			} else {
				c.breaker.RecordSuccess()
			}
		}

		if err == nil || !errors.Is(err, ErrUnavailable) {
			return err
		}

		lastErr = err
		c.log.DebugContext(ctx, "entitlement request failed",
			logger.Component("remote"),
			logger.Endpoint(path),
			logger.StatusCode(status),
			logger.Attempt(attempt+1),
			logger.Duration(elapsed),
			logger.Error(err),
		)
		if ctx.Err() != nil {
			break
		}
	}
	return lastErr
}

func (c *Client) attempt(ctx context.Context, method, endpoint string, payload []byte, idemKey string, out any) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, endpoint, body)
	if err != nil {
		return 0, fmt.Errorf("remote: build request: %w", err)
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set(idempotencyKeyHeader, idemKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errors.Join(ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, errors.Join(ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		serr := &StatusError{Code: resp.StatusCode, Body: sanitizeBody(raw)}
		if isTransient(resp.StatusCode) {
			return resp.StatusCode, errors.Join(ErrUnavailable, serr)
		}
		return resp.StatusCode, errors.Join(ErrRejected, serr)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, errors.Join(ErrMalformedResponse, err)
		}
	}
	return resp.StatusCode, nil
}

// endpointURL joins the base URL with path. The path is taken as already
// escaped, so user ids escaped by the caller go out exactly once.
func (c *Client) endpointURL(path string, query url.Values) string {
	u := *c.base
	raw := strings.TrimRight(u.EscapedPath(), "/") + c.prefix + path
	if p, err := url.PathUnescape(raw); err == nil {
		u.Path, u.RawPath = p, raw
	} else {
		u.Path, u.RawPath = raw, ""
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// isTransient reports whether a status is worth retrying.
func isTransient(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

func sanitizeBody(b []byte) string {
	s := strings.ReplaceAll(strings.TrimSpace(string(b)), "\n", " ")
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, ErrRejected):
		return "rejected"
	default:
		return "unavailable"
	}
}
