package entitlement

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrymomot/quotakit/pkg/clientip"
	ent "github.com/dmitrymomot/quotakit/pkg/entitlement"
	"github.com/dmitrymomot/quotakit/pkg/httpserver"
	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

const (
	maxRequestBody       = 64 * 1024
	idempotencyKeyHeader = "Idempotency-Key"
)

type consumeRequest struct {
	UserID    string `json:"user_id" validate:"required,max=255"`
	Feature   string `json:"feature_name" validate:"required,max=100"`
	SessionID string `json:"session_id" validate:"omitempty,max=255"`
}

type trialRequest struct {
	UserID  string `json:"user_id" validate:"required,max=255"`
	Feature string `json:"feature" validate:"required,max=100"`
}

type upgradeRequest struct {
	UserID string `json:"user_id" validate:"required,max=255"`
	Tier   string `json:"tier" validate:"required,oneof=pro_monthly pro_yearly pro_lifetime"`
}

type cancelRequest struct {
	UserID string `json:"user_id" validate:"required,max=255"`
}

type creditStatusResponse struct {
	UserID    string `json:"user_id"`
	Used      int    `json:"credits_used"`
	Remaining int    `json:"credits_remaining"`
	Limit     int    `json:"credits_limit"`
	Date      string `json:"credits_date"`
	IsPro     bool   `json:"is_pro_user"`
}

type consumeResponse struct {
	Success   bool   `json:"success"`
	Remaining int    `json:"credits_remaining"`
	Message   string `json:"message"`
}

type trialResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Remaining int    `json:"trial_sessions_remaining"`
}

type subscriptionResponse struct {
	UserID     string     `json:"user_id"`
	Status     string     `json:"status"`
	Tier       string     `json:"tier"`
	TrialUsed  int        `json:"trial_sessions_used"`
	TrialLimit int        `json:"trial_sessions_limit"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Features   []string   `json:"features"`
}

type actionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type resetResponse struct {
	Success    bool   `json:"success"`
	ResetCount int    `json:"reset_count"`
	Message    string `json:"message"`
}

type errorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

// HandlerOption configures NewHandler.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	rps      float64
	burst    int
	gatherer prometheus.Gatherer
	checks   []httpserver.Check
	headers  []string
}

// WithRateLimit limits credit and trial spends per user to rps with the
// given burst. Zero rps disables limiting.
func WithRateLimit(rps float64, burst int) HandlerOption {
	return func(c *handlerConfig) {
		c.rps, c.burst = rps, burst
	}
}

// WithTrustedProxyHeaders makes the rate limiter key anonymous requests by
// the client address taken from these headers instead of the TCP peer.
func WithTrustedProxyHeaders(headers ...string) HandlerOption {
	return func(c *handlerConfig) { c.headers = append(c.headers, headers...) }
}

// WithMetricsHandler serves g on /metrics.
func WithMetricsHandler(g prometheus.Gatherer) HandlerOption {
	return func(c *handlerConfig) { c.gatherer = g }
}

// WithReadinessChecks adds dependencies to /readyz next to the store.
func WithReadinessChecks(checks ...httpserver.Check) HandlerOption {
	return func(c *handlerConfig) { c.checks = append(c.checks, checks...) }
}

type handler struct {
	svc      *Service
	validate *validator.Validate
	log      *slog.Logger
}

// NewHandler returns the HTTP API of svc:
//
//	GET  /credits/status/{userId}
//	POST /credits/consume
//	POST /credits/reset
//	GET  /subscription/status?user_id=
//	POST /subscription/trial/use
//	POST /subscription/upgrade
//	POST /subscription/cancel
//	GET  /features
//
// plus /healthz, /readyz and optionally /metrics.
func NewHandler(svc *Service, opts ...HandlerOption) http.Handler {
	cfg := &handlerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &handler{svc: svc, validate: newValidator(), log: svc.log}

	limit := func(next http.Handler) http.Handler { return next }
	if cfg.rps > 0 {
		limit = newUserLimiter(cfg.rps, cfg.burst).middleware
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(clientip.New(cfg.headers...).Middleware)
	r.Use(h.instrument)

	r.Get("/healthz", httpserver.LivenessHandler())
	r.Get("/readyz", httpserver.ReadinessHandler(h.log, 2*time.Second,
		append([]httpserver.Check{{Name: "store", Probe: svc.Ping}}, cfg.checks...)...,
	))
	if cfg.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/features", h.features)
	r.Route("/credits", func(r chi.Router) {
		r.Get("/status/{userId}", h.creditStatus)
		r.With(limit).Post("/consume", h.consume)
		r.Post("/reset", h.reset)
	})
	r.Route("/subscription", func(r chi.Router) {
		r.Get("/status", h.subscriptionStatus)
		r.With(limit).Post("/trial/use", h.useTrial)
		r.Post("/upgrade", h.upgrade)
		r.Post("/cancel", h.cancel)
	})
	return r
}

// pathParam returns a decoded URL parameter. chi matches against RawPath
// when the request has one, and then the parameter is still escaped.
func pathParam(r *http.Request, key string) (string, error) {
	v := chi.URLParam(r, key)
	if r.URL.RawPath == "" {
		return v, nil
	}
	return url.PathUnescape(v)
}

func (h *handler) creditStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := pathParam(r, "userId")
	if err != nil || userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}
	st, err := h.svc.CreditStatus(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, creditStatusResponse{
		UserID:    userID,
		Used:      st.Credits.Used,
		Remaining: st.Credits.Remaining(),
		Limit:     st.Credits.Limit,
		Date:      st.Credits.Day.Format(time.DateOnly),
		IsPro:     st.IsPro,
	})
}

func (h *handler) consume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if !h.decode(w, r, &req) {
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = r.Header.Get(idempotencyKeyHeader)
	}
	out, err := h.svc.ConsumeCredit(r.Context(), req.UserID, req.Feature, sessionID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, consumeResponse{Success: out.Success, Remaining: out.Remaining, Message: out.Message})
}

func (h *handler) useTrial(w http.ResponseWriter, r *http.Request) {
	var req trialRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.UseTrial(r.Context(), req.UserID, req.Feature, r.Header.Get(idempotencyKeyHeader))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trialResponse{Success: out.Success, Message: out.Message, Remaining: out.Remaining})
}

func (h *handler) subscriptionStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", map[string]string{"user_id": "required"})
		return
	}
	st, err := h.svc.SubscriptionStatus(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	features := make([]string, 0, len(st.Record.Features))
	for _, f := range st.Record.Features {
		features = append(features, string(f))
	}
	writeJSON(w, http.StatusOK, subscriptionResponse{
		UserID:     userID,
		Status:     string(st.Record.Status),
		Tier:       string(st.Record.Tier),
		TrialUsed:  st.TrialUsed,
		TrialLimit: st.TrialLimit,
		ExpiresAt:  st.Record.ExpiresAt,
		Features:   features,
	})
}

func (h *handler) upgrade(w http.ResponseWriter, r *http.Request) {
	var req upgradeRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.Upgrade(r.Context(), req.UserID, ent.Tier(req.Tier))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, actionResponse(out))
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.Cancel(r.Context(), req.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, actionResponse(out))
}

func (h *handler) features(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Features())
}

func (h *handler) reset(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.ResetCredits(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resetResponse{
		Success:    true,
		ResetCount: n,
		Message:    fmt.Sprintf("Reset credits for %d users", n),
	})
}

// decode reads and validates a JSON body. It writes the error response and
// returns false on failure.
func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", nil)
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, "validation failed", validationDetails(err))
		return false
	}
	return true
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrUnknownFeature):
		writeError(w, http.StatusBadRequest, "unknown feature", nil)
	case errors.Is(err, ErrNotUpgradable), errors.Is(err, subscription.ErrPlanNotFound):
		writeError(w, http.StatusBadRequest, "tier is not available", nil)
	default:
		h.log.ErrorContext(r.Context(), "entitlement request failed",
			logger.Component("entitlement-service"),
			logger.Endpoint(r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			logger.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

func (h *handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		h.svc.metrics.request(route, r.Method, ww.Status(), elapsed)
		h.log.DebugContext(r.Context(), "http request",
			logger.Component("entitlement-service"),
			slog.String("method", r.Method),
			logger.Endpoint(route),
			logger.StatusCode(ww.Status()),
			logger.Duration(elapsed),
		)
	})
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationDetails(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		out[fe.Field()] = fe.Tag()
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string, details map[string]string) {
	writeJSON(w, code, errorResponse{Error: msg, Details: details})
}
