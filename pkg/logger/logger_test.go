package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotakit/pkg/logger"
)

type ctxKey struct{}

type decision string

func (d decision) String() string { return string(d) }

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("json by default", func(t *testing.T) {
		t.Parallel()
		buf := &bytes.Buffer{}
		logger.New(logger.WithOutput(buf)).Info("hello")
		entry := decode(t, buf)
		assert.Equal(t, "INFO", entry["level"])
		assert.Equal(t, "hello", entry["msg"])
	})

	t.Run("text format", func(t *testing.T) {
		t.Parallel()
		buf := &bytes.Buffer{}
		logger.New(logger.WithOutput(buf), logger.WithFormat(logger.FormatText)).Info("hello")
		assert.Contains(t, buf.String(), "msg=hello")
	})

	t.Run("level filters", func(t *testing.T) {
		t.Parallel()
		buf := &bytes.Buffer{}
		log := logger.New(logger.WithOutput(buf), logger.WithLevel(slog.LevelWarn))
		log.Info("dropped")
		assert.Empty(t, buf.String())
	})

	t.Run("static attrs", func(t *testing.T) {
		t.Parallel()
		buf := &bytes.Buffer{}
		logger.New(logger.WithOutput(buf), logger.WithAttr(slog.String("svc", "test"))).Info("x")
		assert.Equal(t, "test", decode(t, buf)["svc"])
	})

	t.Run("context values", func(t *testing.T) {
		t.Parallel()
		buf := &bytes.Buffer{}
		log := logger.New(logger.WithOutput(buf), logger.WithContextValue("request_id", ctxKey{}))
		ctx := context.WithValue(context.Background(), ctxKey{}, "req-1")
		log.InfoContext(ctx, "x")
		assert.Equal(t, "req-1", decode(t, buf)["request_id"])
	})

	t.Run("invalid format panics", func(t *testing.T) {
		t.Parallel()
		assert.Panics(t, func() { logger.New(logger.WithFormat("xml")) })
	})
}

func TestFromConfig(t *testing.T) {
	t.Parallel()

	t.Run("production defaults", func(t *testing.T) {
		t.Parallel()
		buf := &bytes.Buffer{}
		opts := append(logger.FromConfig(logger.Config{Env: "prod", Service: "quotakit"}), logger.WithOutput(buf))
		log := logger.New(opts...)
		log.Debug("hidden")
		log.Info("shown")
		entry := decode(t, buf)
		assert.Equal(t, "production", entry["env"])
		assert.Equal(t, "quotakit", entry["service"])
	})

	t.Run("explicit level wins", func(t *testing.T) {
		t.Parallel()
		buf := &bytes.Buffer{}
		opts := append(logger.FromConfig(logger.Config{Env: "production", Level: "debug", Format: "json"}), logger.WithOutput(buf))
		logger.New(opts...).Debug("visible")
		assert.Equal(t, "DEBUG", decode(t, buf)["level"])
	})

	t.Run("development uses text", func(t *testing.T) {
		t.Parallel()
		buf := &bytes.Buffer{}
		opts := append(logger.FromConfig(logger.Config{Env: "dev"}), logger.WithOutput(buf))
		logger.New(opts...).Debug("dbg")
		assert.Contains(t, buf.String(), "env=development")
	})
}

func TestAttrs(t *testing.T) {
	t.Parallel()

	assert.True(t, logger.Error(nil).Equal(slog.Attr{}))
	assert.True(t, logger.UserID("").Equal(slog.Attr{}))
	assert.True(t, logger.PendingID("").Equal(slog.Attr{}))

	err := errors.New("boom")
	assert.Equal(t, err, logger.Error(err).Value.Any())
	assert.Equal(t, "u1", logger.UserID("u1").Value.String())
	assert.Equal(t, "deep_study_mode", logger.Feature("deep_study_mode").Value.String())
	assert.Equal(t, "pro_yearly", logger.Tier("pro_yearly").Value.String())
	assert.Equal(t, "allowed", logger.Decision(decision("allowed")).Value.String())
	assert.Equal(t, int64(3), logger.Remaining(3).Value.Int64())
	assert.Equal(t, time.Second, logger.Duration(time.Second).Value.Duration())
	assert.Equal(t, "component", logger.Component("x").Key)
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	assert.False(t, logger.Discard().Enabled(context.Background(), slog.LevelError))
}
