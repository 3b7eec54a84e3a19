package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/logger"
)

type requestIDKey struct{}

func TestNew_ProductionJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.New(
		logger.WithOutput(&buf),
		logger.WithEnvironment("production", "syntopia"),
		logger.WithContextValue("request_id", requestIDKey{}),
	)

	ctx := context.WithValue(context.Background(), requestIDKey{}, "req-1")
	log.InfoContext(ctx, "license activated",
		logger.Gateway("paddle"),
		logger.TransactionID("txn_123"),
		logger.Error(errors.New("boom")),
	)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "license activated", rec["msg"])
	assert.Equal(t, "syntopia", rec["service"])
	assert.Equal(t, "production", rec["env"])
	assert.Equal(t, "req-1", rec["request_id"])
	assert.Equal(t, "paddle", rec["gateway"])
	assert.Equal(t, "txn_123", rec["transaction_id"])
	assert.Equal(t, "boom", rec["error"])
}

func TestNew_DevelopmentLogsDebugText(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.New(logger.WithOutput(&buf), logger.WithEnvironment("development", "syntopia"))
	log.Debug("inventory cache miss", logger.TenantID("T1"))

	assert.Contains(t, buf.String(), "inventory cache miss")
	assert.Contains(t, buf.String(), "tenant_id=T1")
}

func TestFromConfig_LevelOverride(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.New(logger.WithOutput(&buf), logger.FromConfig(logger.Config{
		Environment: "development",
		Service:     "syntopia",
		Level:       "warn",
	}))
	log.Info("hidden")
	log.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestWithFormat_PanicsOnUnknown(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { logger.New(logger.WithFormat("xml")) })
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := logger.Discard()
	assert.False(t, log.Enabled(context.Background(), slog.LevelError))
}

func TestErrorAttr_Nil(t *testing.T) {
	t.Parallel()
	assert.Equal(t, slog.Attr{}, logger.Error(nil))
}
