package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/jmylchreest/playarr/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(level string) (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewLoggerWithWriter(config.LoggingConfig{Level: level, Format: "json"}, &buf), &buf
}

func TestNewLogger_JSONFormat(t *testing.T) {
	logger, buf := newTestLogger("info")
	logger.Info("test message", slog.String("key", "value"))

	assert.Contains(t, buf.String(), `"key":"value"`)
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	assert.Equal(t, "test message", parsed["msg"])
}

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "text"}, &buf)
	logger.Info("test message", slog.String("key", "value"))

	assert.Contains(t, buf.String(), "key=value")
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		configLevel string
		logLevel    slog.Level
		shouldLog   bool
	}{
		{"trace", LevelTrace, true},
		{"debug", LevelTrace, false},
		{"debug", slog.LevelDebug, true},
		{"info", slog.LevelDebug, false},
		{"info", slog.LevelInfo, true},
		{"warn", slog.LevelInfo, false},
		{"error", slog.LevelWarn, false},
		{"error", slog.LevelError, true},
		{"bogus", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.configLevel+"/"+tt.logLevel.String(), func(t *testing.T) {
			logger, buf := newTestLogger(tt.configLevel)
			logger.Log(context.Background(), tt.logLevel, "test")
			assert.Equal(t, tt.shouldLog, buf.Len() > 0)
		})
	}
}

func TestTraceLevelDisplay(t *testing.T) {
	logger, buf := newTestLogger("trace")
	logger.Log(context.Background(), LevelTrace, "health sample")

	assert.Contains(t, buf.String(), `"level":"TRACE"`)
	assert.NotContains(t, buf.String(), "DEBUG-4")
}

func TestNewLogger_AddSource(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json", AddSource: true}, &buf)
	logger.Info("test message")

	assert.Contains(t, buf.String(), `"logpos":"internal/observability/logger_test.go:`)
}

func TestNewLogger_CustomTimeFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json", TimeFormat: "2006-01-02"}, &buf)
	logger.Info("test message")

	assert.Contains(t, buf.String(), time.Now().Format("2006-01-02"))
}

func TestSensitiveAttributeRedaction(t *testing.T) {
	for _, key := range []string{"password", "Token", "api_key", "ApiKey", "authorization", "license_url"} {
		t.Run(key, func(t *testing.T) {
			logger, buf := newTestLogger("info")
			logger.Info("request", slog.String(key, "s3cr3t-value"))

			assert.NotContains(t, buf.String(), "s3cr3t-value")
			assert.Contains(t, buf.String(), Redacted)
		})
	}
}

func TestSensitiveAttributeRedaction_Group(t *testing.T) {
	logger, buf := newTestLogger("info")
	logger.Info("drm", slog.Group("decryption",
		slog.String("key_system", "com.widevine.alpha"),
		slog.String("token", "abc123"),
	))

	assert.Contains(t, buf.String(), "com.widevine.alpha")
	assert.NotContains(t, buf.String(), "abc123")
}

func TestStructRedaction(t *testing.T) {
	type descriptor struct {
		KeySystem  string
		LicenseURL string
		Headers    map[string]string
		Note       string `masq:"secret"`
	}
	logger, buf := newTestLogger("info")
	logger.Info("source", slog.Any("decryption", descriptor{
		KeySystem:  "com.widevine.alpha",
		LicenseURL: "https://license.example/wv",
		Headers:    map[string]string{"X-Auth": "hdr-secret"},
		Note:       "tagged-secret",
	}))

	out := buf.String()
	assert.Contains(t, out, "com.widevine.alpha")
	assert.NotContains(t, out, "license.example")
	assert.NotContains(t, out, "hdr-secret")
	assert.NotContains(t, out, "tagged-secret")
}

func TestURLParameterRedaction(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		secret string
		param  string
	}{
		{"token", "https://cdn.example/live.m3u8?token=abc123xyz&quality=hd", "abc123xyz", "token"},
		{"encoded password", "http://example.com/api?password=%2A%2A%2A&user=foo", "%2A%2A%2A", "password"},
		{"upper case", "http://example.com/api?PASSWORD=MySecret&user=test", "MySecret", "PASSWORD"},
		{"api key first", "http://example.com?api_key=my-secret-key&v=1", "my-secret-key", "api_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := newTestLogger("info")
			logger.Info("fetch", slog.String("url", tt.url))

			assert.NotContains(t, buf.String(), tt.secret)
			assert.Contains(t, buf.String(), tt.param+"="+Redacted)
		})
	}
}

func TestURLParameterRedaction_PreservesOtherParams(t *testing.T) {
	u := "https://proxy.example/stream?url=https%3A%2F%2Fcdn.example%2Flive.m3u8&page=1"
	assert.Equal(t, u, RedactURL(u))

	logger, buf := newTestLogger("info")
	logger.Info("fetch", slog.String("url", u))
	assert.Contains(t, buf.String(), "page=1")
	assert.NotContains(t, buf.String(), Redacted)
}

func TestWithHelpers(t *testing.T) {
	logger, buf := newTestLogger("info")
	WithRequestID(WithOperation(WithComponent(logger, "session"), "mount"), "req-1").Info("chained")

	out := buf.String()
	assert.Contains(t, out, `"component":"session"`)
	assert.Contains(t, out, `"operation":"mount"`)
	assert.Contains(t, out, `"request_id":"req-1"`)
}

func TestWithError(t *testing.T) {
	logger, buf := newTestLogger("info")
	WithError(logger, errors.New("manifest unreachable")).Info("test")
	assert.Contains(t, buf.String(), `"error":"manifest unreachable"`)

	buf.Reset()
	WithError(logger, nil).Info("test")
	assert.NotContains(t, buf.String(), `"error"`)
}

func TestContextHelpers(t *testing.T) {
	logger, buf := newTestLogger("info")
	ctx := ContextWithLogger(context.Background(), logger)
	LoggerFromContext(ctx).Info("from context")
	assert.Contains(t, buf.String(), "from context")

	assert.Equal(t, slog.Default(), LoggerFromContext(context.Background()))

	ctx = ContextWithRequestID(ctx, "req-9")
	assert.Equal(t, "req-9", RequestIDFromContext(ctx))
	assert.Empty(t, RequestIDFromContext(context.Background()))
}

func TestTimedOperation(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		logger, buf := newTestLogger("info")
		var err error
		done := TimedOperation(context.Background(), logger, "probe", &err)
		done()
		assert.Contains(t, buf.String(), "operation completed")
		assert.Contains(t, buf.String(), `"operation":"probe"`)
	})

	t.Run("failure", func(t *testing.T) {
		logger, buf := newTestLogger("info")
		var err error
		done := TimedOperation(context.Background(), logger, "probe", &err)
		err = errors.New("no backend")
		done()
		assert.Contains(t, buf.String(), "operation failed")
		assert.Contains(t, buf.String(), `"error":"no backend"`)
	})
}
