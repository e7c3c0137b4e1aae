package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	level   string
	message string
	attrs   map[string]any
}

type captureSink struct {
	mu    sync.Mutex
	lines []captured
}

func (s *captureSink) PublishLog(_ time.Time, level, message string, attrs map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, captured{level: level, message: message, attrs: attrs})
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestBuildJSONAndLevelVar(t *testing.T) {
	var buf bytes.Buffer
	log, lvl := Build(Options{Level: "warn", Output: &buf})

	log.Info("hidden")
	assert.Zero(t, buf.Len())

	lvl.Set(slog.LevelInfo)
	log.Info("shown", "k", 1)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, 1.0, line["k"])
}

func TestBuildText(t *testing.T) {
	var buf bytes.Buffer
	log, _ := Build(Options{Level: "info", Format: "TEXT", Output: &buf})
	log.Info("hello")
	assert.True(t, strings.Contains(buf.String(), "msg=hello"))
}

func TestBroadcastForwardsAtLevel(t *testing.T) {
	var buf bytes.Buffer
	sink := &captureSink{}
	log, _ := Build(Options{Level: "error", Output: &buf, Sink: sink, SinkLevel: slog.LevelWarn})

	log = log.With("session_id", "abc").WithGroup("input")
	log.Info("ignored")
	log.Warn("input clamped", "field", "volume_db", "requested", 999, "elapsed", 1500*time.Millisecond)

	require.Len(t, sink.lines, 1)
	got := sink.lines[0]
	assert.Equal(t, "WARN", got.level)
	assert.Equal(t, "input clamped", got.message)
	assert.Equal(t, map[string]any{
		"session_id":      "abc",
		"input.field":     "volume_db",
		"input.requested": int64(999),
		"input.elapsed":   "1.5s",
	}, got.attrs)

	// 主 handler 级别为 error，warn 不会写出
	assert.Zero(t, buf.Len())
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	log, _ := Build(Options{Level: "debug", Output: &buf})

	h := RequestLogger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "/api/v1/health", line["path"])
	assert.Equal(t, float64(http.StatusTeapot), line["status"])
	assert.Equal(t, 15.0, line["size"])
}
