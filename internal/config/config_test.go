package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 256, cfg.Stream.Capacity)
	assert.Equal(t, 30.0, cfg.Stream.RateHz)
	assert.Equal(t, 8, cfg.Impedance.Channels)
	assert.Equal(t, 40, cfg.Timeline.Capacity)
	assert.Equal(t, 65, cfg.Session.ThresholdZ)
	assert.Equal(t, 55, cfg.Session.VolumeDB)
	assert.Equal(t, "YASA", cfg.Session.Algorithm)
	assert.Equal(t, 120, cfg.Session.LatencyEstimateMS)
	assert.Equal(t, 78, cfg.Session.BatteryPct)
	assert.Equal(t, "@every 1m", cfg.Session.BatteryDrainSchedule)
	assert.True(t, cfg.Session.RequirePairingForCalibration)
	assert.Equal(t, 100*time.Millisecond, cfg.Feed.PushInterval)
	assert.Equal(t, 2*time.Second, cfg.Client.ReconnectInterval)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "custom.yaml", `
stream:
  capacity: 128
  rate_hz: 50
session:
  volume_db: 70
  battery_drain_schedule: ""
feed:
  push_interval: 250ms
`)
	t.Setenv("SOUNDASLEEP_STREAM_RATE_HZ", "60")
	t.Setenv("SOUNDASLEEP_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 128, cfg.Stream.Capacity)
	assert.Equal(t, 60.0, cfg.Stream.RateHz)
	assert.Equal(t, 70, cfg.Session.VolumeDB)
	assert.Empty(t, cfg.Session.BatteryDrainSchedule)
	assert.Equal(t, 250*time.Millisecond, cfg.Feed.PushInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 65, cfg.Session.ThresholdZ)
}

func TestSearchPathFindsConfigsDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "configs"), 0o755))
	writeFile(t, filepath.Join(dir, "configs"), "soundasleep.yaml", "timeline:\n  capacity: 12\n")
	t.Chdir(dir)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Timeline.Capacity)
}

func TestDotEnvLoaded(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env", "SOUNDASLEEP_SERVER_ADDR=:9999\n")
	t.Chdir(dir)
	t.Cleanup(func() { os.Unsetenv("SOUNDASLEEP_SERVER_ADDR") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	bad := *cfg
	bad.Stream.Capacity = 0
	bad.Impedance.Min = 90
	bad.Impedance.Max = 10
	bad.Log.Format = "xml"

	err = bad.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	assert.Contains(t, err.Error(), "stream.capacity")
	assert.Contains(t, err.Error(), "impedance range")
	assert.Contains(t, err.Error(), "log.format")

	// 会话数值越界由会话钳制，不是配置错误
	ok := *cfg
	ok.Session.ThresholdZ = 500
	assert.NoError(t, ok.Validate())
}

func TestValidateFillValueUsesDisplayDomain(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	for _, v := range []float64{-100, -42.5, 0, 5, 100} {
		c := *cfg
		c.Stream.FillValue = v
		assert.NoError(t, c.Validate(), "fill_value %v", v)
	}
	for _, v := range []float64{-100.5, 250, math.NaN(), math.Inf(1)} {
		c := *cfg
		c.Stream.FillValue = v
		err := c.Validate()
		require.Error(t, err, "fill_value %v", v)
		assert.Contains(t, err.Error(), "stream.fill_value")
	}
}

func TestManagerReloadNotifies(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "soundasleep.yaml", "log:\n  level: info\n")

	m := NewManager(WithConfigPath(path))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, path, m.ConfigFile())

	var got []*Config
	m.OnChange(func(c *Config) { got = append(got, c) })

	writeFile(t, dir, "soundasleep.yaml", "log:\n  level: debug\n")
	cfg, err = m.Reload()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Same(t, cfg, m.Current())
	require.Len(t, got, 1)

	writeFile(t, dir, "soundasleep.yaml", "stream:\n  capacity: 0\n")
	_, err = m.Reload()
	assert.Error(t, err)
	assert.Equal(t, "debug", m.Current().Log.Level)
}

func TestManagerWatch(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "soundasleep.yaml", "log:\n  level: info\n")

	m := NewManager(WithConfigPath(path), WithWatchEnabled(true))
	_, err := m.Load()
	require.NoError(t, err)

	var mu sync.Mutex
	level := ""
	m.OnChange(func(c *Config) {
		mu.Lock()
		level = c.Log.Level
		mu.Unlock()
	})

	writeFile(t, dir, "soundasleep.yaml", "log:\n  level: warn\n")
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return level == "warn"
	}, 5*time.Second, 20*time.Millisecond)
}
