package app

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SoundAsleep/internal/config"
	"SoundAsleep/internal/eventloop"
	"SoundAsleep/internal/session"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Stream.Capacity = 32
	cfg.Stream.Seed = 42
	cfg.Impedance.Seed = 7
	return cfg
}

func TestSessionSettingsFromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.Algorithm = "cosleep"
	cfg.Session.VolumeDB = 70
	cfg.Session.BatteryDrainSchedule = ""
	cfg.Timeline.Capacity = 10

	s := SessionSettings(cfg)
	assert.Equal(t, session.AlgorithmCoSleep, s.Defaults.Algorithm)
	assert.Equal(t, 70, s.Defaults.VolumeDB)
	assert.Equal(t, 10, s.TimelineCapacity)
	assert.Empty(t, s.BatteryDrainSchedule)
	assert.Equal(t, session.Unpaired, s.Defaults.Pairing)

	cfg.Session.Algorithm = "unknown"
	assert.Equal(t, session.AlgorithmYASA, SessionSettings(cfg).Defaults.Algorithm)
}

func TestWiringOnManualClock(t *testing.T) {
	cfg := testConfig(t)
	clock := eventloop.NewManualClock(time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC))

	var logs bytes.Buffer
	a, err := New(cfg, WithClock(clock), WithLogOutput(&logs))
	require.NoError(t, err)
	defer a.Controller().Stop()

	require.NoError(t, a.Controller().Start())
	_, err = a.Loop().Advance(time.Second)
	require.NoError(t, err)

	samples := a.Controller().CurrentSamples()
	require.Len(t, samples, 32)
	assert.Equal(t, uint64(31+30), samples[len(samples)-1].Sequence)

	_, err = a.Controller().SetVolume(200)
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "input clamped")
	assert.Contains(t, logs.String(), a.Controller().ID())
}

func TestSetLogLevel(t *testing.T) {
	cfg := testConfig(t)
	var logs bytes.Buffer
	a, err := New(cfg, WithLogOutput(&logs))
	require.NoError(t, err)
	defer a.Controller().Stop()

	a.Logger().Debug("hidden")
	a.SetLogLevel("debug")
	a.Logger().Debug("visible")

	assert.NotContains(t, logs.String(), "hidden")
	assert.Contains(t, logs.String(), "visible")
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg, WithLogOutput(&bytes.Buffer{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return a.Controller().Running() }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, a.Controller().Running())
	assert.Equal(t, session.MsgSessionStopped, a.Controller().CurrentEvents()[0].Message)
}
