package session

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SoundAsleep/internal/eventloop"
)

func newManualLoop() *eventloop.Loop {
	return eventloop.New(eventloop.WithClock(eventloop.NewManualClock(time.Unix(1_700_000_000, 0))))
}

// TestShorterDelayFiresFirst 先调度 50ms 再调度 10ms，10ms 的先触发
func TestShorterDelayFiresFirst(t *testing.T) {
	loop := newManualLoop()
	acks := NewLatencyGatedAck(loop, nil)

	var order []string
	_, err := acks.ScheduleMillis(50, func() { order = append(order, "50ms") })
	require.NoError(t, err)
	_, err = acks.ScheduleMillis(10, func() { order = append(order, "10ms") })
	require.NoError(t, err)
	assert.Equal(t, 2, acks.Pending())

	_, err = loop.Advance(49 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{"10ms"}, order)

	_, err = loop.Advance(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{"10ms", "50ms"}, order)
	assert.Zero(t, acks.Pending())

	stats := acks.Stats()
	assert.Equal(t, int64(2), stats.Fired)
	assert.Equal(t, 10*time.Millisecond, stats.MinLatency)
	assert.Equal(t, 50*time.Millisecond, stats.MaxLatency)
	assert.Equal(t, 30*time.Millisecond, stats.AvgLatency)
}

func TestAckFiresExactlyOnce(t *testing.T) {
	loop := newManualLoop()
	acks := NewLatencyGatedAck(loop, nil)

	count := 0
	_, err := acks.Schedule(20*time.Millisecond, func() { count++ })
	require.NoError(t, err)
	_, err = acks.Schedule(20*time.Millisecond, func() { count++ })
	require.NoError(t, err)

	_, err = loop.Advance(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestInvalidDelayRejected(t *testing.T) {
	loop := newManualLoop()
	acks := NewLatencyGatedAck(loop, nil)

	for _, ms := range []float64{-1, math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := acks.ScheduleMillis(ms, func() { t.Fatal("must not fire") })
		assert.ErrorIs(t, err, ErrInvalidDelay, "delay %v", ms)
	}
	_, err := acks.Schedule(-time.Millisecond, func() {})
	assert.ErrorIs(t, err, ErrInvalidDelay)

	assert.Zero(t, acks.Pending())
	assert.Zero(t, loop.Pending())
	assert.Equal(t, int64(5), acks.Stats().Rejected)
}

func TestCancelAllPreventsFiring(t *testing.T) {
	loop := newManualLoop()
	acks := NewLatencyGatedAck(loop, nil)

	fired := false
	for i := 0; i < 3; i++ {
		_, err := acks.ScheduleMillis(100, func() { fired = true })
		require.NoError(t, err)
	}
	assert.Equal(t, 3, acks.CancelAll())
	assert.Zero(t, loop.Pending())

	_, err := loop.Advance(time.Second)
	require.NoError(t, err)
	assert.False(t, fired)
	assert.Equal(t, int64(3), acks.Stats().Cancelled)
}

func TestCancelSingle(t *testing.T) {
	loop := newManualLoop()
	acks := NewLatencyGatedAck(loop, nil)

	var fired []int
	id, err := acks.ScheduleMillis(10, func() { fired = append(fired, 1) })
	require.NoError(t, err)
	_, err = acks.ScheduleMillis(10, func() { fired = append(fired, 2) })
	require.NoError(t, err)

	assert.True(t, acks.Cancel(id))
	assert.False(t, acks.Cancel(id))

	_, err = loop.Advance(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, fired)
}

func TestAckPanicContained(t *testing.T) {
	loop := newManualLoop()
	acks := NewLatencyGatedAck(loop, nil)

	after := false
	_, err := acks.ScheduleMillis(5, func() { panic("boom") })
	require.NoError(t, err)
	_, err = acks.ScheduleMillis(6, func() { after = true })
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		_, err = loop.Advance(10 * time.Millisecond)
	})
	require.NoError(t, err)
	assert.True(t, after)
}

func TestScheduleOnClosedLoop(t *testing.T) {
	loop := newManualLoop()
	acks := NewLatencyGatedAck(loop, nil)
	loop.Close()

	_, err := acks.ScheduleMillis(10, func() {})
	assert.ErrorIs(t, err, eventloop.ErrLoopClosed)
	assert.Zero(t, acks.Pending())
}

func TestLatencyStatsUnderConcurrentRecorders(t *testing.T) {
	acks := NewLatencyGatedAck(newManualLoop(), nil)
	assert.Zero(t, acks.Stats().MinLatency)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acks.recordLatency(time.Duration(200-i) * time.Millisecond)
		}(i)
	}
	wg.Wait()

	stats := acks.Stats()
	assert.Equal(t, 137*time.Millisecond, stats.MinLatency)
	assert.Equal(t, 200*time.Millisecond, stats.MaxLatency)
}
