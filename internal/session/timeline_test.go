package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SoundAsleep/internal/eventloop"
)

func messages(events []EventRecord) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Message
	}
	return out
}

func TestAppendNewestFirst(t *testing.T) {
	clock := eventloop.NewManualClock(time.Date(2026, 1, 2, 23, 15, 4, 0, time.UTC))
	tl, err := NewEventTimeline(3, clock)
	require.NoError(t, err)

	rec := tl.Append("a")
	assert.Equal(t, "23:15:04", rec.Display)
	tl.Append("b")

	// 同一秒内的条目仍然按插入顺序倒序
	events := tl.Events()
	assert.Equal(t, []string{"b", "a"}, messages(events))
	assert.Equal(t, events[0].Display, events[1].Display)
}

// TestTimelineEvictsOldest 40 容量写入 41 条后长度 40，最早的一条被丢弃
func TestTimelineEvictsOldest(t *testing.T) {
	tl, err := NewEventTimeline(DefaultTimelineCapacity, nil)
	require.NoError(t, err)

	for i := 0; i < 41; i++ {
		tl.Append(fmt.Sprintf("event-%d", i))
		require.LessOrEqual(t, tl.Len(), DefaultTimelineCapacity)
		require.Equal(t, fmt.Sprintf("event-%d", i), tl.Events()[0].Message)
	}

	events := tl.Events()
	assert.Len(t, events, 40)
	assert.Equal(t, "event-40", events[0].Message)
	assert.Equal(t, "event-1", events[39].Message)
	assert.NotContains(t, messages(events), "event-0")
}

func TestTimelineSnapshotIsCopy(t *testing.T) {
	tl, err := NewEventTimeline(2, nil)
	require.NoError(t, err)
	tl.Append("x")

	events := tl.Events()
	events[0].Message = "changed"
	assert.Equal(t, "x", tl.Events()[0].Message)
}

func TestTimelineInvalidCapacity(t *testing.T) {
	_, err := NewEventTimeline(0, nil)
	assert.ErrorIs(t, err, ErrInvalidTimelineCapacity)
}

// steppingClock 每次读取前进 1ms
type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func TestTimelineConcurrentAppendsStayOrdered(t *testing.T) {
	const writers, perWriter = 8, 50
	tl, err := NewEventTimeline(writers*perWriter, &steppingClock{now: time.Unix(0, 0)})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				tl.Append(fmt.Sprintf("w%d-%d", w, i))
			}
		}(w)
	}
	wg.Wait()

	events := tl.Events()
	require.Len(t, events, writers*perWriter)
	for i := 1; i < len(events); i++ {
		assert.True(t, events[i-1].Timestamp.After(events[i].Timestamp), "index %d", i)
		assert.Equal(t, events[i-1].Seq, events[i].Seq+1, "index %d", i)
	}
	assert.Equal(t, uint64(writers*perWriter), events[0].Seq)
}

func TestTimelineSeqSurvivesEviction(t *testing.T) {
	tl, err := NewEventTimeline(2, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		tl.Append(fmt.Sprintf("e%d", i))
	}
	events := tl.Events()
	assert.Equal(t, uint64(5), events[0].Seq)
	assert.Equal(t, uint64(4), events[1].Seq)
}
