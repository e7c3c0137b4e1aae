package impedance

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleMemoizedOnKey(t *testing.T) {
	s, err := NewSampler(DefaultMin, DefaultMax, 1)
	require.NoError(t, err)

	first := s.Sample(8, 10)
	require.Len(t, first, 8)
	again := s.Sample(8, 10)
	assert.Equal(t, first, again)
	assert.Equal(t, uint64(1), s.Recomputes())

	next := s.Sample(8, 11)
	assert.NotEqual(t, first, next)
	assert.Equal(t, uint64(2), s.Recomputes())

	// 回到旧的键也会重新生成，不保留历史
	back := s.Sample(8, 10)
	assert.NotEqual(t, first, back)
	assert.Equal(t, uint64(3), s.Recomputes())
}

func TestSampleRangeAndChannels(t *testing.T) {
	s, err := NewSampler(DefaultMin, DefaultMax, 2)
	require.NoError(t, err)

	for key := uint64(0); key < 200; key++ {
		readings := s.Sample(DefaultChannels, key)
		for i, r := range readings {
			assert.Equal(t, i, r.Channel)
			assert.GreaterOrEqual(t, r.Value, DefaultMin)
			assert.Less(t, r.Value, DefaultMax)
		}
	}
}

func TestChannelCountChangeRecomputes(t *testing.T) {
	s, err := NewSampler(DefaultMin, DefaultMax, 3)
	require.NoError(t, err)

	assert.Len(t, s.Sample(8, 1), 8)
	assert.Len(t, s.Sample(4, 1), 4)
	assert.Equal(t, uint64(2), s.Recomputes())
	assert.Empty(t, s.Sample(-1, 1))
}

func TestSampleReturnsCopy(t *testing.T) {
	s, err := NewSampler(DefaultMin, DefaultMax, 4)
	require.NoError(t, err)

	a := s.Sample(2, 5)
	a[0].Value = -1
	assert.NotEqual(t, -1.0, s.Sample(2, 5)[0].Value)
}

func TestInvalidRange(t *testing.T) {
	for _, r := range [][2]float64{{-1, 50}, {50, 50}, {60, 40}, {0, 101}} {
		_, err := NewSampler(r[0], r[1], 0)
		assert.True(t, errors.Is(err, ErrInvalidRange), "range %v", r)
	}
}

func TestGradeOf(t *testing.T) {
	assert.Equal(t, GradeGood, GradeOf(15))
	assert.Equal(t, GradeFair, GradeOf(25))
	assert.Equal(t, GradeFair, GradeOf(59.9))
	assert.Equal(t, GradePoor, GradeOf(60))
}
