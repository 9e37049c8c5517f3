package snowflake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNodeRange(t *testing.T) {
	_, err := NewNode(-1)
	assert.ErrorIs(t, err, ErrNodeRange)
	_, err = NewNode(1024)
	assert.ErrorIs(t, err, ErrNodeRange)

	n, err := NewNode(1023)
	require.NoError(t, err)
	assert.Equal(t, int64(1023), NodeOf(n.Generate()))
}

func TestGenerateIsStrictlyIncreasing(t *testing.T) {
	n, err := NewNode(7)
	require.NoError(t, err)

	prev := n.Generate()
	for i := 0; i < 10000; i++ {
		id := n.Generate()
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestGenerateClockBackwards(t *testing.T) {
	n, err := NewNode(1)
	require.NoError(t, err)

	clock := Epoch + 5000
	n.now = func() int64 { return clock }
	first := n.Generate()

	clock -= 1000
	second := n.Generate()
	assert.Greater(t, second, first)
	assert.Equal(t, Time(first), Time(second))
}

func TestTimeRoundTrip(t *testing.T) {
	n, err := NewNode(3)
	require.NoError(t, err)

	at := time.Date(2026, 3, 4, 5, 6, 7, 8_000_000, time.UTC)
	n.now = func() int64 { return at.UnixMilli() }

	id := n.Generate()
	assert.Equal(t, at, Time(id))
	assert.Equal(t, int64(3), NodeOf(id))
}
