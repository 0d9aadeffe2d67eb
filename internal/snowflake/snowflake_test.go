package snowflake

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateMonotonic(t *testing.T) {
	node, err := NewNode(3)
	require.NoError(t, err)

	keys := make([]string, 0, 5000)
	seen := make(map[ID]struct{}, 5000)
	var prev ID
	for i := 0; i < 5000; i++ {
		id := node.Generate()
		assert.Greater(t, id, prev)
		prev = id
		seen[id] = struct{}{}
		keys = append(keys, id.Key())
	}

	assert.Len(t, seen, 5000)
	assert.True(t, sort.StringsAreSorted(keys), "keys sort lexically in generation order")
}

func TestGenerateClockBackwards(t *testing.T) {
	node, err := NewNode(1)
	require.NoError(t, err)

	current := time.UnixMilli(1750000000000)
	node.now = func() time.Time { return current }

	first := node.Generate()
	current = current.Add(-time.Second)
	second := node.Generate()

	assert.Greater(t, second, first)
	assert.Equal(t, first.Time(), second.Time())
}

func TestKeyWidth(t *testing.T) {
	assert.Equal(t, "0000000000000000042", ID(42).Key())
	assert.Equal(t, "42", ID(42).String())
}

func TestNewNodeRange(t *testing.T) {
	_, err := NewNode(-1)
	assert.Error(t, err)
	_, err = NewNode(1024)
	assert.Error(t, err)
}
