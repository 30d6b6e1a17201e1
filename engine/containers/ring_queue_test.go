package containers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingQueueFIFO(t *testing.T) {
	rq := NewRingQueue[int](2)
	assert.True(t, rq.IsEmpty())

	_, ok := rq.Dequeue()
	assert.False(t, ok)

	for i := 0; i < 5; i++ {
		rq.Enqueue(i)
	}
	assert.Equal(t, 5, rq.Len())

	front, ok := rq.Peek()
	require.True(t, ok)
	assert.Equal(t, 0, front)

	for i := 0; i < 5; i++ {
		v, ok := rq.Dequeue()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	assert.True(t, rq.IsEmpty())
}

func TestRingQueueGrowWrapped(t *testing.T) {
	rq := NewRingQueue[string](3)
	rq.Enqueue("a")
	rq.Enqueue("b")
	rq.Enqueue("c")
	v, _ := rq.Dequeue()
	assert.Equal(t, "a", v)
	// write index wraps before the queue has to grow
	rq.Enqueue("d")
	rq.Enqueue("e")

	var out []string
	for !rq.IsEmpty() {
		v, _ := rq.Dequeue()
		out = append(out, v)
	}
	assert.Equal(t, []string{"b", "c", "d", "e"}, out)
}
