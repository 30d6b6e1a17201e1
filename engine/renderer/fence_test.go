package renderer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prism/engine/renderer/driver"
	"github.com/spaghettifunk/prism/engine/renderer/soft"
)

func TestTimedOutWaitsDropTheirWaiter(t *testing.T) {
	d, _ := newTestDevice(t)
	q := d.CommandQueue(driver.CommandListDirect)
	native := q.Native().(*soft.Queue)
	sf := q.fence.native.(*soft.Fence)

	native.Pause()
	v, err := q.Signal()
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		assert.Equal(t, WaitTimedOut, q.fence.WaitFor(v, time.Millisecond))
	}
	assert.Zero(t, sf.Waiters())

	native.Resume()
	assert.Equal(t, WaitComplete, q.fence.WaitFor(v, 5*time.Second))
	assert.Zero(t, sf.Waiters())
}
