package systems

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobSystemValidation(t *testing.T) {
	_, err := NewJobSystem(0, 1)
	assert.ErrorIs(t, err, ErrNoWorkers)
	_, err = NewJobSystem(1, -1)
	assert.ErrorIs(t, err, ErrNegativeChannelSize)
}

func TestSingleWorkerPreservesOrder(t *testing.T) {
	js, err := NewJobSystem(1, 16)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 10; i++ {
		i := i
		require.NoError(t, js.Submit(JobTask{
			Run: func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			},
		}))
	}
	require.NoError(t, js.Shutdown())
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestJobFailureCallbacks(t *testing.T) {
	js, err := NewJobSystem(2, 0)
	require.NoError(t, err)

	boom := errors.New("boom")
	failed := make(chan error, 1)
	done := make(chan struct{})
	require.NoError(t, js.Submit(JobTask{
		Name:                 "fail",
		Run:                  func() error { return boom },
		OnComplete:           func() { t.Error("OnComplete must not run") },
		OnFailure:            func(err error) { failed <- err },
		OnCompletionCallback: func() { close(done) },
	}))
	<-done
	assert.ErrorIs(t, <-failed, boom)

	require.NoError(t, js.Shutdown())
	assert.ErrorIs(t, js.Submit(JobTask{}), ErrJobSystemClosed)
	// second shutdown is a no-op
	require.NoError(t, js.Shutdown())
}
