package systems

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/core/logtest"
)

func TestNewJobSystemValidates(t *testing.T) {
	_, err := NewJobSystem(0, 1)
	assert.ErrorIs(t, err, ErrNoWorkers)
	_, err = NewJobSystem(1, -1)
	assert.ErrorIs(t, err, ErrNegativeChannelSize)
}

func TestJobCallbacks(t *testing.T) {
	logtest.Capture(t)
	js, err := NewJobSystem(2, 4)
	require.NoError(t, err)

	var completed, failed, finished atomic.Int32
	boom := errors.New("boom")
	for _, fail := range []bool{false, true, false} {
		require.NoError(t, js.Submit(Job{
			Name: "cb",
			Run: func() error {
				if fail {
					return boom
				}
				return nil
			},
			OnComplete: func() { completed.Add(1) },
			OnFailure: func(err error) {
				assert.ErrorIs(t, err, boom)
				failed.Add(1)
			},
			OnFinished: func() { finished.Add(1) },
		}))
	}
	require.NoError(t, js.Shutdown())

	assert.Equal(t, int32(2), completed.Load())
	assert.Equal(t, int32(1), failed.Load())
	assert.Equal(t, int32(3), finished.Load())
}

func TestSubmitAfterShutdown(t *testing.T) {
	js, err := NewJobSystem(1, 0)
	require.NoError(t, err)
	require.NoError(t, js.Shutdown())
	require.NoError(t, js.Shutdown())

	assert.ErrorIs(t, js.Submit(Job{Run: func() error { return nil }}), ErrJobSystemShutdown)
	assert.ErrorIs(t, js.NewBatch().Go("late", func() error { return nil }), ErrJobSystemShutdown)
}

func TestBatchJoinsAllErrors(t *testing.T) {
	logs := logtest.Capture(t)
	js, err := NewJobSystem(3, 0)
	require.NoError(t, err)
	defer js.Shutdown()

	errA, errB := errors.New("a"), errors.New("b")
	var ran atomic.Int32
	b := js.NewBatch()
	for _, e := range []error{nil, errA, nil, errB, nil} {
		require.NoError(t, b.Go("decode", func() error {
			ran.Add(1)
			return e
		}))
	}
	err = b.Wait()
	assert.Equal(t, int32(5), ran.Load())
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Equal(t, 2, logs.Count("error"))

	assert.NoError(t, js.NewBatch().Wait())
}
