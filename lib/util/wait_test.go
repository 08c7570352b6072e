package util

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func TestWaitFor(t *testing.T) {
	t.Run("immediate-success", func(t *testing.T) {
		mClock := quartz.NewMock(t)
		var calls atomic.Int32
		err := WaitFor(context.Background(), WaitConfig{Clock: mClock}, func() (bool, error) {
			calls.Add(1)
			return true, nil
		})
		require.NoError(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("backoff-between-attempts", func(t *testing.T) {
		ctx := context.Background()
		mClock := quartz.NewMock(t)
		trap := mClock.Trap().NewTimer()
		defer trap.Close()

		var calls atomic.Int32
		done := make(chan error, 1)
		go func() {
			done <- WaitFor(ctx, WaitConfig{
				Clock:       mClock,
				Timeout:     time.Minute,
				MinInterval: 10 * time.Millisecond,
				MaxInterval: 500 * time.Millisecond,
			}, func() (bool, error) {
				return calls.Add(1) >= 3, nil
			})
		}()

		// First trapped timer is the overall timeout.
		call := trap.MustWait(ctx)
		assert.Equal(t, time.Minute, call.Duration)
		call.Release()

		// Then one sleep per failed attempt, doubling.
		call = trap.MustWait(ctx)
		assert.Equal(t, 10*time.Millisecond, call.Duration)
		call.Release()
		_, wait := mClock.AdvanceNext()
		wait.MustWait(ctx)

		call = trap.MustWait(ctx)
		assert.Equal(t, 20*time.Millisecond, call.Duration)
		call.Release()
		_, wait = mClock.AdvanceNext()
		wait.MustWait(ctx)

		require.NoError(t, <-done)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("timeout", func(t *testing.T) {
		ctx := context.Background()
		mClock := quartz.NewMock(t)
		trap := mClock.Trap().NewTimer()
		defer trap.Close()

		done := make(chan error, 1)
		go func() {
			done <- WaitFor(ctx, WaitConfig{
				Clock:       mClock,
				Timeout:     25 * time.Millisecond,
				MinInterval: 10 * time.Millisecond,
			}, func() (bool, error) {
				return false, nil
			})
		}()

		call := trap.MustWait(ctx)
		call.Release() // timeout timer, 25ms
		call = trap.MustWait(ctx)
		call.Release() // first sleep, 10ms
		_, wait := mClock.AdvanceNext()
		wait.MustWait(ctx)
		call = trap.MustWait(ctx)
		call.Release() // second sleep, due after the timeout
		_, wait = mClock.AdvanceNext()
		wait.MustWait(ctx)

		err := <-done
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrWaitTimedOut))
	})

	t.Run("condition-error-propagates", func(t *testing.T) {
		mClock := quartz.NewMock(t)
		boom := xerrors.New("boom")
		err := WaitFor(context.Background(), WaitConfig{Clock: mClock}, func() (bool, error) {
			return false, boom
		})
		require.ErrorIs(t, err, boom)
	})

	t.Run("context-cancelation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		mClock := quartz.NewMock(t)
		trap := mClock.Trap().NewTimer()
		defer trap.Close()

		done := make(chan error, 1)
		go func() {
			done <- WaitFor(ctx, WaitConfig{Clock: mClock}, func() (bool, error) {
				return false, nil
			})
		}()

		call := trap.MustWait(context.Background())
		call.Release() // timeout timer
		call = trap.MustWait(context.Background())
		call.Release() // first sleep
		cancel()

		err := <-done
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("rejects-inverted-intervals", func(t *testing.T) {
		err := WaitFor(context.Background(), WaitConfig{
			Clock:       quartz.NewMock(t),
			MinInterval: time.Second,
			MaxInterval: time.Millisecond,
		}, func() (bool, error) {
			return true, nil
		})
		require.Error(t, err)
	})
}
