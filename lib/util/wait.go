package util

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/xerrors"
)

var ErrWaitTimedOut = xerrors.New("timeout waiting for condition")

// WaitConfig bounds a WaitFor poll loop. Zero values pick defaults:
// 10s timeout, intervals growing from 10ms to 500ms.
type WaitConfig struct {
	Timeout     time.Duration
	MinInterval time.Duration
	MaxInterval time.Duration
	Clock       quartz.Clock
}

// WaitFor polls condition with exponential backoff until it reports
// true, returns an error, or the timeout expires.
func WaitFor(ctx context.Context, cfg WaitConfig, condition func() (bool, error)) error {
	clock := cfg.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	minInterval := cfg.MinInterval
	if minInterval <= 0 {
		minInterval = 10 * time.Millisecond
	}
	maxInterval := cfg.MaxInterval
	if maxInterval <= 0 {
		maxInterval = 500 * time.Millisecond
	}
	if minInterval > maxInterval {
		return xerrors.Errorf("min interval %v exceeds max interval %v", minInterval, maxInterval)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	timeoutTimer := clock.NewTimer(timeout)
	defer timeoutTimer.Stop()

	interval := minInterval
	for {
		ok, err := condition()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		sleepTimer := clock.NewTimer(interval)
		select {
		case <-sleepTimer.C:
		case <-timeoutTimer.C:
			sleepTimer.Stop()
			return ErrWaitTimedOut
		case <-ctx.Done():
			sleepTimer.Stop()
			return ctx.Err()
		}
		interval *= 2
		if interval > maxInterval {
			interval = maxInterval
		}
	}
}
