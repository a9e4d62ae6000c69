//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package cyclemanager

import (
	"context"
	"sync"
	"time"
)

type (
	// indicates whether cyclemanager's stop was requested to allow safely
	// break execution of CycleFunc and stop cyclemanager earlier
	ShouldBreakFunc func() bool
	// return value indicates whether actual work was done in the cycle
	CycleFunc func(shouldBreak ShouldBreakFunc) bool
)

type CycleManager interface {
	Start()
	StopAndWait(ctx context.Context) error
	Running() bool
}

type cycleManager struct {
	sync.Mutex

	cycleFunc CycleFunc
	interval  time.Duration
	running   bool
	stop      chan struct{}
	stopped   chan struct{}
}

func New(interval time.Duration, cycleFunc CycleFunc) CycleManager {
	return &cycleManager{
		cycleFunc: cycleFunc,
		interval:  interval,
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Starts instance, does not block
// Does nothing if instance is already started
func (c *cycleManager) Start() {
	c.Lock()
	defer c.Unlock()

	if c.running {
		return
	}

	go func() {
		defer close(c.stopped)

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.cycleFunc(c.isStopRequested)
			}
		}
	}()

	c.running = true
}

// Stops running instance, waits for the current cycle to finish or the
// context to expire (whichever comes first)
func (c *cycleManager) StopAndWait(ctx context.Context) error {
	c.Lock()
	if !c.running {
		c.Unlock()
		return nil
	}
	c.running = false
	close(c.stop)
	c.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return nil
	}
}

func (c *cycleManager) Running() bool {
	c.Lock()
	defer c.Unlock()

	return c.running
}

func (c *cycleManager) isStopRequested() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// NewNoop returns a manager that never fires. Used when periodic work is
// disabled via config.
func NewNoop() CycleManager {
	return noopCycleManager{}
}

type noopCycleManager struct{}

func (noopCycleManager) Start() {}

func (noopCycleManager) StopAndWait(ctx context.Context) error {
	return nil
}

func (noopCycleManager) Running() bool {
	return false
}
