// Package gate bounds how many browser page sessions run at the same time.
package gate

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/critpath/internal/observability"
)

// Gate is a counting semaphore with FIFO waiters. A released permit goes to the
// longest waiting caller before any later arrival can take it.
//
// Capture and each criticality evaluator own separate gates, so evaluator sub-tasks
// never wait on permits held by the capture that spawned them.
type Gate struct {
	name    string
	max     int64
	sem     *semaphore.Weighted
	running atomic.Int64
	waiting atomic.Int64
}

// New creates a gate admitting at most max concurrent tasks. max < 1 is treated as 1.
func New(name string, max int) *Gate {
	if max < 1 {
		max = 1
	}
	return &Gate{
		name: name,
		max:  int64(max),
		sem:  semaphore.NewWeighted(int64(max)),
	}
}

// Name returns the gate's label, used in logs.
func (g *Gate) Name() string { return g.name }

// Capacity returns the permit count the gate was created with.
func (g *Gate) Capacity() int { return int(g.max) }

// Running returns how many tasks currently hold a permit.
func (g *Gate) Running() int { return int(g.running.Load()) }

// Waiting returns how many callers are queued for a permit.
func (g *Gate) Waiting() int { return int(g.waiting.Load()) }

// Acquire blocks until a permit is available or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	g.waiting.Add(1)
	err := g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if err != nil {
		return fmt.Errorf("gate %s: %w", g.name, err)
	}
	g.running.Add(1)
	return nil
}

// Release returns a permit, handing it to the earliest queued waiter if there is one.
func (g *Gate) Release() {
	g.running.Add(-1)
	g.sem.Release(1)
}

// Run acquires a permit, runs task and releases the permit even if task panics or fails.
// The task is bound to the trace in ctx at the time Run is called, so a task that sat
// in the queue still logs under the trace that submitted it.
func (g *Gate) Run(ctx context.Context, task func(context.Context) error) error {
	bound := observability.Bind(ctx, task)
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return bound(ctx)
}
