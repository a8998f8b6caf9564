// Package gate limits how many virtual machines may be starting at once.
//
// A Gate is created once by the scheduler and shared explicitly with the
// analysis managers it starts. The scheduler holds a permit from the moment
// it decides to start a machine; the permit is then handed to the manager,
// which releases it once the machine has fully started.
package gate

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Gate is a counting semaphore. A gate built without a positive size behaves
// as an exclusive lock.
type Gate struct {
	size int
	sem  *semaphore.Weighted
}

// New creates a gate with maxStartup permits, or a single permit when
// maxStartup is not positive.
func New(maxStartup int) *Gate {
	if maxStartup <= 0 {
		maxStartup = 1
	}
	return &Gate{
		size: maxStartup,
		sem:  semaphore.NewWeighted(int64(maxStartup)),
	}
}

// Size returns the number of permits.
func (g *Gate) Size() int {
	return g.size
}

// TryAcquire takes a permit without blocking. A false result means the
// system is busy and is not an error.
func (g *Gate) TryAcquire() bool {
	return g.sem.TryAcquire(1)
}

// Acquire blocks until a permit is available or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// Release returns one permit.
func (g *Gate) Release() {
	g.sem.Release(1)
}

// Probe reports whether a permit is currently free without keeping it.
func (g *Gate) Probe() bool {
	if !g.TryAcquire() {
		return false
	}
	g.Release()
	return true
}

// Hold blocks for a permit and returns it as an owned handle.
func (g *Gate) Hold(ctx context.Context) (*Permit, error) {
	if err := g.Acquire(ctx); err != nil {
		return nil, err
	}
	return &Permit{gate: g}, nil
}

// Permit is a held gate permit. Ownership moves with the pointer; whoever
// holds it last is responsible for releasing it.
type Permit struct {
	gate *Gate
	once sync.Once
}

// Release returns the permit to its gate. Only the first call has an
// effect; it reports whether this call released the permit.
func (p *Permit) Release() bool {
	if p == nil {
		return false
	}
	released := false
	p.once.Do(func() {
		p.gate.Release()
		released = true
	})
	return released
}
