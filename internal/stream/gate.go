package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrGateRevoked is returned by [LiveGate.Wait] when the gate was revoked by
// a reset before (or after) it was released.
var ErrGateRevoked = errors.New("stream: live gate revoked")

// LiveGate is the one-shot "live started" signal of a single stream cycle.
//
// It is released at most once, when the cycle reaches LIVE, and revoked at
// most once, when the cycle is reset. Workers that run only while the stream
// is live attach to the gate; revocation cancels their contexts and waits
// for them to return. A revoked gate is never reused: the controller installs
// a fresh gate for the next cycle.
type LiveGate struct {
	released    chan struct{}
	releaseOnce sync.Once
	releases    atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	revoked bool
	workers sync.WaitGroup
}

func newLiveGate() *LiveGate {
	ctx, cancel := context.WithCancel(context.Background())
	return &LiveGate{
		released: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Released is closed once the cycle reaches LIVE.
func (g *LiveGate) Released() <-chan struct{} { return g.released }

// Revoked is closed once the cycle is reset.
func (g *LiveGate) Revoked() <-chan struct{} { return g.ctx.Done() }

// ReleaseCount reports how many times the gate was released: 0 or 1.
func (g *LiveGate) ReleaseCount() int { return int(g.releases.Load()) }

// Wait blocks until the gate is released. It returns [ErrGateRevoked] if the
// gate is revoked first and ctx.Err() if ctx ends first.
func (g *LiveGate) Wait(ctx context.Context) error {
	select {
	case <-g.released:
		if g.ctx.Err() != nil {
			return ErrGateRevoked
		}
		return nil
	case <-g.ctx.Done():
		return ErrGateRevoked
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attach registers a worker for the live session. The returned context is
// cancelled when parent ends or the gate is revoked; done must be called
// when the worker has stopped touching shared state. Attaching to a revoked
// gate yields an already-cancelled context.
func (g *LiveGate) Attach(parent context.Context) (ctx context.Context, done func()) {
	ctx, cancel := context.WithCancel(parent)

	g.mu.Lock()
	if g.revoked {
		g.mu.Unlock()
		cancel()
		return ctx, func() {}
	}
	g.workers.Add(1)
	g.mu.Unlock()

	stop := context.AfterFunc(g.ctx, cancel)
	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			stop()
			cancel()
			g.workers.Done()
		})
	}
}

// release opens the gate unless it was revoked. It reports whether this call
// released it.
func (g *LiveGate) release() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.revoked {
		return false
	}
	opened := false
	g.releaseOnce.Do(func() {
		close(g.released)
		g.releases.Add(1)
		opened = true
	})
	return opened
}

// revoke cancels all attached workers and waits for them to finish or for
// ctx to end.
func (g *LiveGate) revoke(ctx context.Context) error {
	g.mu.Lock()
	if g.revoked {
		g.mu.Unlock()
		return nil
	}
	g.revoked = true
	g.cancel()
	g.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		g.workers.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
