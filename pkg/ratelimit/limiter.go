// Package ratelimit implements the per-source sliding-window admission
// control from spec §4.1: a caller blocks in Acquire until admitted; the
// limiter never errors, it only waits.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Observer receives rate-limiter lifecycle events. Dispatch happens outside
// the critical section so a slow observer never blocks the hot path
// (spec §9's "global observer lists... must never block the hot path").
type Observer interface {
	OnRequest(source string)
	OnLimitHit(source string, wait time.Duration)
	OnReset(source string)
}

// NoopObserver implements Observer with no-ops, for callers that don't need
// notifications.
type NoopObserver struct{}

func (NoopObserver) OnRequest(string)                  {}
func (NoopObserver) OnLimitHit(string, time.Duration)  {}
func (NoopObserver) OnReset(string)                    {}

// Policy configures a single source's admission window.
type Policy struct {
	Limit        int           // N events per window
	Window       time.Duration // W
	SafetyMargin float64       // default 0.10
}

// EffectiveCap returns floor(N * (1 - margin)), the effective admission cap.
func (p Policy) EffectiveCap() int {
	margin := p.SafetyMargin
	if margin <= 0 {
		margin = 0.10
	}
	effCap := int(float64(p.Limit) * (1 - margin))
	if effCap < 1 {
		effCap = 1
	}
	return effCap
}

// Usage reports a source's current admission window state.
type Usage struct {
	Made      int
	Remaining int
	ResetAt   time.Time
}

type sourceState struct {
	mu        sync.Mutex
	policy    Policy
	admitted  []time.Time // sliding window of admission timestamps, oldest first
	waitQueue int         // not updated by Acquire; waiters are not queued
}

// Limiter enforces a per-source sliding-window cap. Safe for concurrent use
// by many callers. Waiting callers re-check when their own timer fires, so
// the order in which waiters are admitted is not defined (not FIFO).
type Limiter struct {
	mu       sync.Mutex
	sources  map[string]*sourceState
	observer Observer
	now      func() time.Time // overridable for tests
}

// New creates a Limiter. obs may be nil, in which case a NoopObserver is used.
func New(obs Observer) *Limiter {
	if obs == nil {
		obs = NoopObserver{}
	}
	return &Limiter{
		sources:  make(map[string]*sourceState),
		observer: obs,
		now:      time.Now,
	}
}

// Configure sets (or replaces) the policy for a named source.
func (l *Limiter) Configure(source string, p Policy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.sources[source]
	if !ok {
		st = &sourceState{}
		l.sources[source] = st
	}
	st.mu.Lock()
	st.policy = p
	st.mu.Unlock()
}

func (l *Limiter) state(source string) *sourceState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.sources[source]
	if !ok {
		st = &sourceState{policy: Policy{Limit: 1, Window: time.Second}}
		l.sources[source] = st
	}
	return st
}

// Acquire blocks the caller until admission, honoring ctx cancellation. It
// returns the duration actually waited (0 if admitted immediately) and
// calls Record on the caller's behalf once admitted.
func (l *Limiter) Acquire(ctx context.Context, source string) (time.Duration, error) {
	st := l.state(source)
	start := l.now()
	limited := false

	for {
		st.mu.Lock()
		cutoff := l.now().Add(-st.policy.Window)
		st.admitted = pruneOlderThan(st.admitted, cutoff)
		effCap := st.policy.EffectiveCap()

		if len(st.admitted) < effCap {
			st.admitted = append(st.admitted, l.now())
			st.mu.Unlock()
			var waited time.Duration
			if limited {
				waited = l.now().Sub(start)
			}
			l.observer.OnRequest(source)
			return waited, nil
		}

		// Compute how long until the oldest admission falls out of the window.
		oldest := st.admitted[0]
		wait := oldest.Add(st.policy.Window).Sub(l.now())
		if wait < 0 {
			wait = 0
		}
		st.mu.Unlock()
		limited = true

		l.observer.OnLimitHit(source, wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return l.now().Sub(start), ctx.Err()
		case <-timer.C:
			l.observer.OnReset(source)
			// loop and re-check; another waiter may have won the slot
		}
	}
}

// Record registers an admission that happened outside Acquire (e.g. a
// caller that already knows it was admitted by some other means). Most
// callers should just use Acquire.
func (l *Limiter) Record(source string, at time.Time) {
	st := l.state(source)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.admitted = append(st.admitted, at)
}

// Usage reports the current admission state for a source.
func (l *Limiter) Usage(source string) Usage {
	st := l.state(source)
	st.mu.Lock()
	defer st.mu.Unlock()

	cutoff := l.now().Add(-st.policy.Window)
	st.admitted = pruneOlderThan(st.admitted, cutoff)
	effCap := st.policy.EffectiveCap()
	made := len(st.admitted)
	remaining := effCap - made
	if remaining < 0 {
		remaining = 0
	}
	resetAt := l.now()
	if made > 0 {
		resetAt = st.admitted[0].Add(st.policy.Window)
	}
	return Usage{Made: made, Remaining: remaining, ResetAt: resetAt}
}

func pruneOlderThan(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append([]time.Time(nil), ts[i:]...)
}
