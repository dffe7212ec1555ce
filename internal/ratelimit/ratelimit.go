package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Pacer spaces out actions against a storefront.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Feedback lets a caller report outcomes so a pacer can adapt.
type Feedback interface {
	RecordSuccess()
	RecordError()
}

// Jittered waits a random delay in [min, max) since the previous action.
type Jittered struct {
	mu         sync.Mutex
	minDelay   time.Duration
	maxDelay   time.Duration
	lastAction time.Time
	rnd        *rand.Rand
}

// NewJittered returns a pacer with delays drawn from [minDelay, maxDelay).
func NewJittered(minDelay, maxDelay time.Duration) *Jittered {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &Jittered{
		minDelay: minDelay,
		maxDelay: maxDelay,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Wait blocks until the drawn delay has elapsed since the last action or ctx
// is done. The first call never blocks.
func (j *Jittered) Wait(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.lastAction.IsZero() {
		if wait := j.delay() - time.Since(j.lastAction); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}

	j.lastAction = time.Now()
	return nil
}

// SetDelay changes the delay bounds.
func (j *Jittered) SetDelay(minDelay, maxDelay time.Duration) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	j.minDelay = minDelay
	j.maxDelay = maxDelay
}

// Delays returns the current bounds.
func (j *Jittered) Delays() (time.Duration, time.Duration) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.minDelay, j.maxDelay
}

func (j *Jittered) delay() time.Duration {
	delta := j.maxDelay - j.minDelay
	if delta <= 0 {
		return j.minDelay
	}
	return j.minDelay + time.Duration(j.rnd.Int63n(int64(delta)))
}

// Adaptive widens the delay after repeated errors and narrows it back toward
// the configured floor after a run of successes.
type Adaptive struct {
	*Jittered

	floor         time.Duration
	ceiling       time.Duration
	errorCount    int
	successCount  int
	maxErrorCount int
	backoffFactor float64
}

// NewAdaptive returns an adaptive pacer starting at [minDelay, maxDelay).
func NewAdaptive(minDelay, maxDelay time.Duration) *Adaptive {
	return &Adaptive{
		Jittered:      NewJittered(minDelay, maxDelay),
		floor:         minDelay,
		ceiling:       time.Minute,
		maxErrorCount: 3,
		backoffFactor: 1.5,
	}
}

func (a *Adaptive) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.successCount++
	a.errorCount = 0
	if a.successCount < 5 {
		return
	}
	a.successCount = 0

	newMin := time.Duration(float64(a.minDelay) * 0.9)
	if newMin < a.floor {
		newMin = a.floor
	}
	a.maxDelay -= a.minDelay - newMin
	a.minDelay = newMin
}

func (a *Adaptive) RecordError() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.errorCount++
	a.successCount = 0
	if a.errorCount < a.maxErrorCount {
		return
	}
	a.errorCount = 0

	a.minDelay = min(time.Duration(float64(a.minDelay)*a.backoffFactor), a.ceiling)
	a.maxDelay = min(time.Duration(float64(a.maxDelay)*a.backoffFactor), 2*a.ceiling)
}

// Nop never waits.
type Nop struct{}

func (Nop) Wait(ctx context.Context) error { return ctx.Err() }
