// Package ratelimit paces upstream requests. The Pacer enforces a minimum
// interval per endpoint class; the HostLimiter adds a token-bucket ceiling
// per host underneath it.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Class identifies one endpoint pacing class.
type Class string

const (
	ClassWinticket  Class = "winticket"
	ClassYenjoyHTML Class = "yenjoy_html"
	ClassYenjoyAPI  Class = "yenjoy_api"
)

type classState struct {
	mu         sync.Mutex
	interval   time.Duration
	lastIssued time.Time
}

// Pacer spaces request issue times per endpoint class. Callers of the same
// class serialize on the class lock, so two requests can never be issued
// closer than interval*(1-jitter) apart.
type Pacer struct {
	mu      sync.Mutex
	classes map[Class]*classState
	jitter  float64
}

// NewPacer creates a pacer with the given per-class minimum intervals and a
// jitter fraction (0.1 = ±10% of the interval).
func NewPacer(intervals map[Class]time.Duration, jitter float64) *Pacer {
	classes := make(map[Class]*classState, len(intervals))
	for class, interval := range intervals {
		classes[class] = &classState{interval: interval}
	}
	return &Pacer{classes: classes, jitter: jitter}
}

func (p *Pacer) state(class Class) *classState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.classes[class]
	if !ok {
		st = &classState{}
		p.classes[class] = st
	}
	return st
}

// Wait blocks until the next permitted issue time for the class, or until
// ctx is cancelled. The class lock is held for the whole wait.
func (p *Pacer) Wait(ctx context.Context, class Class) error {
	st := p.state(class)

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.interval <= 0 {
		st.lastIssued = time.Now()
		return nil
	}

	now := time.Now()
	delay := st.lastIssued.Add(st.interval).Sub(now)
	if delay < 0 {
		delay = 0
	}
	delay += time.Duration((rand.Float64()*2 - 1) * p.jitter * float64(st.interval))

	if delay > 0 {
		log.Debug().
			Str("class", string(class)).
			Dur("delay", delay).
			Msg("Pacing request")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	st.lastIssued = time.Now()
	return nil
}

// Interval reports the configured minimum interval for a class.
func (p *Pacer) Interval(class Class) time.Duration {
	return p.state(class).interval
}

// Backoff tracks consecutive failures per endpoint, separately from the
// per-class pacing. The first success resets the endpoint.
type Backoff struct {
	mu       sync.Mutex
	failures map[string]int
	base     time.Duration
	max      time.Duration
}

// NewBackoff creates a per-endpoint backoff tracker.
func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{
		failures: make(map[string]int),
		base:     base,
		max:      max,
	}
}

// Delay returns how long the caller should hold off before hitting the
// endpoint, given its failure streak. Zero when the endpoint is healthy.
func (b *Backoff) Delay(endpoint string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.failures[endpoint]
	if n == 0 {
		return 0
	}
	delay := b.base * time.Duration(1<<uint(n-1))
	if delay > b.max {
		delay = b.max
	}
	return delay
}

// Failure records one failed attempt against the endpoint.
func (b *Backoff) Failure(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[endpoint]++
}

// Success clears the endpoint's failure streak.
func (b *Backoff) Success(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, endpoint)
}
