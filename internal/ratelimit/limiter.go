// Package ratelimit enforces per-resource request and token budgets in
// front of the inference providers: requests/minute (fixed window),
// tokens/minute (continuous bucket), and tokens/day (calendar day).
//
// Denial is a normal control-flow outcome, not an error: callers inspect
// the Decision and choose to wait, fall back to another resource key, or
// drop the work.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Limits are the budgets for one resource key. A zero value disables the
// corresponding check.
type Limits struct {
	RPM int // requests per minute
	TPM int // tokens per minute
	TPD int // tokens per day
}

// Decision is the outcome of an Admit call. When Allowed is false, Wait
// estimates how long until the request could pass and Reason names the
// limit that denied it.
type Decision struct {
	Allowed bool
	Reason  string
	Wait    time.Duration
}

type state struct {
	mu sync.Mutex

	// requests/minute fixed window
	windowCount int
	windowStart time.Time

	// tokens/minute bucket, refilled lazily at check time
	bucketTokens float64
	lastRefill   time.Time

	// tokens/day
	dailyTokens int
	dayMarker   string
}

// Limiter tracks one state per resource key. State is in-memory only and
// lost on restart; the limiter is advisory and local.
type Limiter struct {
	mu     sync.Mutex
	states map[string]*state

	now func() time.Time
	loc *time.Location
}

type Option func(*Limiter)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLocation sets the timezone that defines the daily boundary.
func WithLocation(loc *time.Location) Option {
	return func(l *Limiter) { l.loc = loc }
}

func New(opts ...Option) *Limiter {
	l := &Limiter{
		states: make(map[string]*state),
		now:    time.Now,
		loc:    time.UTC,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Limiter) stateFor(key string) *state {
	l.mu.Lock()
	st := l.states[key]
	if st == nil {
		st = &state{}
		l.states[key] = st
	}
	l.mu.Unlock()
	return st
}

// Admit checks all three limits and, only if every one passes, records
// cost against all counters. A denied call mutates nothing, so callers
// must not retry bookkeeping.
func (l *Limiter) Admit(key string, cost int, lim Limits) Decision {
	st := l.stateFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := l.now()

	if lim.RPM > 0 {
		if d, ok := st.checkRPM(now, lim.RPM); !ok {
			return d
		}
	}
	if lim.TPM > 0 {
		if d, ok := st.checkTPM(now, cost, lim.TPM); !ok {
			return d
		}
	}
	if lim.TPD > 0 {
		if d, ok := st.checkTPD(l.dayOf(now), cost, lim.TPD); !ok {
			return d
		}
	}

	// Check-then-commit: all limits passed, record once.
	if lim.RPM > 0 {
		st.windowCount++
	}
	if lim.TPM > 0 {
		st.bucketTokens -= float64(cost)
	}
	if lim.TPD > 0 {
		st.dailyTokens += cost
	}
	return Decision{Allowed: true}
}

// WaitTime reports the longest wait among the three limits for a request
// of the given cost, without mutating any state. Zero means the request
// would be admitted now.
func (l *Limiter) WaitTime(key string, cost int, lim Limits) time.Duration {
	st := l.stateFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := l.now()
	var wait time.Duration

	if lim.RPM > 0 {
		if d, ok := st.checkRPM(now, lim.RPM); !ok && d.Wait > wait {
			wait = d.Wait
		}
	}
	if lim.TPM > 0 {
		if d, ok := st.checkTPM(now, cost, lim.TPM); !ok && d.Wait > wait {
			wait = d.Wait
		}
	}
	if lim.TPD > 0 {
		if d, ok := st.checkTPD(l.dayOf(now), cost, lim.TPD); !ok {
			w := l.untilNextDay(now)
			if d.Wait > 0 {
				w = d.Wait
			}
			if w > wait {
				wait = w
			}
		}
	}
	return wait
}

func (st *state) checkRPM(now time.Time, limit int) (Decision, bool) {
	if st.windowStart.IsZero() {
		st.windowStart = now
	}
	elapsed := now.Sub(st.windowStart)
	if elapsed >= time.Minute {
		st.windowCount = 0
		st.windowStart = now
		elapsed = 0
	}
	if st.windowCount >= limit {
		wait := time.Minute - elapsed
		return Decision{
			Reason: fmt.Sprintf("rpm limit %d reached, window resets in %s", limit, wait.Round(100*time.Millisecond)),
			Wait:   wait,
		}, false
	}
	return Decision{Allowed: true}, true
}

func (st *state) checkTPM(now time.Time, cost, limit int) (Decision, bool) {
	if st.lastRefill.IsZero() {
		st.bucketTokens = float64(limit)
		st.lastRefill = now
	}
	// Refill lazily: limit/60 tokens per second since the last check.
	if elapsed := now.Sub(st.lastRefill).Seconds(); elapsed > 0 {
		st.bucketTokens += elapsed * float64(limit) / 60
		if st.bucketTokens > float64(limit) {
			st.bucketTokens = float64(limit)
		}
		st.lastRefill = now
	}
	if st.bucketTokens < float64(cost) {
		deficit := float64(cost) - st.bucketTokens
		wait := time.Duration(deficit / (float64(limit) / 60) * float64(time.Second))
		return Decision{
			Reason: fmt.Sprintf("tpm limit %d, need %.0f more tokens", limit, deficit),
			Wait:   wait,
		}, false
	}
	return Decision{Allowed: true}, true
}

func (st *state) checkTPD(day string, cost, limit int) (Decision, bool) {
	if st.dayMarker != day {
		st.dayMarker = day
		st.dailyTokens = 0
	}
	if st.dailyTokens+cost > limit {
		remaining := limit - st.dailyTokens
		if remaining < 0 {
			remaining = 0
		}
		return Decision{
			Reason: fmt.Sprintf("tpd limit %d exceeded, %d tokens remaining today", limit, remaining),
		}, false
	}
	return Decision{Allowed: true}, true
}

func (l *Limiter) dayOf(now time.Time) string {
	return now.In(l.loc).Format("2006-01-02")
}

func (l *Limiter) untilNextDay(now time.Time) time.Duration {
	t := now.In(l.loc)
	next := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, l.loc).AddDate(0, 0, 1)
	return next.Sub(t)
}
