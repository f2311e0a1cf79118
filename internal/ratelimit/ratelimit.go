package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

const (
	KindConnect = "connect"
	KindTweet   = "tweet"

	DefaultConnectAttempts = 5
	DefaultConnectWindow   = 60 * time.Second
	DefaultTweetAttempts   = 10
	DefaultTweetWindow     = 60 * time.Second
)

// Rule bounds one action kind: MaxAttempts per Window, then a cooldown of
// twice the window.
type Rule struct {
	MaxAttempts int
	Window      time.Duration
}

// Error is returned by callers that were throttled. Wait is how long until the
// actor may try again.
type Error struct {
	Kind string
	Wait time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s rate limited: retry in %s", e.Kind, e.Wait.Round(time.Second))
}

type record struct {
	attempts      []time.Time
	cooldownUntil time.Time
}

type key struct {
	kind string
	id   string
}

type Limiter struct {
	mu      sync.Mutex
	now     func() time.Time
	rules   map[string]Rule
	records map[key]*record
}

func DefaultRules() map[string]Rule {
	return map[string]Rule{
		KindConnect: {MaxAttempts: DefaultConnectAttempts, Window: DefaultConnectWindow},
		KindTweet:   {MaxAttempts: DefaultTweetAttempts, Window: DefaultTweetWindow},
	}
}

// New builds a limiter. A nil clock means time.Now.
func New(rules map[string]Rule, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	r := make(map[string]Rule, len(rules))
	for k, v := range rules {
		r[k] = v
	}
	return &Limiter{
		now:     now,
		rules:   r,
		records: make(map[key]*record),
	}
}

// Allow records an attempt for (kind, id) and reports whether it may proceed.
// Kinds without a rule are never throttled.
func (l *Limiter) Allow(kind, id string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rule, ok := l.rules[kind]
	if !ok || rule.MaxAttempts <= 0 || rule.Window <= 0 {
		return true
	}
	now := l.now()
	k := key{kind: kind, id: id}
	rec := l.records[k]
	if rec == nil {
		rec = &record{}
		l.records[k] = rec
	}
	if !rec.cooldownUntil.IsZero() {
		if now.Before(rec.cooldownUntil) {
			return false
		}
		rec.cooldownUntil = time.Time{}
		rec.attempts = rec.attempts[:0]
	}
	rec.attempts = pruneBefore(rec.attempts, now.Add(-rule.Window))
	if len(rec.attempts) >= rule.MaxAttempts {
		rec.cooldownUntil = now.Add(2 * rule.Window)
		return false
	}
	rec.attempts = append(rec.attempts, now)
	return true
}

// Check is Allow returning a typed *Error on denial.
func (l *Limiter) Check(kind, id string) error {
	if l.Allow(kind, id) {
		return nil
	}
	return &Error{Kind: kind, Wait: l.Wait(kind, id)}
}

// Wait returns the remaining cooldown for (kind, id), or 0.
func (l *Limiter) Wait(kind, id string) time.Duration {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.records[key{kind: kind, id: id}]
	if rec == nil || rec.cooldownUntil.IsZero() {
		return 0
	}
	d := rec.cooldownUntil.Sub(l.now())
	if d < 0 {
		return 0
	}
	return d
}

// Reset forgets every record of (kind, id).
func (l *Limiter) Reset(kind, id string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.records, key{kind: kind, id: id})
	l.mu.Unlock()
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
