package toolgw

import (
	"math"
	"sync"
	"time"
)

// BucketConfig is one token bucket's refill rate and capacity. A zero config
// disables the bucket.
type BucketConfig struct {
	RPS   float64
	Burst int
}

func (c BucketConfig) enabled() bool { return c.RPS > 0 && c.Burst > 0 }

// LimitScopes configures the hierarchy checked on every invocation:
// idempotency key, then session, then tenant, then global. The tightest
// bucket wins: a single denial denies the invocation.
type LimitScopes struct {
	Key     BucketConfig
	Session BucketConfig
	Tenant  BucketConfig
	Global  BucketConfig
}

// Limiter holds the shared token buckets. It is crossed by every session, so
// it carries its own lock and is never touched from inside a session's
// consumer loop directly.
type Limiter struct {
	scopes LimitScopes

	mu      sync.Mutex
	buckets map[string]*tokenBucket
	global  tokenBucket

	maxEntries int
	entryTTL   time.Duration
}

type tokenBucket struct {
	tokens   float64
	capacity float64
	last     time.Time
	lastSeen time.Time
}

// LimitDecision reports the outcome of a hierarchical check.
type LimitDecision struct {
	Allowed    bool
	Scope      string // which bucket denied: key | session | tenant | global
	RetryAfter time.Duration
}

func NewLimiter(scopes LimitScopes) *Limiter {
	return &Limiter{
		scopes:     scopes,
		buckets:    make(map[string]*tokenBucket),
		maxEntries: 10_000,
		entryTTL:   30 * time.Minute,
	}
}

// Allow checks key, then session, then tenant, then global. Tokens are taken
// only when every bucket admits the request, so a denial in a tight inner
// bucket does not drain the outer ones.
func (l *Limiter) Allow(idempotencyKey, sessionID, tenantID string, now time.Time) LimitDecision {
	if l == nil {
		return LimitDecision{Allowed: true}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	type check struct {
		scope string
		cfg   BucketConfig
		tb    *tokenBucket
	}
	checks := make([]check, 0, 4)
	if l.scopes.Key.enabled() && idempotencyKey != "" {
		checks = append(checks, check{"key", l.scopes.Key, l.bucketLocked("k:"+idempotencyKey, l.scopes.Key, now)})
	}
	if l.scopes.Session.enabled() && sessionID != "" {
		checks = append(checks, check{"session", l.scopes.Session, l.bucketLocked("s:"+sessionID, l.scopes.Session, now)})
	}
	if l.scopes.Tenant.enabled() && tenantID != "" {
		checks = append(checks, check{"tenant", l.scopes.Tenant, l.bucketLocked("t:"+tenantID, l.scopes.Tenant, now)})
	}
	if l.scopes.Global.enabled() {
		if l.global.capacity == 0 {
			l.global = newBucket(l.scopes.Global, now)
		}
		checks = append(checks, check{"global", l.scopes.Global, &l.global})
	}

	for _, c := range checks {
		c.tb.refill(c.cfg, now)
		if c.tb.tokens < 1.0 {
			needed := 1.0 - c.tb.tokens
			retry := time.Duration(math.Ceil(needed/c.cfg.RPS)) * time.Second
			if retry < time.Second {
				retry = time.Second
			}
			return LimitDecision{Allowed: false, Scope: c.scope, RetryAfter: retry}
		}
	}
	for _, c := range checks {
		c.tb.tokens -= 1.0
	}
	return LimitDecision{Allowed: true}
}

func (l *Limiter) bucketLocked(key string, cfg BucketConfig, now time.Time) *tokenBucket {
	if len(l.buckets) >= l.maxEntries {
		for k, v := range l.buckets {
			if now.Sub(v.lastSeen) > l.entryTTL {
				delete(l.buckets, k)
			}
		}
		// Bounded memory beats perfect fairness: evict one arbitrary entry
		// if GC freed nothing.
		if len(l.buckets) >= l.maxEntries {
			for k := range l.buckets {
				delete(l.buckets, k)
				break
			}
		}
	}
	tb, ok := l.buckets[key]
	if !ok {
		b := newBucket(cfg, now)
		tb = &b
		l.buckets[key] = tb
	}
	tb.lastSeen = now
	return tb
}

func newBucket(cfg BucketConfig, now time.Time) tokenBucket {
	return tokenBucket{
		tokens:   float64(cfg.Burst),
		capacity: float64(cfg.Burst),
		last:     now,
	}
}

func (tb *tokenBucket) refill(cfg BucketConfig, now time.Time) {
	// Adapt if config changed at runtime.
	tb.capacity = float64(cfg.Burst)
	elapsed := now.Sub(tb.last).Seconds()
	if elapsed > 0 {
		tb.tokens = math.Min(tb.capacity, tb.tokens+elapsed*cfg.RPS)
		tb.last = now
	}
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}
