package toolgw

import (
	"testing"
	"time"
)

func TestLimiter_TightestBucketWins(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewLimiter(LimitScopes{
		Session: BucketConfig{RPS: 1, Burst: 1},
		Tenant:  BucketConfig{RPS: 100, Burst: 100},
		Global:  BucketConfig{RPS: 100, Burst: 100},
	})

	d := l.Allow("k1", "sess-1", "tenant-1", now)
	if !d.Allowed {
		t.Fatalf("first request denied: %+v", d)
	}
	d = l.Allow("k2", "sess-1", "tenant-1", now)
	if d.Allowed {
		t.Fatal("second request in the same second should be denied")
	}
	if d.Scope != "session" {
		t.Fatalf("denied at %q, want session", d.Scope)
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("RetryAfter = %v, want positive", d.RetryAfter)
	}
}

func TestLimiter_DenialDoesNotDrainOuterBuckets(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewLimiter(LimitScopes{
		Session: BucketConfig{RPS: 0.1, Burst: 1},
		Global:  BucketConfig{RPS: 100, Burst: 2},
	})

	if d := l.Allow("k1", "sess-1", "t1", now); !d.Allowed {
		t.Fatalf("first request denied: %+v", d)
	}
	// Denied at session scope; the global bucket must keep its token.
	if d := l.Allow("k2", "sess-1", "t1", now); d.Allowed || d.Scope != "session" {
		t.Fatalf("expected session denial, got %+v", d)
	}
	if d := l.Allow("k3", "sess-2", "t1", now); !d.Allowed {
		t.Fatalf("global bucket was drained by a denied request: %+v", d)
	}
}

func TestLimiter_Refill(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewLimiter(LimitScopes{
		Session: BucketConfig{RPS: 2, Burst: 1},
	})

	if d := l.Allow("", "sess-1", "", now); !d.Allowed {
		t.Fatalf("first request denied: %+v", d)
	}
	if d := l.Allow("", "sess-1", "", now); d.Allowed {
		t.Fatal("empty bucket allowed a request")
	}
	// 2 RPS means half a second buys a full token back.
	if d := l.Allow("", "sess-1", "", now.Add(500*time.Millisecond)); !d.Allowed {
		t.Fatalf("bucket did not refill: %+v", d)
	}
}

func TestLimiter_DisabledScopesAlwaysAllow(t *testing.T) {
	l := NewLimiter(LimitScopes{})
	now := time.Unix(1000, 0)
	for i := 0; i < 50; i++ {
		if d := l.Allow("k", "s", "t", now); !d.Allowed {
			t.Fatalf("request %d denied with no buckets configured: %+v", i, d)
		}
	}
}

func TestLimiter_NilIsNoop(t *testing.T) {
	var l *Limiter
	if d := l.Allow("k", "s", "t", time.Now()); !d.Allowed {
		t.Fatalf("nil limiter denied: %+v", d)
	}
}
