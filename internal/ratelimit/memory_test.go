package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiterAllowsWithinBurstThenDenies(t *testing.T) {
	m := NewMemoryLimiter(time.Minute, time.Minute)
	defer m.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		dec, err := m.Allow(ctx, "k", 1, 3, 1)
		if err != nil {
			t.Fatal(err)
		}
		if !dec.Allowed {
			t.Fatalf("expected call %d to be allowed within burst of 3", i)
		}
	}
	dec, err := m.Allow(ctx, "k", 1, 3, 1)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Allowed {
		t.Fatal("expected the 4th call to be denied after exhausting the burst")
	}
	if dec.RetryAfterSeconds <= 0 {
		t.Fatal("expected a positive retry-after on denial")
	}
}

func TestMemoryLimiterTracksKeysIndependently(t *testing.T) {
	m := NewMemoryLimiter(time.Minute, time.Minute)
	defer m.Close()

	ctx := context.Background()
	if dec, _ := m.Allow(ctx, "a", 1, 1, 1); !dec.Allowed {
		t.Fatal("expected first call for key a to be allowed")
	}
	if dec, _ := m.Allow(ctx, "a", 1, 1, 1); dec.Allowed {
		t.Fatal("expected second call for key a to be denied")
	}
	if dec, _ := m.Allow(ctx, "b", 1, 1, 1); !dec.Allowed {
		t.Fatal("expected key b to have its own independent budget")
	}
}

func TestMemoryLimiterZeroCostAlwaysAllows(t *testing.T) {
	m := NewMemoryLimiter(time.Minute, time.Minute)
	defer m.Close()

	ctx := context.Background()
	m.Allow(ctx, "k", 1, 1, 1) // exhaust the single token
	dec, err := m.Allow(ctx, "k", 1, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Allowed {
		t.Fatal("expected a zero-cost check to always be allowed")
	}
}

func TestMemoryLimiterGCEvictsStaleEntries(t *testing.T) {
	m := NewMemoryLimiter(5*time.Millisecond, 5*time.Millisecond)
	defer m.Close()

	ctx := context.Background()
	m.Allow(ctx, "k", 1, 1, 1)

	time.Sleep(30 * time.Millisecond)

	m.mu.Lock()
	_, present := m.m["k"]
	m.mu.Unlock()
	if present {
		t.Fatal("expected the gc loop to evict the stale entry")
	}
}
