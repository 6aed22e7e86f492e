package security

import (
	"strconv"
	"testing"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(1, 2, nil)
	defer rl.Stop()

	if !rl.Allow("203.0.113.1") {
		t.Error("first request should be allowed")
	}
	if !rl.Allow("203.0.113.1") {
		t.Error("second request should be within burst")
	}
	if rl.Allow("203.0.113.1") {
		t.Error("third immediate request should be rejected")
	}
}

func TestRateLimiter_SeparateIdentifiers(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	defer rl.Stop()

	if !rl.Allow("203.0.113.1") {
		t.Error("first identifier should be allowed")
	}
	if !rl.Allow("203.0.113.2") {
		t.Error("a different identifier must have its own bucket")
	}
}

func TestRateLimiter_BoundedEntries(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	defer rl.Stop()
	rl.maxEntries = 10

	for i := 0; i < 25; i++ {
		rl.Allow("id-" + strconv.Itoa(i))
	}

	if size := rl.Size(); size > 10 {
		t.Errorf("Size() = %d, want at most 10", size)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	rl.Stop()
	rl.Stop()
}
