package ratelimit

import "testing"

func TestRateLimit_AddWithinLimit(t *testing.T) {
	limit := &RateLimit{MaxCount: 3, UnitSecs: 10}
	limit.Initialise()
	for i := 0; i < 3; i++ {
		if !limit.Add("1.2.3.4", false) {
			t.Fatalf("call %d should be within limit", i)
		}
	}
	if limit.Add("1.2.3.4", false) {
		t.Fatal("fourth call should exceed limit")
	}
}

func TestRateLimit_PerActorIndependent(t *testing.T) {
	limit := &RateLimit{MaxCount: 1, UnitSecs: 10}
	limit.Initialise()
	if !limit.Add("actor-a", false) {
		t.Fatal("actor-a first call should pass")
	}
	if !limit.Add("actor-b", false) {
		t.Fatal("actor-b should have its own independent quota")
	}
	if limit.Add("actor-a", false) {
		t.Fatal("actor-a second call should be rejected")
	}
}
