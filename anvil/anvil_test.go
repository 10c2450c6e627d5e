package anvil

import (
	"context"
	"testing"
)

func TestLocalFallback_AllowsWithinLimit(t *testing.T) {
	reg := NewLocalFallback(2, 10, nil)
	ctx := context.Background()
	allowed, err := reg.Query(ctx, "lmtp", "alice")
	if err != nil || !allowed {
		t.Fatalf("first query should be allowed, got allowed=%v err=%v", allowed, err)
	}
	allowed, err = reg.Query(ctx, "lmtp", "alice")
	if err != nil || !allowed {
		t.Fatalf("second query should be allowed, got allowed=%v err=%v", allowed, err)
	}
	allowed, err = reg.Query(ctx, "lmtp", "alice")
	if err != nil || allowed {
		t.Fatalf("third query should be denied, got allowed=%v err=%v", allowed, err)
	}
}

func TestLocalFallback_PerUserIndependent(t *testing.T) {
	reg := NewLocalFallback(1, 10, nil)
	ctx := context.Background()
	if allowed, _ := reg.Query(ctx, "lmtp", "alice"); !allowed {
		t.Fatal("alice first query should be allowed")
	}
	if allowed, _ := reg.Query(ctx, "lmtp", "bob"); !allowed {
		t.Fatal("bob should have independent quota")
	}
}
