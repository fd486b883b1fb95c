package approval

import (
	"testing"
	"time"
)

func TestIsLivePendingNotExpired(t *testing.T) {
	a := Approval{Status: StatusPending, ExpiresAt: time.Now().Add(time.Minute)}
	if !a.IsLive(time.Now()) {
		t.Fatalf("expected live")
	}
}

func TestIsLiveFalseWhenExpired(t *testing.T) {
	a := Approval{Status: StatusPending, ExpiresAt: time.Now().Add(-time.Minute)}
	if a.IsLive(time.Now()) {
		t.Fatalf("expected not live past expiry")
	}
}

func TestIsLiveFalseWhenNotPending(t *testing.T) {
	a := Approval{Status: StatusApproved, ExpiresAt: time.Now().Add(time.Minute)}
	if a.IsLive(time.Now()) {
		t.Fatalf("expected not live when not pending")
	}
}

func TestIsConsumable(t *testing.T) {
	a := Approval{Status: StatusApproved}
	if !a.IsConsumable() {
		t.Fatalf("expected consumable")
	}
	now := time.Now()
	a.ConsumedAt = &now
	if a.IsConsumable() {
		t.Fatalf("expected not consumable once consumed")
	}
}
