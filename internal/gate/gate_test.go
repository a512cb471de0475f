package gate

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func newTestGate(initial bool) *Gate {
	return New(nil, initial, zerolog.Nop())
}

func TestFallbackDefaultsToSeed(t *testing.T) {
	ctx := context.Background()

	if g := newTestGate(false); g.IsLiveEnabled(ctx) {
		t.Error("gate seeded disabled should report disabled")
	}
	if g := newTestGate(true); !g.IsLiveEnabled(ctx) {
		t.Error("gate seeded enabled should report enabled")
	}
}

func TestSetLiveEnabledWithoutCache(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(false)

	if err := g.SetLiveEnabled(ctx, true, ByOperator); err != nil {
		t.Fatalf("SetLiveEnabled: %v", err)
	}
	if !g.IsLiveEnabled(ctx) {
		t.Error("gate should be enabled after set")
	}

	if err := g.SetLiveEnabled(ctx, false, ByRisk); err != nil {
		t.Fatalf("SetLiveEnabled: %v", err)
	}
	if g.IsLiveEnabled(ctx) {
		t.Error("gate should be disabled after risk set")
	}
}

func TestRiskTripMarker(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(true)

	if _, tripped := g.RiskTrip(ctx); tripped {
		t.Error("new gate should have no trip marker")
	}

	if err := g.SetRiskTrip(ctx, "daily loss limit"); err != nil {
		t.Fatalf("SetRiskTrip: %v", err)
	}
	reason, tripped := g.RiskTrip(ctx)
	if !tripped || reason != "daily loss limit" {
		t.Errorf("trip marker = (%q, %v), want (daily loss limit, true)", reason, tripped)
	}

	// An operator re-enable must not clear the marker by itself.
	if err := g.SetLiveEnabled(ctx, true, ByOperator); err != nil {
		t.Fatalf("SetLiveEnabled: %v", err)
	}
	if _, tripped := g.RiskTrip(ctx); !tripped {
		t.Error("trip marker should survive operator re-enable")
	}

	if err := g.ClearRiskTrip(ctx); err != nil {
		t.Fatalf("ClearRiskTrip: %v", err)
	}
	if _, tripped := g.RiskTrip(ctx); tripped {
		t.Error("trip marker should be gone after clear")
	}
}
