package database

import (
	"testing"
	"time"
)

func TestTradeStatusPredicates(t *testing.T) {
	tests := []struct {
		status       TradeStatus
		retryable    bool
		openOrder    bool
		openPosition bool
		invalidated  bool
	}{
		{TradeStatusNone, true, false, false, false},
		{TradeStatusWaitingForPrice, true, false, false, false},
		{TradeStatusFailed, true, false, false, false},
		{TradeStatusCancelled, true, false, false, false},
		{TradeStatusLiveDisabled, true, false, false, false},
		{TradeStatusSignalTooOld, true, false, false, false},
		{TradeStatusSubmitting, false, true, false, false},
		{TradeStatusPlaced, false, true, false, false},
		{TradeStatusOpen, false, true, false, false},
		{TradeStatusFilled, false, false, true, false},
		{TradeStatusOpenPosition, false, false, true, false},
		{TradeStatusSLToBreakeven, false, false, true, false},
		{TradeStatusLevelBroken, false, false, false, true},
		{TradeStatusPriceDeviation, false, false, false, true},
		{TradeStatusElderScreensFailed, false, false, false, false},
		{TradeStatusOrderCancelled, false, false, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsRetryable(); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
			if got := tt.status.HasOpenEntryOrder(); got != tt.openOrder {
				t.Errorf("HasOpenEntryOrder() = %v, want %v", got, tt.openOrder)
			}
			if got := tt.status.IsOpenPosition(); got != tt.openPosition {
				t.Errorf("IsOpenPosition() = %v, want %v", got, tt.openPosition)
			}
			if got := tt.status.IsInvalidated(); got != tt.invalidated {
				t.Errorf("IsInvalidated() = %v, want %v", got, tt.invalidated)
			}
		})
	}
}

func TestInvalidatedStatesAreNotRetryable(t *testing.T) {
	// invalidated signals re-enter only through reconciler revival, never
	// through a direct retry
	for _, s := range []TradeStatus{TradeStatusLevelBroken, TradeStatusPriceDeviation} {
		if s.IsRetryable() {
			t.Errorf("%s must not be retryable", s)
		}
		if !s.IsWaitingFamily() {
			t.Errorf("%s must stay in the waiting family for orphan detection", s)
		}
	}
}

func TestNormalizeVenueStatus(t *testing.T) {
	tests := []struct {
		in   string
		want TradeStatus
	}{
		{"New", TradeStatusPlaced},
		{"Created", TradeStatusPlaced},
		{"Untriggered", TradeStatusPlaced},
		{"PartiallyFilled", TradeStatusOpen},
		{"Filled", TradeStatusFilled},
		{"FILLED", TradeStatusFilled},
		{"something-unknown", TradeStatusPlaced},
	}
	for _, tt := range tests {
		if got := NormalizeVenueStatus(tt.in); got != tt.want {
			t.Errorf("NormalizeVenueStatus(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSignalAge(t *testing.T) {
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	s := &Signal{CreatedAt: now.Add(-25 * time.Minute)}
	if got := s.Age(now); got != 25*time.Minute {
		t.Errorf("Age() = %v, want 25m", got)
	}
}
