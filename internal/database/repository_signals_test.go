package database

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDuplicateOf(t *testing.T) {
	asOf := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	level := decimal.NewFromInt(20000)

	existing := func(status SignalStatus, levelPrice string, age time.Duration) *Signal {
		return &Signal{
			Status:     status,
			LevelPrice: decimal.RequireFromString(levelPrice),
			CreatedAt:  asOf.Add(-age),
		}
	}

	tests := []struct {
		name     string
		existing *Signal
		level    decimal.Decimal
		want     bool
	}{
		{"same level inside window", existing(StatusActive, "20000", 5*time.Minute), level, true},
		{"just under tolerance", existing(StatusActive, "20019", 5*time.Minute), level, true},
		{"at tolerance boundary", existing(StatusActive, "20020", 5*time.Minute), level, true},
		{"beyond tolerance above", existing(StatusActive, "20021", 5*time.Minute), level, false},
		{"at tolerance below", existing(StatusActive, "19980", 5*time.Minute), level, true},
		{"beyond tolerance below", existing(StatusActive, "19979", 5*time.Minute), level, false},
		{"at window boundary", existing(StatusActive, "20000", duplicateWindow), level, true},
		{"beyond window", existing(StatusActive, "20000", duplicateWindow+time.Second), level, false},
		{"closed signal never suppresses", existing(StatusClosed, "20000", 5*time.Minute), level, false},
		{"zero new level", existing(StatusActive, "20000", 5*time.Minute), decimal.Zero, false},
		{"negative new level", existing(StatusActive, "20000", 5*time.Minute), decimal.NewFromInt(-1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := duplicateOf(tt.existing, tt.level, asOf); got != tt.want {
				t.Errorf("duplicateOf(level=%s, age=%s, status=%s) = %v, want %v",
					tt.existing.LevelPrice, asOf.Sub(tt.existing.CreatedAt), tt.existing.Status, got, tt.want)
			}
		})
	}
}
