package trading

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"bybit-levels-bot/internal/database"
)

func TestDeviationPct(t *testing.T) {
	cases := []struct {
		current, level, want string
	}{
		{"20000", "20000", "0"},
		{"20100", "20000", "0.5"},
		{"19900", "20000", "0.5"},
		{"20400", "20000", "2"},
		{"100", "0", "0"},
	}
	for _, tc := range cases {
		got := deviationPct(mustDec(tc.current), mustDec(tc.level))
		if !got.Equal(mustDec(tc.want)) {
			t.Errorf("deviationPct(%s, %s) = %s, want %s", tc.current, tc.level, got, tc.want)
		}
	}
}

func TestInvalidate(t *testing.T) {
	cases := []struct {
		name    string
		side    database.Side
		level   string
		current string
		status  database.TradeStatus
		bad     bool
	}{
		{"long at level", database.SideLong, "20000", "20005", "", false},
		{"long slightly below", database.SideLong, "20000", "19970", "", false},
		{"long broken", database.SideLong, "20000", "19940", database.TradeStatusLevelBroken, true},
		{"short slightly above", database.SideShort, "20000", "20030", "", false},
		{"short broken", database.SideShort, "20000", "20060", database.TradeStatusLevelBroken, true},
		{"short below is favorable", database.SideShort, "20000", "19800", "", false},
		{"way above", database.SideLong, "20000", "20500", database.TradeStatusPriceDeviation, true},
		{"way below short", database.SideShort, "20000", "19500", database.TradeStatusPriceDeviation, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, bad := invalidate(tc.side, mustDec(tc.level), mustDec(tc.current))
			if bad != tc.bad || status != tc.status {
				t.Errorf("invalidate = (%s, %t), want (%s, %t)", status, bad, tc.status, tc.bad)
			}
		})
	}
}

func TestAllowedDeviationPct(t *testing.T) {
	cases := []struct {
		vol  string
		err  error
		want string
	}{
		{"0", nil, "0.4"},
		{"1", nil, "0.7"},
		{"3", nil, "1.0"},  // clamped to the ceiling
		{"0.5", errors.New("no klines"), "0.4"}, // fallback on error
	}
	for _, tc := range cases {
		got := allowedDeviationPct(mustDec(tc.vol), tc.err)
		if !got.Equal(mustDec(tc.want)) {
			t.Errorf("allowedDeviationPct(%s, %v) = %s, want %s", tc.vol, tc.err, got, tc.want)
		}
	}
}

func TestTooFarPct(t *testing.T) {
	if got := tooFarPct(decimal.NewFromFloat(0.4)); !got.Equal(mustDec("1.2")) {
		t.Errorf("tooFarPct(0.4) = %s, want 1.2", got)
	}
}
