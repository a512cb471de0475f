// Package gate holds the process-wide live-trading switch. The value is
// persisted in redis so restarts and other processes see it; an in-memory
// fallback cell mirrors the last known value so a cache outage never silently
// reports "enabled".
package gate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	keyLiveEnabled = "gate:live_enabled"
	keyRiskTrip    = "gate:risk_trip"

	// gateTTL keeps the flag long-lived but not immortal; a forgotten demo
	// deployment eventually falls back to disabled.
	gateTTL = 30 * 24 * time.Hour
)

// Actor identifies who flipped the gate.
const (
	ByOperator = "operator"
	ByRisk     = "risk_manager"
)

// Gate is the trading-mode gate. A nil redis client degrades to pure
// in-memory operation.
type Gate struct {
	client *redis.Client
	log    zerolog.Logger

	mu              sync.RWMutex
	fallbackEnabled bool
	fallbackTrip    string
}

// New creates the gate. initial seeds the fallback cell; the persisted value
// wins whenever redis is reachable.
func New(client *redis.Client, initial bool, logger zerolog.Logger) *Gate {
	return &Gate{
		client:          client,
		fallbackEnabled: initial,
		log:             logger.With().Str("component", "gate").Logger(),
	}
}

// IsLiveEnabled reports whether live trading is authorized right now.
func (g *Gate) IsLiveEnabled(ctx context.Context) bool {
	if g.client == nil {
		g.mu.RLock()
		defer g.mu.RUnlock()
		return g.fallbackEnabled
	}

	val, err := g.client.Get(ctx, keyLiveEnabled).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			g.log.Warn().Err(err).Msg("gate cache unavailable, using fallback value")
		}
		g.mu.RLock()
		defer g.mu.RUnlock()
		return g.fallbackEnabled
	}

	enabled := val == "1"
	g.mu.Lock()
	g.fallbackEnabled = enabled
	g.mu.Unlock()
	return enabled
}

// SetLiveEnabled flips the gate and records who did it. The fallback cell is
// written first so the new value holds even when the cache write fails.
func (g *Gate) SetLiveEnabled(ctx context.Context, enabled bool, by string) error {
	g.mu.Lock()
	g.fallbackEnabled = enabled
	g.mu.Unlock()

	g.log.Info().Bool("enabled", enabled).Str("by", by).Msg("live trading gate changed")

	if g.client == nil {
		return nil
	}
	val := "0"
	if enabled {
		val = "1"
	}
	if err := g.client.Set(ctx, keyLiveEnabled, val, gateTTL).Err(); err != nil {
		g.log.Warn().Err(err).Msg("failed to persist gate value")
		return err
	}
	return nil
}

// RiskTrip returns the active risk-trip marker, if any. The marker survives
// operator re-enables so the risk manager can tell an override apart from a
// fresh breach.
func (g *Gate) RiskTrip(ctx context.Context) (string, bool) {
	if g.client != nil {
		val, err := g.client.Get(ctx, keyRiskTrip).Result()
		if err == nil {
			g.mu.Lock()
			g.fallbackTrip = val
			g.mu.Unlock()
			return val, val != ""
		}
		if !errors.Is(err, redis.Nil) {
			g.log.Warn().Err(err).Msg("gate cache unavailable, using fallback trip marker")
		} else {
			g.mu.Lock()
			g.fallbackTrip = ""
			g.mu.Unlock()
			return "", false
		}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.fallbackTrip, g.fallbackTrip != ""
}

// SetRiskTrip records a risk-limit breach marker.
func (g *Gate) SetRiskTrip(ctx context.Context, reason string) error {
	g.mu.Lock()
	g.fallbackTrip = reason
	g.mu.Unlock()

	if g.client == nil {
		return nil
	}
	if err := g.client.Set(ctx, keyRiskTrip, reason, gateTTL).Err(); err != nil {
		g.log.Warn().Err(err).Msg("failed to persist risk trip marker")
		return err
	}
	return nil
}

// ClearRiskTrip removes the breach marker once limits are back in range.
func (g *Gate) ClearRiskTrip(ctx context.Context) error {
	g.mu.Lock()
	g.fallbackTrip = ""
	g.mu.Unlock()

	if g.client == nil {
		return nil
	}
	if err := g.client.Del(ctx, keyRiskTrip).Err(); err != nil {
		g.log.Warn().Err(err).Msg("failed to clear risk trip marker")
		return err
	}
	return nil
}
