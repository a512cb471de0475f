package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"bybit-levels-bot/internal/database"
	"bybit-levels-bot/internal/gate"
)

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	dbHealthy := true
	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
		dbHealthy = false
	}

	c.JSON(code, gin.H{
		"status":   status,
		"database": dbHealthy,
		"time":     time.Now().UTC(),
	})
}

func (s *Server) handleListSignals(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1..1000"})
			return
		}
		limit = parsed
	}

	signals, err := s.store.ListAll(c.Request.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list signals")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list signals"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": signals, "count": len(signals)})
}

func (s *Server) handleGetSignal(c *gin.Context) {
	id, ok := s.signalID(c)
	if !ok {
		return
	}

	signal, err := s.store.GetSignal(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrSignalNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "signal not found"})
			return
		}
		s.log.Error().Err(err).Int64("signal_id", id).Msg("failed to load signal")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load signal"})
		return
	}
	c.JSON(http.StatusOK, signal)
}

func (s *Server) handleSignalLogs(c *gin.Context) {
	id, ok := s.signalID(c)
	if !ok {
		return
	}

	logs, err := s.store.SignalLogs(c.Request.Context(), id)
	if err != nil {
		s.log.Error().Err(err).Int64("signal_id", id).Msg("failed to load signal logs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load signal logs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signal_id": id, "logs": logs})
}

func (s *Server) handleGetGate(c *gin.Context) {
	reason, tripped := s.gate.RiskTrip(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"live_enabled": s.gate.IsLiveEnabled(c.Request.Context()),
		"risk_trip":    tripped,
		"trip_reason":  reason,
	})
}

type setGateRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) handleSetGate(c *gin.Context) {
	var req setGateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"enabled\": bool}"})
		return
	}

	if err := s.gate.SetLiveEnabled(c.Request.Context(), *req.Enabled, gate.ByOperator); err != nil {
		s.log.Error().Err(err).Bool("enabled", *req.Enabled).Msg("failed to toggle gate")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to toggle gate"})
		return
	}
	s.log.Info().Bool("enabled", *req.Enabled).Msg("live trading toggled by operator")
	c.JSON(http.StatusOK, gin.H{"live_enabled": *req.Enabled})
}

func (s *Server) handleForceReconcile(c *gin.Context) {
	if !s.control.ForceSweep(c.Request.Context()) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciler not running"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sweep scheduled"})
}

// createSignalRequest is the analyzer's ingress payload.
type createSignalRequest struct {
	Pair               string          `json:"pair" binding:"required"`
	Side               string          `json:"side" binding:"required"`
	LevelPrice         decimal.Decimal `json:"level_price"`
	ElderScreen1Passed bool            `json:"elder_screen_1_passed"`
	ElderScreen2Passed bool            `json:"elder_screen_2_passed"`
	// analyzer-supplied stop, stored but not used for bracket math
	StopLossPrice decimal.Decimal `json:"stop_loss_price"`
}

func (s *Server) handleCreateSignal(c *gin.Context) {
	var req createSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signal payload"})
		return
	}

	side := database.Side(req.Side)
	if side != database.SideLong && side != database.SideShort {
		c.JSON(http.StatusBadRequest, gin.H{"error": "side must be LONG or SHORT"})
		return
	}
	if !req.LevelPrice.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "level_price must be positive"})
		return
	}

	signal := &database.Signal{
		Pair:               database.TradingPair{Symbol: req.Pair},
		Side:               side,
		LevelPrice:         req.LevelPrice,
		StopLossPrice:      req.StopLossPrice,
		Status:             database.StatusActive,
		CreatedAt:          time.Now().UTC(),
		ElderScreen1Passed: req.ElderScreen1Passed,
		ElderScreen2Passed: req.ElderScreen2Passed,
	}

	id, err := s.store.CreateSignal(c.Request.Context(), signal)
	if err != nil {
		if errors.Is(err, database.ErrDuplicateSignal) {
			c.JSON(http.StatusConflict, gin.H{"error": "duplicate signal", "signal_id": id})
			return
		}
		s.log.Error().Err(err).Str("pair", req.Pair).Msg("failed to create signal")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create signal"})
		return
	}

	s.control.SubmitSignal(c.Request.Context(), id)
	c.JSON(http.StatusCreated, gin.H{"signal_id": id})
}

func (s *Server) signalID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signal id"})
		return 0, false
	}
	return id, true
}
