package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nsebot/tradeengine/internal/auth"
	"github.com/nsebot/tradeengine/internal/database"
	"github.com/nsebot/tradeengine/internal/entry"
	"github.com/nsebot/tradeengine/internal/market"
	"github.com/nsebot/tradeengine/internal/risk"
	"github.com/nsebot/tradeengine/internal/state"
)

// handleHealthz reports component health. The engine trades without
// Postgres or Redis, so a dead optional dependency degrades the response
// instead of failing it; only a configured-but-dead database returns 503.
func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	components := gin.H{}
	status := http.StatusOK

	if s.deps.DB != nil {
		if err := s.deps.DB.HealthCheck(ctx); err != nil {
			components["database"] = "unhealthy"
			status = http.StatusServiceUnavailable
		} else {
			components["database"] = "healthy"
		}
	} else {
		components["database"] = "disabled"
	}

	if s.deps.Cache != nil {
		if s.deps.Cache.Available() {
			components["cache"] = "healthy"
		} else {
			components["cache"] = "degraded"
		}
	} else {
		components["cache"] = "disabled"
	}

	if s.deps.Vault != nil && s.deps.Vault.Enabled() {
		if err := s.deps.Vault.Health(ctx); err != nil {
			components["vault"] = "unhealthy"
		} else {
			components["vault"] = "healthy"
		}
	} else {
		components["vault"] = "disabled"
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":     overall,
		"components": components,
		"uptime_sec": int64(time.Since(s.startedAt).Seconds()),
	})
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	if !s.authEnabled {
		errorResponse(c, http.StatusBadRequest, "authentication is disabled")
		return
	}
	if !s.loginLimiter.Allow("login:" + c.ClientIP()) {
		errorResponse(c, http.StatusTooManyRequests, "too many login attempts")
		return
	}

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "username and password required")
		return
	}

	if req.Username != s.config.Username || !auth.VerifyPassword(req.Password, s.config.PasswordHash) {
		s.logger.Warn().Str("username", req.Username).Str("ip", c.ClientIP()).Msg("Login rejected")
		errorResponse(c, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.jwtManager.GenerateToken(req.Username)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "could not issue token")
		return
	}

	s.logger.Info().Str("username", req.Username).Msg("Operator logged in")
	successResponse(c, gin.H{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   s.jwtManager.TokenTTL(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	now := market.Now()
	snap := s.deps.Store.Snapshot()

	trading, sessionNote := market.IsTradingDay(now)

	statusPayload := gin.H{
		"trading_allowed": snap.IsTradingAllowed,
		"kill_reason":     snap.KillReason,
		"session": gin.H{
			"trading_day": trading,
			"note":        sessionNote,
			"in_session":  market.InSession(now),
			"past_cutoff": market.PastEntryCutoff(now),
		},
		"open_positions": len(s.deps.Store.OpenPositions()),
		"pending_orders": len(s.deps.Store.PendingOrders()),
		"trades_today":   snap.TotalTradesToday,
		"day":            snap.DayKey,
		"ws_clients":     s.hub.ClientCount(),
		"uptime_sec":     int64(time.Since(s.startedAt).Seconds()),
	}

	if s.deps.Manager != nil {
		statusPayload["stagnation_factor"] = s.deps.Manager.StagnationFactor()
	}
	if s.deps.Watchdog != nil {
		statusPayload["stale_components"] = s.deps.Watchdog.StaleComponents()
	}

	successResponse(c, statusPayload)
}

func (s *Server) handleGetPositions(c *gin.Context) {
	successResponse(c, gin.H{
		"positions":      s.deps.Store.OpenPositions(),
		"pending_orders": s.deps.Store.PendingOrders(),
	})
}

// handleClosePosition is the operator's manual exit. It routes through the
// same two-phase machine the monitor loop uses, so the idempotency and
// verification guarantees hold for manual closes too.
func (s *Server) handleClosePosition(c *gin.Context) {
	symbol := c.Param("symbol")

	pos, ok := s.deps.Store.GetPosition(symbol)
	if !ok {
		errorResponse(c, http.StatusNotFound, "no position for "+symbol)
		return
	}
	if pos.Status != state.StatusOpen {
		errorResponse(c, http.StatusConflict, symbol+" is already closed")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	ltp, err := s.deps.Broker.GetLTP(ctx, symbol)
	if err != nil {
		errorResponse(c, http.StatusBadGateway, "could not fetch LTP: "+err.Error())
		return
	}

	s.logger.Info().Str("symbol", symbol).Str("operator", auth.Subject(c)).Msg("Manual close requested")
	s.deps.Manager.ExecuteExit(ctx, symbol, ltp, state.ExitManual)

	after, ok := s.deps.Store.GetPosition(symbol)
	switch {
	case !ok || after.Status == state.StatusClosed:
		successResponse(c, gin.H{
			"symbol":      symbol,
			"closed":      true,
			"exit_price":  after.ExitPrice,
			"exit_reason": after.ExitReason,
		})
	case after.ExitInProgress:
		c.JSON(http.StatusAccepted, gin.H{
			"success": true,
			"data": gin.H{
				"symbol":  symbol,
				"closed":  false,
				"message": "sell placed but unverified, reconciliation will settle it",
			},
		})
	default:
		errorResponse(c, http.StatusBadGateway, "exit order failed, position still open")
	}
}

func (s *Server) handleGetTrades(c *gin.Context) {
	if s.deps.Journal == nil {
		errorResponse(c, http.StatusServiceUnavailable, "trade journal not configured")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if day := c.Query("day"); day != "" {
		trades, err := s.deps.Journal.TradesOn(ctx, day)
		if err != nil {
			errorResponse(c, http.StatusInternalServerError, "journal query failed")
			return
		}
		successResponse(c, trades)
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	trades, err := s.deps.Journal.RecentTrades(ctx, limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "journal query failed")
		return
	}
	successResponse(c, trades)
}

func (s *Server) handleGetTradeSummary(c *gin.Context) {
	if s.deps.Journal == nil {
		errorResponse(c, http.StatusServiceUnavailable, "trade journal not configured")
		return
	}

	day := c.Query("day")
	if day == "" {
		day = market.DayKey(market.Now())
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	summary, err := s.deps.Journal.DailySummary(ctx, day)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "summary query failed")
		return
	}
	successResponse(c, summary)
}

func (s *Server) handleGetEvents(c *gin.Context) {
	if s.deps.Audit == nil {
		errorResponse(c, http.StatusServiceUnavailable, "audit log not configured")
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	evs, err := s.deps.Audit.RecentEvents(ctx, limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "event query failed")
		return
	}
	successResponse(c, evs)
}

type configPayload struct {
	Entry entry.Config `json:"entry"`
	Risk  risk.Config  `json:"risk"`
}

func (s *Server) handleGetConfig(c *gin.Context) {
	entryCfg, riskCfg := s.deps.Entry.Configs()
	successResponse(c, configPayload{Entry: entryCfg, Risk: riskCfg})
}

// handleUpdateConfig overlays the request onto the current settings, so a
// body carrying only the fields to change leaves the rest untouched.
func (s *Server) handleUpdateConfig(c *gin.Context) {
	entryCfg, riskCfg := s.deps.Entry.Configs()
	payload := configPayload{Entry: entryCfg, Risk: riskCfg}

	if err := c.ShouldBindJSON(&payload); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid config body: "+err.Error())
		return
	}
	if err := validateConfig(payload); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	s.deps.Entry.UpdateConfig(payload.Entry, payload.Risk)
	s.logger.Info().Str("operator", auth.Subject(c)).Msg("Config updated")

	// Persist so the tuned values survive a restart. Best-effort: the
	// running engine already has them.
	if s.deps.DB != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), 5*time.Second)
			defer cancel()
			if err := s.deps.DB.SaveConfig(ctx, database.ConfigKeyTuning, raw); err != nil {
				s.logger.Error().Err(err).Msg("Config persist failed")
			}
		}
	}

	successResponse(c, payload)
}

func validateConfig(p configPayload) error {
	switch {
	case p.Entry.MaxTradesPerDay < 1 || p.Entry.MaxTradesPerDay > 20:
		return fmt.Errorf("entry.max_trades_per_day must be 1-20")
	case p.Entry.MaxTradesPerStock < 1 || p.Entry.MaxTradesPerStock > p.Entry.MaxTradesPerDay:
		return fmt.Errorf("entry.max_trades_per_stock must be 1-max_trades_per_day")
	case p.Entry.CandleCount < 25:
		return fmt.Errorf("entry.candle_count must cover the indicator windows (>= 25)")
	case p.Risk.MaxSLPct <= 0 || p.Risk.MaxSLPct > 10:
		return fmt.Errorf("risk.max_sl_pct must be in (0, 10]")
	case p.Risk.MinRiskReward < 1:
		return fmt.Errorf("risk.min_risk_reward must be >= 1")
	case p.Risk.RiskPerTradePct <= 0 || p.Risk.RiskPerTradePct > 5:
		return fmt.Errorf("risk.risk_per_trade_pct must be in (0, 5]")
	case p.Risk.MaxPositionPct <= 0 || p.Risk.MaxPositionPct > 100:
		return fmt.Errorf("risk.max_position_pct must be in (0, 100]")
	case p.Risk.Leverage < 1:
		return fmt.Errorf("risk.leverage must be >= 1")
	case p.Risk.LotSize < 1:
		return fmt.Errorf("risk.lot_size must be >= 1")
	}
	return nil
}

type signalRequest struct {
	Symbol string  `json:"symbol" binding:"required"`
	Price  float64 `json:"price" binding:"required"`
	Grade  string  `json:"grade"`
	Sector string  `json:"sector"`
	Reason string  `json:"reason"`
}

// handleSubmitSignal feeds a signal into the entry pipeline. A gate
// rejection is a normal outcome, not an HTTP error; the operator gets the
// reason back either way.
func (s *Server) handleSubmitSignal(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "symbol and price required")
		return
	}
	if req.Price <= 0 {
		errorResponse(c, http.StatusBadRequest, "price must be positive")
		return
	}
	if req.Grade == "" {
		req.Grade = "A"
	}
	if req.Reason == "" {
		req.Reason = "manual signal"
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	err := s.deps.Entry.Submit(ctx, state.Signal{
		Symbol: req.Symbol,
		Price:  req.Price,
		Grade:  req.Grade,
		Sector: req.Sector,
		Reason: req.Reason,
	})
	if err != nil {
		successResponse(c, gin.H{"accepted": false, "reason": err.Error()})
		return
	}
	successResponse(c, gin.H{"accepted": true, "symbol": req.Symbol})
}

type toggleRequest struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason"`
}

func (s *Server) handleToggleTrading(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid toggle body")
		return
	}

	if req.Enabled {
		// Route through the watchdog so trading cannot resume while a
		// loop is still stale.
		if s.deps.Watchdog != nil {
			if err := s.deps.Watchdog.Reset(); err != nil {
				errorResponse(c, http.StatusConflict, err.Error())
				return
			}
		} else {
			s.deps.Store.EnableTrading()
		}
	} else {
		reason := req.Reason
		if reason == "" {
			reason = "manual disable by " + auth.Subject(c)
		}
		s.deps.Store.DisableTrading(reason)
	}

	s.logger.Info().Bool("enabled", req.Enabled).Str("operator", auth.Subject(c)).Msg("Trading toggled")
	successResponse(c, gin.H{"trading_allowed": s.deps.Store.TradingAllowed()})
}

func (s *Server) handleKillSwitchReset(c *gin.Context) {
	if s.deps.Watchdog == nil {
		errorResponse(c, http.StatusServiceUnavailable, "watchdog not running")
		return
	}
	if err := s.deps.Watchdog.Reset(); err != nil {
		errorResponse(c, http.StatusConflict, err.Error())
		return
	}

	s.logger.Info().Str("operator", auth.Subject(c)).Msg("Kill switch reset")
	successResponse(c, gin.H{"trading_allowed": s.deps.Store.TradingAllowed()})
}

func (s *Server) handleReconcile(c *gin.Context) {
	if s.deps.Reconciler == nil {
		errorResponse(c, http.StatusServiceUnavailable, "reconciler not running")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	report, err := s.deps.Reconciler.Reconcile(ctx)
	if err != nil {
		errorResponse(c, http.StatusBadGateway, "reconciliation failed: "+err.Error())
		return
	}

	s.logger.Info().Str("operator", auth.Subject(c)).Msg("Manual reconciliation")
	successResponse(c, gin.H{"report": report, "changed": !report.Empty()})
}
