package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"perp-monitor/internal/configpatch"
	"perp-monitor/internal/faults"

	"github.com/gin-gonic/gin"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// handleHealth reports liveness plus the worker and reload counters
func (s *Server) handleHealth(c *gin.Context) {
	states := s.deps.States.States()
	failing := 0
	for _, st := range states {
		if st.LastError != "" {
			failing++
		}
	}

	body := gin.H{
		"status":  "healthy",
		"uptime":  time.Since(s.started).Truncate(time.Second).String(),
		"workers": len(states),
		"failing": failing,
	}
	if s.deps.Risk != nil {
		reloads, failures := s.deps.Risk.Stats()
		body["risk_reloads"] = reloads
		body["risk_reload_failures"] = failures
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleStatus(c *gin.Context) {
	successResponse(c, s.deps.States.States())
}

func (s *Server) handleSymbolStatus(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	for _, st := range s.deps.States.States() {
		if st.Symbol == symbol {
			successResponse(c, st)
			return
		}
	}
	errorResponse(c, http.StatusNotFound, "symbol not scheduled in this process")
}

func (s *Server) handleRisk(c *gin.Context) {
	if s.deps.Risk == nil {
		errorResponse(c, http.StatusServiceUnavailable, "risk config not available")
		return
	}
	successResponse(c, s.deps.Risk.Current())
}

func (s *Server) handlePatchAudit(c *gin.Context) {
	if s.deps.Patches == nil {
		errorResponse(c, http.StatusServiceUnavailable, "configuration patches disabled")
		return
	}
	audit, err := s.deps.Patches.Audit(c.Request.Context(), listLimit(c))
	if err != nil {
		s.logger.WithError(err).Warn("reading patch audit failed")
		errorResponse(c, http.StatusInternalServerError, "failed to read patch audit")
		return
	}
	successResponse(c, audit)
}

// handleApplyPatch records an operator override of a symbol's leverage
func (s *Server) handleApplyPatch(c *gin.Context) {
	if s.deps.Patches == nil {
		errorResponse(c, http.StatusServiceUnavailable, "configuration patches disabled")
		return
	}

	var req struct {
		Symbol   string `json:"symbol" binding:"required"`
		Leverage int    `json:"leverage" binding:"required"`
		Reason   string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	p := configpatch.Patch{
		Symbol:   strings.ToUpper(req.Symbol),
		Leverage: req.Leverage,
		Reason:   req.Reason,
		Source:   "ops",
	}
	for _, st := range s.deps.States.States() {
		if st.Symbol == p.Symbol {
			p.PreviousLeverage = st.Leverage
		}
	}

	applied, err := s.deps.Patches.Apply(c.Request.Context(), p)
	switch {
	case err == nil:
		s.logger.WithFields(map[string]interface{}{
			"symbol":   applied.Symbol,
			"leverage": applied.Leverage,
			"previous": applied.PreviousLeverage,
		}).Info("configuration patch applied by operator")
		successResponse(c, applied)
	case faults.Is(err, faults.ConfigurationInvalid):
		errorResponse(c, http.StatusBadRequest, err.Error())
	default:
		s.logger.WithError(err).Warn("applying patch failed")
		errorResponse(c, http.StatusInternalServerError, "failed to apply patch")
	}
}

func (s *Server) handleRecentEvents(c *gin.Context) {
	if s.deps.Events == nil {
		successResponse(c, []interface{}{})
		return
	}
	successResponse(c, s.deps.Events.Recent(listLimit(c)))
}

func listLimit(c *gin.Context) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
